package proto

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestDecodeVariants(t *testing.T) {
	cases := []struct {
		line string
		want Type
	}{
		{`{"src":"c1","dest":"n1","body":{"type":"init","msg_id":1,"node_id":"n1","node_ids":["n1","n2"]}}`, TypeInit},
		{`{"src":"c1","dest":"n1","body":{"type":"broadcast","msg_id":2,"message":42}}`, TypeBroadcast},
		{`{"src":"n2","dest":"n1","body":{"type":"whisper","messages":[1,2,3]}}`, TypeWhisper},
		{`{"src":"seq-kv","dest":"n1","body":{"type":"read_ok","value":14,"in_reply_to":7}}`, TypeReadOk},
		{`{"id":9,"src":"seq-kv","dest":"n1","body":{"type":"error","code":22,"text":"expected 10","in_reply_to":8}}`, TypeError},
	}
	for _, c := range cases {
		m, err := Decode([]byte(c.line))
		if err != nil {
			t.Fatalf("Decode(%s): %v", c.line, err)
		}
		if got := m.Body.Kind(); got != c.want {
			t.Fatalf("kind = %q, want %q", got, c.want)
		}
	}
}

func TestDecodeFields(t *testing.T) {
	m, err := Decode([]byte(`{"id":3,"src":"seq-kv","dest":"n1","body":{"type":"error","code":20,"text":"not found","in_reply_to":5}}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	e, ok := m.Body.(*Error)
	if !ok {
		t.Fatalf("body is %T, want *Error", m.Body)
	}
	if m.ID != 3 || m.Src != "seq-kv" || e.Code != 20 || e.InReplyTo != 5 {
		t.Fatalf("unexpected decode: %+v %+v", m, e)
	}
}

func TestDecodeRejectsUnknownAndMalformed(t *testing.T) {
	if _, err := Decode([]byte(`{"src":"c1","dest":"n1","body":{"type":"frobnicate"}}`)); !errors.Is(err, ErrUnknownType) {
		t.Fatalf("unknown type err = %v, want ErrUnknownType", err)
	}
	if _, err := Decode([]byte(`{"src":"c1","dest":"n1"}`)); !errors.Is(err, ErrNoBody) {
		t.Fatalf("missing body err = %v, want ErrNoBody", err)
	}
	if _, err := Decode([]byte(`{not json`)); err == nil {
		t.Fatalf("expected error for malformed line")
	}
}

func TestEncodeSetsTypeAndReply(t *testing.T) {
	req := Message{Src: "c1", Dest: "n1", Body: &Add{Header: Header{MsgID: 11}, Delta: 5}}
	out := req.Reply(&AddOk{}, 4)
	data, err := Encode(out)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	s := string(data)
	for _, want := range []string{`"src":"n1"`, `"dest":"c1"`, `"type":"add_ok"`, `"in_reply_to":11`, `"msg_id":4`} {
		if !strings.Contains(s, want) {
			t.Fatalf("encoded %s missing %s", s, want)
		}
	}
}

func TestReaderWriterLines(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	msgs := []Message{
		{Src: "n1", Dest: "n2", Body: &Whisper{Messages: []int{1, 2}}},
		{Src: "n2", Dest: "n1", Body: &WhisperOk{Messages: []int{1, 2}}},
	}
	for _, m := range msgs {
		if err := w.Write(m); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}

	r := NewReader(strings.NewReader(buf.String() + "\n"))
	var kinds []Type
	for {
		line, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		m, err := Decode(line)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		kinds = append(kinds, m.Body.Kind())
	}
	if len(kinds) != 2 || kinds[0] != TypeWhisper || kinds[1] != TypeWhisperOk {
		t.Fatalf("kinds = %v", kinds)
	}
}
