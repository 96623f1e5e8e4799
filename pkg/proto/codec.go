package proto

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"sync"

	gjson "github.com/goccy/go-json"
)

var (
	ErrUnknownType = errors.New("proto: unknown body type")
	ErrNoBody      = errors.New("proto: message has no body")
)

// maxLine bounds a single decoded line; read_ok replies for large broadcast
// sets are the longest messages we see.
const maxLine = 4 << 20

// inbound maps each kind a node (or an in-process store) can receive to a
// constructor for its variant.
var inbound = map[Type]func() Body{
	TypeInit:      func() Body { return &Init{} },
	TypeEcho:      func() Body { return &Echo{} },
	TypeGenerate:  func() Body { return &Generate{} },
	TypeBroadcast: func() Body { return &Broadcast{} },
	TypeRead:      func() Body { return &Read{} },
	TypeTopology:  func() Body { return &Topology{} },
	TypeAdd:       func() Body { return &Add{} },
	TypeWhisper:   func() Body { return &Whisper{} },
	TypeWhisperOk: func() Body { return &WhisperOk{} },
	TypeReadOk:    func() Body { return &ValueReadOk{} },
	TypeWrite:     func() Body { return &Write{} },
	TypeWriteOk:   func() Body { return &WriteOk{} },
	TypeCas:       func() Body { return &Cas{} },
	TypeCasOk:     func() Body { return &CasOk{} },
	TypeError:     func() Body { return &Error{} },
}

type wireMessage struct {
	ID   int64            `json:"id,omitempty"`
	Src  string           `json:"src"`
	Dest string           `json:"dest"`
	Body gjson.RawMessage `json:"body"`
}

type wireOut struct {
	ID   int64  `json:"id,omitempty"`
	Src  string `json:"src"`
	Dest string `json:"dest"`
	Body Body   `json:"body"`
}

// Encode renders m as one JSON object without a trailing newline.
func Encode(m Message) ([]byte, error) {
	if m.Body == nil {
		return nil, ErrNoBody
	}
	m.Body.Hdr().Type = m.Body.Kind()
	return gjson.Marshal(wireOut{ID: m.ID, Src: m.Src, Dest: m.Dest, Body: m.Body})
}

// Decode parses one line into a Message with a typed Body.
func Decode(line []byte) (Message, error) {
	var w wireMessage
	if err := gjson.Unmarshal(line, &w); err != nil {
		return Message{}, fmt.Errorf("decode envelope: %w", err)
	}
	if len(w.Body) == 0 {
		return Message{}, ErrNoBody
	}
	var h Header
	if err := gjson.Unmarshal(w.Body, &h); err != nil {
		return Message{}, fmt.Errorf("decode body header: %w", err)
	}
	mk, ok := inbound[h.Type]
	if !ok {
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownType, h.Type)
	}
	body := mk()
	if err := gjson.Unmarshal(w.Body, body); err != nil {
		return Message{}, fmt.Errorf("decode %s body: %w", h.Type, err)
	}
	return Message{ID: w.ID, Src: w.Src, Dest: w.Dest, Body: body}, nil
}

// Reader yields newline-delimited messages.
type Reader struct {
	sc *bufio.Scanner
}

func NewReader(r io.Reader) *Reader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64<<10), maxLine)
	return &Reader{sc: sc}
}

// Next returns the next raw line, or io.EOF once input is exhausted.
// Blank lines are skipped.
func (r *Reader) Next() ([]byte, error) {
	for r.sc.Scan() {
		line := r.sc.Bytes()
		if len(line) == 0 {
			continue
		}
		return append([]byte(nil), line...), nil
	}
	if err := r.sc.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// Writer serializes messages to w, one per line. Safe for concurrent use.
type Writer struct {
	mu sync.Mutex
	w  *bufio.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w)}
}

func (w *Writer) Write(m Message) error {
	data, err := Encode(m)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.w.Write(data); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	return w.w.Flush()
}
