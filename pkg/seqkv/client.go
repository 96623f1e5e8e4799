// Package seqkv builds requests for the external key-value service and
// normalizes its replies. It holds no state: responses arrive later as
// ordinary inbound messages and are matched by msg_id in the counter engine.
package seqkv

import "github.com/ryandielhenn/glomer/pkg/proto"

const DefaultAddr = "seq-kv"

// Client addresses a single key on one store service.
type Client struct {
	addr string
	key  string
}

func New(addr, key string) *Client {
	if addr == "" {
		addr = DefaultAddr
	}
	return &Client{addr: addr, key: key}
}

func (c *Client) Addr() string { return c.addr }
func (c *Client) Key() string  { return c.key }

func (c *Client) Read(src string, msgID int64) proto.Message {
	return c.msg(src, &proto.Read{Header: proto.Header{MsgID: msgID}, Key: c.key})
}

func (c *Client) Write(src string, msgID, value int64) proto.Message {
	return c.msg(src, &proto.Write{Header: proto.Header{MsgID: msgID}, Key: c.key, Value: value})
}

func (c *Client) CAS(src string, msgID, from, to int64) proto.Message {
	return c.msg(src, &proto.Cas{Header: proto.Header{MsgID: msgID}, Key: c.key, From: from, To: to})
}

// CASOrCreate is CAS that creates the key with value to when it is missing.
func (c *Client) CASOrCreate(src string, msgID, from, to int64) proto.Message {
	return c.msg(src, &proto.Cas{Header: proto.Header{MsgID: msgID}, Key: c.key, From: from, To: to, CreateIfNotExists: true})
}

func (c *Client) msg(src string, body proto.Body) proto.Message {
	return proto.Message{Src: src, Dest: c.addr, Body: body}
}

// Kind of a store reply.
type Kind int

const (
	ReadOk Kind = iota + 1
	WriteOk
	CasOk
	Failed
)

func (k Kind) String() string {
	switch k {
	case ReadOk:
		return "read_ok"
	case WriteOk:
		return "write_ok"
	case CasOk:
		return "cas_ok"
	case Failed:
		return "error"
	}
	return "unknown"
}

// Response is a store reply reduced to what the counter engine needs.
type Response struct {
	Kind      Kind
	InReplyTo int64
	Value     int64  // ReadOk
	Err       *Error // Failed
}

// Parse reports whether body is a store reply and, if so, its normalized form.
func Parse(body proto.Body) (Response, bool) {
	h := body.Hdr()
	switch b := body.(type) {
	case *proto.ValueReadOk:
		return Response{Kind: ReadOk, InReplyTo: h.InReplyTo, Value: b.Value}, true
	case *proto.WriteOk:
		return Response{Kind: WriteOk, InReplyTo: h.InReplyTo}, true
	case *proto.CasOk:
		return Response{Kind: CasOk, InReplyTo: h.InReplyTo}, true
	case *proto.Error:
		return Response{Kind: Failed, InReplyTo: h.InReplyTo, Err: &Error{Code: Code(b.Code), Text: b.Text}}, true
	}
	return Response{}, false
}

// Reply renders the outcome of executing req against a backend as the
// message the store would send back.
func Reply(req proto.Message, value int64, err error) proto.Message {
	var body proto.Body
	switch {
	case err != nil:
		body = &proto.Error{Code: int(CodeOf(err)), Text: err.Error()}
	default:
		switch req.Body.(type) {
		case *proto.Read:
			body = &proto.ValueReadOk{Value: value}
		case *proto.Write:
			body = &proto.WriteOk{}
		case *proto.Cas:
			body = &proto.CasOk{}
		default:
			body = &proto.Error{Code: int(NotSupported), Text: "unsupported operation " + string(req.Body.Kind())}
		}
	}
	return req.Reply(body, 0)
}
