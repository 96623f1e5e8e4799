package proto

// Type is the body discriminator carried in the "type" field.
type Type string

// Client-facing kinds.
const (
	TypeInit        Type = "init"
	TypeInitOk      Type = "init_ok"
	TypeEcho        Type = "echo"
	TypeEchoOk      Type = "echo_ok"
	TypeGenerate    Type = "generate"
	TypeGenerateOk  Type = "generate_ok"
	TypeBroadcast   Type = "broadcast"
	TypeBroadcastOk Type = "broadcast_ok"
	TypeRead        Type = "read"
	TypeReadOk      Type = "read_ok"
	TypeTopology    Type = "topology"
	TypeTopologyOk  Type = "topology_ok"
	TypeAdd         Type = "add"
	TypeAddOk       Type = "add_ok"
)

// Inter-node kinds.
const (
	TypeWhisper   Type = "whisper"
	TypeWhisperOk Type = "whisper_ok"
)

// Store-facing kinds. read and read_ok share their tag with the client
// kinds; direction decides which shape applies.
const (
	TypeWrite   Type = "write"
	TypeWriteOk Type = "write_ok"
	TypeCas     Type = "cas"
	TypeCasOk   Type = "cas_ok"
	TypeError   Type = "error"
)

// Header holds the fields every body shares.
type Header struct {
	Type      Type  `json:"type"`
	MsgID     int64 `json:"msg_id,omitempty"`
	InReplyTo int64 `json:"in_reply_to,omitempty"`
}

func (h *Header) Hdr() *Header { return h }

// Body is one payload variant. The set of implementations is closed and
// listed in this file.
type Body interface {
	Kind() Type
	Hdr() *Header
}

// Message is the envelope exchanged on the wire.
type Message struct {
	ID   int64
	Src  string
	Dest string
	Body Body
}

// Reply addresses body back to the sender of m, correlated to m's msg_id.
func (m Message) Reply(body Body, msgID int64) Message {
	h := body.Hdr()
	h.MsgID = msgID
	h.InReplyTo = m.Body.Hdr().MsgID
	return Message{Src: m.Dest, Dest: m.Src, Body: body}
}

// ---- client requests ----

type Init struct {
	Header
	NodeID  string   `json:"node_id"`
	NodeIDs []string `json:"node_ids"`
}

type Echo struct {
	Header
	Echo any `json:"echo"`
}

type Generate struct{ Header }

type Broadcast struct {
	Header
	Message int `json:"message"`
}

// Read is a client read; Key is set only when a node reads from the store.
type Read struct {
	Header
	Key string `json:"key,omitempty"`
}

type Topology struct {
	Header
	Topology map[string][]string `json:"topology"`
}

type Add struct {
	Header
	Delta int64 `json:"delta"`
}

// ---- client replies ----

type InitOk struct{ Header }

type EchoOk struct {
	Header
	Echo any `json:"echo"`
}

type GenerateOk struct {
	Header
	ID string `json:"id"`
}

type BroadcastOk struct{ Header }

// MessagesReadOk answers a read under the broadcast workload.
type MessagesReadOk struct {
	Header
	Messages []int `json:"messages"`
}

// ValueReadOk answers a read under the counter workload, and is also the
// store's read reply.
type ValueReadOk struct {
	Header
	Value int64 `json:"value"`
}

type TopologyOk struct{ Header }

type AddOk struct{ Header }

// ---- gossip ----

type Whisper struct {
	Header
	Messages []int `json:"messages"`
}

type WhisperOk struct {
	Header
	Messages []int `json:"messages"`
}

// ---- store ----

type Write struct {
	Header
	Key   string `json:"key"`
	Value int64  `json:"value"`
}

type WriteOk struct{ Header }

type Cas struct {
	Header
	Key  string `json:"key"`
	From int64  `json:"from"`
	To   int64  `json:"to"`
	// CreateIfNotExists sets a missing key to To instead of failing.
	CreateIfNotExists bool `json:"create_if_not_exists,omitempty"`
}

type CasOk struct{ Header }

type Error struct {
	Header
	Code int    `json:"code"`
	Text string `json:"text,omitempty"`
}

func (*Init) Kind() Type           { return TypeInit }
func (*Echo) Kind() Type           { return TypeEcho }
func (*Generate) Kind() Type       { return TypeGenerate }
func (*Broadcast) Kind() Type      { return TypeBroadcast }
func (*Read) Kind() Type           { return TypeRead }
func (*Topology) Kind() Type       { return TypeTopology }
func (*Add) Kind() Type            { return TypeAdd }
func (*InitOk) Kind() Type         { return TypeInitOk }
func (*EchoOk) Kind() Type         { return TypeEchoOk }
func (*GenerateOk) Kind() Type     { return TypeGenerateOk }
func (*BroadcastOk) Kind() Type    { return TypeBroadcastOk }
func (*MessagesReadOk) Kind() Type { return TypeReadOk }
func (*ValueReadOk) Kind() Type    { return TypeReadOk }
func (*TopologyOk) Kind() Type     { return TypeTopologyOk }
func (*AddOk) Kind() Type          { return TypeAddOk }
func (*Whisper) Kind() Type        { return TypeWhisper }
func (*WhisperOk) Kind() Type      { return TypeWhisperOk }
func (*Write) Kind() Type          { return TypeWrite }
func (*WriteOk) Kind() Type        { return TypeWriteOk }
func (*Cas) Kind() Type            { return TypeCas }
func (*CasOk) Kind() Type          { return TypeCasOk }
func (*Error) Kind() Type          { return TypeError }
