package node

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/ryandielhenn/glomer/internal/telemetry"
	"github.com/ryandielhenn/glomer/pkg/counter"
	"github.com/ryandielhenn/glomer/pkg/gossip"
	"github.com/ryandielhenn/glomer/pkg/proto"
	"github.com/ryandielhenn/glomer/pkg/seqkv"
)

// ErrUnexpected marks a well-formed message this node has no handler for.
// It is dropped, never fatal.
var ErrUnexpected = errors.New("node: unexpected message")

// Handle applies one inbound message and returns the messages it causes.
// A *Fault error means the node must stop; any other error means msg was
// dropped.
func (n *Node) Handle(msg proto.Message) ([]proto.Message, error) {
	if msg.Body == nil {
		return nil, fmt.Errorf("%w: empty body from %s", ErrUnexpected, msg.Src)
	}
	kind := msg.Body.Kind()
	telemetry.MessagesIn.WithLabelValues(string(kind)).Inc()

	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.members.Initialized() && kind != proto.TypeInit {
		return nil, &Fault{Op: string(kind), Err: fmt.Errorf("%w: %s from %s", ErrNotInitialized, kind, msg.Src)}
	}

	var (
		out []proto.Message
		err error
	)
	switch b := msg.Body.(type) {
	case *proto.Init, *proto.Echo, *proto.Generate, *proto.Broadcast,
		*proto.Read, *proto.Topology, *proto.Add:
		defer telemetry.Track("client")()
		out, err = n.client(msg, b)
	case *proto.Whisper, *proto.WhisperOk:
		defer telemetry.Track("peer")()
		out, err = n.peer(msg, b)
	case *proto.ValueReadOk, *proto.WriteOk, *proto.CasOk, *proto.Error:
		defer telemetry.Track("store")()
		out, err = n.storeReply(msg)
	default:
		err = fmt.Errorf("%w: %s from %s", ErrUnexpected, kind, msg.Src)
	}
	n.publish()
	return out, err
}

func (n *Node) client(msg proto.Message, body proto.Body) ([]proto.Message, error) {
	switch b := body.(type) {
	case *proto.Init:
		return n.handleInit(msg, b), nil

	case *proto.Echo:
		return n.reply(msg, &proto.EchoOk{Echo: b.Echo}), nil

	case *proto.Generate:
		n.generated++
		id := fmt.Sprintf("%s_%d", n.members.Self(), n.generated)
		return n.reply(msg, &proto.GenerateOk{ID: id}), nil

	case *proto.Broadcast:
		if n.gossip.Broadcast(b.Message) {
			n.log.Debug("broadcast", zap.Int("value", b.Message), zap.String("src", msg.Src))
		}
		return n.reply(msg, &proto.BroadcastOk{}), nil

	case *proto.Read:
		if n.workload == WorkloadCounter {
			v, reqs := n.counter.Read()
			return append(n.reply(msg, &proto.ValueReadOk{Value: v}), reqs...), nil
		}
		var out []proto.Message
		if n.resendOnRead {
			out = n.whispers(n.gossip.ResendUnacked())
		}
		return append(out, n.reply(msg, &proto.MessagesReadOk{Messages: n.gossip.Snapshot()})...), nil

	case *proto.Topology:
		n.members.ApplyTopology(b.Topology)
		n.gossip.SetNeighbors(n.members.Neighbors())
		n.log.Info("topology", zap.Strings("neighbors", n.gossip.Neighbors()))
		return n.reply(msg, &proto.TopologyOk{}), nil

	case *proto.Add:
		if n.workload != WorkloadCounter {
			return n.reply(msg, &proto.Error{Code: int(seqkv.NotSupported), Text: "add requires the counter workload"}), nil
		}
		reqs, err := n.counter.Add(b.Delta)
		if errors.Is(err, counter.ErrNegativeDelta) {
			return n.reply(msg, &proto.Error{Code: int(seqkv.MalformedRequest), Text: err.Error()}), nil
		}
		return append(n.reply(msg, &proto.AddOk{}), reqs...), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnexpected, body.Kind())
}

func (n *Node) handleInit(msg proto.Message, b *proto.Init) []proto.Message {
	if n.members.Initialized() {
		n.log.Warn("duplicate init ignored", zap.String("node_id", b.NodeID))
		return n.reply(msg, &proto.InitOk{})
	}
	n.members.Init(b.NodeID, b.NodeIDs)
	n.gossip.SetNeighbors(n.members.Neighbors())
	n.log.Info("initialized",
		zap.String("node_id", b.NodeID),
		zap.Strings("peers", n.members.Peers()),
		zap.Strings("neighbors", n.gossip.Neighbors()),
	)
	out := n.reply(msg, &proto.InitOk{})
	if n.workload == WorkloadCounter {
		out = append(out, n.counter.Start(b.NodeID)...)
	}
	return out
}

func (n *Node) peer(msg proto.Message, body proto.Body) ([]proto.Message, error) {
	switch b := body.(type) {
	case *proto.Whisper:
		acked := n.gossip.Whisper(msg.Src, b.Messages)
		return n.reply(msg, &proto.WhisperOk{Messages: acked}), nil
	case *proto.WhisperOk:
		n.gossip.WhisperOk(msg.Src, b.Messages)
		return nil, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnexpected, body.Kind())
}

func (n *Node) storeReply(msg proto.Message) ([]proto.Message, error) {
	if msg.Src != n.store.Addr() {
		return nil, fmt.Errorf("%w: %s from %s, not the store", ErrUnexpected, msg.Body.Kind(), msg.Src)
	}
	resp, ok := seqkv.Parse(msg.Body)
	if !ok {
		return nil, fmt.Errorf("%w: %s from store", ErrUnexpected, msg.Body.Kind())
	}
	out, err := n.counter.Handle(resp)
	if err != nil {
		return nil, &Fault{Op: "store " + resp.Kind.String(), Err: err}
	}
	return out, nil
}

// Resend runs one anti-entropy pass.
func (n *Node) Resend() []proto.Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.members.Initialized() {
		return nil
	}
	out := n.whispers(n.gossip.ResendUnacked())
	n.publish()
	return out
}

// Refresh polls the store so an idle node learns other nodes' increments.
func (n *Node) Refresh() []proto.Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.workload != WorkloadCounter {
		return nil
	}
	return n.counter.Refresh()
}

func (n *Node) whispers(pending []gossip.Outgoing) []proto.Message {
	if len(pending) == 0 {
		return nil
	}
	self := n.members.Self()
	out := make([]proto.Message, 0, len(pending))
	for _, o := range pending {
		body := &proto.Whisper{Messages: o.Values}
		body.MsgID = n.nextID()
		out = append(out, proto.Message{Src: self, Dest: o.To, Body: body})
	}
	return out
}

func (n *Node) reply(req proto.Message, body proto.Body) []proto.Message {
	m := req.Reply(body, n.nextID())
	if self := n.members.Self(); self != "" {
		m.Src = self
	}
	return []proto.Message{m}
}

func (n *Node) publish() {
	telemetry.BroadcastValues.Set(float64(n.gossip.Len()))
	telemetry.UnackedValues.Set(float64(n.gossip.UnackedTotal()))
}
