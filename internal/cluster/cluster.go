// Package cluster runs several nodes in one process over a simulated
// network that drops and reorders inter-node messages. Store traffic is
// served by a shared in-memory store and is reordered but never lost.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"

	"go.uber.org/zap"

	"github.com/ryandielhenn/glomer/pkg/gossip"
	"github.com/ryandielhenn/glomer/pkg/kv"
	"github.com/ryandielhenn/glomer/pkg/node"
	"github.com/ryandielhenn/glomer/pkg/proto"
	"github.com/ryandielhenn/glomer/pkg/seqkv"
)

type Config struct {
	Nodes    int
	Workload string
	Mode     gossip.Mode
	Fanout   int
	// Topology is sent to every node after init when set.
	Topology map[string][]string
	// Loss is the probability that an inter-node message is dropped.
	Loss float64
	Seed int64
	Log  *zap.Logger
}

type Cluster struct {
	cfg    Config
	log    *zap.Logger
	rng    *rand.Rand
	ids    []string
	nodes  map[string]*node.Node
	store  *kv.Store
	bridge *kv.Bridge

	inflight []proto.Message
	replies  []proto.Message
	clientID int64

	Sent, Lost, Delivered int
}

// New boots cfg.Nodes nodes named n1..nN and completes their handshake.
func New(cfg Config) (*Cluster, error) {
	if cfg.Nodes <= 0 {
		return nil, fmt.Errorf("cluster: need at least one node, got %d", cfg.Nodes)
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	c := &Cluster{
		cfg:   cfg,
		log:   cfg.Log,
		rng:   rand.New(rand.NewSource(cfg.Seed)),
		nodes: make(map[string]*node.Node, cfg.Nodes),
		store: kv.NewStore(),
	}
	c.bridge = kv.NewBridge(c.store, 0)

	for i := 1; i <= cfg.Nodes; i++ {
		c.ids = append(c.ids, fmt.Sprintf("n%d", i))
	}
	for _, id := range c.ids {
		c.nodes[id] = node.New(c.log.With(zap.String("node", id)), node.Options{
			Workload:   cfg.Workload,
			Mode:       cfg.Mode,
			RingFanout: cfg.Fanout,
		})
	}
	for _, id := range c.ids {
		if _, err := c.Client(id, &proto.Init{NodeID: id, NodeIDs: c.ids}); err != nil {
			return nil, err
		}
	}
	if cfg.Topology != nil {
		for _, id := range c.ids {
			if _, err := c.Client(id, &proto.Topology{Topology: cfg.Topology}); err != nil {
				return nil, err
			}
		}
	}
	return c, nil
}

func (c *Cluster) IDs() []string { return c.ids }

func (c *Cluster) Node(id string) *node.Node { return c.nodes[id] }

func (c *Cluster) Store() *kv.Store { return c.store }

// StoreValue reads the counter key from the shared store.
func (c *Cluster) StoreValue() (int64, error) {
	return c.store.Read(context.Background(), "counter")
}

// Client delivers body from a client straight to dest and returns the
// replies addressed back to clients. Effects on other nodes or the store
// are queued on the network.
func (c *Cluster) Client(dest string, body proto.Body) ([]proto.Message, error) {
	c.clientID++
	body.Hdr().MsgID = c.clientID
	src := fmt.Sprintf("c%d", c.clientID)
	if err := c.deliver(proto.Message{Src: src, Dest: dest, Body: body}); err != nil {
		return nil, err
	}
	out := c.replies
	c.replies = nil
	return out, nil
}

// Step delivers one in-flight message chosen at random. It reports false
// when nothing is in flight.
func (c *Cluster) Step() (bool, error) {
	if len(c.inflight) == 0 {
		return false, nil
	}
	i := c.rng.Intn(len(c.inflight))
	m := c.inflight[i]
	c.inflight[i] = c.inflight[len(c.inflight)-1]
	c.inflight = c.inflight[:len(c.inflight)-1]
	return true, c.deliver(m)
}

// Settle steps until the network is empty or max deliveries happened.
func (c *Cluster) Settle(max int) error {
	for i := 0; i < max; i++ {
		more, err := c.Step()
		if err != nil || !more {
			return err
		}
	}
	return fmt.Errorf("cluster: network not quiet after %d deliveries", max)
}

// Tick runs every node's periodic passes once.
func (c *Cluster) Tick() {
	for _, id := range c.ids {
		n := c.nodes[id]
		c.route(n.Resend())
		c.route(n.Refresh())
	}
}

// RunUntil alternates ticks and settling until done reports true, and
// returns the number of ticks it took.
func (c *Cluster) RunUntil(done func() bool, maxRounds int) (int, error) {
	for round := 0; round <= maxRounds; round++ {
		if done() {
			return round, nil
		}
		c.Tick()
		if err := c.Settle(1 << 20); err != nil {
			return round, err
		}
	}
	return maxRounds, fmt.Errorf("cluster: condition not reached in %d rounds", maxRounds)
}

// Converged reports whether every node holds every value in want.
func (c *Cluster) Converged(want []int) bool {
	for _, id := range c.ids {
		have := c.nodes[id].Values()
		set := make(map[int]bool, len(have))
		for _, v := range have {
			set[v] = true
		}
		for _, v := range want {
			if !set[v] {
				return false
			}
		}
	}
	return true
}

// InFlight counts queued messages.
func (c *Cluster) InFlight() int { return len(c.inflight) }

func (c *Cluster) deliver(m proto.Message) error {
	n, ok := c.nodes[m.Dest]
	if !ok {
		return fmt.Errorf("cluster: no node %q", m.Dest)
	}
	c.Delivered++
	out, err := n.Handle(m)
	if err != nil {
		var f *node.Fault
		if errors.As(err, &f) {
			return err
		}
		c.log.Warn("dropped", zap.Error(err))
	}
	c.route(out)
	return nil
}

func (c *Cluster) route(msgs []proto.Message) {
	for _, m := range msgs {
		c.Sent++
		switch {
		case m.Dest == seqkv.DefaultAddr:
			c.inflight = append(c.inflight, c.bridge.Serve(context.Background(), m))
		case strings.HasPrefix(m.Dest, "c"):
			c.replies = append(c.replies, m)
		default:
			if c.cfg.Loss > 0 && c.rng.Float64() < c.cfg.Loss {
				c.Lost++
				continue
			}
			c.inflight = append(c.inflight, m)
		}
	}
}
