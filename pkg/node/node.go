// Package node owns a cluster member's mutable state and routes decoded
// messages to the broadcast and counter engines.
package node

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/ryandielhenn/glomer/pkg/counter"
	"github.com/ryandielhenn/glomer/pkg/gossip"
	"github.com/ryandielhenn/glomer/pkg/seqkv"
)

const (
	WorkloadBroadcast = "broadcast"
	WorkloadCounter   = "counter"
)

// ErrNotInitialized is the fault raised when anything but init arrives
// before the node knows its own address.
var ErrNotInitialized = errors.New("node: message before init")

// Fault is an error after which the node can no longer be trusted to
// answer. The runtime stops on the first one.
type Fault struct {
	Op  string
	Err error
}

func (f *Fault) Error() string { return fmt.Sprintf("node: fatal during %s: %v", f.Op, f.Err) }

func (f *Fault) Unwrap() error { return f.Err }

type Options struct {
	Workload     string
	StoreAddr    string
	CounterKey   string
	Mode         gossip.Mode
	RingFanout   int
	ResendOnRead bool
}

type Node struct {
	mu  sync.Mutex
	log *zap.Logger

	workload     string
	resendOnRead bool

	members *gossip.Membership
	gossip  *gossip.Engine
	counter *counter.Engine
	store   *seqkv.Client

	msgID     int64
	generated int64
}

func New(log *zap.Logger, opts Options) *Node {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Workload == "" {
		opts.Workload = WorkloadBroadcast
	}
	if opts.Mode == "" {
		opts.Mode = gossip.ModeGiven
	}
	if opts.StoreAddr == "" {
		opts.StoreAddr = seqkv.DefaultAddr
	}
	if opts.CounterKey == "" {
		opts.CounterKey = "counter"
	}
	n := &Node{
		log:          log,
		workload:     opts.Workload,
		resendOnRead: opts.ResendOnRead,
		members:      gossip.NewMembership(opts.Mode, opts.RingFanout),
		gossip:       gossip.NewEngine(log.Named("gossip")),
		store:        seqkv.New(opts.StoreAddr, opts.CounterKey),
	}
	n.counter = counter.New(log.Named("counter"), n.store, n.nextID)
	return n
}

// nextID hands out msg_ids. Callers hold n.mu.
func (n *Node) nextID() int64 {
	n.msgID++
	return n.msgID
}

func (n *Node) ID() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.members.Self()
}

func (n *Node) StoreAddr() string { return n.store.Addr() }

func (n *Node) Workload() string { return n.workload }

// Values returns the broadcast set, ascending.
func (n *Node) Values() []int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.gossip.Snapshot()
}

// Unacked returns what peer has yet to acknowledge.
func (n *Node) Unacked(peer string) []int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.gossip.Unacked(peer)
}

func (n *Node) Neighbors() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.gossip.Neighbors()
}

// CounterValue is the locally optimistic counter value.
func (n *Node) CounterValue() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.counter.Value()
}

// CounterState returns the last confirmed value, the unconfirmed delta and
// the replication state.
func (n *Node) CounterState() (last, pending int64, state counter.State) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.counter.LastConfirmed(), n.counter.PendingDelta(), n.counter.State()
}

// Status is what /info reports.
type Status struct {
	ID        string   `json:"id"`
	Workload  string   `json:"workload"`
	Neighbors []string `json:"neighbors"`
	Values    int      `json:"values"`
	Unacked   int      `json:"unacked"`
	Counter   struct {
		Last    int64  `json:"last_confirmed"`
		Pending int64  `json:"pending"`
		State   string `json:"state"`
	} `json:"counter"`
}

func (n *Node) Status() Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	s := Status{
		ID:        n.members.Self(),
		Workload:  n.workload,
		Neighbors: n.gossip.Neighbors(),
		Values:    n.gossip.Len(),
		Unacked:   n.gossip.UnackedTotal(),
	}
	s.Counter.Last = n.counter.LastConfirmed()
	s.Counter.Pending = n.counter.PendingDelta()
	s.Counter.State = n.counter.State().String()
	return s
}
