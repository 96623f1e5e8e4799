package gossip

import (
	"fmt"
	"slices"

	"github.com/ryandielhenn/glomer/pkg/ring"
)

// Mode picks how gossip neighbours are derived from the cluster view.
type Mode string

const (
	ModeGiven Mode = "given" // topology message, all peers until one arrives
	ModeMesh  Mode = "mesh"  // every peer
	ModeRing  Mode = "ring"  // ring successors and predecessors
)

func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeGiven, ModeMesh, ModeRing:
		return m, nil
	}
	return "", fmt.Errorf("gossip: unknown topology mode %q", s)
}

// Membership tracks this node's identity, its peers, and its gossip neighbours.
type Membership struct {
	mode   Mode
	fanout int
	self   string
	peers  []string
	given  []string
	ring   *ring.HashRing
}

func NewMembership(mode Mode, fanout int) *Membership {
	if fanout <= 0 {
		fanout = 1
	}
	return &Membership{mode: mode, fanout: fanout}
}

// Init records the node's identity and the full node list from init.
func (m *Membership) Init(self string, nodeIDs []string) {
	m.self = self
	m.peers = m.peers[:0]
	m.ring = ring.New(1, ring.FNV32a)
	for _, id := range nodeIDs {
		m.ring.Add(id)
		if id != self {
			m.peers = append(m.peers, id)
		}
	}
	m.ring.Add(self)
	slices.Sort(m.peers)
}

// ApplyTopology records this node's entry of a topology message.
func (m *Membership) ApplyTopology(topology map[string][]string) {
	nb, ok := topology[m.self]
	if !ok {
		return
	}
	given := make([]string, 0, len(nb))
	for _, id := range nb {
		if id != m.self && !slices.Contains(given, id) {
			given = append(given, id)
		}
	}
	slices.Sort(given)
	m.given = given
}

func (m *Membership) Self() string { return m.self }

func (m *Membership) Initialized() bool { return m.self != "" }

func (m *Membership) Peers() []string { return slices.Clone(m.peers) }

// Neighbors returns the current gossip targets, sorted.
func (m *Membership) Neighbors() []string {
	switch m.mode {
	case ModeRing:
		return m.ringNeighbors()
	case ModeGiven:
		if m.given != nil {
			return slices.Clone(m.given)
		}
	}
	return slices.Clone(m.peers)
}

func (m *Membership) ringNeighbors() []string {
	if m.ring == nil {
		return nil
	}
	out := m.ring.Successors(m.self, m.fanout)
	for _, p := range m.peers {
		if slices.Contains(m.ring.Successors(p, m.fanout), m.self) && !slices.Contains(out, p) {
			out = append(out, p)
		}
	}
	slices.Sort(out)
	return out
}
