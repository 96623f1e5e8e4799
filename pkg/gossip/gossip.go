package gossip

import (
	"slices"

	"go.uber.org/zap"
)

// Outgoing is one whisper the resend pass wants sent.
type Outgoing struct {
	To     string
	Values []int
}

// Engine owns the broadcast set and the per-neighbour unacked sets.
// It is not safe for concurrent use; the node runtime serializes access.
type Engine struct {
	log       *zap.Logger
	values    map[int]struct{}
	neighbors []string
	unacked   map[string]map[int]struct{}
}

func NewEngine(log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		log:     log,
		values:  make(map[int]struct{}),
		unacked: make(map[string]map[int]struct{}),
	}
}

// SetNeighbors replaces the gossip targets. Neighbours that were not targets
// before are owed every value known so far.
func (e *Engine) SetNeighbors(neighbors []string) {
	old := make(map[string]struct{}, len(e.neighbors))
	for _, n := range e.neighbors {
		old[n] = struct{}{}
	}
	e.neighbors = slices.Clone(neighbors)
	for _, n := range e.neighbors {
		if _, ok := old[n]; ok {
			continue
		}
		for v := range e.values {
			e.markUnacked(n, v)
		}
	}
	e.log.Debug("neighbors set", zap.Strings("neighbors", e.neighbors))
}

func (e *Engine) Neighbors() []string { return slices.Clone(e.neighbors) }

// Broadcast records a client value and owes it to every neighbour.
// It reports whether v was new; a known value changes nothing.
func (e *Engine) Broadcast(v int) bool {
	if !e.merge(v) {
		return false
	}
	for _, n := range e.neighbors {
		e.markUnacked(n, v)
	}
	return true
}

// Whisper merges values received from a peer and returns the values to
// acknowledge back to it. Newly learned values are relayed to every other
// neighbour so dissemination works over partial topologies.
func (e *Engine) Whisper(from string, values []int) []int {
	fresh := 0
	for _, v := range values {
		if !e.merge(v) {
			continue
		}
		fresh++
		for _, n := range e.neighbors {
			if n != from {
				e.markUnacked(n, v)
			}
		}
	}
	if fresh > 0 {
		e.log.Debug("whisper merged", zap.String("from", from), zap.Int("fresh", fresh), zap.Int("total", len(e.values)))
	}
	return append([]int{}, values...)
}

// WhisperOk clears acknowledged values for peer. Unknown values are ignored.
func (e *Engine) WhisperOk(peer string, values []int) {
	set, ok := e.unacked[peer]
	if !ok {
		return
	}
	for _, v := range values {
		delete(set, v)
	}
	if len(set) == 0 {
		delete(e.unacked, peer)
	}
}

// ResendUnacked returns one whisper per peer that still owes acknowledgements,
// in peer order.
func (e *Engine) ResendUnacked() []Outgoing {
	peers := make([]string, 0, len(e.unacked))
	for p, set := range e.unacked {
		if len(set) > 0 {
			peers = append(peers, p)
		}
	}
	slices.Sort(peers)

	out := make([]Outgoing, 0, len(peers))
	for _, p := range peers {
		out = append(out, Outgoing{To: p, Values: sortedKeys(e.unacked[p])})
	}
	return out
}

// Snapshot returns the known values in ascending order.
func (e *Engine) Snapshot() []int { return sortedKeys(e.values) }

func (e *Engine) Has(v int) bool {
	_, ok := e.values[v]
	return ok
}

func (e *Engine) Len() int { return len(e.values) }

// Unacked returns the values peer has not acknowledged, ascending.
func (e *Engine) Unacked(peer string) []int { return sortedKeys(e.unacked[peer]) }

// UnackedTotal counts pending (peer, value) pairs.
func (e *Engine) UnackedTotal() int {
	n := 0
	for _, set := range e.unacked {
		n += len(set)
	}
	return n
}

func (e *Engine) merge(v int) bool {
	if _, ok := e.values[v]; ok {
		return false
	}
	e.values[v] = struct{}{}
	return true
}

func (e *Engine) markUnacked(peer string, v int) {
	set, ok := e.unacked[peer]
	if !ok {
		set = make(map[int]struct{})
		e.unacked[peer] = set
	}
	set[v] = struct{}{}
}

func sortedKeys(m map[int]struct{}) []int {
	out := make([]int, 0, len(m))
	for v := range m {
		out = append(out, v)
	}
	slices.Sort(out)
	return out
}
