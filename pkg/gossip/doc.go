// Package gossip implements reliable set broadcast for a glomer node.
//
// A node keeps the set of broadcast values it knows and, per neighbour, the
// values that neighbour has not acknowledged yet. Values leave the unacked
// set only when the neighbour answers a whisper with a whisper_ok naming
// them; a periodic resend pass re-whispers whatever is still pending. Merge
// is plain set union, so duplicated or reordered whispers are harmless.
//
// Typical usage, with the caller holding the node lock:
//
//	e := gossip.NewEngine(logger)
//	e.SetNeighbors(peers)
//	e.Broadcast(42)
//	for _, w := range e.ResendUnacked() {
//		send(w.To, w.Values)
//	}
//
// Neighbour sets come from a Membership, which picks them from the topology
// message, the full mesh, or a consistent-hash ring.
package gossip
