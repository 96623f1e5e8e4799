package gossip

import (
	"fmt"
	"slices"
	"testing"
)

func TestMembershipGiven(t *testing.T) {
	m := NewMembership(ModeGiven, 0)
	m.Init("n1", []string{"n1", "n2", "n3"})

	if got := m.Neighbors(); !slices.Equal(got, []string{"n2", "n3"}) {
		t.Fatalf("Neighbors before topology = %v", got)
	}

	m.ApplyTopology(map[string][]string{
		"n1": {"n3", "n1", "n3"},
		"n2": {"n1"},
	})
	if got := m.Neighbors(); !slices.Equal(got, []string{"n3"}) {
		t.Fatalf("Neighbors after topology = %v", got)
	}
}

func TestMembershipMeshIgnoresTopology(t *testing.T) {
	m := NewMembership(ModeMesh, 0)
	m.Init("n1", []string{"n1", "n2", "n3"})
	m.ApplyTopology(map[string][]string{"n1": {"n2"}})
	if got := m.Neighbors(); !slices.Equal(got, []string{"n2", "n3"}) {
		t.Fatalf("Neighbors = %v", got)
	}
}

// The ring neighbour graph must be symmetric and connected for any size.
func TestMembershipRingConnected(t *testing.T) {
	for _, size := range []int{2, 3, 5, 25} {
		ids := make([]string, size)
		for i := range ids {
			ids[i] = fmt.Sprintf("n%d", i)
		}
		adj := map[string][]string{}
		for _, id := range ids {
			m := NewMembership(ModeRing, 2)
			m.Init(id, ids)
			adj[id] = m.Neighbors()
		}

		for a, nbs := range adj {
			for _, b := range nbs {
				if !slices.Contains(adj[b], a) {
					t.Fatalf("size %d: %s -> %s not symmetric", size, a, b)
				}
			}
		}

		seen := map[string]bool{ids[0]: true}
		queue := []string{ids[0]}
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			for _, nb := range adj[cur] {
				if !seen[nb] {
					seen[nb] = true
					queue = append(queue, nb)
				}
			}
		}
		if len(seen) != size {
			t.Fatalf("size %d: ring graph reaches %d nodes", size, len(seen))
		}
	}
}

func TestParseMode(t *testing.T) {
	if _, err := ParseMode("star"); err == nil {
		t.Fatalf("ParseMode(star) should fail")
	}
	if m, err := ParseMode("ring"); err != nil || m != ModeRing {
		t.Fatalf("ParseMode(ring) = %v, %v", m, err)
	}
}
