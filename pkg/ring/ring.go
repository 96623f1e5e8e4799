package ring

import (
	"encoding/binary"
	"hash/fnv"
	"slices"
	"sort"
	"sync"
)

type Hasher func([]byte) uint32

type HashRing struct {
	mu       sync.RWMutex
	replicas int
	hash     Hasher
	points   []uint32          // sorted
	owners   map[uint32]string // point -> nodeID
	first    map[string]uint32 // nodeID -> its first point
}

func New(replicas int, h Hasher) *HashRing {
	if replicas <= 0 {
		replicas = 128
	}
	if h == nil {
		h = FNV32a
	}
	return &HashRing{
		replicas: replicas,
		hash:     h,
		owners:   make(map[uint32]string),
		first:    make(map[string]uint32),
	}
}

func (r *HashRing) Add(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.first[nodeID]; ok {
		return
	}
	// add virtual nodes
	for i := 0; i < r.replicas; i++ {
		pt := r.place(nodeID, i)
		if i == 0 {
			r.first[nodeID] = pt
		}
		r.owners[pt] = nodeID
		r.points = append(r.points, pt)
	}
	slices.Sort(r.points)
}

// place hashes the i-th point of nodeID, rehashing with a salt while the
// point is taken so that no node loses a point to a collision.
func (r *HashRing) place(nodeID string, i int) uint32 {
	for salt := 0; ; salt++ {
		pt := r.hash(pointKey(nodeID, i+salt*r.replicas))
		if _, taken := r.owners[pt]; !taken {
			return pt
		}
	}
}

// Successors walks the ring clockwise from nodeID's first point and
// returns up to n distinct other nodes in the order met. With one point
// per node, following first successors visits every node once.
func (r *HashRing) Successors(nodeID string, n int) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	start, ok := r.first[nodeID]
	if !ok || n <= 0 {
		return nil
	}
	idx := sort.Search(len(r.points), func(i int) bool { return r.points[i] >= start })

	seen := map[string]struct{}{nodeID: {}}
	out := make([]string, 0, n)
	for i := 1; i < len(r.points) && len(out) < n; i++ {
		id := r.owners[r.points[(idx+i)%len(r.points)]]
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

func FNV32a(b []byte) uint32 {
	h := fnv.New32a()
	_, _ = h.Write(b)
	return h.Sum32()
}

func pointKey(nodeID string, i int) []byte {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(i))
	return append([]byte(nodeID), buf[:]...)
}
