package counter

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/ryandielhenn/glomer/pkg/kv"
	"github.com/ryandielhenn/glomer/pkg/proto"
	"github.com/ryandielhenn/glomer/pkg/seqkv"
)

const key = "counter"

// rig couples an engine to an in-memory store. Requests are queued instead
// of answered so tests control delivery order.
type rig struct {
	t      *testing.T
	e      *Engine
	store  *kv.Store
	bridge *kv.Bridge
	queue  []proto.Message
	id     int64
}

func newRig(t *testing.T, store *kv.Store) *rig {
	r := &rig{t: t, store: store, bridge: kv.NewBridge(store, 0)}
	r.e = New(nil, seqkv.New("", key), func() int64 { r.id++; return r.id })
	return r
}

func (r *rig) send(msgs []proto.Message) { r.queue = append(r.queue, msgs...) }

// deliver answers the i-th queued request.
func (r *rig) deliver(i int) error {
	req := r.queue[i]
	r.queue = append(r.queue[:i], r.queue[i+1:]...)
	resp, ok := seqkv.Parse(r.bridge.Serve(context.Background(), req).Body)
	if !ok {
		r.t.Fatalf("bridge reply is not a store reply")
	}
	out, err := r.e.Handle(resp)
	r.send(out)
	return err
}

// drain answers requests in order until none remain.
func (r *rig) drain() {
	for steps := 0; len(r.queue) > 0; steps++ {
		if steps > 10000 {
			r.t.Fatalf("no quiescence after %d steps", steps)
		}
		if err := r.deliver(0); err != nil {
			r.t.Fatalf("deliver: %v", err)
		}
	}
}

func (r *rig) add(d int64) {
	out, err := r.e.Add(d)
	if err != nil {
		r.t.Fatalf("Add(%d): %v", d, err)
	}
	r.send(out)
}

func (r *rig) storeValue() int64 {
	v, err := r.store.Read(context.Background(), key)
	if err != nil {
		r.t.Fatalf("store read: %v", err)
	}
	return v
}

func countKind(msgs []proto.Message, k proto.Type) int {
	n := 0
	for _, m := range msgs {
		if m.Body.Kind() == k {
			n++
		}
	}
	return n
}

// Two adds before any store reply coalesce into a single CAS for their sum.
func TestAddsCoalesceIntoOneCAS(t *testing.T) {
	store := kv.NewStore()
	_ = store.Write(context.Background(), key, 100)
	r := newRig(t, store)

	r.send(r.e.Start("n1"))
	r.add(5)
	r.add(3)
	if got := r.e.Value(); got != 8 {
		t.Fatalf("optimistic value before sync = %d, want 8", got)
	}
	if n := countKind(r.queue, proto.TypeCas); n != 0 {
		t.Fatalf("%d CAS sent before the bootstrap read returned", n)
	}

	if err := r.deliver(0); err != nil { // bootstrap read
		t.Fatalf("deliver read: %v", err)
	}
	if n := countKind(r.queue, proto.TypeCas); n != 1 {
		t.Fatalf("CAS in flight = %d, want 1", n)
	}
	cas := r.queue[0].Body.(*proto.Cas)
	if cas.From != 100 || cas.To != 108 {
		t.Fatalf("CAS from=%d to=%d, want 100 -> 108", cas.From, cas.To)
	}
	if r.e.State() != AwaitingCasAck {
		t.Fatalf("state = %s", r.e.State())
	}

	r.drain()
	if got := r.storeValue(); got != 108 {
		t.Fatalf("store = %d, want 108", got)
	}
	if r.e.LastConfirmed() != 108 || len(r.e.Pending()) != 0 || r.e.State() != Synced {
		t.Fatalf("engine last=%d pending=%v state=%s", r.e.LastConfirmed(), r.e.Pending(), r.e.State())
	}
}

// A CAS built on a stale value fails, the engine re-reads and retries from
// the store's actual value.
func TestConflictRetriesFromFreshRead(t *testing.T) {
	store := kv.NewStore()
	_ = store.Write(context.Background(), key, 10)
	r := newRig(t, store)

	r.send(r.e.Start("n1"))
	r.drain()
	if r.e.LastConfirmed() != 10 {
		t.Fatalf("last = %d after sync", r.e.LastConfirmed())
	}

	r.add(2)
	cas := r.queue[0].Body.(*proto.Cas)
	if cas.From != 10 || cas.To != 12 {
		t.Fatalf("first CAS %d -> %d", cas.From, cas.To)
	}

	// Another writer moves the store to 14 before our CAS lands.
	_ = store.Write(context.Background(), key, 14)

	if err := r.deliver(0); err != nil {
		t.Fatalf("deliver cas: %v", err)
	}
	if len(r.queue) != 1 || r.queue[0].Body.Kind() != proto.TypeRead {
		t.Fatalf("after conflict queue = %v, want one read", r.queue)
	}
	if got := r.e.Value(); got != 12 {
		t.Fatalf("conflict must not drop the delta: value = %d", got)
	}

	if err := r.deliver(0); err != nil {
		t.Fatalf("deliver read: %v", err)
	}
	cas = r.queue[0].Body.(*proto.Cas)
	if cas.From != 14 || cas.To != 16 {
		t.Fatalf("retry CAS %d -> %d, want 14 -> 16", cas.From, cas.To)
	}
	r.drain()
	if got := r.storeValue(); got != 16 {
		t.Fatalf("store = %d, want 16", got)
	}
}

// Between a conflict and the re-read that follows it the engine knows its
// lastConfirmed is behind the store, so adds and refreshes must wait.
func TestNoCasBeforeConflictReread(t *testing.T) {
	store := kv.NewStore()
	_ = store.Write(context.Background(), key, 10)
	r := newRig(t, store)

	r.send(r.e.Start("n1"))
	r.drain()
	_ = store.Write(context.Background(), key, 14)

	r.add(3)
	if cas := r.queue[0].Body.(*proto.Cas); cas.From != 10 || cas.To != 13 {
		t.Fatalf("first CAS %d -> %d", cas.From, cas.To)
	}
	if err := r.deliver(0); err != nil { // rejected, re-read queued
		t.Fatalf("deliver cas: %v", err)
	}

	r.add(2)
	r.send(r.e.Refresh())
	if n := countKind(r.queue, proto.TypeCas); n != 0 {
		t.Fatalf("%d CAS sent before the re-read answered: %v", n, r.queue)
	}
	if r.e.State() != Syncing {
		t.Fatalf("state = %s, want syncing", r.e.State())
	}
	if r.e.Value() != 15 {
		t.Fatalf("value = %d, want 15", r.e.Value())
	}

	r.drain()
	if got := r.storeValue(); got != 19 {
		t.Fatalf("store = %d, want 19", got)
	}
	if r.e.LastConfirmed() != 19 || len(r.e.Pending()) != 0 {
		t.Fatalf("engine last=%d pending=%v", r.e.LastConfirmed(), r.e.Pending())
	}
}

func TestMissingKeyIsInitialized(t *testing.T) {
	r := newRig(t, kv.NewStore())
	r.send(r.e.Start("n1"))
	r.add(7)

	if err := r.deliver(0); err != nil { // read -> key-does-not-exist
		t.Fatalf("deliver: %v", err)
	}
	if len(r.queue) != 1 {
		t.Fatalf("queue = %v", r.queue)
	}
	c, ok := r.queue[0].Body.(*proto.Cas)
	if !ok || !c.CreateIfNotExists || c.From != 0 || c.To != 0 {
		t.Fatalf("expected creating cas of 0, got %+v", r.queue[0].Body)
	}
	if r.e.State() != AwaitingWriteAck {
		t.Fatalf("state = %s", r.e.State())
	}

	r.drain()
	if got := r.storeValue(); got != 7 {
		t.Fatalf("store = %d, want 7", got)
	}
}

func TestReadIsOptimisticAndRefreshes(t *testing.T) {
	store := kv.NewStore()
	_ = store.Write(context.Background(), key, 40)
	r := newRig(t, store)
	r.send(r.e.Start("n1"))
	r.drain()

	r.add(2)
	v, out := r.e.Read()
	if v != 42 {
		t.Fatalf("Read = %d, want 42 before the CAS confirms", v)
	}
	if countKind(out, proto.TypeRead) != 1 {
		t.Fatalf("Read should issue one store read, got %v", out)
	}
	r.send(out)
	r.drain()
	if v, _ := r.e.Read(); v != 42 {
		t.Fatalf("Read after drain = %d", v)
	}
}

func TestRegressionIsFatal(t *testing.T) {
	store := kv.NewStore()
	_ = store.Write(context.Background(), key, 50)
	r := newRig(t, store)
	r.send(r.e.Start("n1"))
	r.drain()

	_, out := r.e.Read()
	r.send(out)
	_ = store.Write(context.Background(), key, 49)
	if err := r.deliver(0); !errors.Is(err, ErrRegression) {
		t.Fatalf("err = %v, want ErrRegression", err)
	}
	if r.e.LastConfirmed() != 50 {
		t.Fatalf("last downgraded to %d", r.e.LastConfirmed())
	}
}

// A read issued before a confirmation may legitimately return an older
// value; it must be ignored, not treated as a regression.
func TestStaleReadAfterConfirmIsIgnored(t *testing.T) {
	store := kv.NewStore()
	_ = store.Write(context.Background(), key, 5)
	r := newRig(t, store)
	r.send(r.e.Start("n1"))
	r.drain()

	_, out := r.e.Read() // floor 5
	stale := out[0]
	resp := seqkv.Response{Kind: seqkv.ReadOk, InReplyTo: stale.Body.Hdr().MsgID, Value: 5}

	r.add(3)
	r.drain()
	if r.e.LastConfirmed() != 8 {
		t.Fatalf("last = %d", r.e.LastConfirmed())
	}

	if _, err := r.e.Handle(resp); err != nil {
		t.Fatalf("stale read treated as fault: %v", err)
	}
	if r.e.LastConfirmed() != 8 {
		t.Fatalf("stale read downgraded last to %d", r.e.LastConfirmed())
	}
}

func TestKeyAlreadyExistsIsFatal(t *testing.T) {
	r := newRig(t, kv.NewStore())
	r.send(r.e.Start("n1"))
	id := r.queue[0].Body.Hdr().MsgID
	_, err := r.e.Handle(seqkv.Response{Kind: seqkv.Failed, InReplyTo: id, Err: &seqkv.Error{Code: seqkv.KeyAlreadyExists}})
	if !errors.Is(err, ErrKeyAlreadyExists) {
		t.Fatalf("err = %v, want ErrKeyAlreadyExists", err)
	}
}

func TestUnknownErrorKeepsRequestInFlight(t *testing.T) {
	store := kv.NewStore()
	_ = store.Write(context.Background(), key, 0)
	r := newRig(t, store)
	r.send(r.e.Start("n1"))
	r.drain()

	r.add(4)
	id := r.queue[0].Body.Hdr().MsgID
	out, err := r.e.Handle(seqkv.Response{Kind: seqkv.Failed, InReplyTo: id, Err: &seqkv.Error{Code: seqkv.Timeout}})
	if err != nil || len(out) != 0 {
		t.Fatalf("unknown error: out=%v err=%v", out, err)
	}
	if r.e.State() != AwaitingCasAck || r.e.Value() != 4 {
		t.Fatalf("state=%s value=%d", r.e.State(), r.e.Value())
	}
	// The outstanding CAS still resolves normally.
	r.drain()
	if r.e.LastConfirmed() != 4 {
		t.Fatalf("last = %d", r.e.LastConfirmed())
	}
}

func TestRejectsNegativeDelta(t *testing.T) {
	r := newRig(t, kv.NewStore())
	if _, err := r.e.Add(-1); !errors.Is(err, ErrNegativeDelta) {
		t.Fatalf("err = %v", err)
	}
}

func TestDuplicateReplyIsIgnored(t *testing.T) {
	store := kv.NewStore()
	_ = store.Write(context.Background(), key, 0)
	r := newRig(t, store)
	r.send(r.e.Start("n1"))
	r.drain()
	r.add(1)
	id := r.queue[0].Body.Hdr().MsgID
	r.drain()

	out, err := r.e.Handle(seqkv.Response{Kind: seqkv.CasOk, InReplyTo: id})
	if err != nil || len(out) != 0 || r.e.LastConfirmed() != 1 {
		t.Fatalf("duplicate cas_ok changed state: out=%v err=%v last=%d", out, err, r.e.LastConfirmed())
	}
}

// Several engines share one store, replies are delivered in random order
// and interleaved with adds; the store must end at the sum of all deltas.
func TestConservationUnderContention(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	store := kv.NewStore()
	_ = store.Write(context.Background(), key, 0)

	rigs := make([]*rig, 4)
	for i := range rigs {
		rigs[i] = newRig(t, store)
		rigs[i].send(rigs[i].e.Start(fmt.Sprintf("n%d", i+1)))
	}

	var total int64
	for step := 0; step < 2000; step++ {
		r := rigs[rng.Intn(len(rigs))]
		if rng.Intn(3) == 0 {
			d := int64(rng.Intn(10))
			total += d
			r.add(d)
			continue
		}
		if len(r.queue) > 0 {
			if err := r.deliver(rng.Intn(len(r.queue))); err != nil {
				t.Fatalf("deliver: %v", err)
			}
		}
	}
	// Quiesce; a final read lets every engine flush leftovers.
	for round := 0; round < 3; round++ {
		for _, r := range rigs {
			r.drain()
			r.send(r.e.Refresh())
			r.drain()
		}
	}

	if got := rigs[0].storeValue(); got != total {
		t.Fatalf("store = %d, want %d", got, total)
	}
	for i, r := range rigs {
		if len(r.e.Pending()) != 0 {
			t.Fatalf("rig %d still pending %v", i, r.e.Pending())
		}
		if r.e.LastConfirmed() > total {
			t.Fatalf("rig %d confirmed %d > total %d", i, r.e.LastConfirmed(), total)
		}
	}
}

func TestInitializationDoesNotClobber(t *testing.T) {
	store := kv.NewStore()
	r := newRig(t, store)
	r.send(r.e.Start("n1"))
	r.add(2)
	if err := r.deliver(0); err != nil { // read -> key-does-not-exist
		t.Fatalf("deliver: %v", err)
	}

	// another node creates the key and lands its own increments first
	_ = store.Write(context.Background(), key, 9)

	r.drain()
	if got := r.storeValue(); got != 11 {
		t.Fatalf("store = %d, want 11", got)
	}
	if r.e.LastConfirmed() != 11 || r.e.PendingDelta() != 0 {
		t.Fatalf("last=%d pending=%d", r.e.LastConfirmed(), r.e.PendingDelta())
	}
}
