// Package counter replicates a grow-only counter whose value lives in an
// external sequentially consistent key-value store.
//
// The engine keeps the last value it confirmed with the store plus the
// deltas it accepted but has not seen applied. At most one write or
// compare-and-set is outstanding; deltas that arrive meanwhile wait and
// are folded into the next attempt. A precondition failure triggers a
// fresh read, and no compare-and-set is sent until a read issued after the
// failure has answered.
//
// A read answering below its floor, the value confirmed when it was
// issued, is a regression and fatal. A read at or above its floor but
// below a value confirmed since is stale, not a regression: it is ignored
// and lastConfirmed keeps the higher value.
package counter

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/ryandielhenn/glomer/internal/telemetry"
	"github.com/ryandielhenn/glomer/pkg/proto"
	"github.com/ryandielhenn/glomer/pkg/seqkv"
)

var (
	// ErrRegression means the store reported a value below one this node had
	// already confirmed.
	ErrRegression = errors.New("counter: store value regressed")
	// ErrKeyAlreadyExists means an initializing write collided with another
	// initializer.
	ErrKeyAlreadyExists = errors.New("counter: key already exists")
	// ErrNegativeDelta rejects adds that would shrink the counter.
	ErrNegativeDelta = errors.New("counter: negative delta")
)

// State is the node-local view of the counter key.
type State int

const (
	Uninitialized State = iota
	Syncing
	AwaitingWriteAck
	Synced
	AwaitingCasAck
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Syncing:
		return "syncing"
	case AwaitingWriteAck:
		return "awaiting-write-ack"
	case Synced:
		return "synced"
	case AwaitingCasAck:
		return "awaiting-cas-ack"
	}
	return fmt.Sprintf("state-%d", int(s))
}

type opKind int

const (
	opRead opKind = iota
	opInit
	opCas
)

// request is an outstanding store call keyed by its msg_id.
type request struct {
	kind  opKind
	floor int64 // reads: lastConfirmed when issued
	epoch int   // reads: conflicts seen when issued
	to    int64 // init and CAS: value the store holds on success
}

// Engine is not safe for concurrent use; the node runtime serializes access.
type Engine struct {
	log    *zap.Logger
	store  *seqkv.Client
	nextID func() int64
	self   string

	synced   bool
	absent   bool
	last     int64
	pending  map[int64]int64
	inflight int64
	requests map[int64]request
	reads    int
	// epoch counts precondition failures; only a read from the current
	// epoch re-enables compare-and-set.
	epoch int
}

func New(log *zap.Logger, store *seqkv.Client, nextID func() int64) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		log:      log,
		store:    store,
		nextID:   nextID,
		pending:  make(map[int64]int64),
		requests: make(map[int64]request),
	}
}

// Start binds the engine to the node's address and issues the bootstrap
// read that derives lastConfirmed from the store.
func (e *Engine) Start(self string) []proto.Message {
	e.self = self
	return []proto.Message{e.read()}
}

// Add accepts delta and returns the store traffic it causes, if any.
func (e *Engine) Add(delta int64) ([]proto.Message, error) {
	if delta < 0 {
		return nil, fmt.Errorf("%w: %d", ErrNegativeDelta, delta)
	}
	if delta == 0 {
		return nil, nil
	}
	e.pending[e.nextID()] = delta
	e.publish()
	return e.flush(), nil
}

// Read returns the locally optimistic value and a store read that refreshes
// lastConfirmed for later operations.
func (e *Engine) Read() (int64, []proto.Message) {
	return e.Value(), []proto.Message{e.read()}
}

// Refresh issues a store read unless one is already outstanding, and
// retries a flush that was waiting on nothing in particular.
func (e *Engine) Refresh() []proto.Message {
	if e.self == "" {
		return nil
	}
	out := e.flush()
	if e.reads == 0 {
		out = append(out, e.read())
	}
	return out
}

// Handle applies one store reply. A non-nil error is a fault: the node can
// no longer trust its view of the counter.
func (e *Engine) Handle(resp seqkv.Response) ([]proto.Message, error) {
	req, ok := e.requests[resp.InReplyTo]
	if !ok {
		e.log.Debug("untracked store reply", zap.Stringer("kind", resp.Kind), zap.Int64("in_reply_to", resp.InReplyTo))
		return nil, nil
	}
	delete(e.requests, resp.InReplyTo)
	if req.kind == opRead {
		e.reads--
	}
	defer e.publish()

	switch resp.Kind {
	case seqkv.ReadOk:
		if resp.Value < req.floor {
			return nil, fmt.Errorf("%w: read %d after confirming %d", ErrRegression, resp.Value, req.floor)
		}
		if resp.Value < e.last {
			// Issued before a later confirmation; nothing to learn.
			e.log.Debug("stale read", zap.Int64("value", resp.Value), zap.Int64("last", e.last))
		} else {
			e.last = resp.Value
		}
		if req.epoch == e.epoch {
			e.synced, e.absent = true, false
		}
		return e.flush(), nil

	case seqkv.WriteOk, seqkv.CasOk:
		e.confirm(resp.InReplyTo, req)
		return e.flush(), nil

	case seqkv.Failed:
		return e.failed(resp.InReplyTo, req, resp.Err)
	}
	return nil, nil
}

func (e *Engine) confirm(id int64, req request) {
	if e.inflight == id {
		e.inflight = 0
	}
	delete(e.pending, id)
	if req.to > e.last {
		e.last = req.to
	}
	e.synced, e.absent = true, false
	e.log.Debug("confirmed", zap.Int64("last", e.last), zap.Int("pending", len(e.pending)))
}

func (e *Engine) failed(id int64, req request, serr *seqkv.Error) ([]proto.Message, error) {
	telemetry.StoreErrors.WithLabelValues(serr.Code.String()).Inc()

	switch serr.Code {
	case seqkv.PreconditionFailed:
		telemetry.CasConflicts.Inc()
		if e.inflight == id {
			e.inflight = 0
		}
		e.epoch++
		e.synced = false
		e.log.Debug("cas conflict, re-reading", zap.Int64("from", e.last))
		return []proto.Message{e.read()}, nil

	case seqkv.KeyDoesNotExist:
		if e.inflight == id {
			e.inflight = 0
		}
		e.synced, e.absent = false, true
		return e.initialize(), nil

	case seqkv.KeyAlreadyExists:
		return nil, fmt.Errorf("%w: %s", ErrKeyAlreadyExists, serr.Text)
	}

	// Any other code leaves the request's effect unknown, so it stays in
	// flight rather than risk applying its delta twice.
	e.log.Warn("ignoring store error", zap.Int("code", int(serr.Code)), zap.String("text", serr.Text))
	if e.inflight == id {
		e.requests[id] = req
	}
	return nil, nil
}

// flush sends the next write-path request when nothing is in flight.
func (e *Engine) flush() []proto.Message {
	if e.inflight != 0 || e.self == "" {
		return nil
	}
	if !e.synced {
		if e.absent {
			return e.initialize()
		}
		if len(e.pending) > 0 && e.reads == 0 {
			return []proto.Message{e.read()}
		}
		return nil
	}
	if len(e.pending) == 0 {
		return nil
	}

	var acc int64
	for _, d := range e.pending {
		acc += d
	}
	clear(e.pending)
	id := e.nextID()
	e.pending[id] = acc
	e.inflight = id
	e.requests[id] = request{kind: opCas, to: e.last + acc}
	telemetry.CasAttempts.Inc()
	e.log.Debug("cas", zap.Int64("from", e.last), zap.Int64("to", e.last+acc))
	return []proto.Message{e.store.CAS(e.self, id, e.last, e.last+acc)}
}

// initialize establishes a missing key with 0; pending deltas follow by CAS.
// The request only creates the key or confirms it still holds 0, so it
// cannot overwrite another node's increments.
func (e *Engine) initialize() []proto.Message {
	if e.inflight != 0 {
		return nil
	}
	id := e.nextID()
	e.inflight = id
	e.requests[id] = request{kind: opInit, to: 0}
	e.log.Info("initializing counter key", zap.String("key", e.store.Key()))
	return []proto.Message{e.store.CASOrCreate(e.self, id, 0, 0)}
}

func (e *Engine) read() proto.Message {
	id := e.nextID()
	e.requests[id] = request{kind: opRead, floor: e.last, epoch: e.epoch}
	e.reads++
	return e.store.Read(e.self, id)
}

func (e *Engine) publish() {
	telemetry.CounterLastConfirmed.Set(float64(e.last))
	telemetry.CounterPending.Set(float64(e.PendingDelta()))
}

// Value is lastConfirmed plus every pending delta.
func (e *Engine) Value() int64 { return e.last + e.PendingDelta() }

func (e *Engine) LastConfirmed() int64 { return e.last }

func (e *Engine) PendingDelta() int64 {
	var sum int64
	for _, d := range e.pending {
		sum += d
	}
	return sum
}

// Pending returns a copy of the pending deltas keyed by operation id.
func (e *Engine) Pending() map[int64]int64 {
	out := make(map[int64]int64, len(e.pending))
	for id, d := range e.pending {
		out[id] = d
	}
	return out
}

func (e *Engine) State() State {
	if e.inflight != 0 {
		if e.requests[e.inflight].kind == opInit {
			return AwaitingWriteAck
		}
		return AwaitingCasAck
	}
	if e.synced {
		return Synced
	}
	if e.reads > 0 {
		return Syncing
	}
	return Uninitialized
}
