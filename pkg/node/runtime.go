package node

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/glycerine/idem"
	"go.uber.org/zap"

	"github.com/ryandielhenn/glomer/internal/telemetry"
	"github.com/ryandielhenn/glomer/pkg/kv"
	"github.com/ryandielhenn/glomer/pkg/proto"
)

const inboxSize = 1024

// Runtime drives a Node from a line-delimited JSON stream: one goroutine
// decodes input, one runs the periodic passes, and the Run loop applies
// messages in arrival order.
type Runtime struct {
	node   *Node
	log    *zap.Logger
	bridge *kv.Bridge

	resendEvery  time.Duration
	refreshEvery time.Duration

	halt  *idem.Halter
	inbox chan proto.Message

	mu    sync.Mutex
	fault error
}

type RuntimeConfig struct {
	ResendInterval  time.Duration
	RefreshInterval time.Duration
	// Bridge, if set, answers requests addressed to the store in-process
	// instead of writing them to the output stream.
	Bridge *kv.Bridge
}

func NewRuntime(log *zap.Logger, n *Node, cfg RuntimeConfig) *Runtime {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.ResendInterval <= 0 {
		cfg.ResendInterval = 1900 * time.Millisecond
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = time.Second
	}
	return &Runtime{
		node:         n,
		log:          log,
		bridge:       cfg.Bridge,
		resendEvery:  cfg.ResendInterval,
		refreshEvery: cfg.RefreshInterval,
		halt:         idem.NewHalter(),
		inbox:        make(chan proto.Message, inboxSize),
	}
}

// Run processes r until it ends, ctx is cancelled, or the node faults.
// End of input returns nil; a fault is returned as the *Fault that caused it.
func (rt *Runtime) Run(ctx context.Context, r io.Reader, w io.Writer) error {
	out := proto.NewWriter(w)
	eof := make(chan struct{})
	tickDone := make(chan struct{})

	go rt.readLoop(r, eof)
	go func() {
		defer close(tickDone)
		rt.tickLoop(ctx, out)
	}()
	defer func() {
		rt.halt.ReqStop.Close()
		<-tickDone
		rt.halt.Done.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-rt.halt.ReqStop.Chan:
			return rt.Fault()
		case <-eof:
			// drain what was decoded before the end of input
			for {
				if rt.halted() {
					return rt.Fault()
				}
				select {
				case m := <-rt.inbox:
					rt.dispatch(ctx, m, out)
				default:
					return rt.Fault()
				}
			}
		case m := <-rt.inbox:
			// select picks among ready cases at random, so a stop request
			// can be pending while the inbox is still full
			if rt.halted() {
				return rt.Fault()
			}
			rt.dispatch(ctx, m, out)
		}
	}
}

// Fault returns the error that stopped the runtime, if any.
func (rt *Runtime) Fault() error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.fault
}

func (rt *Runtime) halted() bool {
	return rt.halt.ReqStop.IsClosed()
}

func (rt *Runtime) stop(err error) {
	rt.mu.Lock()
	if rt.fault == nil {
		rt.fault = err
	}
	rt.mu.Unlock()
	rt.halt.ReqStop.Close()
}

func (rt *Runtime) readLoop(r io.Reader, eof chan<- struct{}) {
	defer close(eof)
	in := proto.NewReader(r)
	for {
		line, err := in.Next()
		if err == io.EOF {
			return
		}
		if err != nil {
			rt.log.Error("read input", zap.Error(err))
			return
		}
		m, err := proto.Decode(line)
		if err != nil {
			reason := "malformed"
			if errors.Is(err, proto.ErrUnknownType) {
				reason = "unknown_type"
			}
			telemetry.Dropped.WithLabelValues(reason).Inc()
			rt.log.Warn("dropping input line", zap.Error(err), zap.ByteString("line", line))
			continue
		}
		if !rt.enqueue(m) {
			return
		}
	}
}

func (rt *Runtime) enqueue(m proto.Message) bool {
	select {
	case rt.inbox <- m:
		return true
	case <-rt.halt.ReqStop.Chan:
		return false
	}
}

func (rt *Runtime) tickLoop(ctx context.Context, out *proto.Writer) {
	resend := time.NewTicker(rt.resendEvery)
	defer resend.Stop()
	refresh := time.NewTicker(rt.refreshEvery)
	defer refresh.Stop()

	for {
		select {
		case <-rt.halt.ReqStop.Chan:
			return
		case <-ctx.Done():
			return
		case <-resend.C:
			rt.send(ctx, rt.node.Resend(), out)
		case <-refresh.C:
			rt.send(ctx, rt.node.Refresh(), out)
		}
	}
}

func (rt *Runtime) dispatch(ctx context.Context, m proto.Message, out *proto.Writer) {
	if rt.halted() {
		return
	}
	msgs, err := rt.node.Handle(m)
	if err != nil {
		var f *Fault
		if errors.As(err, &f) {
			rt.log.Error("node fault, halting", zap.Error(err))
			rt.stop(f)
			return
		}
		telemetry.Dropped.WithLabelValues("unexpected").Inc()
		rt.log.Warn("dropping message", zap.Error(err), zap.String("src", m.Src))
	}
	rt.send(ctx, msgs, out)
}

// send emits msgs outside the node lock. Store-bound messages go through
// the bridge when one is configured, and its replies re-enter the inbox.
// Nothing is written once the runtime has stopped.
func (rt *Runtime) send(ctx context.Context, msgs []proto.Message, out *proto.Writer) {
	for _, m := range msgs {
		if rt.bridge != nil && m.Dest == rt.node.StoreAddr() {
			if rt.halted() {
				return
			}
			telemetry.MessagesOut.WithLabelValues(string(m.Body.Kind())).Inc()
			go func(req proto.Message) {
				rt.enqueue(rt.bridge.Serve(ctx, req))
			}(m)
			continue
		}
		if err := rt.write(out, m); err != nil {
			rt.log.Error("write output", zap.Error(err))
			rt.halt.ReqStop.Close()
			return
		}
	}
}

// write holds mu across the check and the write so that no line can
// follow a stop recorded by another goroutine.
func (rt *Runtime) write(out *proto.Writer, m proto.Message) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.fault != nil || rt.halted() {
		return nil
	}
	telemetry.MessagesOut.WithLabelValues(string(m.Body.Kind())).Inc()
	if err := out.Write(m); err != nil {
		rt.fault = err
		return err
	}
	return nil
}
