package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ryandielhenn/glomer/pkg/proto"
	"github.com/ryandielhenn/glomer/pkg/seqkv"
)

// Backend names accepted by Open.
const (
	BackendMaelstrom = "maelstrom"
	BackendMemory    = "memory"
	BackendEtcd      = "etcd"
	BackendRedis     = "redis"
	BackendSQLite    = "sqlite"
)

type Options struct {
	Backend       string
	EtcdEndpoints []string
	RedisAddr     string
	SQLitePath    string
	Prefix        string
}

// Open returns the Service named by opts.Backend. The maelstrom backend is
// served by the harness itself, so Open reports (nil, nil) for it.
func Open(opts Options) (Service, error) {
	switch opts.Backend {
	case "", BackendMaelstrom:
		return nil, nil
	case BackendMemory:
		return NewStore(), nil
	case BackendEtcd:
		return NewEtcd(opts.EtcdEndpoints, opts.Prefix)
	case BackendRedis:
		return NewRedis(opts.RedisAddr, opts.Prefix)
	case BackendSQLite:
		return NewSQLite(opts.SQLitePath)
	}
	return nil, fmt.Errorf("kv: unknown backend %q", opts.Backend)
}

// Bridge answers seq-kv requests by executing them against a Service.
type Bridge struct {
	svc     Service
	timeout time.Duration
}

func NewBridge(svc Service, timeout time.Duration) *Bridge {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Bridge{svc: svc, timeout: timeout}
}

// Serve executes req and returns the reply the store would have sent.
func (b *Bridge) Serve(ctx context.Context, req proto.Message) proto.Message {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	var (
		value int64
		err   error
	)
	switch body := req.Body.(type) {
	case *proto.Read:
		value, err = b.svc.Read(ctx, body.Key)
	case *proto.Write:
		err = b.svc.Write(ctx, body.Key, body.Value)
	case *proto.Cas:
		err = b.cas(ctx, body)
	default:
		err = seqkv.Errorf(seqkv.NotSupported, "unsupported operation %s", req.Body.Kind())
	}
	return seqkv.Reply(req, value, err)
}

// cas runs a compare-and-set, creating the key first when the request
// allows it. A create that loses to another creator falls back to the
// compare against whatever that creator wrote.
func (b *Bridge) cas(ctx context.Context, c *proto.Cas) error {
	for attempt := 0; ; attempt++ {
		err := b.svc.CompareAndSet(ctx, c.Key, c.From, c.To)
		if !c.CreateIfNotExists || !errors.Is(err, seqkv.ErrKeyDoesNotExist) || attempt == 2 {
			return err
		}
		err = b.svc.Create(ctx, c.Key, c.To)
		if !errors.Is(err, seqkv.ErrKeyAlreadyExists) {
			return err
		}
	}
}

func (b *Bridge) Close() error { return b.svc.Close() }
