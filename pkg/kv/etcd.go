package kv

import (
	"context"
	"fmt"
	"strconv"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/ryandielhenn/glomer/pkg/seqkv"
)

func NewClient(endpoints []string) (*clientv3.Client, error) {
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
}

// Etcd stores registers under prefix as decimal strings.
type Etcd struct {
	cli    *clientv3.Client
	prefix string
}

func NewEtcd(endpoints []string, prefix string) (*Etcd, error) {
	cli, err := NewClient(endpoints)
	if err != nil {
		return nil, fmt.Errorf("etcd client: %w", err)
	}
	return &Etcd{cli: cli, prefix: prefix}, nil
}

func (e *Etcd) key(k string) string { return e.prefix + k }

func (e *Etcd) Read(ctx context.Context, key string) (int64, error) {
	resp, err := e.cli.Get(ctx, e.key(key))
	if err != nil {
		return 0, seqkv.Errorf(seqkv.TemporarilyUnavailable, "etcd get: %v", err)
	}
	if len(resp.Kvs) == 0 {
		return 0, seqkv.Errorf(seqkv.KeyDoesNotExist, "key %q does not exist", key)
	}
	return parseValue(key, resp.Kvs[0].Value)
}

func (e *Etcd) Write(ctx context.Context, key string, value int64) error {
	if _, err := e.cli.Put(ctx, e.key(key), strconv.FormatInt(value, 10)); err != nil {
		return seqkv.Errorf(seqkv.Crash, "etcd put: %v", err)
	}
	return nil
}

func (e *Etcd) CompareAndSet(ctx context.Context, key string, from, to int64) error {
	k := e.key(key)
	resp, err := e.cli.Txn(ctx).
		If(clientv3.Compare(clientv3.Value(k), "=", strconv.FormatInt(from, 10))).
		Then(clientv3.OpPut(k, strconv.FormatInt(to, 10))).
		Else(clientv3.OpGet(k)).
		Commit()
	if err != nil {
		return seqkv.Errorf(seqkv.Crash, "etcd txn: %v", err)
	}
	if resp.Succeeded {
		return nil
	}
	if len(resp.Responses) == 0 || len(resp.Responses[0].GetResponseRange().Kvs) == 0 {
		return seqkv.Errorf(seqkv.KeyDoesNotExist, "key %q does not exist", key)
	}
	cur := resp.Responses[0].GetResponseRange().Kvs[0].Value
	return seqkv.Errorf(seqkv.PreconditionFailed, "expected %d, but had %s", from, cur)
}

func (e *Etcd) Create(ctx context.Context, key string, value int64) error {
	k := e.key(key)
	resp, err := e.cli.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(k), "=", 0)).
		Then(clientv3.OpPut(k, strconv.FormatInt(value, 10))).
		Commit()
	if err != nil {
		return seqkv.Errorf(seqkv.Crash, "etcd txn: %v", err)
	}
	if !resp.Succeeded {
		return seqkv.Errorf(seqkv.KeyAlreadyExists, "key %q already exists", key)
	}
	return nil
}

func (e *Etcd) Close() error { return e.cli.Close() }

func parseValue(key string, raw []byte) (int64, error) {
	v, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, seqkv.Errorf(seqkv.MalformedRequest, "key %q holds non-integer %q", key, raw)
	}
	return v, nil
}
