package kv

import (
	"context"
	"fmt"
	"strconv"

	"github.com/go-redis/redis/v7"

	"github.com/ryandielhenn/glomer/pkg/seqkv"
)

// casScript returns -1 for a missing key, 0 on mismatch, 1 on success.
var casScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then
	return -1
end
if cur ~= ARGV[1] then
	return 0
end
redis.call('SET', KEYS[1], ARGV[2])
return 1
`)

// Redis stores registers under prefix as decimal strings.
type Redis struct {
	client *redis.Client
	prefix string
}

func NewRedis(addr, prefix string) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: "",
		DB:       0,
	})
	if _, err := client.Ping().Result(); err != nil {
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return &Redis{client: client, prefix: prefix}, nil
}

func (r *Redis) key(k string) string { return r.prefix + k }

func (r *Redis) Read(ctx context.Context, key string) (int64, error) {
	s, err := r.client.WithContext(ctx).Get(r.key(key)).Result()
	if err == redis.Nil {
		return 0, seqkv.Errorf(seqkv.KeyDoesNotExist, "key %q does not exist", key)
	}
	if err != nil {
		return 0, seqkv.Errorf(seqkv.TemporarilyUnavailable, "redis get: %v", err)
	}
	return parseValue(key, []byte(s))
}

func (r *Redis) Write(ctx context.Context, key string, value int64) error {
	if err := r.client.WithContext(ctx).Set(r.key(key), strconv.FormatInt(value, 10), 0).Err(); err != nil {
		return seqkv.Errorf(seqkv.Crash, "redis set: %v", err)
	}
	return nil
}

func (r *Redis) CompareAndSet(ctx context.Context, key string, from, to int64) error {
	res, err := casScript.Run(r.client.WithContext(ctx), []string{r.key(key)},
		strconv.FormatInt(from, 10), strconv.FormatInt(to, 10)).Int64()
	if err != nil {
		return seqkv.Errorf(seqkv.Crash, "redis cas: %v", err)
	}
	switch res {
	case 1:
		return nil
	case -1:
		return seqkv.Errorf(seqkv.KeyDoesNotExist, "key %q does not exist", key)
	}
	return seqkv.Errorf(seqkv.PreconditionFailed, "expected %d", from)
}

func (r *Redis) Create(ctx context.Context, key string, value int64) error {
	ok, err := r.client.WithContext(ctx).SetNX(r.key(key), strconv.FormatInt(value, 10), 0).Result()
	if err != nil {
		return seqkv.Errorf(seqkv.Crash, "redis setnx: %v", err)
	}
	if !ok {
		return seqkv.Errorf(seqkv.KeyAlreadyExists, "key %q already exists", key)
	}
	return nil
}

func (r *Redis) Close() error { return r.client.Close() }
