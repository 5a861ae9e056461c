package store

import (
	"context"
	"strings"
	"time"
)

// Namespaced wraps a Store so every key and channel is prefixed with
// "<prefix>:". It lets multiple components share one store without key
// collisions.
func Namespaced(s Store, prefix string) Store {
	return &namespaced{inner: s, prefix: prefix + ":"}
}

type namespaced struct {
	inner  Store
	prefix string
}

func (n *namespaced) key(k string) string { return n.prefix + k }

func (n *namespaced) Get(ctx context.Context, key string) ([]byte, error) {
	return n.inner.Get(ctx, n.key(key))
}

func (n *namespaced) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return n.inner.Set(ctx, n.key(key), value, ttl)
}

func (n *namespaced) Delete(ctx context.Context, key string) error {
	return n.inner.Delete(ctx, n.key(key))
}

func (n *namespaced) Exists(ctx context.Context, key string) (bool, error) {
	return n.inner.Exists(ctx, n.key(key))
}

func (n *namespaced) Keys(ctx context.Context, prefix string) ([]string, error) {
	keys, err := n.inner.Keys(ctx, n.key(prefix))
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, strings.TrimPrefix(k, n.prefix))
	}
	return out, nil
}

func (n *namespaced) SAdd(ctx context.Context, key string, members ...string) error {
	return n.inner.SAdd(ctx, n.key(key), members...)
}

func (n *namespaced) SRem(ctx context.Context, key string, members ...string) error {
	return n.inner.SRem(ctx, n.key(key), members...)
}

func (n *namespaced) SMembers(ctx context.Context, key string) ([]string, error) {
	return n.inner.SMembers(ctx, n.key(key))
}

func (n *namespaced) HSet(ctx context.Context, key, field string, value []byte) error {
	return n.inner.HSet(ctx, n.key(key), field, value)
}

func (n *namespaced) HGet(ctx context.Context, key, field string) ([]byte, error) {
	return n.inner.HGet(ctx, n.key(key), field)
}

func (n *namespaced) HGetAll(ctx context.Context, key string) (map[string][]byte, error) {
	return n.inner.HGetAll(ctx, n.key(key))
}

func (n *namespaced) HDel(ctx context.Context, key string, fields ...string) error {
	return n.inner.HDel(ctx, n.key(key), fields...)
}

func (n *namespaced) LPush(ctx context.Context, key string, values ...[]byte) error {
	return n.inner.LPush(ctx, n.key(key), values...)
}

func (n *namespaced) LRange(ctx context.Context, key string, start, stop int) ([][]byte, error) {
	return n.inner.LRange(ctx, n.key(key), start, stop)
}

func (n *namespaced) LTrim(ctx context.Context, key string, start, stop int) error {
	return n.inner.LTrim(ctx, n.key(key), start, stop)
}

func (n *namespaced) LLen(ctx context.Context, key string) (int, error) {
	return n.inner.LLen(ctx, n.key(key))
}

func (n *namespaced) Incr(ctx context.Context, key string) (int64, error) {
	return n.inner.Incr(ctx, n.key(key))
}

func (n *namespaced) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return n.inner.Expire(ctx, n.key(key), ttl)
}

func (n *namespaced) Publish(ctx context.Context, channel string, payload []byte) error {
	return n.inner.Publish(ctx, n.key(channel), payload)
}

func (n *namespaced) Subscribe(ctx context.Context, channel string) (<-chan Message, func(), error) {
	return n.inner.Subscribe(ctx, n.key(channel))
}

func (n *namespaced) Close() error {
	return n.inner.Close()
}
