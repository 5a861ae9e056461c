package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *MemoryStore {
	t.Helper()
	s := NewMemoryStore()
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMemoryStoreSetGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", []byte("v"), 0))

	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreTTLExpiry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", []byte("v"), 20*time.Millisecond))

	ok, err := s.Exists(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	time.Sleep(40 * time.Millisecond)

	// Expiry is enforced lazily on read, ahead of the janitor sweep.
	ok, err = s.Exists(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreExpire(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", []byte("v"), 0))
	require.NoError(t, s.Expire(ctx, "k", 10*time.Millisecond))

	time.Sleep(30 * time.Millisecond)
	_, err := s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, s.Expire(ctx, "missing", time.Second), ErrNotFound)
}

func TestMemoryStoreDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", []byte("v"), 0))
	require.NoError(t, s.Delete(ctx, "k"))
	require.NoError(t, s.Delete(ctx, "k"), "deleting a missing key is not an error")

	_, err := s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreKeys(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "session:a", []byte("1"), 0))
	require.NoError(t, s.Set(ctx, "session:b", []byte("2"), 0))
	require.NoError(t, s.Set(ctx, "agent:c", []byte("3"), 0))

	keys, err := s.Keys(ctx, "session:")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"session:a", "session:b"}, keys)
}

func TestMemoryStoreSets(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SAdd(ctx, "set", "a", "b", "a"))

	members, err := s.SMembers(ctx, "set")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, members)

	require.NoError(t, s.SRem(ctx, "set", "a"))
	members, err = s.SMembers(ctx, "set")
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, members)
}

func TestMemoryStoreHashes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.HSet(ctx, "h", "f1", []byte("v1")))
	require.NoError(t, s.HSet(ctx, "h", "f2", []byte("v2")))

	v, err := s.HGet(ctx, "h", "f1")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), v)

	all, err := s.HGetAll(ctx, "h")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, s.HDel(ctx, "h", "f1"))
	_, err = s.HGet(ctx, "h", "f1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreLists(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// LPush prepends, so the last push is element 0.
	require.NoError(t, s.LPush(ctx, "l", []byte("c")))
	require.NoError(t, s.LPush(ctx, "l", []byte("b")))
	require.NoError(t, s.LPush(ctx, "l", []byte("a")))

	n, err := s.LLen(ctx, "l")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	vals, err := s.LRange(ctx, "l", 0, -1)
	require.NoError(t, err)
	require.Len(t, vals, 3)
	assert.Equal(t, []byte("a"), vals[0])
	assert.Equal(t, []byte("c"), vals[2])

	require.NoError(t, s.LTrim(ctx, "l", 0, 1))
	n, err = s.LLen(ctx, "l")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestMemoryStoreListCap(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Capped-log pattern used by the event log: push then trim.
	for i := 0; i < 10; i++ {
		require.NoError(t, s.LPush(ctx, "log", []byte{byte('0' + i)}))
		require.NoError(t, s.LTrim(ctx, "log", 0, 4))
	}

	n, err := s.LLen(ctx, "log")
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	vals, err := s.LRange(ctx, "log", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []byte("9"), vals[0], "newest entry first")
}

func TestMemoryStoreIncr(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	n, err := s.Incr(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = s.Incr(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestMemoryStorePubSub(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	msgs, cancel, err := s.Subscribe(ctx, "events:s1")
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, s.Publish(ctx, "events:s1", []byte("hello")))
	require.NoError(t, s.Publish(ctx, "events:s2", []byte("other channel")))

	select {
	case msg := <-msgs:
		assert.Equal(t, "events:s1", msg.Channel)
		assert.Equal(t, []byte("hello"), msg.Payload)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}

	select {
	case msg := <-msgs:
		t.Fatalf("unexpected cross-channel delivery: %q", msg.Payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryStoreSubscribeCancel(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	msgs, cancel, err := s.Subscribe(ctx, "ch")
	require.NoError(t, err)

	cancel()

	_, open := <-msgs
	assert.False(t, open, "cancel should close the subscription channel")

	// Publishing after cancel must not panic.
	require.NoError(t, s.Publish(ctx, "ch", []byte("x")))
}

func TestMemoryStoreClosed(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "double close is safe")

	ctx := context.Background()
	assert.ErrorIs(t, s.Set(ctx, "k", nil, 0), ErrClosed)
	_, err := s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestNamespaced(t *testing.T) {
	s := newTestStore(t)
	ns := Namespaced(s, "taskhive")
	ctx := context.Background()

	require.NoError(t, ns.Set(ctx, "k", []byte("v"), 0))

	// Visible under the prefixed key in the underlying store.
	raw, err := s.Get(ctx, "taskhive:k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), raw)

	// Keys are returned without the prefix.
	keys, err := ns.Keys(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"k"}, keys)

	// Pub/sub channels share the namespace.
	msgs, cancel, err := ns.Subscribe(ctx, "ch")
	require.NoError(t, err)
	defer cancel()
	require.NoError(t, ns.Publish(ctx, "ch", []byte("m")))

	select {
	case msg := <-msgs:
		assert.Equal(t, []byte("m"), msg.Payload)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for namespaced message")
	}
}
