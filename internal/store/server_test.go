package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newServedClient starts a server over a fresh MemoryStore on a free port
// and returns a connected client.
func newServedClient(t *testing.T) (*Client, *MemoryStore) {
	t.Helper()
	inner := NewMemoryStore()
	srv := NewServer(inner)
	addr, err := srv.Listen("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() {
		srv.Close()
		inner.Close()
	})

	c, err := Dial(addr)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c, inner
}

func TestClientKeyValueRoundTrip(t *testing.T) {
	c, _ := newServedClient(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), 0))
	got, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)

	_, err = c.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	ok, err := c.Exists(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, c.Delete(ctx, "k"))
	ok, err = c.Exists(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClientTTLAndExpire(t *testing.T) {
	c, _ := newServedClient(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "short", []byte("v"), 20*time.Millisecond))
	time.Sleep(40 * time.Millisecond)
	_, err := c.Get(ctx, "short")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, c.Expire(ctx, "missing", time.Second), ErrNotFound)
}

func TestClientContainers(t *testing.T) {
	c, _ := newServedClient(t)
	ctx := context.Background()

	require.NoError(t, c.SAdd(ctx, "set", "a", "b"))
	require.NoError(t, c.SRem(ctx, "set", "a"))
	members, err := c.SMembers(ctx, "set")
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, members)

	require.NoError(t, c.HSet(ctx, "hash", "f", []byte("1")))
	v, err := c.HGet(ctx, "hash", "f")
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), v)
	all, err := c.HGetAll(ctx, "hash")
	require.NoError(t, err)
	assert.Len(t, all, 1)
	require.NoError(t, c.HDel(ctx, "hash", "f"))

	require.NoError(t, c.LPush(ctx, "list", []byte("x"), []byte("y")))
	n, err := c.LLen(ctx, "list")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	items, err := c.LRange(ctx, "list", 0, -1)
	require.NoError(t, err)
	assert.Len(t, items, 2)
	require.NoError(t, c.LTrim(ctx, "list", 0, 0))
	n, err = c.LLen(ctx, "list")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestClientIncrIsSharedWithInner(t *testing.T) {
	c, inner := newServedClient(t)
	ctx := context.Background()

	// Claims made through the client and the parent's own store must
	// arbitrate on the same counter.
	n, err := c.Incr(ctx, "claim")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = inner.Incr(ctx, "claim")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestClientKeysPrefix(t *testing.T) {
	c, _ := newServedClient(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "a:1", []byte("v"), 0))
	require.NoError(t, c.Set(ctx, "a:2", []byte("v"), 0))
	require.NoError(t, c.Set(ctx, "b:1", []byte("v"), 0))

	keys, err := c.Keys(ctx, "a:")
	require.NoError(t, err)
	assert.Len(t, keys, 2)
}

func TestClientSubscribeReceivesPublishes(t *testing.T) {
	c, _ := newServedClient(t)
	ctx := context.Background()

	msgs, cancel, err := c.Subscribe(ctx, "events")
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, c.Publish(ctx, "events", []byte("hello")))

	select {
	case msg := <-msgs:
		assert.Equal(t, "events", msg.Channel)
		assert.Equal(t, []byte("hello"), msg.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}

	cancel()
	// The stream channel closes once the subscription is torn down.
	select {
	case _, open := <-msgs:
		assert.False(t, open)
	case <-time.After(2 * time.Second):
		t.Fatal("message channel did not close")
	}
}

func TestClientAfterServerClose(t *testing.T) {
	inner := NewMemoryStore()
	defer inner.Close()
	srv := NewServer(inner)
	addr, err := srv.Listen("127.0.0.1:0")
	require.NoError(t, err)

	c, err := Dial(addr)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, srv.Close())

	_, err = c.Get(context.Background(), "k")
	assert.Error(t, err)
}
