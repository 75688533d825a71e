package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shardex/internal/registry"
)

type recorder struct {
	mu     sync.Mutex
	events []registry.Event
}

func (r *recorder) fn(ev registry.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []registry.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]registry.Event(nil), r.events...)
}

func TestGetPutCreateDelete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := New("ns", "exec-1")
	defer c.Close()

	_, err := c.Get(ctx, "/$Jobs/sample/config/cron")
	require.ErrorIs(t, err, registry.ErrNotFound)

	require.NoError(t, c.Put(ctx, "/$Jobs/sample/config/cron", "0/5 * * * * ?"))
	v, err := c.Get(ctx, "/$Jobs/sample/config/cron")
	require.NoError(t, err)
	assert.Equal(t, "0/5 * * * * ?", v)

	created, err := c.Create(ctx, "/$Jobs/sample/config/cron", "other", registry.Persistent)
	require.NoError(t, err)
	assert.False(t, created)

	require.NoError(t, c.Put(ctx, "/$Jobs/other/config/cron", "* * * * * ?"))
	children, err := c.Children(ctx, "/$Jobs")
	require.NoError(t, err)
	assert.Equal(t, []string{"other", "sample"}, children)

	ok, err := c.Exists(ctx, "/$Jobs/sample")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, c.Delete(ctx, "/$Jobs/sample"))
	ok, err = c.Exists(ctx, "/$Jobs/sample")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNamespacesAreIsolated(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tree := NewTree()
	a := tree.Connect("ns-a", "exec-1")
	b := tree.Connect("ns-b", "exec-1")

	require.NoError(t, a.Put(ctx, "/k", "a"))
	_, err := b.Get(ctx, "/k")
	require.ErrorIs(t, err, registry.ErrNotFound)
}

func TestEphemeralKeysVanishOnSessionExpiry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tree := NewTree()
	owner := tree.Connect("ns", "exec-1")
	peer := tree.Connect("ns", "exec-2")

	created, err := owner.Create(ctx, "/leader/election/instance", "exec-1", registry.Ephemeral)
	require.NoError(t, err)
	require.True(t, created)
	require.NoError(t, owner.Put(ctx, "/config", "kept"))

	created, err = peer.Create(ctx, "/leader/election/instance", "exec-2", registry.Ephemeral)
	require.NoError(t, err)
	assert.False(t, created)

	owner.ExpireSession()

	ok, err := peer.Exists(ctx, "/leader/election/instance")
	require.NoError(t, err)
	assert.False(t, ok)
	v, err := peer.Get(ctx, "/config")
	require.NoError(t, err)
	assert.Equal(t, "kept", v)
}

func TestWatchDeliversInOrder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := New("ns", "exec-1")
	defer c.Close()

	rec := &recorder{}
	_, err := c.Watch("/$Jobs/sample", rec.fn)
	require.NoError(t, err)

	require.NoError(t, c.Put(ctx, "/$Jobs/sample/config/cron", "a"))
	require.NoError(t, c.Put(ctx, "/$Jobs/other/config/cron", "ignored"))
	require.NoError(t, c.Put(ctx, "/$Jobs/sample/config/cron", "b"))
	require.NoError(t, c.Delete(ctx, "/$Jobs/sample"))

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 3 }, time.Second, 5*time.Millisecond)
	events := rec.snapshot()
	assert.Equal(t, registry.Event{Type: registry.EventPut, Key: "/$Jobs/sample/config/cron", Value: "a"}, events[0])
	assert.Equal(t, "b", events[1].Value)
	assert.Equal(t, registry.EventDelete, events[2].Type)
}

func TestCloseCacheAwaitsInFlightCallback(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := New("ns", "exec-1")
	defer c.Close()
	require.NoError(t, c.OpenCache(ctx, "/$Jobs/sample"))

	entered := make(chan struct{})
	release := make(chan struct{})
	_, err := c.Watch("/$Jobs/sample/config", func(registry.Event) {
		close(entered)
		<-release
	})
	require.NoError(t, err)
	require.NoError(t, c.Put(ctx, "/$Jobs/sample/config/cron", "x"))
	<-entered

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, c.CloseCache(short, "/$Jobs/sample"), context.DeadlineExceeded)

	close(release)
	require.NoError(t, c.CloseCache(ctx, "/$Jobs/sample"))
}

func TestClosedCenterRejectsCalls(t *testing.T) {
	t.Parallel()
	c := New("ns", "exec-1")
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, err := c.Get(context.Background(), "/x")
	require.ErrorIs(t, err, registry.ErrClosed)
}
