package coordination

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockClients(t *testing.T, n int) (*MockService, []*MockClient) {
	s := NewMockService()
	t.Cleanup(s.Stop)

	clients := make([]*MockClient, n)
	for i := range clients {
		clients[i] = s.Connect()
	}
	return s, clients
}

func awaitWatchEvent(t *testing.T, ch <-chan WatchEvent) WatchEvent {
	t.Helper()

	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for watch event")
		return WatchEvent{}
	}
}

func TestMockEphemeralSequential(t *testing.T) {
	_, clients := newMockClients(t, 2)
	ctx := context.Background()
	a, b := clients[0], clients[1]

	_, err := a.CreateEphemeralSequential(ctx, "/locks/x/lock-", nil)
	require.True(t, errors.Is(err, ErrNoNode))

	require.NoError(t, a.EnsurePath(ctx, "/locks/x"))
	require.NoError(t, a.EnsurePath(ctx, "/locks/x"))

	n0, err := a.CreateEphemeralSequential(ctx, "/locks/x/lock-", []byte("a"))
	require.NoError(t, err)
	n1, err := b.CreateEphemeralSequential(ctx, "/locks/x/lock-", []byte("b"))
	require.NoError(t, err)

	assert.Equal(t, "/locks/x/lock-0000000000", n0.Path)
	assert.Equal(t, "lock-0000000000", n0.Name)
	assert.Equal(t, int64(0), n0.Sequence)
	assert.Equal(t, int64(1), n1.Sequence)

	children, err := a.Children(ctx, "/locks/x")
	require.NoError(t, err)
	assert.Equal(t, []string{"lock-0000000000", "lock-0000000001"}, children)

	data, info, err := b.Get(ctx, n0.Path)
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), data)
	assert.Equal(t, a.Session(), info.Owner)

	// Sequence numbers are never reused.
	require.NoError(t, b.Delete(ctx, n1.Path))
	n2, err := b.CreateEphemeralSequential(ctx, "/locks/x/lock-", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n2.Sequence)

	_, err = a.Children(ctx, "/locks/missing")
	assert.True(t, errors.Is(err, ErrNoNode))
}

func TestMockWatchDeletion(t *testing.T) {
	s, clients := newMockClients(t, 2)
	ctx := context.Background()
	a, b := clients[0], clients[1]

	require.NoError(t, a.EnsurePath(ctx, "/w"))
	n, err := a.CreateEphemeralSequential(ctx, "/w/lock-", nil)
	require.NoError(t, err)

	ch, err := b.WatchDeletion(ctx, n.Path)
	require.NoError(t, err)
	assert.Equal(t, 1, s.WatchCount(n.Path))

	require.NoError(t, a.Delete(ctx, n.Path))
	ev := awaitWatchEvent(t, ch)
	assert.Equal(t, n.Path, ev.Path)
	assert.NoError(t, ev.Err)

	_, err = b.WatchDeletion(ctx, n.Path)
	assert.True(t, errors.Is(err, ErrNoNode))

	assert.True(t, errors.Is(a.Delete(ctx, n.Path), ErrNoNode))
}

func TestMockExpire(t *testing.T) {
	_, clients := newMockClients(t, 2)
	ctx := context.Background()
	a, b := clients[0], clients[1]

	require.NoError(t, a.EnsurePath(ctx, "/e"))
	na, err := a.CreateEphemeralSequential(ctx, "/e/lock-", nil)
	require.NoError(t, err)
	nb, err := b.CreateEphemeralSequential(ctx, "/e/lock-", nil)
	require.NoError(t, err)

	// b watches a's node, a watches b's node.
	bWatch, err := b.WatchDeletion(ctx, na.Path)
	require.NoError(t, err)
	aWatch, err := a.WatchDeletion(ctx, nb.Path)
	require.NoError(t, err)
	loss := a.WatchSessionLoss(ctx)

	oldSession := a.Session()
	a.Expire()

	assert.Equal(t, StateExpired, <-loss)
	assert.NotEqual(t, oldSession, a.Session())
	assert.Equal(t, StateConnected, a.State())

	// The ephemeral node of the expired session is gone.
	ev := awaitWatchEvent(t, bWatch)
	assert.NoError(t, ev.Err)

	// Watches owned by the expired session fail.
	ev = awaitWatchEvent(t, aWatch)
	assert.True(t, errors.Is(ev.Err, ErrSessionExpired))

	children, err := b.Children(ctx, "/e")
	require.NoError(t, err)
	assert.Equal(t, []string{nb.Name}, children)
}

func TestMockSuspendAndFailures(t *testing.T) {
	_, clients := newMockClients(t, 1)
	ctx := context.Background()
	a := clients[0]

	require.NoError(t, a.EnsurePath(ctx, "/f"))

	a.Suspend()
	assert.Equal(t, StateSuspended, a.State())
	_, err := a.Children(ctx, "/f")
	assert.True(t, IsTransient(err))
	a.Resume()

	a.FailNextCreate(true)
	_, err = a.CreateEphemeralSequential(ctx, "/f/lock-", []byte("lost"))
	assert.True(t, errors.Is(err, ErrConnectionLost))

	children, err := a.Children(ctx, "/f")
	require.NoError(t, err)
	assert.Equal(t, []string{"lock-0000000000"}, children)

	a.FailNextCreate(false)
	_, err = a.CreateEphemeralSequential(ctx, "/f/lock-", nil)
	assert.True(t, errors.Is(err, ErrConnectionLost))

	children, err = a.Children(ctx, "/f")
	require.NoError(t, err)
	assert.Len(t, children, 1)

	require.NoError(t, a.Close())
	_, err = a.Children(ctx, "/f")
	assert.True(t, errors.Is(err, ErrClosed))
}

func TestMockPersistentNodes(t *testing.T) {
	_, clients := newMockClients(t, 1)
	ctx := context.Background()
	a := clients[0]

	assert.True(t, errors.Is(a.Create(ctx, "/p/version", []byte("v1")), ErrNoNode))
	require.NoError(t, a.EnsurePath(ctx, "/p"))
	require.NoError(t, a.Create(ctx, "/p/version", []byte("v1")))
	assert.True(t, errors.Is(a.Create(ctx, "/p/version", nil), ErrNodeExists))

	require.NoError(t, a.Set(ctx, "/p/version", []byte("v2")))
	data, info, err := a.Get(ctx, "/p/version")
	require.NoError(t, err)
	assert.Equal(t, "v2", string(data))
	assert.Equal(t, SessionID(0), info.Owner)

	assert.True(t, errors.Is(a.Set(ctx, "/p/missing", nil), ErrNoNode))
}

func TestMockInjectedDelays(t *testing.T) {
	_, clients := newMockClients(t, 1)
	a := clients[0]

	require.NoError(t, a.EnsurePath(context.Background(), "/d"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	// A delayed create is applied even after the caller's context is done.
	a.DelayNextCreate(50 * time.Millisecond)
	n, err := a.CreateEphemeralSequential(ctx, "/d/lock-", nil)
	require.NoError(t, err)
	assert.Error(t, ctx.Err())

	a.FailNextDeletes(2)
	assert.True(t, IsTransient(a.Delete(context.Background(), n.Path)))
	assert.True(t, IsTransient(a.Delete(context.Background(), n.Path)))
	require.NoError(t, a.Delete(context.Background(), n.Path))
}
