package etcdutils

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rusanoph/clastor-distributed-lock/coordination"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRoot() string {
	return fmt.Sprintf("/etcdutils-test-%d", time.Now().UnixNano())
}

func TestOptionsTTLSeconds(t *testing.T) {
	assert.Equal(t, 1, Options{SessionTTL: 0}.ttlSeconds())
	assert.Equal(t, 1, Options{SessionTTL: 300 * time.Millisecond}.ttlSeconds())
	assert.Equal(t, 2, Options{SessionTTL: 1500 * time.Millisecond}.ttlSeconds())
	assert.Equal(t, 10, Options{SessionTTL: 10 * time.Second}.ttlSeconds())
}

func TestClientSequentialNodes(t *testing.T) {
	a := ConnectTest(t)
	b := ConnectTest(t)
	ctx := context.Background()
	root := testRoot()

	_, err := a.CreateEphemeralSequential(ctx, root+"/x/lock-", nil)
	assert.True(t, errors.Is(err, coordination.ErrNoNode))

	require.NoError(t, a.EnsurePath(ctx, root+"/x"))
	require.NoError(t, b.EnsurePath(ctx, root+"/x"))

	n0, err := a.CreateEphemeralSequential(ctx, root+"/x/lock-", []byte("a"))
	require.NoError(t, err)
	n1, err := b.CreateEphemeralSequential(ctx, root+"/x/lock-", []byte("b"))
	require.NoError(t, err)

	assert.Equal(t, int64(0), n0.Sequence)
	assert.Equal(t, int64(1), n1.Sequence)
	assert.Equal(t, root+"/x/lock-0000000000", n0.Path)

	children, err := a.Children(ctx, root+"/x")
	require.NoError(t, err)
	assert.Equal(t, []string{"lock-0000000000", "lock-0000000001"}, children)

	children, err = a.Children(ctx, root)
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, children)

	data, info, err := b.Get(ctx, n0.Path)
	require.NoError(t, err)
	assert.Equal(t, "a", string(data))
	assert.Equal(t, a.Session(), info.Owner)

	// Sequence numbers are never reused.
	require.NoError(t, b.Delete(ctx, n1.Path))
	n2, err := b.CreateEphemeralSequential(ctx, root+"/x/lock-", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n2.Sequence)

	assert.True(t, errors.Is(b.Delete(ctx, n1.Path), coordination.ErrNoNode))
}

func TestClientPersistentNodes(t *testing.T) {
	a := ConnectTest(t)
	ctx := context.Background()
	root := testRoot()

	assert.True(t, errors.Is(a.Create(ctx, root+"/version", []byte("v1")), coordination.ErrNoNode))
	require.NoError(t, a.EnsurePath(ctx, root))
	require.NoError(t, a.Create(ctx, root+"/version", []byte("v1")))
	assert.True(t, errors.Is(a.Create(ctx, root+"/version", nil), coordination.ErrNodeExists))

	require.NoError(t, a.Set(ctx, root+"/version", []byte("v2")))
	data, info, err := a.Get(ctx, root+"/version")
	require.NoError(t, err)
	assert.Equal(t, "v2", string(data))
	assert.Equal(t, coordination.SessionID(0), info.Owner)

	assert.True(t, errors.Is(a.Set(ctx, root+"/missing", nil), coordination.ErrNoNode))
}

func TestClientCloseRemovesEphemeralNodes(t *testing.T) {
	a := ConnectTest(t)
	b := ConnectTest(t)
	ctx := context.Background()
	root := testRoot()

	require.NoError(t, a.EnsurePath(ctx, root))
	n, err := a.CreateEphemeralSequential(ctx, root+"/lock-", nil)
	require.NoError(t, err)

	watch, err := b.WatchDeletion(ctx, n.Path)
	require.NoError(t, err)

	loss := a.WatchSessionLoss(ctx)
	require.NoError(t, a.Close())
	assert.Equal(t, coordination.StateExpired, <-loss)

	select {
	case ev := <-watch:
		assert.NoError(t, ev.Err)
		assert.Equal(t, n.Path, ev.Path)
	case <-time.After(5 * time.Second):
		t.Fatal("Timeout waiting for ephemeral node to be removed")
	}

	_, err = a.Children(ctx, root)
	assert.True(t, errors.Is(err, coordination.ErrClosed))
}
