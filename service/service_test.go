package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rusanoph/clastor-distributed-lock/config"
	"github.com/rusanoph/clastor-distributed-lock/coordination"
	"github.com/rusanoph/clastor-distributed-lock/distributed/locking"
	"github.com/rusanoph/clastor-distributed-lock/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Locks.Root = "/service-test"
	cfg.Locks.AcquireRetryDelay = 10 * time.Millisecond
	cfg.Locks.CleanupTimeout = time.Second
	return cfg
}

func newTestService(t *testing.T, s *coordination.MockService, observers ...locking.Observer) (*Service, *coordination.MockClient) {
	client := s.Connect()
	svc := New(client, testConfig(), observers...)
	t.Cleanup(func() {
		svc.Close(context.Background())
	})
	return svc, client
}

func newMockService(t *testing.T) *coordination.MockService {
	s := coordination.NewMockService()
	t.Cleanup(s.Stop)
	return s
}

func TestAcquireRelease(t *testing.T) {
	ctx := context.Background()
	m := metrics.New("test")
	svc, _ := newTestService(t, newMockService(t), m)

	res := svc.Acquire(ctx, AcquireRequest{Name: "orders/42", TimeoutMillis: 1000})
	require.NoError(t, res.Error)
	assert.True(t, res.Granted)
	assert.Equal(t, int64(0), res.FencingToken)
	assert.Equal(t, []string{"orders/42"}, svc.Held())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LocksHeld))

	rel := svc.Release(ctx, "orders/42")
	require.NoError(t, rel.Error)
	assert.True(t, rel.OK)
	assert.Empty(t, svc.Held())
	assert.Equal(t, 0.0, testutil.ToFloat64(m.LocksHeld))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ReleaseTotal))

	res = svc.Acquire(ctx, AcquireRequest{Name: "orders/42"})
	require.NoError(t, res.Error)
	assert.True(t, res.Granted)
	assert.Equal(t, int64(1), res.FencingToken)
}

func TestAcquireInvalidName(t *testing.T) {
	svc, _ := newTestService(t, newMockService(t))

	res := svc.Acquire(context.Background(), AcquireRequest{})
	assert.False(t, res.Granted)
	assert.True(t, errors.Is(res.Error, locking.ErrInvalidName))
}

func TestReleaseNotHeld(t *testing.T) {
	svc, _ := newTestService(t, newMockService(t))

	rel := svc.Release(context.Background(), "unknown")
	assert.False(t, rel.OK)
	assert.True(t, errors.Is(rel.Error, locking.ErrNotHeld))
}

func TestReacquireIncrementsHolds(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, newMockService(t))

	first := svc.Acquire(ctx, AcquireRequest{Name: "jobs"})
	second := svc.Acquire(ctx, AcquireRequest{Name: "jobs"})
	require.True(t, first.Granted)
	require.True(t, second.Granted)
	assert.Equal(t, first.FencingToken, second.FencingToken)

	assert.True(t, svc.Release(ctx, "jobs").OK)
	assert.Equal(t, []string{"jobs"}, svc.Held())

	assert.True(t, svc.Release(ctx, "jobs").OK)
	assert.Empty(t, svc.Held())

	assert.False(t, svc.Release(ctx, "jobs").OK)
}

func TestContention(t *testing.T) {
	ctx := context.Background()
	s := newMockService(t)
	a, _ := newTestService(t, s)
	b, _ := newTestService(t, s)

	require.True(t, a.Acquire(ctx, AcquireRequest{Name: "jobs"}).Granted)

	// Timing out is not an error.
	res := b.Acquire(ctx, AcquireRequest{Name: "jobs", TimeoutMillis: 50})
	assert.False(t, res.Granted)
	assert.NoError(t, res.Error)

	res = b.Acquire(ctx, AcquireRequest{Name: "jobs", TimeoutMillis: -1})
	assert.False(t, res.Granted)
	assert.NoError(t, res.Error)
	assert.Empty(t, b.Held())

	granted := make(chan AcquireResponse, 1)
	go func() {
		granted <- b.Acquire(ctx, AcquireRequest{Name: "jobs", TimeoutMillis: 5000})
	}()

	time.Sleep(50 * time.Millisecond)
	require.True(t, a.Release(ctx, "jobs").OK)

	select {
	case res := <-granted:
		require.NoError(t, res.Error)
		assert.True(t, res.Granted)
		assert.Equal(t, int64(3), res.FencingToken)
	case <-time.After(5 * time.Second):
		t.Fatal("Timeout waiting for handoff")
	}
}

func TestSessionExpiryLosesLocks(t *testing.T) {
	ctx := context.Background()
	svc, client := newTestService(t, newMockService(t))

	require.True(t, svc.Acquire(ctx, AcquireRequest{Name: "jobs"}).Granted)

	svc.lock.Lock()
	l := svc.held["jobs"]
	svc.lock.Unlock()

	client.Expire()

	select {
	case <-l.Lost():
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for lock to be lost")
	}
	assert.Empty(t, svc.Held())

	rel := svc.Release(ctx, "jobs")
	assert.False(t, rel.OK)
	assert.True(t, errors.Is(rel.Error, locking.ErrNotHeld))
	assert.True(t, errors.Is(rel.Error, locking.ErrSessionLost))

	res := svc.Acquire(ctx, AcquireRequest{Name: "jobs"})
	require.NoError(t, res.Error)
	assert.True(t, res.Granted)
}

func TestResources(t *testing.T) {
	ctx := context.Background()
	s := newMockService(t)
	a, _ := newTestService(t, s)
	b, _ := newTestService(t, s)

	assert.Equal(t, ResourceResponse{"orders", "42", StatusAcquired}, a.AcquireResource(ctx, "orders", "42", time.Second))
	assert.Equal(t, []string{"orders/42"}, a.Held())

	assert.Equal(t, ResourceResponse{"orders", "42", StatusFailed}, b.AcquireResource(ctx, "orders", "42", 50*time.Millisecond))
	assert.Equal(t, ResourceResponse{"orders", "", StatusFailed}, b.AcquireResource(ctx, "orders", "", time.Second))

	assert.Equal(t, ResourceResponse{"orders", "42", StatusNotHeld}, b.ReleaseResource(ctx, "orders", "42"))
	assert.Equal(t, ResourceResponse{"orders", "42", StatusReleased}, a.ReleaseResource(ctx, "orders", "42"))
	assert.Equal(t, ResourceResponse{"orders", "42", StatusNotHeld}, a.ReleaseResource(ctx, "orders", "42"))

	assert.Equal(t, ResourceResponse{"orders", "42", StatusAcquired}, b.AcquireResource(ctx, "orders", "42", time.Second))
}

func TestVersions(t *testing.T) {
	ctx := context.Background()
	s := newMockService(t)
	svc, client := newTestService(t, s)

	info, err := svc.Version(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, VersionInfo{Path: "/service-test/orders/version", Version: locking.DefaultVersion}, info)

	require.Equal(t, StatusAcquired, svc.AcquireResource(ctx, "orders", "42", time.Second).Status)
	children, err := client.Children(ctx, "/service-test/orders/v1/42")
	require.NoError(t, err)
	assert.Len(t, children, 1)

	info, err = svc.RotateVersion(ctx, "orders", "v2")
	require.NoError(t, err)
	assert.Equal(t, "v2", info.Version)

	// Locks of the new version do not contend with the old one.
	other, _ := newTestService(t, s)
	assert.Equal(t, StatusAcquired, other.AcquireResource(ctx, "orders", "42", time.Second).Status)

	_, err = svc.RotateVersion(ctx, "orders", "a/b")
	assert.True(t, errors.Is(err, locking.ErrInvalidVersion))
}

func TestCloseReleasesLocks(t *testing.T) {
	ctx := context.Background()
	s := newMockService(t)
	client := s.Connect()
	svc := New(client, testConfig())
	observer, _ := newTestService(t, s)

	require.True(t, svc.Acquire(ctx, AcquireRequest{Name: "a"}).Granted)
	require.True(t, svc.Acquire(ctx, AcquireRequest{Name: "a"}).Granted)
	require.Equal(t, StatusAcquired, svc.AcquireResource(ctx, "orders", "1", time.Second).Status)

	require.NoError(t, svc.Close(ctx))

	children, err := observer.client.Children(ctx, "/service-test/a")
	require.NoError(t, err)
	assert.Empty(t, children)

	assert.True(t, observer.Acquire(ctx, AcquireRequest{Name: "a"}).Granted)
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Backend = "consul"

	_, err := Open(cfg, prometheus.NewRegistry())
	assert.True(t, errors.Is(err, config.ErrInvalidConfig))
}
