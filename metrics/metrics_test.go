package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rusanoph/clastor-distributed-lock/coordination"
	"github.com/rusanoph/clastor-distributed-lock/distributed/locking"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New("clastor")
	require.NoError(t, m.Register(reg))

	m.AcquireTotal.WithLabelValues("granted").Inc()
	m.LostTotal.WithLabelValues("session_lost").Inc()
	m.TransitionsTotal.WithLabelValues("IDLE", "PENDING").Inc()
	m.AcquireDuration.WithLabelValues("granted").Observe(0.1)

	mfs, err := reg.Gather()
	require.NoError(t, err)
	assert.Len(t, mfs, 6)

	assert.Error(t, m.Register(reg))
}

func TestLockEvents(t *testing.T) {
	m := New("clastor")

	m.LockEvent(locking.Event{From: locking.StateIdle, To: locking.StatePending})
	m.LockEvent(locking.Event{From: locking.StatePending, To: locking.StateHeld, Elapsed: 10 * time.Millisecond})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LocksHeld))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AcquireTotal.WithLabelValues("granted")))

	m.LockEvent(locking.Event{From: locking.StateHeld, To: locking.StateLost, Err: locking.ErrNodeRemoved})
	assert.Equal(t, 0.0, testutil.ToFloat64(m.LocksHeld))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LostTotal.WithLabelValues("node_removed")))

	m.LockEvent(locking.Event{From: locking.StatePending, To: locking.StateReleased, Err: locking.ErrTimeout})
	m.LockEvent(locking.Event{From: locking.StatePending, To: locking.StateReleased})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AcquireTotal.WithLabelValues("timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AcquireTotal.WithLabelValues("not_acquired")))

	m.LockEvent(locking.Event{From: locking.StateIdle, To: locking.StateReleased, Err: locking.ErrTimeout})
	assert.Equal(t, 2.0, testutil.ToFloat64(m.AcquireTotal.WithLabelValues("timeout")))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.TransitionsTotal.WithLabelValues("PENDING", "HELD")))
}

func TestFailedReleaseStaysHeld(t *testing.T) {
	m := New("clastor")

	m.LockEvent(locking.Event{From: locking.StatePending, To: locking.StateHeld})
	m.LockEvent(locking.Event{From: locking.StateHeld, To: locking.StateReleasing})
	m.LockEvent(locking.Event{From: locking.StateReleasing, To: locking.StateHeld, Err: coordination.ErrConnectionLost})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LocksHeld))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ReleaseTotal))

	m.LockEvent(locking.Event{From: locking.StateHeld, To: locking.StateReleasing})
	m.LockEvent(locking.Event{From: locking.StateReleasing, To: locking.StateReleased})
	assert.Equal(t, 0.0, testutil.ToFloat64(m.LocksHeld))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ReleaseTotal))
}

func TestObserveProvider(t *testing.T) {
	s := coordination.NewMockService()
	defer s.Stop()
	c := s.Connect()
	defer c.Close()

	m := New("clastor")
	p := locking.NewProvider(c, locking.WithObserver(m))

	l, err := p.GetLock("observed")
	require.NoError(t, err)

	require.NoError(t, l.Acquire(context.Background(), time.Second))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LocksHeld))

	require.NoError(t, l.Release(context.Background()))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.LocksHeld))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ReleaseTotal))
}
