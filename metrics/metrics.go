// Package metrics exports lock state transitions as Prometheus metrics.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rusanoph/clastor-distributed-lock/distributed/locking"
)

// Lock metrics.
//
// Implements locking.Observer.
type Metrics struct {
	// Time from candidate creation to acquisition, or abandonment.
	AcquireDuration *prometheus.HistogramVec

	// Acquisition outcomes by result.
	AcquireTotal *prometheus.CounterVec

	// Releases of held locks.
	ReleaseTotal prometheus.Counter

	// Currently held locks.
	LocksHeld prometheus.Gauge

	// Lost locks by cause.
	LostTotal *prometheus.CounterVec

	// State transitions.
	TransitionsTotal *prometheus.CounterVec
}

var _ locking.Observer = (*Metrics)(nil)

// New lock metrics.
func New(namespace string) *Metrics {
	return &Metrics{
		AcquireDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "lock_acquire_duration_seconds",
				Help:      "Time taken to acquire a lock or give up on it",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
			},
			[]string{"result"},
		),
		AcquireTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lock_acquire_total",
				Help:      "Total number of lock acquisition attempts by result",
			},
			[]string{"result"},
		),
		ReleaseTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lock_release_total",
				Help:      "Total number of lock releases",
			},
		),
		LocksHeld: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "locks_held",
				Help:      "Current number of held locks",
			},
		),
		LostTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lock_lost_total",
				Help:      "Total number of locks lost by cause",
			},
			[]string{"cause"},
		),
		TransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lock_transitions_total",
				Help:      "Total number of lock state transitions",
			},
			[]string{"from", "to"},
		),
	}
}

// Register the metrics.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		m.AcquireDuration,
		m.AcquireTotal,
		m.ReleaseTotal,
		m.LocksHeld,
		m.LostTotal,
		m.TransitionsTotal,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Result label of an abandoned acquisition.
func abandonResult(err error) string {
	switch {
	case err == nil:
		return "not_acquired"
	case errors.Is(err, locking.ErrTimeout):
		return "timeout"
	default:
		return "error"
	}
}

// Cause label of a lost lock.
func lostCause(err error) string {
	switch {
	case errors.Is(err, locking.ErrNodeRemoved):
		return "node_removed"
	case errors.Is(err, locking.ErrSessionLost):
		return "session_lost"
	default:
		return "unknown"
	}
}

func (m *Metrics) LockEvent(ev locking.Event) {
	m.TransitionsTotal.WithLabelValues(ev.From.String(), ev.To.String()).Inc()

	switch {
	case ev.From == locking.StatePending && ev.To == locking.StateHeld:
		m.AcquireDuration.WithLabelValues("granted").Observe(ev.Elapsed.Seconds())
		m.AcquireTotal.WithLabelValues("granted").Inc()
		m.LocksHeld.Inc()

	// Acquisitions can also give up before their candidate exists.
	case ev.To == locking.StateReleased &&
		(ev.From == locking.StatePending || ev.From == locking.StateIdle || ev.From == locking.StateReleased):
		result := abandonResult(ev.Err)
		m.AcquireDuration.WithLabelValues(result).Observe(ev.Elapsed.Seconds())
		m.AcquireTotal.WithLabelValues(result).Inc()

	case ev.From == locking.StateHeld && ev.To == locking.StateReleasing:
		m.LocksHeld.Dec()

	case ev.From == locking.StateReleasing && ev.To == locking.StateReleased:
		m.ReleaseTotal.Inc()

	// Failed release, still held.
	case ev.From == locking.StateReleasing && ev.To == locking.StateHeld:
		m.LocksHeld.Inc()

	case ev.From == locking.StateHeld && ev.To == locking.StateLost:
		m.LocksHeld.Dec()
		m.LostTotal.WithLabelValues(lostCause(ev.Err)).Inc()

	case ev.To == locking.StateLost:
		m.AcquireTotal.WithLabelValues("lost").Inc()
		m.LostTotal.WithLabelValues(lostCause(ev.Err)).Inc()
	}
}
