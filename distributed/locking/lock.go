package locking

import (
	"context"
	"time"
)

// Lock state.
type State int

const (
	// Lock has never been acquired.
	StateIdle State = iota

	// Candidate node created, waiting for predecessors.
	StatePending

	// Lock is held.
	StateHeld

	// Candidate node is being deleted.
	StateReleasing

	// Lock has been released or the acquisition was abandoned.
	StateReleased

	// Lock was lost due to session loss or node removal.
	StateLost
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StatePending:
		return "PENDING"
	case StateHeld:
		return "HELD"
	case StateReleasing:
		return "RELEASING"
	case StateReleased:
		return "RELEASED"
	case StateLost:
		return "LOST"
	default:
		return "UNKNOWN"
	}
}

// Lock.
//
// A lock is a single contender for a named lock. Separate contenders, in the
// same process or not, must use separate locks.
type Lock interface {
	// Try to acquire the lock.
	//
	// With a timeout of zero or less, the queue is evaluated once and the
	// candidate is removed again if it is not first in line. Otherwise
	// waits up to timeout. Returns false if the lock was not acquired in
	// time. Other failures are reported as an *AcquisitionError.
	TryAcquire(ctx context.Context, timeout time.Duration) (bool, error)

	// Acquire the lock.
	//
	// Blocks until the lock is acquired, the timeout passes (ErrTimeout),
	// the session is lost (ErrSessionLost) or ctx is done. A timeout of
	// zero or less waits indefinitely.
	//
	// Acquiring a held lock again with the same owner increments the hold
	// count. Owners are set with WithOwner, and default to the lock itself.
	Acquire(ctx context.Context, timeout time.Duration) error

	// Release the lock.
	//
	// The candidate node is only deleted once every hold of the owner has
	// been released. If the node cannot be deleted, the lock stays held and
	// the release can be retried. Releasing a released lock is a no-op. Returns
	// ErrNotHeld if the lock was never acquired, is held by another owner,
	// or has been lost, in which case the error also carries the cause.
	Release(ctx context.Context) error

	// Test if the lock is held.
	//
	// False unless the lock is held and the session is connected.
	IsHeld() bool

	// Fencing token.
	//
	// The sequence number of the candidate node. Sequence numbers start at 0
	// on a fresh lock path and are never reused. Only valid, and ok, while
	// the lock is held and the session is connected.
	FencingToken() (token int64, ok bool)

	// Current state.
	State() State

	// Channel closed when the current acquisition is lost.
	Lost() <-chan struct{}

	// Lock name.
	Name() string

	// Lock path.
	Path() string
}

// Lock state transition event.
type Event struct {
	// Lock name.
	Name string

	// Lock path.
	Path string

	// Previous state.
	From State

	// New state.
	To State

	// Fencing token, if a candidate node exists.
	Token int64

	// Time spent in the previous state.
	Elapsed time.Duration

	// Cause of a transition to StateLost, or of an abandoned acquisition.
	Err error
}

// Lock event observer.
//
// Observers are invoked synchronously after each state transition and must
// not block.
type Observer interface {
	LockEvent(ev Event)
}

// Observer function.
type ObserverFunc func(ev Event)

func (f ObserverFunc) LockEvent(ev Event) {
	f(ev)
}
