package locking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rusanoph/clastor-distributed-lock/coordination"
	log "github.com/rusanoph/clastor-distributed-lock/logging"
)

// Lock handle.
type lock struct {
	p    *Provider
	name string
	path string

	// Default owner.
	id string

	mu          sync.Mutex
	state       State
	since       time.Time
	cand        candidate
	owner       string
	holds       int
	lost        chan struct{}
	lostErr     error
	stopMonitor context.CancelFunc

	// Set while an acquisition runs, including before its candidate exists.
	acquiring bool
}

var _ Lock = (*lock)(nil)

// Transition to a state.
//
// Must be called with the mutex held. The returned event must be emitted
// after the mutex is released.
func (l *lock) transitionLocked(to State, err error) Event {
	now := time.Now()

	ev := Event{
		Name:  l.name,
		Path:  l.path,
		From:  l.state,
		To:    to,
		Token: l.cand.node.Sequence,
		Err:   err,
	}
	if !l.since.IsZero() {
		ev.Elapsed = now.Sub(l.since)
	}

	l.state = to
	l.since = now

	return ev
}

// Begin an acquisition.
//
// Returns true if the owner already holds the lock, in which case the hold
// count has been incremented. The state is left unchanged until the
// candidate node has been created.
func (l *lock) begin(owner string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch {
	case l.state == StateHeld:
		if owner != l.owner {
			return false, ErrLocked
		}
		l.holds++
		log.Debugf("Reacquired lock %s, holds: %d", l.name, l.holds)
		return true, nil

	case l.acquiring || l.state == StatePending || l.state == StateReleasing:
		return false, ErrInProgress
	}

	l.acquiring = true
	return false, nil
}

// Enter the queue with a created candidate node.
func (l *lock) enqueue(c candidate, owner string) {
	l.mu.Lock()
	l.cand = c
	l.owner = owner
	l.holds = 0
	l.lostErr = nil
	l.lost = make(chan struct{})
	ev := l.transitionLocked(StatePending, nil)
	l.mu.Unlock()

	l.p.emit(ev)
}

// Abandon an acquisition.
//
// Moves to Released, or Lost if the session or node was lost, from Pending
// or, if the candidate node was never created, from the state the
// acquisition started in. Returns the error to report to the caller, or nil
// if the acquisition was merely not successful.
func (l *lock) abandon(ctx, actx context.Context, err error) error {
	var to State
	var result error

	switch {
	case errors.Is(err, errNotFirst):
		to, result = StateReleased, nil

	case actx.Err() != nil && ctx.Err() == nil:
		to, result = StateReleased, ErrTimeout

	case ctx.Err() != nil:
		to, result = StateReleased, context.Cause(ctx)

	case errors.Is(err, ErrSessionLost), errors.Is(err, ErrNodeRemoved):
		to, result = StateLost, err

	case errors.Is(err, coordination.ErrSessionExpired):
		to, result = StateLost, fmt.Errorf("%w: %w", ErrSessionLost, err)

	default:
		to, result = StateReleased, &AcquisitionError{Name: l.name, Err: err}
	}

	l.mu.Lock()
	from := l.state
	l.acquiring = false
	ev := l.transitionLocked(to, result)
	if to == StateLost {
		l.lostErr = result
		if from != StatePending {
			l.lost = make(chan struct{})
		}
		close(l.lost)
	}
	l.mu.Unlock()

	l.p.emit(ev)

	if to == StateLost {
		log.Warnf("Lock %s lost while pending: %v", l.name, result)
	}
	return result
}

// Hold a lock after successful acquisition.
func (l *lock) hold(c candidate) {
	l.mu.Lock()
	l.cand = c
	l.holds = 1
	l.acquiring = false
	ev := l.transitionLocked(StateHeld, nil)

	ctx, cancel := context.WithCancel(context.Background())
	l.stopMonitor = cancel
	l.mu.Unlock()

	l.p.emit(ev)
	log.Infof("Acquired lock: %s", l.path)

	l.monitor(ctx, c)
}

// Watch for session or node loss while the lock is held.
//
// The watches are registered before returning.
func (l *lock) monitor(ctx context.Context, c candidate) {
	loss := l.p.client.WatchSessionLoss(ctx)

	wc, err := coordination.Retry(ctx, l.p.retry, func() (<-chan coordination.WatchEvent, error) {
		return l.p.client.WatchDeletion(ctx, c.node.Path)
	})
	if err != nil {
		if errors.Is(err, coordination.ErrNoNode) {
			err = ErrNodeRemoved
		} else {
			err = fmt.Errorf("%w: %w", ErrSessionLost, err)
		}
		go l.markLost(c, err)
		return
	}

	go func() {
		select {
		case ev := <-wc:
			if ev.Err != nil {
				l.markLost(c, fmt.Errorf("%w: %w", ErrSessionLost, ev.Err))
			} else {
				l.markLost(c, ErrNodeRemoved)
			}

		case state := <-loss:
			l.markLost(c, fmt.Errorf("%w: session %s", ErrSessionLost, state))

		case <-ctx.Done():
		}
	}()
}

// Mark a held lock as lost.
func (l *lock) markLost(c candidate, cause error) {
	if errors.Is(cause, ErrNodeRemoved) {
		cause = l.p.vanishedError(c)
	}

	l.mu.Lock()
	if l.state != StateHeld || l.cand.node.Path != c.node.Path {
		l.mu.Unlock()
		return
	}

	l.lostErr = cause
	ev := l.transitionLocked(StateLost, cause)
	close(l.lost)
	l.stopMonitor()
	l.mu.Unlock()

	l.p.emit(ev)
	log.Warnf("Lock %s lost: %v", l.name, cause)

	// The node survives a suspended session, and must not hold up the next
	// in line once the lock is given up.
	if !errors.Is(cause, ErrNodeRemoved) {
		l.p.deleteCandidate(context.Background(), c)
	}
}

func (l *lock) acquire(ctx context.Context, timeout time.Duration, blocking bool) (bool, error) {
	owner := ownerFromContext(ctx, l.id)
	if held, err := l.begin(owner); err != nil || held {
		return held, err
	}

	actx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		actx, cancel = context.WithTimeoutCause(ctx, timeout, ErrTimeout)
	}
	defer cancel()

	c, err := l.p.createCandidate(actx, l.path)
	if err != nil {
		return false, l.abandon(ctx, actx, err)
	}

	log.Debugf("Created candidate node: %s", c.node.Path)
	l.enqueue(c, owner)

	if err := l.p.awaitCandidate(actx, l.path, c, blocking); err != nil {
		l.p.deleteCandidate(actx, c)
		return false, l.abandon(ctx, actx, err)
	}

	l.hold(c)
	return true, nil
}

func (l *lock) TryAcquire(ctx context.Context, timeout time.Duration) (bool, error) {
	acquired, err := l.acquire(ctx, timeout, timeout > 0)

	var acqErr *AcquisitionError
	switch {
	case err == nil:
		return acquired, nil
	case errors.Is(err, ErrTimeout):
		return false, nil
	case errors.As(err, &acqErr):
		return false, err
	default:
		return false, &AcquisitionError{Name: l.name, Err: err}
	}
}

func (l *lock) Acquire(ctx context.Context, timeout time.Duration) error {
	_, err := l.acquire(ctx, timeout, true)
	return err
}

func (l *lock) Release(ctx context.Context) error {
	owner := ownerFromContext(ctx, l.id)

	l.mu.Lock()

	switch l.state {
	case StateReleased:
		l.mu.Unlock()
		return nil

	case StateIdle, StatePending, StateReleasing:
		l.mu.Unlock()
		return ErrNotHeld

	case StateLost:
		cause := l.lostErr
		ev := l.transitionLocked(StateReleased, cause)
		l.mu.Unlock()

		l.p.emit(ev)
		return fmt.Errorf("%w: %w", ErrNotHeld, cause)
	}

	if owner != l.owner {
		l.mu.Unlock()
		return ErrNotHeld
	}

	l.holds--
	if l.holds > 0 {
		log.Debugf("Released hold on lock %s, holds: %d", l.name, l.holds)
		l.mu.Unlock()
		return nil
	}

	ev := l.transitionLocked(StateReleasing, nil)
	l.stopMonitor()
	c := l.cand
	l.mu.Unlock()

	l.p.emit(ev)

	if err := l.p.deleteCandidate(ctx, c); err != nil {
		// The node is still in place, so the lock remains held until a
		// release succeeds or the lock is lost.
		l.mu.Lock()
		l.holds = 1
		ev = l.transitionLocked(StateHeld, err)
		mctx, cancel := context.WithCancel(context.Background())
		l.stopMonitor = cancel
		l.mu.Unlock()

		l.p.emit(ev)
		l.monitor(mctx, c)

		return fmt.Errorf("failed to remove node of lock %s: %w", l.name, err)
	}

	l.mu.Lock()
	ev = l.transitionLocked(StateReleased, nil)
	l.mu.Unlock()

	l.p.emit(ev)

	log.Infof("Released lock: %s", l.path)
	return nil
}

// Test if the held lock is still backed by a live session.
//
// Must be called with the mutex held.
func (l *lock) validLocked() bool {
	return l.state == StateHeld &&
		l.p.client.State() == coordination.StateConnected &&
		l.p.client.Session() == l.cand.session
}

func (l *lock) IsHeld() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.validLocked()
}

func (l *lock) FencingToken() (int64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.validLocked() {
		return 0, false
	}
	return l.cand.node.Sequence, true
}

func (l *lock) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.state
}

func (l *lock) Lost() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.lost
}

func (l *lock) Name() string {
	return l.name
}

func (l *lock) Path() string {
	return l.path
}
