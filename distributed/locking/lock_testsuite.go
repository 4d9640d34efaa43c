package locking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rusanoph/clastor-distributed-lock/coordination"
	log "github.com/rusanoph/clastor-distributed-lock/logging"
	"github.com/rusanoph/clastor-distributed-lock/unittest"
	"golang.org/x/sync/errgroup"
)

// Retry policy for lock test suites.
var TestRetryPolicy = coordination.RetryPolicy{
	InitialInterval: 5 * time.Millisecond,
	MaxInterval:     50 * time.Millisecond,
	MaxTries:        10,
}

// Lock test suite.
//
// Runs the lock conformance matrix against a pair of coordination clients
// with separate sessions. Implementations set Client and OtherClient, and
// call Bind, in SetUp or SetUpSuite.
type LockTestSuite struct {
	unittest.TestSuite

	// Coordination clients.
	Client      coordination.Client
	OtherClient coordination.Client

	// Providers bound to the clients.
	Provider      *Provider
	OtherProvider *Provider

	// Root for lock paths.
	Root string

	eventsLock sync.Mutex
	events     []Event
}

// Bind providers to the clients.
func (s *LockTestSuite) Bind() {
	s.Root = fmt.Sprintf("/locks-test-%d", time.Now().UnixNano())

	s.eventsLock.Lock()
	s.events = nil
	s.eventsLock.Unlock()

	opts := []Option{
		WithRoot(s.Root),
		WithRetryPolicy(TestRetryPolicy),
		WithCleanupTimeout(2 * time.Second),
	}

	s.Provider = NewProvider(s.Client, append(opts, WithObserver(ObserverFunc(s.recordEvent)))...)
	s.OtherProvider = NewProvider(s.OtherClient, opts...)
}

func (s *LockTestSuite) recordEvent(ev Event) {
	s.eventsLock.Lock()
	defer s.eventsLock.Unlock()

	s.events = append(s.events, ev)
}

// Events recorded for a lock of the first provider.
func (s *LockTestSuite) Events(name string) []Event {
	s.eventsLock.Lock()
	defer s.eventsLock.Unlock()

	events := make([]Event, 0)
	for _, ev := range s.events {
		if ev.Name == name {
			events = append(events, ev)
		}
	}
	return events
}

// Get a lock from a provider.
func (s *LockTestSuite) GetLock(p *Provider, name string) Lock {
	l, err := p.GetLock(name)
	if err != nil {
		s.Fatalf("Unexpected error getting lock %s: %v", name, err)
	}
	return l
}

// Assert that a lock is acquired by a call to Acquire.
func (s *LockTestSuite) AssertAcquire(l Lock) int64 {
	if err := l.Acquire(context.Background(), 0); err != nil {
		s.Fatalf("Unexpected error acquiring lock %s: %v", l.Name(), err)
	}

	token, ok := l.FencingToken()
	if !ok {
		s.Fatalf("Expected fencing token of acquired lock %s to be valid", l.Name())
	}
	return token
}

// Assert that the attempt to acquire a lock times out.
func (s *LockTestSuite) AssertAcquireTimedOut(l Lock, timeout time.Duration) {
	err := l.Acquire(context.Background(), timeout)
	if err == nil {
		s.Fatal("Expected timeout while acquiring lock, but no error occured")
	} else if !errors.Is(err, ErrTimeout) {
		s.Fatalf("Unexpected error acquiring lock expected to time out: %v", err)
	}

	s.AssertEqual(StateReleased, l.State())
}

// Assert that a lock is acquired before a timeout.
func (s *LockTestSuite) AssertAcquireBeforeTimeout(l Lock, timeout time.Duration) {
	if err := l.Acquire(context.Background(), timeout); err != nil {
		s.Fatalf("Unexpected error acquiring lock: %v", err)
	}
}

// Assert that a lock is released successfully.
func (s *LockTestSuite) AssertRelease(l Lock) {
	if err := l.Release(context.Background()); err != nil {
		s.Fatalf("Unexpected error releasing lock: %v", err)
	}
}

// Assert that releasing a lock returns that the lock is not held.
func (s *LockTestSuite) AssertReleaseNotHeld(l Lock) {
	err := l.Release(context.Background())

	if err == nil {
		s.Fatal("Expected ErrNotHeld, but no error occured")
	} else if !errors.Is(err, ErrNotHeld) {
		s.Fatalf("Expected ErrNotHeld, but an unexpected error occured: %v", err)
	}
}

// Candidate nodes of a lock.
func (s *LockTestSuite) Candidates(l Lock) []coordination.SequenceNode {
	children, err := s.OtherClient.Children(context.Background(), l.Path())
	if errors.Is(err, coordination.ErrNoNode) {
		return nil
	} else if err != nil {
		s.Fatalf("Failed to list candidates of %s: %v", l.Path(), err)
	}

	nodes := coordination.ParseSequenceNodes(children, candidatePrefix)
	coordination.SortSequenceNodes(nodes)
	return nodes
}

// Wait for a lock to have a number of candidates.
func (s *LockTestSuite) AwaitCandidates(l Lock, n int) {
	deadline := time.Now().Add(5 * time.Second)

	for len(s.Candidates(l)) != n {
		if time.Now().After(deadline) {
			s.Fatalf("Timeout waiting for %d candidates of %s, have %d", n, l.Path(), len(s.Candidates(l)))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// Wait for a lock to reach a state.
func (s *LockTestSuite) AwaitState(l Lock, state State) {
	deadline := time.Now().Add(5 * time.Second)

	for l.State() != state {
		if time.Now().After(deadline) {
			s.Fatalf("Timeout waiting for lock %s to be %s, is %s", l.Name(), state, l.State())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// Wait for a lost lock.
func (s *LockTestSuite) AwaitLost(l Lock) {
	select {
	case <-l.Lost():
	case <-time.After(5 * time.Second):
		s.Fatalf("Lock %s was not lost after 5 s", l.Name())
	}

	s.AssertEqual(StateLost, l.State())
	if l.IsHeld() {
		s.Fatalf("Expected lost lock %s not to be held", l.Name())
	}
	if _, ok := l.FencingToken(); ok {
		s.Fatalf("Expected fencing token of lost lock %s to be invalid", l.Name())
	}
}

func (s *LockTestSuite) TestAcquireRelease() {
	l := s.GetLock(s.Provider, "jobs/42")
	s.AssertEqual(StateIdle, l.State())
	s.AssertEqual(s.Root+"/jobs%2F42", l.Path())

	for i := 0; i < 3; i++ {
		s.AssertAcquire(l)
		log.Debug("Acquired lock")
		s.AssertEqual(StateHeld, l.State())
		s.AssertEqual(1, len(s.Candidates(l)))

		s.AssertRelease(l)
		log.Debug("Released lock")
		s.AssertEqual(StateReleased, l.State())
		s.AssertEqual(0, len(s.Candidates(l)))

		s.AssertAcquireBeforeTimeout(l, time.Second)
		log.Debug("Acquired lock before 1 s timeout")
		s.AssertRelease(l)
	}
}

func (s *LockTestSuite) TestInvalidName() {
	_, err := s.Provider.GetLock("")
	s.AssertErrorIs(err, ErrInvalidName)
}

func (s *LockTestSuite) TestReleaseIsIdempotent() {
	l := s.GetLock(s.Provider, "idempotent")

	s.AssertReleaseNotHeld(l)

	s.AssertAcquire(l)
	s.AssertRelease(l)
	s.AssertRelease(l)
	s.AssertEqual(StateReleased, l.State())
	s.AssertEqual(0, len(s.Candidates(l)))
}

func (s *LockTestSuite) TestFencingTokensIncrease() {
	a := s.GetLock(s.Provider, "tokens")
	b := s.GetLock(s.OtherProvider, "tokens")

	last := int64(-1)
	for i := 0; i < 3; i++ {
		for _, l := range []Lock{a, b} {
			token := s.AssertAcquire(l)
			if token <= last {
				s.Fatalf("Expected fencing token %d to be greater than %d", token, last)
			}
			last = token
			s.AssertRelease(l)

			if _, ok := l.FencingToken(); ok {
				s.Fatal("Expected fencing token of released lock to be invalid")
			}
		}
	}
}

func (s *LockTestSuite) TestHandoff() {
	a := s.GetLock(s.Provider, "jobs/42")
	b := s.GetLock(s.OtherProvider, "jobs/42")

	tokenA := s.AssertAcquire(a)

	acquired := make(chan error, 1)
	go func() {
		acquired <- b.Acquire(context.Background(), 5*time.Second)
	}()

	s.AwaitCandidates(a, 2)
	s.AwaitState(b, StatePending)

	s.AssertRelease(a)

	select {
	case err := <-acquired:
		if err != nil {
			s.Fatalf("Unexpected error acquiring lock: %v", err)
		}
	case <-time.After(5 * time.Second):
		s.Fatal("Waiter did not acquire the released lock")
	}

	tokenB, ok := b.FencingToken()
	if !ok {
		s.Fatal("Expected fencing token to be valid")
	}
	s.AssertEqual(tokenA+1, tokenB)

	s.AssertRelease(b)
}

func (s *LockTestSuite) TestTimedOutWaitersAreSkipped() {
	l1 := s.GetLock(s.Provider, "/lock/path")
	l2 := s.GetLock(s.OtherProvider, "/lock/path")
	l3 := s.GetLock(s.Provider, "/lock/path")
	l4 := s.GetLock(s.OtherProvider, "/lock/path")

	for i := 0; i < 3; i++ {
		var l3Acquired, l4Acquired sync.WaitGroup
		l3Acquired.Add(1)
		l4Acquired.Add(1)

		s.AssertAcquire(l1)
		log.Debug("Acquired lock 1, waiting for lock 2 to time out")

		s.AssertAcquireTimedOut(l2, 50*time.Millisecond)
		log.Debug("Lock 2 timed out")

		// The timed out candidate is gone.
		s.AssertEqual(1, len(s.Candidates(l1)))

		go func() {
			defer l3Acquired.Done()
			if err := l3.Acquire(context.Background(), 0); err != nil {
				s.Errorf("Unexpected error acquiring lock 3: %v", err)
			}
			log.Debug("Lock 3 acquired")
		}()
		s.AwaitCandidates(l1, 2)

		go func() {
			defer l4Acquired.Done()
			if err := l4.Acquire(context.Background(), 0); err != nil {
				s.Errorf("Unexpected error acquiring lock 4: %v", err)
			}
			log.Debug("Lock 4 acquired")
		}()
		s.AwaitCandidates(l1, 3)

		s.AssertRelease(l1)
		log.Debug("Released lock 1, waiting for lock 3 to be acquired")

		l3Acquired.Wait()

		s.AssertRelease(l3)
		log.Debug("Released lock 3, waiting for lock 4 to be acquired")

		l4Acquired.Wait()

		s.AssertRelease(l4)
		log.Debug("Released lock 4")
	}
}

func (s *LockTestSuite) TestTryAcquire() {
	a := s.GetLock(s.Provider, "try")
	b := s.GetLock(s.OtherProvider, "try")

	acquired, err := a.TryAcquire(context.Background(), 0)
	if err != nil || !acquired {
		s.Fatalf("Expected uncontended lock to be acquired, got %v, %v", acquired, err)
	}

	acquired, err = b.TryAcquire(context.Background(), 0)
	if err != nil || acquired {
		s.Fatalf("Expected contended lock not to be acquired, got %v, %v", acquired, err)
	}
	s.AssertEqual(StateReleased, b.State())
	s.AssertEqual(1, len(s.Candidates(a)))

	acquired, err = b.TryAcquire(context.Background(), 50*time.Millisecond)
	if err != nil || acquired {
		s.Fatalf("Expected contended lock not to be acquired before timeout, got %v, %v", acquired, err)
	}
	s.AssertEqual(1, len(s.Candidates(a)))

	s.AssertRelease(a)

	acquired, err = b.TryAcquire(context.Background(), time.Second)
	if err != nil || !acquired {
		s.Fatalf("Expected released lock to be acquired, got %v, %v", acquired, err)
	}
	s.AssertRelease(b)
}

func (s *LockTestSuite) TestCancelPendingAcquisition() {
	a := s.GetLock(s.Provider, "cancel")
	b := s.GetLock(s.OtherProvider, "cancel")

	s.AssertAcquire(a)

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() {
		result <- b.Acquire(ctx, 0)
	}()

	s.AwaitCandidates(a, 2)
	cancel()

	select {
	case err := <-result:
		s.AssertErrorIs(err, context.Canceled)
	case <-time.After(5 * time.Second):
		s.Fatal("Cancelled acquisition did not return")
	}

	// No candidate is left behind once the call returns.
	s.AssertEqual(1, len(s.Candidates(a)))
	s.AssertEqual(StateReleased, b.State())

	s.AssertRelease(a)
}

func (s *LockTestSuite) TestMutualExclusion() {
	const contenders = 10
	const rounds = 3

	var holders, maxHolders int32
	g, ctx := errgroup.WithContext(context.Background())

	for i := 0; i < contenders; i++ {
		p := s.Provider
		if i%2 == 1 {
			p = s.OtherProvider
		}
		l := s.GetLock(p, "exclusive")

		g.Go(func() error {
			for r := 0; r < rounds; r++ {
				if err := l.Acquire(ctx, 10*time.Second); err != nil {
					return err
				}

				n := atomic.AddInt32(&holders, 1)
				for {
					m := atomic.LoadInt32(&maxHolders)
					if n <= m || atomic.CompareAndSwapInt32(&maxHolders, m, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&holders, -1)

				if err := l.Release(ctx); err != nil {
					return err
				}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		s.Fatalf("Unexpected error in contender: %v", err)
	}
	s.AssertEqual(1, atomic.LoadInt32(&maxHolders))
}

func (s *LockTestSuite) TestFIFO() {
	const waiters = 5

	holder := s.GetLock(s.Provider, "fifo")
	s.AssertAcquire(holder)

	var orderLock sync.Mutex
	order := make([]int, 0, waiters)
	g := new(errgroup.Group)

	for i := 0; i < waiters; i++ {
		p := s.Provider
		if i%2 == 0 {
			p = s.OtherProvider
		}
		l := s.GetLock(p, "fifo")

		g.Go(func() error {
			if err := l.Acquire(context.Background(), 10*time.Second); err != nil {
				return err
			}

			orderLock.Lock()
			order = append(order, i)
			orderLock.Unlock()

			return l.Release(context.Background())
		})

		s.AwaitCandidates(holder, i+2)
	}

	s.AssertRelease(holder)

	if err := g.Wait(); err != nil {
		s.Fatalf("Unexpected error in waiter: %v", err)
	}

	for i, actual := range order {
		s.AssertEqual(i, actual)
	}
	s.AssertEqual(waiters, len(order))
}

func (s *LockTestSuite) TestReentrantOwners() {
	l := s.GetLock(s.Provider, "reentrant")
	alice := WithOwner(context.Background(), "alice")
	bob := WithOwner(context.Background(), "bob")

	if err := l.Acquire(alice, 0); err != nil {
		s.Fatalf("Unexpected error acquiring lock: %v", err)
	}
	if err := l.Acquire(alice, 0); err != nil {
		s.Fatalf("Unexpected error reacquiring lock: %v", err)
	}
	s.AssertEqual(1, len(s.Candidates(l)))

	s.AssertErrorIs(l.Acquire(bob, 0), ErrLocked)
	s.AssertErrorIs(l.Release(bob), ErrNotHeld)

	acquired, err := l.TryAcquire(bob, 0)
	if acquired {
		s.Fatal("Expected lock held by another owner not to be acquired")
	}
	s.AssertErrorIs(err, ErrLocked)

	// The first release only drops a hold.
	if err := l.Release(alice); err != nil {
		s.Fatalf("Unexpected error releasing hold: %v", err)
	}
	s.AssertEqual(StateHeld, l.State())
	s.AssertEqual(1, len(s.Candidates(l)))

	if err := l.Release(alice); err != nil {
		s.Fatalf("Unexpected error releasing lock: %v", err)
	}
	s.AssertEqual(StateReleased, l.State())
	s.AssertEqual(0, len(s.Candidates(l)))
}

func (s *LockTestSuite) TestConcurrentAcquisitionOnOneLock() {
	holder := s.GetLock(s.OtherProvider, "in-progress")
	l := s.GetLock(s.Provider, "in-progress")
	s.AssertAcquire(holder)

	result := make(chan error, 1)
	go func() {
		result <- l.Acquire(context.Background(), 5*time.Second)
	}()
	s.AwaitCandidates(holder, 2)

	s.AssertErrorIs(l.Acquire(context.Background(), 0), ErrInProgress)
	s.AssertReleaseNotHeld(l)

	s.AssertRelease(holder)
	if err := <-result; err != nil {
		s.Fatalf("Unexpected error acquiring lock: %v", err)
	}
	s.AssertRelease(l)
}

func (s *LockTestSuite) TestLockLostOnNodeRemoval() {
	l := s.GetLock(s.Provider, "removal")
	s.AssertAcquire(l)
	log.Debug("Acquired lock, removing node")

	for _, n := range s.Candidates(l) {
		if err := s.OtherClient.Delete(context.Background(), coordination.JoinPath(l.Path(), n.Name)); err != nil {
			s.Fatalf("Failed to remove candidate node: %v", err)
		}
	}

	s.AwaitLost(l)

	err := l.Release(context.Background())
	s.AssertErrorIs(err, ErrNotHeld)
	s.AssertErrorIs(err, ErrNodeRemoved)
	s.AssertEqual(StateReleased, l.State())
	s.AssertRelease(l)

	// The lock can be acquired again.
	s.AssertAcquire(l)
	s.AssertRelease(l)
}

func (s *LockTestSuite) TestEvents() {
	l := s.GetLock(s.Provider, "events")
	s.AssertAcquire(l)
	token, _ := l.FencingToken()
	s.AssertRelease(l)

	expected := []struct{ from, to State }{
		{StateIdle, StatePending},
		{StatePending, StateHeld},
		{StateHeld, StateReleasing},
		{StateReleasing, StateReleased},
	}

	events := s.Events("events")
	s.AssertEqual(len(expected), len(events))

	for i, e := range expected {
		s.AssertEqual(e.from, events[i].From)
		s.AssertEqual(e.to, events[i].To)
		s.AssertEqual(l.Path(), events[i].Path)
	}
	// The candidate node exists before the lock is pending.
	s.AssertEqual(token, events[0].Token)
	s.AssertEqual(token, events[1].Token)
}
