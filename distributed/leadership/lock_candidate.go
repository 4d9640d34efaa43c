package leadership

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rusanoph/clastor-distributed-lock/distributed/locking"
	log "github.com/rusanoph/clastor-distributed-lock/logging"
)

// Lock candidate.
type lockCandidate struct {
	// Election lock.
	lock locking.Lock

	// Leadership handler.
	lh LeadershipHandler

	// Wait before retrying a failed acquisition.
	retryDelay time.Duration

	// Done when the candidate is stopped.
	ctx      context.Context
	stop     context.CancelFunc
	stopOnce sync.Once

	// Done.
	done sync.WaitGroup
}

func newLockCandidate(l locking.Lock, lh LeadershipHandler, retryDelay time.Duration) *lockCandidate {
	ctx, stop := context.WithCancel(context.Background())

	c := &lockCandidate{
		lock:       l,
		lh:         lh,
		retryDelay: retryDelay,
		ctx:        ctx,
		stop:       stop,
	}

	c.done.Add(1)
	go c.run()

	return c
}

// Test if the candidature has been stopped.
func (c *lockCandidate) isStopped() bool {
	return c.ctx.Err() != nil
}

// Test if the candidature has been stopped before a certain amount of time.
func (c *lockCandidate) isStoppedBefore(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-c.ctx.Done():
		return true
	case <-t.C:
		return false
	}
}

// Assume leadership until the handler resigns, the candidate is stopped or
// the lock is lost.
func (c *lockCandidate) assumeLeadership() {
	token, _ := c.lock.FencingToken()
	log.Infof("Became leader of %s with token %d", c.lock.Name(), token)

	end := make(chan struct{})
	resigned := make(chan struct{})

	go func() {
		defer close(resigned)
		c.lh(end)
	}()

	select {
	case <-resigned:

	case <-c.ctx.Done():
		close(end)
		log.Debug("Candidate stopped, awaiting leadership handler return")
		<-resigned

	case <-c.lock.Lost():
		close(end)
		log.Warnf("Lost leadership of %s, awaiting leadership handler return", c.lock.Name())
		<-resigned
	}

	if err := c.lock.Release(context.Background()); err != nil && !errors.Is(err, locking.ErrNotHeld) {
		log.Warnf("Error releasing leadership of %s: %v", c.lock.Name(), err)
	}

	log.Infof("Resigned leadership of %s", c.lock.Name())
}

// Run the election process until stopped.
func (c *lockCandidate) run() {
	defer c.done.Done()

	for !c.isStopped() {
		if err := c.lock.Acquire(c.ctx, 0); err != nil {
			if c.isStopped() {
				break
			}

			log.Warnf("Error awaiting leadership of %s, waiting %s to retry: %v", c.lock.Name(), c.retryDelay, err)
			if c.isStoppedBefore(c.retryDelay) {
				break
			}
			continue
		}

		c.assumeLeadership()
	}

	log.Debug("Done running candidate")
}

func (c *lockCandidate) IsLeader() bool {
	return c.lock.IsHeld()
}

func (c *lockCandidate) Stop() {
	c.stopOnce.Do(c.stop)
	log.Debug("Sent stop signal, waiting for running candidate")
	c.done.Wait()
	log.Debug("Done waiting for running candidate")
}
