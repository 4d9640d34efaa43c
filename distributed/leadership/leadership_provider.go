package leadership

import (
	"time"

	"github.com/rusanoph/clastor-distributed-lock/distributed/locking"
)

// Leadership provider.
type LeadershipProvider interface {
	// Get a candidate for an election.
	GetCandidate(election string, leadershipHandler LeadershipHandler) (Candidate, error)
}

// Default wait before retrying a failed candidacy.
const DefaultRetryDelay = 100 * time.Millisecond

// Lock leadership provider.
type lockLeadershipProvider struct {
	locks      *locking.Provider
	retryDelay time.Duration
}

// New leadership provider electing leaders by the locks of a provider.
//
// Every election is a lock named by the election.
func NewLockLeadershipProvider(locks *locking.Provider, retryDelay time.Duration) LeadershipProvider {
	if retryDelay <= 0 {
		retryDelay = DefaultRetryDelay
	}

	return &lockLeadershipProvider{
		locks:      locks,
		retryDelay: retryDelay,
	}
}

func (p *lockLeadershipProvider) GetCandidate(election string, leadershipHandler LeadershipHandler) (Candidate, error) {
	l, err := p.locks.GetLock(election)
	if err != nil {
		return nil, err
	}

	return newLockCandidate(l, leadershipHandler, p.retryDelay), nil
}
