package leadership

// Leadership handler.
//
// Invoked when a candidate becomes a leader. When the leadership ends, end is
// closed. Returning from the handler function results in termination of the
// leadership.
type LeadershipHandler func(end <-chan struct{})

// Candidate.
type Candidate interface {
	// Test if the candidate is currently the leader.
	IsLeader() bool

	// Stop offering candidacy.
	//
	// Ends any current leadership and waits for the handler to return.
	Stop()
}
