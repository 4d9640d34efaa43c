package coordination

import (
	"context"
	"sync"
)

// Session state tracker and session loss notifier.
//
// Tracks the current session state and fans out one-shot session loss
// notifications. Backends feed it from their connection event loops.
type SessionNotifier struct {
	lock     sync.Mutex
	state    SessionState
	watchers map[chan SessionState]chan struct{}
}

// New session notifier in the connected state.
func NewSessionNotifier() *SessionNotifier {
	return &SessionNotifier{
		state:    StateConnected,
		watchers: make(map[chan SessionState]chan struct{}),
	}
}

// Current state.
func (n *SessionNotifier) State() SessionState {
	n.lock.Lock()
	defer n.lock.Unlock()

	return n.state
}

// Publish a state transition.
//
// Transitions to StateSuspended or StateExpired are delivered to, and
// consume, all outstanding watchers.
func (n *SessionNotifier) Publish(state SessionState) {
	n.lock.Lock()
	defer n.lock.Unlock()

	n.state = state
	if state == StateConnected {
		return
	}

	for ch, stop := range n.watchers {
		ch <- state
		close(ch)
		close(stop)
	}
	n.watchers = make(map[chan SessionState]chan struct{})
}

// Add a watcher.
//
// Returns a one-shot channel which receives the state the next time the
// session is possibly or definitely lost. If the session is not connected at
// the time of the call, the current state is delivered immediately. The
// watcher is removed when ctx is done.
func (n *SessionNotifier) AddWatcher(ctx context.Context) <-chan SessionState {
	ch := make(chan SessionState, 1)

	n.lock.Lock()
	defer n.lock.Unlock()

	if n.state != StateConnected {
		ch <- n.state
		close(ch)
		return ch
	}

	stop := make(chan struct{})
	n.watchers[ch] = stop

	go func() {
		select {
		case <-ctx.Done():
		case <-stop:
			return
		}

		n.lock.Lock()
		delete(n.watchers, ch)
		n.lock.Unlock()
	}()

	return ch
}

// Number of outstanding watchers.
func (n *SessionNotifier) Watchers() int {
	n.lock.Lock()
	defer n.lock.Unlock()

	return len(n.watchers)
}
