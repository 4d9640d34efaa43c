package zkutils

import (
	"time"

	"github.com/rusanoph/clastor-distributed-lock/coordination"
	log "github.com/rusanoph/clastor-distributed-lock/logging"
	"github.com/samuel/go-zookeeper/zk"
)

// Connection session watcher.
//
// Translates connection events into session states. A disconnection is only
// reported as StateSuspended once it has lasted longer than the time it is
// safe to assume the session is still alive, i.e. the session timeout minus
// the receive timeout.
type connSessionWatcher struct {
	ec             <-chan zk.Event
	sessionTimeout time.Duration
	recvTimeout    time.Duration
	notifier       *coordination.SessionNotifier
}

// New connection session watcher.
func newConnSessionWatcher(ec <-chan zk.Event, sessionTimeout, recvTimeout time.Duration, notifier *coordination.SessionNotifier) *connSessionWatcher {
	w := &connSessionWatcher{
		ec:             ec,
		sessionTimeout: sessionTimeout,
		recvTimeout:    recvTimeout,
		notifier:       notifier,
	}

	go w.watch()

	return w
}

// Wait out a disconnection.
//
// Returns true if the event channel has been closed.
func (w *connSessionWatcher) awaitReconnect() (done bool) {
	deadline := time.NewTimer(w.sessionTimeout - w.recvTimeout)
	defer deadline.Stop()

	for {
		select {
		case ev, ok := <-w.ec:
			if !ok {
				return true
			}

			if ev.Type != zk.EventSession {
				continue
			}

			switch ev.State {
			case zk.StateHasSession:
				log.Debug("Session reacquired before deadline")
				return false

			case zk.StateExpired:
				log.Warn("Session expired")
				w.notifier.Publish(coordination.StateExpired)
				return false
			}

		case <-deadline.C:
			log.Warnf("Disconnected for more than %s, session possibly lost", w.sessionTimeout-w.recvTimeout)
			w.notifier.Publish(coordination.StateSuspended)
			return false
		}
	}
}

// Watch.
func (w *connSessionWatcher) watch() {
	for ev := range w.ec {
		if ev.Type != zk.EventSession {
			continue
		}

		switch ev.State {
		case zk.StateHasSession:
			if w.notifier.State() != coordination.StateConnected {
				log.Info("Session established")
			}
			w.notifier.Publish(coordination.StateConnected)

		case zk.StateExpired:
			log.Warn("Session expired")
			w.notifier.Publish(coordination.StateExpired)

		case zk.StateDisconnected:
			if w.notifier.State() != coordination.StateConnected {
				continue
			}
			if w.awaitReconnect() {
				break
			}
		}
	}

	// The end of the event channel means the connection has been closed,
	// which ends the session.
	w.notifier.Publish(coordination.StateExpired)
}
