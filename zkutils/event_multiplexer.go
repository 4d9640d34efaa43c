package zkutils

import (
	"sync"

	log "github.com/rusanoph/clastor-distributed-lock/logging"
	"github.com/samuel/go-zookeeper/zk"
)

var (
	eventMultiplexerSubscriberBuffer = 16
)

// Event multiplexer.
//
// Fans the single connection event channel out to any number of subscribers.
// Subscribers that do not keep up are dropped rather than stalling the
// connection, which panics if its event channel fills up.
type EventMultiplexer struct {
	in   <-chan zk.Event
	outs map[chan zk.Event]struct{}
	lock sync.Mutex
}

// New event multiplexer.
func NewEventMultiplexer(eventChan <-chan zk.Event) *EventMultiplexer {
	m := &EventMultiplexer{
		in:   eventChan,
		outs: make(map[chan zk.Event]struct{}),
	}

	go m.run()

	return m
}

func (m *EventMultiplexer) run() {
	for ev := range m.in {
		m.lock.Lock()

		for out := range m.outs {
			select {
			case out <- ev:
			default:
				log.Warnf("Dropping slow connection event subscriber")
				delete(m.outs, out)
				close(out)
			}
		}

		m.lock.Unlock()
	}

	m.lock.Lock()
	for out := range m.outs {
		close(out)
	}
	m.outs = nil
	m.lock.Unlock()
}

// Subscribe to events.
//
// The returned channel is closed when the connection's event channel is
// closed or the subscriber is dropped.
func (m *EventMultiplexer) Subscribe() <-chan zk.Event {
	ec := make(chan zk.Event, eventMultiplexerSubscriberBuffer)

	m.lock.Lock()
	defer m.lock.Unlock()

	if m.outs == nil {
		close(ec)
		return ec
	}
	m.outs[ec] = struct{}{}

	return ec
}

// Unsubscribe from events.
func (m *EventMultiplexer) Unsubscribe(ec <-chan zk.Event) {
	m.lock.Lock()
	defer m.lock.Unlock()

	for out := range m.outs {
		if out == ec {
			delete(m.outs, out)
			close(out)
			return
		}
	}
}
