package zkutils

import (
	"testing"
	"time"

	"github.com/samuel/go-zookeeper/zk"
)

func TestEventMultiplexer(t *testing.T) {
	in := make(chan zk.Event)
	m := NewEventMultiplexer(in)

	a := m.Subscribe()
	b := m.Subscribe()

	in <- zk.Event{Type: zk.EventSession, State: zk.StateHasSession}

	for _, ch := range []<-chan zk.Event{a, b} {
		select {
		case ev := <-ch:
			if ev.State != zk.StateHasSession {
				t.Errorf("Unexpected event state: %v", ev.State)
			}
		case <-time.After(time.Second):
			t.Fatal("Timeout waiting for multiplexed event")
		}
	}

	m.Unsubscribe(b)
	if _, ok := <-b; ok {
		t.Errorf("Expected unsubscribed channel to be closed")
	}

	close(in)

	select {
	case _, ok := <-a:
		if ok {
			t.Errorf("Expected subscriber channel to be closed")
		}
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for subscriber channel to close")
	}

	if _, ok := <-m.Subscribe(); ok {
		t.Errorf("Expected subscription after close to be closed")
	}
}
