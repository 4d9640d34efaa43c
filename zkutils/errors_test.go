package zkutils

import (
	"errors"
	"testing"

	"github.com/rusanoph/clastor-distributed-lock/coordination"
	"github.com/samuel/go-zookeeper/zk"
)

func TestTranslateError(t *testing.T) {
	for _, fixture := range []struct {
		In       error
		Expected error
	}{
		{zk.ErrNoNode, coordination.ErrNoNode},
		{zk.ErrNodeExists, coordination.ErrNodeExists},
		{zk.ErrSessionExpired, coordination.ErrSessionExpired},
		{zk.ErrClosing, coordination.ErrClosed},
		{zk.ErrConnectionClosed, coordination.ErrConnectionLost},
		{zk.ErrNoServer, coordination.ErrConnectionLost},
	} {
		if actual := translateError(fixture.In); !errors.Is(actual, fixture.Expected) {
			t.Errorf("Expected %v to translate to %v, got %v", fixture.In, fixture.Expected, actual)
		}
	}

	if translateError(nil) != nil {
		t.Errorf("Expected nil to translate to nil")
	}

	if actual := translateError(zk.ErrNoAuth); !errors.Is(actual, zk.ErrNoAuth) || coordination.IsTransient(actual) {
		t.Errorf("Expected authentication failure to be wrapped and permanent, got %v", actual)
	}
}

func TestIsErrorRecoverable(t *testing.T) {
	for _, err := range []error{zk.ErrNoAuth, zk.ErrNotEmpty, zk.ErrInvalidACL, zk.ErrAuthFailed, zk.ErrSessionExpired} {
		if IsErrorRecoverable(err) {
			t.Errorf("Expected %v to be unrecoverable", err)
		}
	}

	for _, err := range []error{zk.ErrConnectionClosed, zk.ErrNoServer, zk.ErrNoNode} {
		if !IsErrorRecoverable(err) {
			t.Errorf("Expected %v to be recoverable", err)
		}
	}
}
