package zkutils

import (
	"errors"
	"fmt"

	"github.com/rusanoph/clastor-distributed-lock/coordination"
	"github.com/samuel/go-zookeeper/zk"
)

// Test if a ZooKeeper error is recoverable.
//
// Takes a conservative approach, and only considers authentication failures
// etc. as unrecoverable.
func IsErrorRecoverable(err error) bool {
	switch {
	case errors.Is(err, zk.ErrNoAuth),
		errors.Is(err, zk.ErrNoChildrenForEphemerals),
		errors.Is(err, zk.ErrNotEmpty),
		errors.Is(err, zk.ErrInvalidACL),
		errors.Is(err, zk.ErrAuthFailed),
		errors.Is(err, zk.ErrSessionExpired),
		errors.Is(err, zk.ErrClosing):
		return false

	default:
		return true
	}
}

// Translate a ZooKeeper error into the coordination error taxonomy.
func translateError(err error) error {
	switch {
	case err == nil:
		return nil

	case errors.Is(err, zk.ErrNoNode):
		return coordination.ErrNoNode

	case errors.Is(err, zk.ErrNodeExists):
		return coordination.ErrNodeExists

	case errors.Is(err, zk.ErrSessionExpired):
		return coordination.ErrSessionExpired

	case errors.Is(err, zk.ErrClosing):
		return coordination.ErrClosed

	case errors.Is(err, zk.ErrConnectionClosed),
		errors.Is(err, zk.ErrNoServer),
		errors.Is(err, zk.ErrSessionMoved):
		return fmt.Errorf("%w: %v", coordination.ErrConnectionLost, err)

	case IsErrorRecoverable(err):
		return fmt.Errorf("zookeeper: %w", err)

	default:
		return fmt.Errorf("zookeeper: unrecoverable error: %w", err)
	}
}
