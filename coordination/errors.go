package coordination

import (
	"errors"
)

var (
	// Connection to the coordination service was lost.
	//
	// Transient. The session may still be alive and the operation may or may
	// not have been applied.
	ErrConnectionLost = errors.New("coordination: connection lost")

	// Session expired.
	//
	// All ephemeral nodes owned by the session have been removed by the
	// coordination service.
	ErrSessionExpired = errors.New("coordination: session expired")

	// Node does not exist.
	ErrNoNode = errors.New("coordination: no such path")

	// Node already exists.
	ErrNodeExists = errors.New("coordination: node already exists")

	// Client is closed.
	ErrClosed = errors.New("coordination: client closed")
)

// Test if an error is transient.
//
// Only connection losses are considered transient. Everything else, including
// session expiry, is fatal to the operation.
func IsTransient(err error) bool {
	return errors.Is(err, ErrConnectionLost)
}
