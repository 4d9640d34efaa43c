package locking

import (
	"errors"
	"fmt"
)

var (
	// Lock is not currently held.
	ErrNotHeld = errors.New("lock is not currently held")

	// Lock is already held by another owner.
	ErrLocked = errors.New("lock is already held")

	// Lock acquisition timed out.
	ErrTimeout = errors.New("lock acquisition timed out")

	// Session was lost while the lock was pending or held.
	ErrSessionLost = errors.New("coordination session lost")

	// Candidate node was removed by someone else.
	ErrNodeRemoved = errors.New("lock node removed")

	// Another acquisition or release is in progress on the lock.
	ErrInProgress = errors.New("lock operation in progress")

	// Lock name is not valid.
	ErrInvalidName = errors.New("invalid lock name")
)

// Acquisition error.
//
// Wraps faults that prevented an acquisition attempt from completing.
type AcquisitionError struct {
	// Lock name.
	Name string

	// Underlying error.
	Err error
}

func (e *AcquisitionError) Error() string {
	return fmt.Sprintf("failed to acquire lock %s: %v", e.Name, e.Err)
}

func (e *AcquisitionError) Unwrap() error {
	return e.Err
}
