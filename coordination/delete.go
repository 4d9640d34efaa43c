package coordination

import (
	"context"
	"errors"

	"github.com/cenkalti/backoff/v5"
	log "github.com/rusanoph/clastor-distributed-lock/logging"
)

// Delete a node safely.
//
// Attempts to delete a node until either a non-transient error is
// encountered, the retries are exhausted, or the node is gone. A node that no
// longer exists, or whose session has expired and thereby removed it, counts
// as deleted.
func DeleteSafely(ctx context.Context, client Client, path string, policy RetryPolicy) error {
	policy = policy.withDefaults()

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := client.Delete(ctx, path)

		switch {
		case err == nil:
			log.Debugf("Removed node: %s", path)
			return struct{}{}, nil

		case errors.Is(err, ErrNoNode), errors.Is(err, ErrSessionExpired):
			log.Debugf("Node no longer exists: %s", path)
			return struct{}{}, nil

		case IsTransient(err):
			log.Warnf("Failed to remove node %s, retrying: %v", path, err)
			return struct{}{}, err

		default:
			log.Errorf("Unrecoverable error trying to remove node %s: %v", path, err)
			return struct{}{}, backoff.Permanent(err)
		}
	}, backoff.WithBackOff(policy.BackOff()), backoff.WithMaxTries(policy.MaxTries))

	return err
}
