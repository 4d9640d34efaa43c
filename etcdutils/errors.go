package etcdutils

import (
	"context"
	"errors"
	"fmt"

	"github.com/rusanoph/clastor-distributed-lock/coordination"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Get the gRPC code of an error returned by the etcd client.
func errorCode(err error) codes.Code {
	var etcdErr rpctypes.EtcdError
	if errors.As(err, &etcdErr) {
		return etcdErr.Code()
	}
	return status.Code(err)
}

// Translate an etcd client error into the coordination error taxonomy.
//
// ctx is the caller's context. If it is done, its error is returned so that
// cancellation and deadlines are reported as such rather than as connection
// faults.
func translateError(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	switch {
	case errors.Is(err, coordination.ErrNoNode),
		errors.Is(err, coordination.ErrNodeExists),
		errors.Is(err, coordination.ErrClosed):
		return err

	case errors.Is(err, rpctypes.ErrLeaseNotFound):
		return coordination.ErrSessionExpired

	case errors.Is(err, clientv3.ErrNoAvailableEndpoints),
		errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", coordination.ErrConnectionLost, err)
	}

	switch errorCode(err) {
	case codes.Unavailable, codes.DeadlineExceeded:
		return fmt.Errorf("%w: %v", coordination.ErrConnectionLost, err)

	case codes.Canceled:
		return coordination.ErrClosed
	}

	return fmt.Errorf("etcd: %w", err)
}
