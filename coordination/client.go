package coordination

import (
	"context"
	"time"
)

// Session identifier.
//
// ZooKeeper session id or etcd lease id. Ephemeral nodes are labelled with the
// session that owns them.
type SessionID int64

// Session state.
type SessionState int

const (
	// Session is established and the connection is healthy.
	StateConnected SessionState = iota

	// Connection has been lost for longer than it is safe to assume that the
	// session is still alive.
	StateSuspended

	// Session has expired.
	StateExpired
)

func (s SessionState) String() string {
	switch s {
	case StateConnected:
		return "CONNECTED"
	case StateSuspended:
		return "SUSPENDED"
	case StateExpired:
		return "EXPIRED"
	default:
		return "UNKNOWN"
	}
}

// Node created by the coordination service.
type Node struct {
	// Full path.
	Path string

	// Name, i.e. the last path component.
	Name string

	// Sequence number assigned by the coordination service.
	Sequence int64
}

// Node metadata.
type NodeInfo struct {
	// Owning session for ephemeral nodes, zero for persistent nodes.
	Owner SessionID

	// Creation time, if the backend tracks it.
	Created time.Time
}

// Watch event.
//
// Err is nil if the watched node was deleted, or ErrSessionExpired if the
// session expired before the node was deleted.
type WatchEvent struct {
	Path string
	Err  error
}

// Coordination service client.
//
// All operations on one Client share a single session. Implementations must be
// safe for concurrent use.
type Client interface {
	// Current session id.
	Session() SessionID

	// Current session state.
	State() SessionState

	// Watch for session loss.
	//
	// Returns a one-shot channel which receives StateSuspended or
	// StateExpired the first time the session is possibly or definitely
	// lost after the call. The watch is discarded when ctx is done.
	WatchSessionLoss(ctx context.Context) <-chan SessionState

	// Create persistent nodes along the path if they do not exist.
	EnsurePath(ctx context.Context, path string) error

	// Create an ephemeral sequential node.
	//
	// The service appends a 10-digit zero-padded sequence number to prefix.
	// Not idempotent: on ErrConnectionLost the node may or may not have been
	// created. Once issued, a create is not abandoned when ctx is done, so a
	// node the service created is returned to the caller.
	CreateEphemeralSequential(ctx context.Context, prefix string, data []byte) (Node, error)

	// Create a persistent node.
	Create(ctx context.Context, path string, data []byte) error

	// List the names of the children of a node.
	Children(ctx context.Context, path string) ([]string, error)

	// Get the data and metadata of a node.
	Get(ctx context.Context, path string) ([]byte, NodeInfo, error)

	// Set the data of an existing node.
	Set(ctx context.Context, path string, data []byte) error

	// Watch for deletion of a node.
	//
	// Returns ErrNoNode if the node does not exist at registration time.
	// Otherwise the returned channel receives exactly one event, unless ctx
	// is done first.
	WatchDeletion(ctx context.Context, path string) (<-chan WatchEvent, error)

	// Delete a node.
	Delete(ctx context.Context, path string) error

	// Close the client and its session.
	Close() error
}
