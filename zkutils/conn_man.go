package zkutils

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rusanoph/clastor-distributed-lock/coordination"
	log "github.com/rusanoph/clastor-distributed-lock/logging"
	"github.com/samuel/go-zookeeper/zk"
)

// Connection options.
type Options struct {
	// Session timeout negotiated with the ensemble.
	SessionTimeout time.Duration

	// Maximum time to wait for a session to be established by Connect.
	ConnectionTimeout time.Duration

	// ACL for created nodes. Defaults to world:anyone with all permissions.
	ACL []zk.ACL

	// Retry policy for idempotent operations.
	Retry coordination.RetryPolicy
}

// Default connection options.
var DefaultOptions = Options{
	SessionTimeout:    10 * time.Second,
	ConnectionTimeout: 15 * time.Second,
	Retry:             coordination.DefaultRetryPolicy,
}

// ZooKeeper connection manager.
//
// ZooKeeper connection wrapper that provides multiplexed access to events,
// tracks the session state and implements coordination.Client.
type ConnMan struct {
	Conn           *zk.Conn
	SessionTimeout time.Duration
	RecvTimeout    time.Duration
	PingInterval   time.Duration
	acl            []zk.ACL
	retry          coordination.RetryPolicy
	em             *EventMultiplexer
	sw             *connSessionWatcher
	notifier       *coordination.SessionNotifier
	closeOnce      sync.Once
}

var _ coordination.Client = (*ConnMan)(nil)

// Connect as connection manager.
//
// Blocks until a session has been established or the connection timeout
// passes.
func Connect(servers []string, opts Options) (*ConnMan, error) {
	if opts.SessionTimeout <= 0 {
		opts.SessionTimeout = DefaultOptions.SessionTimeout
	}
	if opts.ConnectionTimeout <= 0 {
		opts.ConnectionTimeout = DefaultOptions.ConnectionTimeout
	}
	if len(opts.ACL) == 0 {
		opts.ACL = zk.WorldACL(zk.PermAll)
	}

	// Create the connection.
	conn, ec, err := zk.Connect(servers, opts.SessionTimeout, zk.WithLogger(log.PrintfLogger("zookeeper")))
	if err != nil {
		return nil, translateError(err)
	}

	// Set up the connection manager.
	recvTimeout := opts.SessionTimeout * 2 / 3 // Hardcoded in zk.
	em := NewEventMultiplexer(ec)
	notifier := coordination.NewSessionNotifier()
	established := em.Subscribe()
	defer em.Unsubscribe(established)

	cm := &ConnMan{
		Conn:           conn,
		SessionTimeout: opts.SessionTimeout,
		RecvTimeout:    recvTimeout,
		PingInterval:   recvTimeout / 2, // Hardcoded in zk.
		acl:            opts.ACL,
		retry:          opts.Retry,
		em:             em,
		sw:             newConnSessionWatcher(em.Subscribe(), opts.SessionTimeout, recvTimeout, notifier),
		notifier:       notifier,
	}

	if conn.State() == zk.StateHasSession {
		return cm, nil
	}

	timeout := time.NewTimer(opts.ConnectionTimeout)
	defer timeout.Stop()

	for {
		select {
		case ev, ok := <-established:
			if !ok {
				return nil, coordination.ErrClosed
			}
			if ev.Type == zk.EventSession && ev.State == zk.StateHasSession {
				log.Infof("Connected to ZooKeeper with session 0x%x", conn.SessionID())
				return cm, nil
			}

		case <-timeout.C:
			conn.Close()
			return nil, fmt.Errorf("%w: no session established within %s", coordination.ErrConnectionLost, opts.ConnectionTimeout)
		}
	}
}

// Close connection.
func (m *ConnMan) Close() error {
	m.closeOnce.Do(m.Conn.Close)
	return nil
}

func (m *ConnMan) Session() coordination.SessionID {
	return coordination.SessionID(m.Conn.SessionID())
}

func (m *ConnMan) State() coordination.SessionState {
	return m.notifier.State()
}

// Watch for session loss.
//
// Session loss is indicated if a session expires or connection to a cluster
// is lost for more than the time it is safe to assume that a session is still
// well and alive. If session loss is indicated, it is recommended that any
// caller strictly relying on ephemeral nodes attempt to remove the ephemeral
// node.
func (m *ConnMan) WatchSessionLoss(ctx context.Context) <-chan coordination.SessionState {
	return m.notifier.AddWatcher(ctx)
}

func (m *ConnMan) EnsurePath(ctx context.Context, path string) error {
	return coordination.RetryDo(ctx, m.retry, func() error {
		return CreateRecursively(ctx, m.Conn, path, m.acl)
	})
}

// Create an ephemeral sequential node.
//
// The request is issued only if ctx is not done, and then waits for the
// response regardless of ctx.
func (m *ConnMan) CreateEphemeralSequential(ctx context.Context, prefix string, data []byte) (coordination.Node, error) {
	if err := ctx.Err(); err != nil {
		return coordination.Node{}, err
	}

	created, err := m.Conn.Create(prefix, data, zk.FlagEphemeral|zk.FlagSequence, m.acl)
	if err != nil {
		return coordination.Node{}, translateError(err)
	}

	_, name := coordination.SplitPath(created)
	_, namePrefix := coordination.SplitPath(prefix)

	sn, err := coordination.ParseSequenceNode(name, namePrefix)
	if err != nil {
		return coordination.Node{}, fmt.Errorf("zookeeper: unexpected sequential node name %s: %w", created, err)
	}

	return coordination.Node{
		Path:     created,
		Name:     sn.Name,
		Sequence: sn.Sequence,
	}, nil
}

func (m *ConnMan) Create(ctx context.Context, path string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	_, err := m.Conn.Create(path, data, 0, m.acl)
	return translateError(err)
}

func (m *ConnMan) Children(ctx context.Context, path string) ([]string, error) {
	return coordination.Retry(ctx, m.retry, func() ([]string, error) {
		children, _, err := m.Conn.Children(path)
		return children, translateError(err)
	})
}

type getResult struct {
	data []byte
	info coordination.NodeInfo
}

func (m *ConnMan) Get(ctx context.Context, path string) ([]byte, coordination.NodeInfo, error) {
	res, err := coordination.Retry(ctx, m.retry, func() (getResult, error) {
		data, stat, err := m.Conn.Get(path)
		if err != nil {
			return getResult{}, translateError(err)
		}

		return getResult{
			data: data,
			info: coordination.NodeInfo{
				Owner:   coordination.SessionID(stat.EphemeralOwner),
				Created: time.UnixMilli(stat.Ctime),
			},
		}, nil
	})

	return res.data, res.info, err
}

func (m *ConnMan) Set(ctx context.Context, path string, data []byte) error {
	return coordination.RetryDo(ctx, m.retry, func() error {
		_, err := m.Conn.Set(path, data, -1)
		return translateError(err)
	})
}

func (m *ConnMan) Delete(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return translateError(m.Conn.Delete(path, -1))
}

// Watch for deletion of a node.
//
// ZooKeeper watches are one-shot and also fire on data changes, so the watch
// is re-armed until the node is deleted or the watch is lost.
func (m *ConnMan) WatchDeletion(ctx context.Context, path string) (<-chan coordination.WatchEvent, error) {
	exists, _, wc, err := m.Conn.ExistsW(path)
	if err != nil {
		return nil, translateError(err)
	}
	if !exists {
		return nil, coordination.ErrNoNode
	}

	out := make(chan coordination.WatchEvent, 1)

	go func() {
		for {
			select {
			case ev, ok := <-wc:
				if !ok {
					out <- coordination.WatchEvent{Path: path, Err: coordination.ErrClosed}
					return
				}

				switch ev.Type {
				case zk.EventNodeDeleted:
					out <- coordination.WatchEvent{Path: path}
					return

				case zk.EventNotWatching:
					out <- coordination.WatchEvent{Path: path, Err: translateError(ev.Err)}
					return
				}

				log.Debugf("Re-arming deletion watch on %s after %s", path, ev.Type)

				exists, _, wc, err = m.Conn.ExistsW(path)
				if err != nil {
					out <- coordination.WatchEvent{Path: path, Err: translateError(err)}
					return
				}
				if !exists {
					out <- coordination.WatchEvent{Path: path}
					return
				}

			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}
