package etcdutils

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rusanoph/clastor-distributed-lock/coordination"
	log "github.com/rusanoph/clastor-distributed-lock/logging"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"google.golang.org/grpc/connectivity"
)

// Connection options.
type Options struct {
	// Dial timeout.
	DialTimeout time.Duration

	// Session lease TTL. Rounded up to whole seconds.
	SessionTTL time.Duration

	// Timeout for individual requests.
	RequestTimeout time.Duration

	// Retry policy for idempotent operations.
	Retry coordination.RetryPolicy
}

// Default connection options.
var DefaultOptions = Options{
	DialTimeout:    5 * time.Second,
	SessionTTL:     10 * time.Second,
	RequestTimeout: 5 * time.Second,
	Retry:          coordination.DefaultRetryPolicy,
}

// etcd coordination client.
//
// Maintains a concurrency session whose lease owns all ephemeral nodes
// created through the client. When the lease expires a new session is opened,
// as a ZooKeeper client would do.
type Client struct {
	cli      *clientv3.Client
	opts     Options
	notifier *coordination.SessionNotifier
	cancel   context.CancelFunc

	lock    sync.Mutex
	session *concurrency.Session
	closed  bool
}

var _ coordination.Client = (*Client)(nil)

func (o Options) ttlSeconds() int {
	ttl := int((o.SessionTTL + time.Second - 1) / time.Second)
	if ttl < 1 {
		ttl = 1
	}
	return ttl
}

// Connect to an etcd cluster and open a session.
func Connect(endpoints []string, opts Options) (*Client, error) {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultOptions.DialTimeout
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = DefaultOptions.SessionTTL
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultOptions.RequestTimeout
	}

	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: opts.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", coordination.ErrConnectionLost, err)
	}

	monitorCtx, monitorCancel := context.WithCancel(context.Background())

	session, err := concurrency.NewSession(cli, concurrency.WithTTL(opts.ttlSeconds()), concurrency.WithContext(monitorCtx))
	if err != nil {
		monitorCancel()
		cli.Close()
		return nil, translateError(context.Background(), err)
	}

	log.Infof("Connected to etcd with lease %x", session.Lease())

	c := &Client{
		cli:      cli,
		opts:     opts,
		notifier: coordination.NewSessionNotifier(),
		cancel:   monitorCancel,
		session:  session,
	}

	go c.keepSession(monitorCtx, session)
	go c.monitorConnectivity(monitorCtx)

	return c, nil
}

// Keep a session alive.
//
// Publishes StateExpired when the lease of the session is lost and opens a
// new session.
func (c *Client) keepSession(ctx context.Context, session *concurrency.Session) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-session.Done():
		}

		if _, err := c.currentSession(); err != nil {
			return
		}

		log.Warnf("Session with lease %x expired", session.Lease())
		c.notifier.Publish(coordination.StateExpired)

		next, err := backoff.Retry(ctx, func() (*concurrency.Session, error) {
			s, err := concurrency.NewSession(c.cli, concurrency.WithTTL(c.opts.ttlSeconds()), concurrency.WithContext(ctx))
			if err != nil {
				log.Warnf("Failed to open new session, retrying: %v", err)
			}
			return s, err
		}, backoff.WithBackOff(c.opts.Retry.BackOff()), backoff.WithMaxElapsedTime(0))
		if err != nil {
			return
		}

		c.lock.Lock()
		if c.closed {
			c.lock.Unlock()
			next.Close()
			return
		}
		c.session = next
		c.lock.Unlock()

		log.Infof("Opened new session with lease %x", next.Lease())
		c.notifier.Publish(coordination.StateConnected)
		session = next
	}
}

func isHealthy(state connectivity.State) bool {
	return state == connectivity.Ready || state == connectivity.Idle
}

// Monitor connectivity.
//
// The session is reported as suspended once the connection has been unhealthy
// for more than two thirds of the session TTL, after which the lease may
// expire at any time.
func (c *Client) monitorConnectivity(ctx context.Context) {
	conn := c.cli.ActiveConnection()
	suspendAfter := c.opts.SessionTTL * 2 / 3

	state := conn.GetState()
	var unhealthySince time.Time
	suspended := false

	for {
		if state == connectivity.Shutdown {
			return
		}

		if isHealthy(state) {
			unhealthySince = time.Time{}
			if suspended {
				suspended = false
				if c.notifier.State() == coordination.StateSuspended {
					log.Info("Connection to etcd restored")
					c.notifier.Publish(coordination.StateConnected)
				}
			}
		} else if unhealthySince.IsZero() {
			unhealthySince = time.Now()
		}

		waitCtx, cancel := ctx, context.CancelFunc(func() {})
		if !unhealthySince.IsZero() && !suspended {
			waitCtx, cancel = context.WithDeadline(ctx, unhealthySince.Add(suspendAfter))
		}

		changed := conn.WaitForStateChange(waitCtx, state)
		cancel()

		if ctx.Err() != nil {
			return
		}

		if !changed {
			log.Warnf("Connection to etcd unhealthy for more than %s, session possibly lost", suspendAfter)
			suspended = true
			c.notifier.Publish(coordination.StateSuspended)
		}

		state = conn.GetState()
	}
}

// Current concurrency session.
func (c *Client) currentSession() (*concurrency.Session, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.closed {
		return nil, coordination.ErrClosed
	}
	return c.session, nil
}

// Run a request with the request timeout applied.
func (c *Client) request(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, err := c.currentSession(); err != nil {
		return err
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()

	return translateError(ctx, fn(reqCtx))
}

func (c *Client) Session() coordination.SessionID {
	c.lock.Lock()
	defer c.lock.Unlock()

	return coordination.SessionID(c.session.Lease())
}

func (c *Client) State() coordination.SessionState {
	return c.notifier.State()
}

func (c *Client) WatchSessionLoss(ctx context.Context) <-chan coordination.SessionState {
	return c.notifier.AddWatcher(ctx)
}

// Parent path comparison for transactions.
//
// The root always exists and is not stored.
func parentExists(path string) []clientv3.Cmp {
	parent, _ := coordination.SplitPath(path)
	if parent == "/" {
		return nil
	}
	return []clientv3.Cmp{clientv3.Compare(clientv3.CreateRevision(parent), ">", 0)}
}

func (c *Client) EnsurePath(ctx context.Context, path string) error {
	comps := strings.Split(strings.Trim(path, "/"), "/")
	current := ""

	for _, comp := range comps {
		if comp == "" {
			continue
		}
		current = current + "/" + comp
		p := current

		err := coordination.RetryDo(ctx, c.opts.Retry, func() error {
			return c.request(ctx, func(ctx context.Context) error {
				_, err := c.cli.Txn(ctx).
					If(clientv3.Compare(clientv3.CreateRevision(p), "=", 0)).
					Then(clientv3.OpPut(p, "")).
					Commit()
				return err
			})
		})
		if err != nil {
			return err
		}
	}

	return nil
}

// Create an ephemeral sequential node.
//
// The sequence number is the number of times the parent key has been
// modified since its creation. The parent is bumped and the child created in
// a single transaction guarded by the parent's modification revision, and the
// transaction is retried on contention.
func (c *Client) CreateEphemeralSequential(ctx context.Context, prefix string, data []byte) (coordination.Node, error) {
	session, err := c.currentSession()
	if err != nil {
		return coordination.Node{}, err
	}

	parent, base := coordination.SplitPath(prefix)

	for {
		if err := ctx.Err(); err != nil {
			return coordination.Node{}, err
		}

		var node coordination.Node
		var created bool

		// Once issued, the transaction runs to completion under the request
		// timeout, so a created node is always reported back.
		err := c.request(context.WithoutCancel(ctx), func(ctx context.Context) error {
			resp, err := c.cli.Get(ctx, parent)
			if err != nil {
				return err
			}
			if len(resp.Kvs) == 0 {
				return coordination.ErrNoNode
			}

			kv := resp.Kvs[0]
			seq := kv.Version - 1
			name := base + coordination.FormatSequence(seq)
			path := coordination.JoinPath(parent, name)

			txn, err := c.cli.Txn(ctx).
				If(clientv3.Compare(clientv3.ModRevision(parent), "=", kv.ModRevision)).
				Then(
					clientv3.OpPut(parent, string(kv.Value)),
					clientv3.OpPut(path, string(data), clientv3.WithLease(session.Lease())),
				).
				Commit()
			if err != nil {
				return err
			}

			created = txn.Succeeded
			node = coordination.Node{Path: path, Name: name, Sequence: seq}
			return nil
		})
		if err != nil {
			return coordination.Node{}, err
		}
		if created {
			return node, nil
		}

		log.Debugf("Contention creating sequential node under %s, retrying", parent)
	}
}

func (c *Client) Create(ctx context.Context, path string, data []byte) error {
	return c.request(ctx, func(ctx context.Context) error {
		cmps := append([]clientv3.Cmp{clientv3.Compare(clientv3.CreateRevision(path), "=", 0)}, parentExists(path)...)

		resp, err := c.cli.Txn(ctx).
			If(cmps...).
			Then(clientv3.OpPut(path, string(data))).
			Else(clientv3.OpGet(path, clientv3.WithKeysOnly())).
			Commit()
		if err != nil {
			return err
		}
		if resp.Succeeded {
			return nil
		}

		if len(resp.Responses[0].GetResponseRange().Kvs) > 0 {
			return coordination.ErrNodeExists
		}
		return coordination.ErrNoNode
	})
}

func (c *Client) Children(ctx context.Context, path string) ([]string, error) {
	prefix := path + "/"
	if path == "/" {
		prefix = "/"
	}

	return coordination.Retry(ctx, c.opts.Retry, func() ([]string, error) {
		var children []string

		err := c.request(ctx, func(ctx context.Context) error {
			resp, err := c.cli.Txn(ctx).
				Then(
					clientv3.OpGet(path, clientv3.WithKeysOnly()),
					clientv3.OpGet(prefix, clientv3.WithPrefix(), clientv3.WithKeysOnly()),
				).
				Commit()
			if err != nil {
				return err
			}

			if path != "/" && len(resp.Responses[0].GetResponseRange().Kvs) == 0 {
				return coordination.ErrNoNode
			}

			children = make([]string, 0)
			for _, kv := range resp.Responses[1].GetResponseRange().Kvs {
				name := strings.TrimPrefix(string(kv.Key), prefix)
				if name != "" && !strings.Contains(name, "/") {
					children = append(children, name)
				}
			}
			sort.Strings(children)

			return nil
		})

		return children, err
	})
}

type getResult struct {
	data []byte
	info coordination.NodeInfo
}

// Get the data and metadata of a node.
//
// etcd does not track creation times, so NodeInfo.Created is always zero.
func (c *Client) Get(ctx context.Context, path string) ([]byte, coordination.NodeInfo, error) {
	res, err := coordination.Retry(ctx, c.opts.Retry, func() (getResult, error) {
		var res getResult

		err := c.request(ctx, func(ctx context.Context) error {
			resp, err := c.cli.Get(ctx, path)
			if err != nil {
				return err
			}
			if len(resp.Kvs) == 0 {
				return coordination.ErrNoNode
			}

			kv := resp.Kvs[0]
			res = getResult{
				data: kv.Value,
				info: coordination.NodeInfo{Owner: coordination.SessionID(kv.Lease)},
			}
			return nil
		})

		return res, err
	})

	return res.data, res.info, err
}

func (c *Client) Set(ctx context.Context, path string, data []byte) error {
	return coordination.RetryDo(ctx, c.opts.Retry, func() error {
		return c.request(ctx, func(ctx context.Context) error {
			resp, err := c.cli.Txn(ctx).
				If(clientv3.Compare(clientv3.CreateRevision(path), ">", 0)).
				Then(clientv3.OpPut(path, string(data), clientv3.WithIgnoreLease())).
				Commit()
			if err != nil {
				return err
			}
			if !resp.Succeeded {
				return coordination.ErrNoNode
			}
			return nil
		})
	})
}

func (c *Client) Delete(ctx context.Context, path string) error {
	return c.request(ctx, func(ctx context.Context) error {
		resp, err := c.cli.Txn(ctx).
			If(clientv3.Compare(clientv3.CreateRevision(path), ">", 0)).
			Then(clientv3.OpDelete(path)).
			Commit()
		if err != nil {
			return err
		}
		if !resp.Succeeded {
			return coordination.ErrNoNode
		}
		return nil
	})
}

// Watch for deletion of a node.
//
// The watch starts at the revision the node was observed at, so a deletion
// racing the registration is not missed. The watch fails with
// ErrSessionExpired if the session of the client expires first.
func (c *Client) WatchDeletion(ctx context.Context, path string) (<-chan coordination.WatchEvent, error) {
	session, err := c.currentSession()
	if err != nil {
		return nil, err
	}

	var rev int64
	err = c.request(ctx, func(ctx context.Context) error {
		resp, err := c.cli.Get(ctx, path, clientv3.WithKeysOnly())
		if err != nil {
			return err
		}
		if len(resp.Kvs) == 0 {
			return coordination.ErrNoNode
		}

		rev = resp.Header.Revision
		return nil
	})
	if err != nil {
		return nil, err
	}

	watchCtx, cancel := context.WithCancel(clientv3.WithRequireLeader(ctx))
	wc := c.cli.Watch(watchCtx, path, clientv3.WithRev(rev+1), clientv3.WithFilterPut())
	out := make(chan coordination.WatchEvent, 1)

	go func() {
		defer cancel()

		for {
			select {
			case resp, ok := <-wc:
				if !ok {
					if ctx.Err() == nil {
						out <- coordination.WatchEvent{Path: path, Err: coordination.ErrClosed}
					}
					return
				}

				if err := resp.Err(); err != nil {
					out <- coordination.WatchEvent{Path: path, Err: translateError(ctx, err)}
					return
				}

				for _, ev := range resp.Events {
					if ev.Type == mvccpb.DELETE {
						out <- coordination.WatchEvent{Path: path}
						return
					}
				}

			case <-session.Done():
				out <- coordination.WatchEvent{Path: path, Err: coordination.ErrSessionExpired}
				return

			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// Close the client.
//
// Revokes the session lease, which removes all ephemeral nodes of the
// session.
func (c *Client) Close() error {
	c.lock.Lock()
	if c.closed {
		c.lock.Unlock()
		return nil
	}
	c.closed = true
	session := c.session
	c.lock.Unlock()

	if err := session.Close(); err != nil {
		log.Warnf("Failed to revoke lease %x: %v", session.Lease(), err)
	}
	c.cancel()

	c.notifier.Publish(coordination.StateExpired)
	return c.cli.Close()
}
