// Package service exposes distributed locks through a request/response
// boundary, keeping track of the locks held by this process.
package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rusanoph/clastor-distributed-lock/config"
	"github.com/rusanoph/clastor-distributed-lock/coordination"
	"github.com/rusanoph/clastor-distributed-lock/distributed/locking"
	"github.com/rusanoph/clastor-distributed-lock/etcdutils"
	log "github.com/rusanoph/clastor-distributed-lock/logging"
	"github.com/rusanoph/clastor-distributed-lock/metrics"
	"github.com/rusanoph/clastor-distributed-lock/zkutils"
)

// Timeout used by acquisitions that do not specify one.
const DefaultTimeout = 5 * time.Second

// Resource lock statuses.
const (
	StatusAcquired = "ACQUIRED"
	StatusFailed   = "FAILED"
	StatusReleased = "RELEASED"
	StatusNotHeld  = "NOT_HELD"
)

// Acquisition request.
type AcquireRequest struct {
	Name string

	// Zero uses DefaultTimeout. A negative timeout evaluates the queue once
	// without waiting.
	TimeoutMillis int64
}

// Acquisition response.
//
// A timed out acquisition is not granted, but is not an error either.
type AcquireResponse struct {
	Granted      bool
	FencingToken int64
	Error        error
}

// Release response.
type ReleaseResponse struct {
	OK    bool
	Error error
}

// Resource lock response.
type ResourceResponse struct {
	Resource   string
	ResourceID string
	Status     string
}

// Lock namespace version of a resource kind.
type VersionInfo struct {
	Path    string
	Version string
}

// Lock service.
type Service struct {
	client   coordination.Client
	provider *locking.Provider
	manager  *locking.Manager

	lock sync.Mutex
	held map[string]locking.Lock
}

// New lock service on top of a connected client.
//
// The service takes ownership of the client and closes it on Close.
func New(client coordination.Client, cfg config.Config, observers ...locking.Observer) *Service {
	opts := []locking.Option{
		locking.WithRoot(cfg.Locks.Root),
		locking.WithCleanupTimeout(cfg.Locks.CleanupTimeout),
		locking.WithRetryPolicy(cfg.RetryPolicy()),
	}
	for _, o := range observers {
		opts = append(opts, locking.WithObserver(o))
	}

	provider := locking.NewProvider(client, opts...)

	return &Service{
		client:   client,
		provider: provider,
		manager:  locking.NewManager(provider),
		held:     make(map[string]locking.Lock),
	}
}

// Connect to the configured backend.
func connect(cfg config.Config) (coordination.Client, error) {
	switch cfg.Backend {
	case config.BackendZooKeeper:
		cm, err := zkutils.Connect(cfg.ZooKeeper.Servers(), zkutils.Options{
			SessionTimeout:    cfg.ZooKeeper.SessionTimeout,
			ConnectionTimeout: cfg.ZooKeeper.ConnectionTimeout,
			Retry:             cfg.RetryPolicy(),
		})
		if err != nil {
			return nil, err
		}
		return cm, nil

	case config.BackendEtcd:
		c, err := etcdutils.Connect(cfg.Etcd.Endpoints, etcdutils.Options{
			DialTimeout:    cfg.Etcd.DialTimeout,
			SessionTTL:     cfg.Etcd.SessionTTL,
			RequestTimeout: cfg.Etcd.RequestTimeout,
			Retry:          cfg.RetryPolicy(),
		})
		if err != nil {
			return nil, err
		}
		return c, nil

	default:
		return nil, fmt.Errorf("%w: unknown backend %q", config.ErrInvalidConfig, cfg.Backend)
	}
}

// Open a lock service as configured.
//
// Lock metrics are registered with reg unless it is nil.
func Open(cfg config.Config, reg prometheus.Registerer) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := log.SetLevel(cfg.Log.Level); err != nil {
		return nil, err
	}

	m := metrics.New(cfg.Metrics.Namespace)
	if reg != nil {
		if err := m.Register(reg); err != nil {
			return nil, err
		}
	}

	client, err := connect(cfg)
	if err != nil {
		return nil, err
	}

	log.Infof("Connected to %s, lock root is %s", cfg.Backend, cfg.Locks.Root)

	return New(client, cfg, m), nil
}

func timeoutOf(millis int64) time.Duration {
	switch {
	case millis == 0:
		return DefaultTimeout
	case millis < 0:
		return 0
	default:
		return time.Duration(millis) * time.Millisecond
	}
}

// Get the tracked lock of a name, or a new one.
func (s *Service) lockFor(name string, create func() (locking.Lock, error)) (locking.Lock, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if l, ok := s.held[name]; ok {
		return l, nil
	}
	return create()
}

func (s *Service) track(name string, l locking.Lock) {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.held[name] = l
}

// Stop tracking a lock that is no longer held.
func (s *Service) untrack(name string, l locking.Lock) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.held[name] == l && l.State() != locking.StateHeld {
		delete(s.held, name)
	}
}

func (s *Service) tryAcquire(ctx context.Context, name string, l locking.Lock, timeout time.Duration) (bool, error) {
	ok, err := l.TryAcquire(ctx, timeout)
	if err != nil || !ok {
		s.untrack(name, l)
		return false, err
	}

	s.track(name, l)
	return true, nil
}

// Acquire a lock.
//
// Acquiring a lock this service already holds increments its hold count.
func (s *Service) Acquire(ctx context.Context, req AcquireRequest) AcquireResponse {
	l, err := s.lockFor(req.Name, func() (locking.Lock, error) {
		return s.provider.GetLock(req.Name)
	})
	if err != nil {
		return AcquireResponse{Error: err}
	}

	ok, err := s.tryAcquire(ctx, req.Name, l, timeoutOf(req.TimeoutMillis))
	if err != nil {
		log.Warnf("Failed to acquire lock %s: %v", req.Name, err)
		return AcquireResponse{Error: err}
	} else if !ok {
		return AcquireResponse{}
	}

	token, valid := l.FencingToken()
	if !valid {
		return AcquireResponse{Error: locking.ErrSessionLost}
	}

	return AcquireResponse{
		Granted:      true,
		FencingToken: token,
	}
}

func (s *Service) release(ctx context.Context, name string) error {
	s.lock.Lock()
	l, ok := s.held[name]
	s.lock.Unlock()

	if !ok {
		return locking.ErrNotHeld
	}

	err := l.Release(ctx)
	s.untrack(name, l)
	return err
}

// Release a lock.
func (s *Service) Release(ctx context.Context, name string) ReleaseResponse {
	if err := s.release(ctx, name); err != nil {
		return ReleaseResponse{Error: err}
	}
	return ReleaseResponse{OK: true}
}

// Acquire a lock on a resource within the timeout.
//
// The lock is taken in the current namespace version of the kind, and tracked
// as <kind>/<id>.
func (s *Service) AcquireResource(ctx context.Context, kind, id string, timeout time.Duration) ResourceResponse {
	res := ResourceResponse{
		Resource:   kind,
		ResourceID: id,
		Status:     StatusFailed,
	}

	name := kind + "/" + id
	l, err := s.lockFor(name, func() (locking.Lock, error) {
		return s.manager.Lock(ctx, kind, id)
	})
	if err != nil {
		log.Warnf("Failed to get lock on %s: %v", name, err)
		return res
	}

	ok, err := s.tryAcquire(ctx, name, l, timeout)
	if err != nil {
		log.Warnf("Failed to acquire lock on %s: %v", name, err)
	}
	if ok {
		res.Status = StatusAcquired
	}
	return res
}

// Release a lock on a resource.
func (s *Service) ReleaseResource(ctx context.Context, kind, id string) ResourceResponse {
	res := ResourceResponse{
		Resource:   kind,
		ResourceID: id,
		Status:     StatusReleased,
	}

	if err := s.release(ctx, kind+"/"+id); err != nil {
		if !errors.Is(err, locking.ErrNotHeld) {
			log.Warnf("Failed to release lock on %s/%s: %v", kind, id, err)
		}
		res.Status = StatusNotHeld
	}
	return res
}

// Names of the locks currently held.
func (s *Service) Held() []string {
	s.lock.Lock()
	defer s.lock.Unlock()

	names := make([]string, 0, len(s.held))
	for name, l := range s.held {
		if l.IsHeld() {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Current lock namespace version of a resource kind.
func (s *Service) Version(ctx context.Context, kind string) (VersionInfo, error) {
	versions := s.manager.Versions()

	version, err := versions.Current(ctx, kind)
	if err != nil {
		return VersionInfo{}, err
	}

	return VersionInfo{
		Path:    versions.Path(kind),
		Version: version,
	}, nil
}

// Rotate the lock namespace version of a resource kind.
//
// Locks already held in the previous version are unaffected.
func (s *Service) RotateVersion(ctx context.Context, kind, version string) (VersionInfo, error) {
	versions := s.manager.Versions()

	if err := versions.Rotate(ctx, kind, version); err != nil {
		return VersionInfo{}, err
	}

	return VersionInfo{
		Path:    versions.Path(kind),
		Version: version,
	}, nil
}

// Release all held locks and close the client.
func (s *Service) Close(ctx context.Context) error {
	s.lock.Lock()
	held := s.held
	s.held = make(map[string]locking.Lock)
	s.lock.Unlock()

	var errs []error
	for name, l := range held {
		for l.State() == locking.StateHeld {
			if err := l.Release(ctx); err != nil {
				errs = append(errs, fmt.Errorf("releasing %s: %w", name, err))
				break
			}
		}
	}

	errs = append(errs, s.client.Close())
	return errors.Join(errs...)
}
