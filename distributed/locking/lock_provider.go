package locking

import (
	"time"

	"github.com/google/uuid"
	"github.com/rusanoph/clastor-distributed-lock/coordination"
	log "github.com/rusanoph/clastor-distributed-lock/logging"
)

// Default root path for locks.
const DefaultRoot = "/locks"

// Default upper bound for deleting a candidate node when an acquisition is
// abandoned or a lock released.
const DefaultCleanupTimeout = 10 * time.Second

// Lock provider.
//
// Provides locks bound to a single coordination client, and thereby a single
// session. Locks retrieved from the same provider share the session but never
// each other's candidate nodes or watches.
type Provider struct {
	client         coordination.Client
	root           string
	observers      []Observer
	cleanupTimeout time.Duration
	retry          coordination.RetryPolicy
}

// Provider option.
type Option func(p *Provider)

// Root path under which lock paths are created.
func WithRoot(root string) Option {
	return func(p *Provider) {
		p.root = coordination.JoinPath(root)
	}
}

// Add an observer of lock state transitions.
func WithObserver(o Observer) Option {
	return func(p *Provider) {
		p.observers = append(p.observers, o)
	}
}

// Upper bound for deleting candidate nodes.
func WithCleanupTimeout(timeout time.Duration) Option {
	return func(p *Provider) {
		p.cleanupTimeout = timeout
	}
}

// Retry policy for the protocol's own retries.
func WithRetryPolicy(policy coordination.RetryPolicy) Option {
	return func(p *Provider) {
		p.retry = policy
	}
}

// New lock provider.
func NewProvider(client coordination.Client, opts ...Option) *Provider {
	p := &Provider{
		client:         client,
		root:           DefaultRoot,
		cleanupTimeout: DefaultCleanupTimeout,
		retry:          coordination.DefaultRetryPolicy,
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Root path.
func (p *Provider) Root() string {
	return p.root
}

// Coordination client.
func (p *Provider) Client() coordination.Client {
	return p.client
}

// Get a lock.
//
// The name is encoded into a single path component below the root, so any
// non-empty name is valid.
func (p *Provider) GetLock(name string) (Lock, error) {
	if name == "" {
		return nil, ErrInvalidName
	}

	return p.newLock(name, coordination.JoinPath(p.root, coordination.EncodeName(name))), nil
}

func (p *Provider) newLock(name, path string) *lock {
	return &lock{
		p:    p,
		name: name,
		path: path,
		id:   uuid.NewString(),
		lost: make(chan struct{}),
	}
}

// Emit a state transition event.
func (p *Provider) emit(ev Event) {
	fields := log.Fields{
		"lock":  ev.Name,
		"from":  ev.From.String(),
		"to":    ev.To.String(),
		"token": ev.Token,
	}
	if ev.Err != nil {
		fields["error"] = ev.Err
	}
	log.WithFields(fields).Debug("Lock state transition")

	for _, o := range p.observers {
		o.LockEvent(ev)
	}
}
