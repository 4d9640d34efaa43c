package coordination

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	log "github.com/rusanoph/clastor-distributed-lock/logging"
)

// Node has children.
var errMockNotEmpty = errors.New("coordination: node has children")

// Internal mock node representation.
type mockNode struct {
	data     []byte
	owner    SessionID
	created  time.Time
	children map[string]struct{}
	nextSeq  int64
}

// Internal mock watch registration.
type mockWatch struct {
	session SessionID
	ch      chan WatchEvent
	fired   chan struct{}
}

// Queued watch notification.
//
// Either a node deletion (path set) or a session expiry (expired set).
type mockNotification struct {
	path    string
	expired SessionID
}

// Mock coordination service.
//
// In-memory hierarchical coordination service with sessions, ephemeral
// sequential nodes and one-shot deletion watches. Watch notifications are
// queued and resolved by a dedicated dispatch loop, so they are delivered
// asynchronously like those of a real service. All clients must be connected
// to the same service to observe each other's nodes.
//
// Should only be used for testing.
type MockService struct {
	lock        sync.Mutex
	nodes       map[string]*mockNode
	watches     map[string][]*mockWatch
	watchCounts map[string]int
	nextSession SessionID
	queue       []mockNotification
	wake        chan struct{}
	stop        chan struct{}
	stopOnce    sync.Once
}

// New mock coordination service.
func NewMockService() *MockService {
	s := &MockService{
		nodes: map[string]*mockNode{
			"/": {children: make(map[string]struct{}), created: time.Now()},
		},
		watches:     make(map[string][]*mockWatch),
		watchCounts: make(map[string]int),
		nextSession: 1,
		wake:        make(chan struct{}, 1),
		stop:        make(chan struct{}),
	}

	go s.dispatch()

	return s
}

// Stop the dispatch loop.
func (s *MockService) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
}

// Connect a new client with its own session.
func (s *MockService) Connect() *MockClient {
	s.lock.Lock()
	defer s.lock.Unlock()

	c := &MockClient{
		s:        s,
		session:  s.nextSession,
		notifier: NewSessionNotifier(),
	}
	s.nextSession++

	return c
}

// Number of deletion watches ever registered on a path.
func (s *MockService) WatchCount(path string) int {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.watchCounts[path]
}

// Number of deletion watches ever registered.
func (s *MockService) TotalWatchCount() int {
	s.lock.Lock()
	defer s.lock.Unlock()

	total := 0
	for _, n := range s.watchCounts {
		total += n
	}
	return total
}

// Remove a node out of band, as an operator would.
func (s *MockService) Remove(path string) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.deleteLocked(path)
}

// Queue a notification and wake the dispatch loop.
//
// Must be called with the lock held.
func (s *MockService) notifyLocked(n mockNotification) {
	s.queue = append(s.queue, n)

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Dispatch loop.
//
// Resolves watch registrations for queued notifications.
func (s *MockService) dispatch() {
	for {
		select {
		case <-s.stop:
			return
		case <-s.wake:
		}

		s.lock.Lock()
		queue := s.queue
		s.queue = nil

		type delivery struct {
			w  *mockWatch
			ev WatchEvent
		}
		deliveries := make([]delivery, 0)

		for _, n := range queue {
			if n.path != "" {
				for _, w := range s.watches[n.path] {
					deliveries = append(deliveries, delivery{w, WatchEvent{Path: n.path}})
				}
				delete(s.watches, n.path)
				continue
			}

			for path, ws := range s.watches {
				kept := ws[:0]
				for _, w := range ws {
					if w.session == n.expired {
						deliveries = append(deliveries, delivery{w, WatchEvent{Path: path, Err: ErrSessionExpired}})
					} else {
						kept = append(kept, w)
					}
				}
				if len(kept) == 0 {
					delete(s.watches, path)
				} else {
					s.watches[path] = kept
				}
			}
		}
		s.lock.Unlock()

		for _, d := range deliveries {
			d.w.ch <- d.ev
			close(d.w.ch)
			close(d.w.fired)
		}
	}
}

// Delete a node.
//
// Must be called with the lock held.
func (s *MockService) deleteLocked(path string) error {
	n, exists := s.nodes[path]
	if !exists {
		return ErrNoNode
	}
	if len(n.children) > 0 {
		return errMockNotEmpty
	}

	parent, name := SplitPath(path)
	if p, ok := s.nodes[parent]; ok {
		delete(p.children, name)
	}
	delete(s.nodes, path)

	s.notifyLocked(mockNotification{path: path})
	return nil
}

// Expire a session.
//
// Must be called with the lock held.
func (s *MockService) expireLocked(session SessionID) {
	paths := make([]string, 0)
	for path, n := range s.nodes {
		if n.owner == session {
			paths = append(paths, path)
		}
	}

	for _, path := range paths {
		if err := s.deleteLocked(path); err != nil {
			log.Warnf("Failed to remove ephemeral node %s of expired session %d: %v", path, session, err)
		}
	}

	s.notifyLocked(mockNotification{expired: session})
}

// Mock coordination client.
//
// Bound to a single session of a MockService.
type MockClient struct {
	s        *MockService
	notifier *SessionNotifier

	lock           sync.Mutex
	session        SessionID
	suspended      bool
	closed         bool
	failNextCreate bool
	applyNextFail  bool
	createDelay    time.Duration
	failDeletes    int
}

// Expire the session.
//
// Removes all ephemeral nodes owned by the session, fails its watches with
// ErrSessionExpired and publishes StateExpired. The client then reconnects
// with a fresh session, as a ZooKeeper client does.
func (c *MockClient) Expire() {
	c.lock.Lock()
	old := c.session

	c.s.lock.Lock()
	c.s.expireLocked(old)
	c.session = c.s.nextSession
	c.s.nextSession++
	c.s.lock.Unlock()

	c.suspended = false
	c.lock.Unlock()

	log.Debugf("Expired session %d", old)

	c.notifier.Publish(StateExpired)
	c.notifier.Publish(StateConnected)
}

// Suspend the connection.
//
// Operations fail with ErrConnectionLost until Resume is called. The session
// and its ephemeral nodes survive.
func (c *MockClient) Suspend() {
	c.lock.Lock()
	c.suspended = true
	c.lock.Unlock()

	c.notifier.Publish(StateSuspended)
}

// Resume a suspended connection.
func (c *MockClient) Resume() {
	c.lock.Lock()
	c.suspended = false
	c.lock.Unlock()

	c.notifier.Publish(StateConnected)
}

// Fail the next ephemeral sequential creation with ErrConnectionLost.
//
// If applied is true, the node is created before the error is reported,
// emulating a response lost in transit.
func (c *MockClient) FailNextCreate(applied bool) {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.failNextCreate = true
	c.applyNextFail = applied
}

// Delay the next ephemeral sequential creation.
//
// The node is created after the delay regardless of the caller's context,
// emulating a request that is applied after the caller gave up on it.
func (c *MockClient) DelayNextCreate(d time.Duration) {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.createDelay = d
}

// Fail the next n deletions with ErrConnectionLost without deleting.
func (c *MockClient) FailNextDeletes(n int) {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.failDeletes = n
}

// Check that the client can issue operations.
//
// Returns the current session.
func (c *MockClient) check() (SessionID, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.closed {
		return 0, ErrClosed
	} else if c.suspended {
		return 0, ErrConnectionLost
	}

	return c.session, nil
}

func (c *MockClient) Session() SessionID {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.session
}

func (c *MockClient) State() SessionState {
	return c.notifier.State()
}

func (c *MockClient) WatchSessionLoss(ctx context.Context) <-chan SessionState {
	return c.notifier.AddWatcher(ctx)
}

func (c *MockClient) EnsurePath(ctx context.Context, path string) error {
	if _, err := c.check(); err != nil {
		return err
	}

	c.s.lock.Lock()
	defer c.s.lock.Unlock()

	comps := strings.Split(strings.Trim(path, "/"), "/")
	current := ""

	for _, comp := range comps {
		if comp == "" {
			continue
		}

		parent := current
		if parent == "" {
			parent = "/"
		}
		current = current + "/" + comp

		if _, exists := c.s.nodes[current]; exists {
			continue
		}

		c.s.nodes[current] = &mockNode{
			children: make(map[string]struct{}),
			created:  time.Now(),
		}
		c.s.nodes[parent].children[comp] = struct{}{}
	}

	return nil
}

func (c *MockClient) CreateEphemeralSequential(ctx context.Context, prefix string, data []byte) (Node, error) {
	session, err := c.check()
	if err != nil {
		return Node{}, err
	}

	c.lock.Lock()
	fail, apply, delay := c.failNextCreate, c.applyNextFail, c.createDelay
	c.failNextCreate, c.applyNextFail, c.createDelay = false, false, 0
	c.lock.Unlock()

	if fail && !apply {
		return Node{}, fmt.Errorf("%w: injected failure before create", ErrConnectionLost)
	}

	if delay > 0 {
		time.Sleep(delay)
	}

	c.s.lock.Lock()
	defer c.s.lock.Unlock()

	parentPath, base := SplitPath(prefix)
	parent, exists := c.s.nodes[parentPath]
	if !exists {
		return Node{}, ErrNoNode
	}

	seq := parent.nextSeq
	parent.nextSeq++

	name := base + FormatSequence(seq)
	path := JoinPath(parentPath, name)

	c.s.nodes[path] = &mockNode{
		data:     append([]byte(nil), data...),
		owner:    session,
		created:  time.Now(),
		children: make(map[string]struct{}),
	}
	parent.children[name] = struct{}{}

	if fail {
		return Node{}, fmt.Errorf("%w: injected failure after create", ErrConnectionLost)
	}

	return Node{Path: path, Name: name, Sequence: seq}, nil
}

func (c *MockClient) Create(ctx context.Context, path string, data []byte) error {
	if _, err := c.check(); err != nil {
		return err
	}

	c.s.lock.Lock()
	defer c.s.lock.Unlock()

	if _, exists := c.s.nodes[path]; exists {
		return ErrNodeExists
	}

	parentPath, name := SplitPath(path)
	parent, exists := c.s.nodes[parentPath]
	if !exists {
		return ErrNoNode
	}

	c.s.nodes[path] = &mockNode{
		data:     append([]byte(nil), data...),
		created:  time.Now(),
		children: make(map[string]struct{}),
	}
	parent.children[name] = struct{}{}

	return nil
}

func (c *MockClient) Children(ctx context.Context, path string) ([]string, error) {
	if _, err := c.check(); err != nil {
		return nil, err
	}

	c.s.lock.Lock()
	defer c.s.lock.Unlock()

	n, exists := c.s.nodes[path]
	if !exists {
		return nil, ErrNoNode
	}

	children := make([]string, 0, len(n.children))
	for name := range n.children {
		children = append(children, name)
	}
	sort.Strings(children)

	return children, nil
}

func (c *MockClient) Get(ctx context.Context, path string) ([]byte, NodeInfo, error) {
	if _, err := c.check(); err != nil {
		return nil, NodeInfo{}, err
	}

	c.s.lock.Lock()
	defer c.s.lock.Unlock()

	n, exists := c.s.nodes[path]
	if !exists {
		return nil, NodeInfo{}, ErrNoNode
	}

	return append([]byte(nil), n.data...), NodeInfo{Owner: n.owner, Created: n.created}, nil
}

func (c *MockClient) Set(ctx context.Context, path string, data []byte) error {
	if _, err := c.check(); err != nil {
		return err
	}

	c.s.lock.Lock()
	defer c.s.lock.Unlock()

	n, exists := c.s.nodes[path]
	if !exists {
		return ErrNoNode
	}

	n.data = append([]byte(nil), data...)
	return nil
}

func (c *MockClient) WatchDeletion(ctx context.Context, path string) (<-chan WatchEvent, error) {
	session, err := c.check()
	if err != nil {
		return nil, err
	}

	c.s.lock.Lock()
	defer c.s.lock.Unlock()

	if _, exists := c.s.nodes[path]; !exists {
		return nil, ErrNoNode
	}

	w := &mockWatch{
		session: session,
		ch:      make(chan WatchEvent, 1),
		fired:   make(chan struct{}),
	}
	c.s.watches[path] = append(c.s.watches[path], w)
	c.s.watchCounts[path]++

	go func() {
		select {
		case <-ctx.Done():
		case <-w.fired:
			return
		}

		c.s.lock.Lock()
		defer c.s.lock.Unlock()

		ws := c.s.watches[path]
		for i, other := range ws {
			if other == w {
				c.s.watches[path] = append(ws[:i], ws[i+1:]...)
				break
			}
		}
	}()

	return w.ch, nil
}

func (c *MockClient) Delete(ctx context.Context, path string) error {
	if _, err := c.check(); err != nil {
		return err
	}

	c.lock.Lock()
	fail := c.failDeletes > 0
	if fail {
		c.failDeletes--
	}
	c.lock.Unlock()

	if fail {
		return fmt.Errorf("%w: injected failure before delete", ErrConnectionLost)
	}

	c.s.lock.Lock()
	defer c.s.lock.Unlock()

	return c.s.deleteLocked(path)
}

func (c *MockClient) Close() error {
	c.lock.Lock()
	if c.closed {
		c.lock.Unlock()
		return nil
	}
	c.closed = true
	session := c.session

	c.s.lock.Lock()
	c.s.expireLocked(session)
	c.s.lock.Unlock()
	c.lock.Unlock()

	c.notifier.Publish(StateExpired)
	return nil
}
