package locking

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rusanoph/clastor-distributed-lock/coordination"
	log "github.com/rusanoph/clastor-distributed-lock/logging"
)

// Prefix of candidate node names.
const candidatePrefix = "lock-"

// Candidate is not first in line.
var errNotFirst = errors.New("candidate is not first in line")

// Candidate node.
type candidate struct {
	node coordination.Node

	// Session owning the node.
	session coordination.SessionID
}

// Context for cleanup after ctx may have been cancelled.
func (p *Provider) cleanupContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), p.cleanupTimeout)
}

// Error for a candidate node that is no longer among its siblings.
func (p *Provider) vanishedError(c candidate) error {
	if p.client.Session() != c.session || p.client.State() == coordination.StateExpired {
		return fmt.Errorf("%w: session %x expired", ErrSessionLost, c.session)
	}
	return ErrNodeRemoved
}

// Find a candidate node created by an attempt whose response was lost.
//
// Candidate nodes carry the id of the attempt that created them. A node is
// only recovered if it carries the id and is owned by the current session.
func (p *Provider) resyncCandidate(ctx context.Context, path, id string) (candidate, bool, error) {
	children, err := p.client.Children(ctx, path)
	if errors.Is(err, coordination.ErrNoNode) {
		return candidate{}, false, nil
	} else if err != nil {
		return candidate{}, false, err
	}

	nodes := coordination.ParseSequenceNodes(children, candidatePrefix)
	coordination.SortSequenceNodes(nodes)
	session := p.client.Session()

	// The candidate is most likely among the most recent nodes.
	for i := len(nodes) - 1; i >= 0; i-- {
		nodePath := coordination.JoinPath(path, nodes[i].Name)

		data, info, err := p.client.Get(ctx, nodePath)
		if errors.Is(err, coordination.ErrNoNode) {
			continue
		} else if err != nil {
			return candidate{}, false, err
		}

		if info.Owner == session && string(data) == id {
			return candidate{
				node: coordination.Node{
					Path:     nodePath,
					Name:     nodes[i].Name,
					Sequence: nodes[i].Sequence,
				},
				session: session,
			}, true, nil
		}
	}

	return candidate{}, false, nil
}

// Create a candidate node, creating the lock path if needed.
func (p *Provider) createNode(ctx context.Context, path, prefix, id string) (coordination.Node, error) {
	node, err := p.client.CreateEphemeralSequential(ctx, prefix, []byte(id))
	if errors.Is(err, coordination.ErrNoNode) {
		log.Debugf("Lock path does not exist, creating: %s", path)

		if err := p.client.EnsurePath(ctx, path); err != nil {
			return coordination.Node{}, err
		}
		node, err = p.client.CreateEphemeralSequential(ctx, prefix, []byte(id))
	}
	return node, err
}

// Create a candidate node.
//
// Creation is not idempotent. Once an attempt may have created a node it did
// not get back, because the connection was lost or the session was replaced
// meanwhile, the siblings are searched for that node before another one is
// created. If the candidate node is created after ctx is done, it is deleted
// again. No candidate node of the call remains when an error is returned.
func (p *Provider) createCandidate(ctx context.Context, path string) (candidate, error) {
	id := uuid.NewString()
	prefix := coordination.JoinPath(path, candidatePrefix)
	uncertain := false

	c, err := coordination.Retry(ctx, p.retry, func() (candidate, error) {
		if uncertain {
			c, found, err := p.resyncCandidate(ctx, path, id)
			if err != nil {
				return candidate{}, err
			}
			uncertain = false

			if found {
				log.Infof("Recovered candidate node after lost connection: %s", c.node.Path)
				return c, nil
			}
		}

		session := p.client.Session()

		node, err := p.createNode(ctx, path, prefix, id)
		if err != nil {
			if coordination.IsTransient(err) || ctx.Err() != nil {
				uncertain = true
			}
			return candidate{}, err
		}

		// The node belongs to either session.
		if p.client.Session() != session {
			uncertain = true
			return candidate{}, fmt.Errorf("%w: session replaced while creating %s", coordination.ErrConnectionLost, node.Path)
		}

		return candidate{node: node, session: session}, nil
	})

	if err == nil && ctx.Err() != nil {
		p.deleteCandidate(ctx, c)
		return candidate{}, context.Cause(ctx)
	}
	if err != nil && uncertain {
		p.removeUnknownCandidate(ctx, path, id)
	}
	return c, err
}

// Remove the candidate node of an abandoned creation, if it exists.
func (p *Provider) removeUnknownCandidate(ctx context.Context, path, id string) {
	rctx, cancel := p.cleanupContext(ctx)
	defer cancel()

	c, err := coordination.Retry(rctx, p.retry, func() (candidate, error) {
		c, found, err := p.resyncCandidate(rctx, path, id)
		if err == nil && !found {
			return candidate{}, coordination.ErrNoNode
		}
		return c, err
	})
	if errors.Is(err, coordination.ErrNoNode) {
		return
	} else if err != nil {
		log.Errorf("Failed to look for candidate node under %s, it may remain until its session expires: %v", path, err)
		return
	}

	log.Infof("Removing candidate node of abandoned acquisition: %s", c.node.Path)
	p.deleteCandidate(ctx, c)
}

// Delete a candidate node.
//
// Bounded by the cleanup timeout regardless of ctx.
func (p *Provider) deleteCandidate(ctx context.Context, c candidate) error {
	cctx, cancel := p.cleanupContext(ctx)
	defer cancel()

	if err := coordination.DeleteSafely(cctx, p.client, c.node.Path, p.retry); err != nil {
		log.Errorf("Failed to remove candidate node %s, it remains until its session expires: %v", c.node.Path, err)
		return err
	}
	return nil
}

// Wait for a candidate to become first in line.
//
// Each round lists the siblings and watches the immediate predecessor, so a
// waiter is only woken by the deletion of the node directly ahead of it.
// Returns errNotFirst if blocking is false and the candidate is not first.
func (p *Provider) awaitCandidate(ctx context.Context, path string, c candidate, blocking bool) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	loss := p.client.WatchSessionLoss(ctx)

	for {
		children, err := p.client.Children(ctx, path)
		if errors.Is(err, coordination.ErrNoNode) {
			return p.vanishedError(c)
		} else if err != nil {
			return err
		}

		nodes := coordination.ParseSequenceNodes(children, candidatePrefix)
		coordination.SortSequenceNodes(nodes)

		idx := -1
		for i, n := range nodes {
			if n.Name == c.node.Name {
				idx = i
				break
			}
		}

		if idx == -1 {
			log.Warnf("Candidate node has gone away: %s", c.node.Path)
			return p.vanishedError(c)
		}

		// If the first node is ours, we have obtained the lock.
		if idx == 0 {
			return nil
		}
		if !blocking {
			return errNotFirst
		}

		predecessor := coordination.JoinPath(path, nodes[idx-1].Name)

		wc, err := coordination.Retry(ctx, p.retry, func() (<-chan coordination.WatchEvent, error) {
			return p.client.WatchDeletion(ctx, predecessor)
		})
		if errors.Is(err, coordination.ErrNoNode) {
			continue
		} else if err != nil {
			return err
		}

		log.Debugf("Waiting for deletion of %s", predecessor)

		select {
		case ev := <-wc:
			if ev.Err != nil {
				if errors.Is(ev.Err, coordination.ErrSessionExpired) {
					return fmt.Errorf("%w: %w", ErrSessionLost, ev.Err)
				}
				return ev.Err
			}

		case state := <-loss:
			return fmt.Errorf("%w: session %s", ErrSessionLost, state)

		case <-ctx.Done():
			return context.Cause(ctx)
		}
	}
}
