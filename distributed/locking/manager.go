package locking

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rusanoph/clastor-distributed-lock/coordination"
	log "github.com/rusanoph/clastor-distributed-lock/logging"
)

// Default lock namespace version.
const DefaultVersion = "v1"

// Name of the node holding the current version of a kind.
const versionNode = "version"

// Version is not valid.
var ErrInvalidVersion = errors.New("invalid lock namespace version")

// Version accessor.
//
// Every kind of resource has a versioned lock namespace. The current version
// is stored in a persistent node, and rotating it moves all future locks of
// the kind to a fresh namespace.
type VersionAccessor struct {
	client coordination.Client
	root   string
}

// New version accessor for kinds below root.
func NewVersionAccessor(client coordination.Client, root string) *VersionAccessor {
	return &VersionAccessor{
		client: client,
		root:   coordination.JoinPath(root),
	}
}

// Path of the version node of a kind.
func (a *VersionAccessor) Path(kind string) string {
	return coordination.JoinPath(a.root, coordination.EncodeName(kind), versionNode)
}

// Initialize the version node of a kind.
func (a *VersionAccessor) initialize(ctx context.Context, kind string) (string, error) {
	path := a.Path(kind)
	parent, _ := coordination.SplitPath(path)

	if err := a.client.EnsurePath(ctx, parent); err != nil {
		return "", err
	}

	err := a.client.Create(ctx, path, []byte(DefaultVersion))
	if errors.Is(err, coordination.ErrNodeExists) {
		data, _, err := a.client.Get(ctx, path)
		if err != nil {
			return "", err
		}
		if len(data) > 0 {
			return string(data), nil
		}
		return DefaultVersion, a.client.Set(ctx, path, []byte(DefaultVersion))
	} else if err != nil {
		return "", err
	}

	log.Infof("Initialized lock namespace version of %s to %s", kind, DefaultVersion)
	return DefaultVersion, nil
}

// Current version of a kind.
//
// Initializes the version to DefaultVersion if it is not set. Falls back to
// DefaultVersion if the version cannot be read.
func (a *VersionAccessor) Current(ctx context.Context, kind string) (string, error) {
	data, _, err := a.client.Get(ctx, a.Path(kind))
	if err == nil && len(data) > 0 {
		return string(data), nil
	}

	if err != nil && !errors.Is(err, coordination.ErrNoNode) {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		log.Warnf("Failed to read lock namespace version of %s, using %s: %v", kind, DefaultVersion, err)
		return DefaultVersion, nil
	}

	version, err := a.initialize(ctx, kind)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		log.Warnf("Failed to initialize lock namespace version of %s, using %s: %v", kind, DefaultVersion, err)
		return DefaultVersion, nil
	}

	return version, nil
}

// Validate a version.
func validateVersion(version string) error {
	if version == "" || version == "." || version == ".." || version == versionNode || strings.Contains(version, "/") {
		return fmt.Errorf("%w: %q", ErrInvalidVersion, version)
	}
	return nil
}

// Rotate the version of a kind.
func (a *VersionAccessor) Rotate(ctx context.Context, kind, version string) error {
	if err := validateVersion(version); err != nil {
		return err
	}

	path := a.Path(kind)

	err := a.client.Set(ctx, path, []byte(version))
	if errors.Is(err, coordination.ErrNoNode) {
		parent, _ := coordination.SplitPath(path)
		if err := a.client.EnsurePath(ctx, parent); err != nil {
			return err
		}

		err = a.client.Create(ctx, path, []byte(version))
		if errors.Is(err, coordination.ErrNodeExists) {
			err = a.client.Set(ctx, path, []byte(version))
		}
	}
	if err != nil {
		return err
	}

	log.Infof("Rotated lock namespace version of %s to %s", kind, version)
	return nil
}

// Lock manager.
//
// Provides locks on resources identified by kind and id, in the current
// version of the kind's lock namespace.
type Manager struct {
	p        *Provider
	versions *VersionAccessor
}

// New lock manager.
func NewManager(p *Provider) *Manager {
	return &Manager{
		p:        p,
		versions: NewVersionAccessor(p.client, p.root),
	}
}

// Version accessor.
func (m *Manager) Versions() *VersionAccessor {
	return m.versions
}

// Get a lock on a resource.
//
// The lock path is /<root>/<kind>/<version>/<id>, and the lock name is
// <kind>/<id>.
func (m *Manager) Lock(ctx context.Context, kind, id string) (Lock, error) {
	if kind == "" || id == "" {
		return nil, ErrInvalidName
	}

	version, err := m.versions.Current(ctx, kind)
	if err != nil {
		return nil, err
	}

	path := coordination.JoinPath(m.p.root, coordination.EncodeName(kind), coordination.EncodeName(version), coordination.EncodeName(id))
	return m.p.newLock(kind+"/"+id, path), nil
}
