package zkutils

import (
	"context"
	"errors"
	"strings"

	log "github.com/rusanoph/clastor-distributed-lock/logging"
	"github.com/samuel/go-zookeeper/zk"
)

// Recursively create nodes with no data if they do not exist.
//
// Does not return any error if the node path already exist. Errors are
// translated into the coordination error taxonomy.
func CreateRecursively(ctx context.Context, conn *zk.Conn, path string, acl []zk.ACL) error {
	// Test if the node already exists for efficiency reasons.
	exists, _, err := conn.Exists(path)
	if err != nil {
		return translateError(err)
	}
	if exists {
		return nil
	}

	// Start from the root.
	comps := strings.Split(path, "/")
	for i := 1; i < len(comps); i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		path := strings.Join(comps[:i+1], "/")

		_, err = conn.Create(path, nil, 0, acl)
		if errors.Is(err, zk.ErrNodeExists) {
			log.Debugf("Node already exists: %s", path)
			continue
		} else if err != nil {
			return translateError(err)
		}

		log.Debugf("Create node: %s", path)
	}

	return nil
}
