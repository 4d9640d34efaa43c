// Package etcdutils implements the coordination client on top of etcd.
//
// Nodes are mapped to keys holding the node data. Ephemeral nodes are
// attached to the lease of a concurrency session, and sequence numbers are
// derived from the version of the parent key, which is bumped in the same
// transaction that creates the sequential child.
package etcdutils
