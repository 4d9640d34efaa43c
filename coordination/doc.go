// Package coordination provides the capability interface over a
// session-bearing connection to a hierarchical coordination service.
//
// Backends (ZooKeeper, etcd and an in-memory mock) implement Client. Lock
// recipes depend only on Client, so any backend satisfying its contract can
// be substituted.
package coordination
