// Package locking provides distributed locking.
//
// Locking is provided by a Provider bound to a coordination client, from which
// specific locks are retrieved. These locks can subsequently be used to obtain
// fair, mutually exclusive locking using the ephemeral sequential node recipe:
// every contender creates a candidate node under the lock path, the candidate
// with the lowest sequence number holds the lock, and every other candidate
// watches its immediate predecessor.
package locking
