// Package leadership provides leadership election on top of distributed locks.
//
// To participate in leadership election as a candidate, an application must
// get a Candidate from a LeadershipProvider. The candidate holding the
// election's lock is the leader; the others queue up behind it in order.
package leadership
