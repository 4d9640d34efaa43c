package coordination

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
)

// Width of sequence suffixes assigned by the coordination service.
//
// Zero padding to this width makes lexicographic and numeric ordering of
// sibling names coincide.
const SequenceWidth = 10

// Node is not a match.
var ErrNodeNotMatch = errors.New("node is not a match")

// Sequence node.
type SequenceNode struct {
	// Name.
	Name string

	// Sequence number.
	Sequence int64
}

func (n SequenceNode) Equals(b SequenceNode) bool {
	return n.Sequence == b.Sequence && n.Name == b.Name
}

// Format a sequence number the way the coordination service does.
func FormatSequence(seq int64) string {
	return fmt.Sprintf("%0*d", SequenceWidth, seq)
}

// Get expression for a sequence node.
func sequenceNodeExpr(prefix string) *regexp.Regexp {
	return regexp.MustCompile(fmt.Sprintf(`^.*?%s(-?\d+)$`, regexp.QuoteMeta(prefix)))
}

// Parse a sequence node.
//
// Returns ErrNodeNotMatch if the node does not match the provided expression.
func parseSequenceNode(name string, expr *regexp.Regexp) (SequenceNode, error) {
	groups := expr.FindStringSubmatch(name)
	if len(groups) < 2 {
		return SequenceNode{}, ErrNodeNotMatch
	}

	seq, err := strconv.ParseInt(groups[1], 10, 64)
	if err != nil {
		return SequenceNode{}, err
	}

	return SequenceNode{
		Name:     name,
		Sequence: seq,
	}, nil
}

// Parse a sequence node.
//
// Returns ErrNodeNotMatch if the node does not match the provided prefix or is
// not a sequence node.
func ParseSequenceNode(name, prefix string) (SequenceNode, error) {
	return parseSequenceNode(name, sequenceNodeExpr(prefix))
}

// Parse a list of sequence nodes.
//
// Ignores any node that is not a sequentially numbered node. If a prefix is
// provided, any node where the sequence number is not immediately preceded by
// the prefix is also ignored.
func ParseSequenceNodes(names []string, prefix string) []SequenceNode {
	expr := sequenceNodeExpr(prefix)
	nodes := make([]SequenceNode, 0, len(names))

	for _, n := range names {
		if sn, err := parseSequenceNode(n, expr); err == nil {
			nodes = append(nodes, sn)
		}
	}

	return nodes
}

// Map a 32-bit wrapped sequence number past the positive range.
func unwrapSequence(seq int64) int64 {
	if seq < 0 && seq >= -2147483648 {
		return seq + 4294967296
	}
	return seq
}

// Sort a list of sequence nodes ascendingly.
//
// ZooKeeper sequence numbers are signed 32-bit counters that wrap. Sorting
// assumes sequence numbers are never too far apart in the natural, overflowing
// sequence, so the order is:
//
//   - ascending if all numbers are non-negative, or if the smallest is not below
//     -1073741824, or if all are negative;
//   - otherwise ascending with negative numbers ordered after the positive ones.
func SortSequenceNodes(nodes []SequenceNode) {
	if len(nodes) < 2 {
		return
	}

	// Determine the extent of the nodes.
	snMin := nodes[0].Sequence
	snMax := nodes[0].Sequence

	for _, n := range nodes[1:] {
		if n.Sequence < snMin {
			snMin = n.Sequence
		} else if n.Sequence > snMax {
			snMax = n.Sequence
		}
	}

	if snMin >= -1073741824 || snMax < 0 {
		sort.SliceStable(nodes, func(i, j int) bool {
			return nodes[i].Sequence < nodes[j].Sequence
		})
		return
	}

	sort.SliceStable(nodes, func(i, j int) bool {
		return unwrapSequence(nodes[i].Sequence) < unwrapSequence(nodes[j].Sequence)
	})
}
