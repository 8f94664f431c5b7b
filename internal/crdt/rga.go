// Package crdt implements the replicated text CRDT the document layer is
// built on: a Replicated Growable Array (RGA) of characters, with a small
// awareness side-channel alongside it. This file holds the node/id/sequence
// model (RGANodeID, rgaNode, rga) that Replica wraps into an idempotent,
// commutative replica.
package crdt

import (
	"fmt"
	"strings"
)

// RGANodeID identifies a single RGA operation: the sequence number assigned
// by its originating site, plus the site's own identifier. Comparing two IDs
// gives a total order used to resolve concurrent insertions at the same
// position.
type RGANodeID struct {
	Seq  uint64
	Site string
}

// Zero reports whether this is the sentinel "no anchor" id, used to mean
// "insert at the very start of the document".
func (id RGANodeID) Zero() bool {
	return id.Seq == 0 && id.Site == ""
}

// higherPriority reports whether a should sit to the left of (closer to the
// shared parent than) b when both are inserted at the same anchor position.
// Ties are broken by site id so the rule is a deterministic total order
// regardless of delivery order.
func higherPriority(a, b RGANodeID) bool {
	if a.Seq != b.Seq {
		return a.Seq > b.Seq
	}
	return a.Site < b.Site
}

// rgaNode is one character slot in the array, tombstoned rather than removed
// on delete so concurrent operations anchored on it still resolve.
type rgaNode struct {
	id          RGANodeID
	insertAfter RGANodeID
	ch          rune
	deleted     bool
}

// rga is the pure, unlocked data structure. All concurrency control lives in
// Replica; this type has no mutex of its own.
type rga struct {
	nodes []rgaNode
	index map[RGANodeID]int
}

func newRGA() *rga {
	return &rga{index: make(map[RGANodeID]int)}
}

// insert places node in the array according to RGA's anchor+tie-break rule.
// Returns an error if the node's anchor is unknown locally (the caller must
// not have delivered operations out of causal order for inserts).
func (r *rga) insert(node rgaNode) error {
	if _, exists := r.index[node.id]; exists {
		return nil // already applied; idempotent no-op
	}
	at := 0
	if !node.insertAfter.Zero() {
		idx, ok := r.index[node.insertAfter]
		if !ok {
			return fmt.Errorf("crdt: insert anchor %+v not found", node.insertAfter)
		}
		at = idx + 1
	}
	// Direct siblings of node (same insertAfter) are ordered by priority; a
	// sibling that outranks node must keep its whole subtree to its left, not
	// just itself, or concurrent inserts under that subtree diverge by
	// delivery order. Skipping the subtree wholesale (via subtreeEnd) rather
	// than node-by-node is what makes this order-independent.
	for at < len(r.nodes) && r.nodes[at].insertAfter == node.insertAfter && higherPriority(r.nodes[at].id, node.id) {
		at = r.subtreeEnd(at)
	}
	r.nodes = append(r.nodes, rgaNode{})
	copy(r.nodes[at+1:], r.nodes[at:])
	r.nodes[at] = node
	for i := at; i < len(r.nodes); i++ {
		r.index[r.nodes[i].id] = i
	}
	return nil
}

// subtreeEnd returns the index just past the contiguous block of nodes
// rooted at r.nodes[start]: start itself plus every node whose insertAfter
// chain leads back into that root, direct or transitive descendant alike.
// RGA's insertion rule keeps a node's descendants contiguous immediately
// after it, so this is a simple forward scan, not a tree walk.
func (r *rga) subtreeEnd(start int) int {
	root := r.nodes[start].id
	inSubtree := map[RGANodeID]bool{root: true}
	i := start + 1
	for i < len(r.nodes) && inSubtree[r.nodes[i].insertAfter] {
		inSubtree[r.nodes[i].id] = true
		i++
	}
	return i
}

// delete tombstones the node with the given id. Returns false if the node is
// not known yet (the caller should remember the id and retry once the
// matching insert arrives).
func (r *rga) delete(id RGANodeID) bool {
	idx, ok := r.index[id]
	if !ok {
		return false
	}
	r.nodes[idx].deleted = true
	return true
}

// text renders the current visible (non-tombstoned) content.
func (r *rga) text() string {
	var b strings.Builder
	for _, n := range r.nodes {
		if !n.deleted {
			b.WriteRune(n.ch)
		}
	}
	return b.String()
}
