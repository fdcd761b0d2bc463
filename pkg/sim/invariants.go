package sim

import (
	"fmt"

	"github.com/cbarrett/raftcore/pkg/raft"
)

// CommittedEntry is one entry a node has committed, recorded for
// cross-node comparison.
type CommittedEntry struct {
	Index raft.Index
	Term  raft.Term
	Type  raft.EntryType
	Buf   []byte
	Node  raft.ServerID
}

// Violation describes one broken safety invariant.
type Violation struct {
	Kind    string
	Message string
}

// InvariantChecker accumulates committed entries from every node in a
// Cluster and checks them against the universal safety invariants: no
// two nodes ever commit different entries at the same index, a node's
// observed commit index never goes backwards, and term numbers at
// committed indices never decrease as index increases.
type InvariantChecker struct {
	committed map[raft.ServerID][]CommittedEntry
}

// NewInvariantChecker returns an empty checker.
func NewInvariantChecker() *InvariantChecker {
	return &InvariantChecker{committed: make(map[raft.ServerID][]CommittedEntry)}
}

// Collect records every entry each node in c has committed so far.
func (ic *InvariantChecker) Collect(c *Cluster) {
	for _, id := range c.order {
		n := c.nodes[id]
		commit := n.raft.CommitIndex()
		existing := len(ic.committed[id])
		for idx := raft.Index(existing) + 1; idx <= commit; idx++ {
			entry := n.raft.Entry(idx)
			if entry == nil {
				break
			}
			ic.committed[id] = append(ic.committed[id], CommittedEntry{
				Index: idx, Term: entry.Term, Type: entry.Type, Buf: entry.Buf, Node: id,
			})
		}
	}
}

// Check runs every invariant and returns the violations found, if any.
func (ic *InvariantChecker) Check() []Violation {
	var violations []Violation
	violations = append(violations, ic.checkLogMatching()...)
	violations = append(violations, ic.checkMonotonicCommit()...)
	violations = append(violations, ic.checkTermMonotonic()...)
	return violations
}

func (ic *InvariantChecker) checkLogMatching() []Violation {
	byIndex := make(map[raft.Index]map[raft.ServerID]CommittedEntry)
	for _, entries := range ic.committed {
		for _, e := range entries {
			if byIndex[e.Index] == nil {
				byIndex[e.Index] = make(map[raft.ServerID]CommittedEntry)
			}
			byIndex[e.Index][e.Node] = e
		}
	}
	var violations []Violation
	for index, byNode := range byIndex {
		var ref *CommittedEntry
		var refNode raft.ServerID
		for node, e := range byNode {
			e := e
			if ref == nil {
				ref = &e
				refNode = node
				continue
			}
			if e.Term != ref.Term || string(e.Buf) != string(ref.Buf) {
				violations = append(violations, Violation{
					Kind: "log-matching",
					Message: fmt.Sprintf("index %d: node %d has term %d buf %q, node %d has term %d buf %q",
						index, refNode, ref.Term, ref.Buf, node, e.Term, e.Buf),
				})
			}
		}
	}
	return violations
}

func (ic *InvariantChecker) checkMonotonicCommit() []Violation {
	var violations []Violation
	for node, entries := range ic.committed {
		var last raft.Index
		for _, e := range entries {
			if e.Index < last {
				violations = append(violations, Violation{
					Kind:    "monotonic-commit",
					Message: fmt.Sprintf("node %d committed index %d after index %d", node, e.Index, last),
				})
			}
			last = e.Index
		}
	}
	return violations
}

func (ic *InvariantChecker) checkTermMonotonic() []Violation {
	var violations []Violation
	for node, entries := range ic.committed {
		for i := 1; i < len(entries); i++ {
			prev, curr := entries[i-1], entries[i]
			if curr.Index > prev.Index && curr.Term < prev.Term {
				violations = append(violations, Violation{
					Kind: "term-consistency",
					Message: fmt.Sprintf("node %d has term %d at index %d but term %d at higher index %d",
						node, prev.Term, prev.Index, curr.Term, curr.Index),
				})
			}
		}
	}
	return violations
}

// CompareStateMachines reports whether every node's applied fsm.Store
// agrees on every key, returning a description of each disagreement
// found.
func CompareStateMachines(c *Cluster) (bool, []string) {
	if len(c.order) == 0 {
		return true, nil
	}
	ref := c.FSM(c.order[0]).GetAll()
	var diffs []string
	for _, id := range c.order[1:] {
		state := c.FSM(id).GetAll()
		for k, v := range ref {
			if got, ok := state[k]; !ok {
				diffs = append(diffs, fmt.Sprintf("node %d missing key %q (want %q)", id, k, v))
			} else if string(got) != string(v) {
				diffs = append(diffs, fmt.Sprintf("node %d has %q=%q, want %q", id, k, got, v))
			}
		}
		for k := range state {
			if _, ok := ref[k]; !ok {
				diffs = append(diffs, fmt.Sprintf("node %d has unexpected key %q", id, k))
			}
		}
	}
	return len(diffs) == 0, diffs
}
