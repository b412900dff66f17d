package testing

import (
	"fmt"
	"sync"

	"github.com/raftcore/raftcore/pkg/raft"
)

// Violation describes one safety-invariant breach observed by
// InvariantChecker, adapted from the teacher's InvariantViolation: a
// kind tag plus a formatted message naming the offending nodes and
// index.
type Violation struct {
	Kind    string
	Message string
}

// InvariantChecker reads every Cluster node's retained log and checks
// spec.md §8's Log Matching and Applied <= Committed invariants across
// them, plus a commitIndex <= lastLogIndex bound; a single Check call
// observes each node once, so it cannot detect a watermark moving
// backwards between calls. Generalizes the teacher's
// InvariantChecker (which compared raft.Command values collected via
// RecordCommit) onto pulling raft.LogEntry directly off each node's
// durable log.
type InvariantChecker struct {
	mu         sync.Mutex
	violations []Violation
}

// NewInvariantChecker returns an empty checker.
func NewInvariantChecker() *InvariantChecker {
	return &InvariantChecker{}
}

// Check inspects every node in c and returns whether all tracked
// invariants held, plus the specific violations found (if any).
func (ic *InvariantChecker) Check(c *Cluster) (bool, []Violation) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	ic.violations = nil

	ic.checkLogMatching(c)
	ic.checkMonotonicIndices(c)
	ic.checkAppliedNeverExceedsCommitted(c)

	return len(ic.violations) == 0, append([]Violation(nil), ic.violations...)
}

func (ic *InvariantChecker) fail(kind, format string, args ...interface{}) {
	ic.violations = append(ic.violations, Violation{Kind: kind, Message: fmt.Sprintf(format, args...)})
}

// checkLogMatching verifies that whenever two nodes have an entry at
// the same index with the same term, the entries are identical.
func (ic *InvariantChecker) checkLogMatching(c *Cluster) {
	type seen struct {
		peer  raft.PeerId
		entry raft.LogEntry
	}
	byIndexTerm := make(map[raft.LogId]seen)

	for i, n := range c.Nodes {
		last := n.Log().LastLogIndex()
		for idx := n.Log().FirstLogIndex(); idx <= last && idx > 0; idx++ {
			entry, ok := n.Log().GetEntry(idx)
			if !ok {
				continue
			}
			key := raft.LogId{Index: idx, Term: entry.Id.Term}
			if prior, ok := byIndexTerm[key]; ok {
				if !sameEntry(prior.entry, entry) {
					ic.fail("LOG_MATCHING_VIOLATION",
						"node %d (%s) and node for %s disagree on entry at index %d term %d",
						i, c.Peers[i], prior.peer, idx, entry.Id.Term)
				}
			} else {
				byIndexTerm[key] = seen{peer: c.Peers[i], entry: entry}
			}
		}
	}
}

func sameEntry(a, b raft.LogEntry) bool {
	if a.Type != b.Type || string(a.Data) != string(b.Data) {
		return false
	}
	return true
}

// checkMonotonicIndices verifies each node's own applied/committed
// watermarks never decrease across the snapshot — trivially true for
// a single snapshot, so this instead asserts commitIndex <=
// lastLogIndex (applied <= committed is checked separately by
// checkAppliedNeverExceedsCommitted).
func (ic *InvariantChecker) checkMonotonicIndices(c *Cluster) {
	for i, n := range c.Nodes {
		if n.CommitIndex() > n.Log().LastLogIndex() {
			ic.fail("MONOTONIC_INDEX_VIOLATION",
				"node %d (%s) commitIndex %d exceeds lastLogIndex %d",
				i, c.Peers[i], n.CommitIndex(), n.Log().LastLogIndex())
		}
	}
}

// checkAppliedNeverExceedsCommitted enforces spec.md §8's
// "Applied <= Committed" invariant.
func (ic *InvariantChecker) checkAppliedNeverExceedsCommitted(c *Cluster) {
	for i, n := range c.Nodes {
		if n.LastAppliedIndex() > n.CommitIndex() {
			ic.fail("APPLIED_EXCEEDS_COMMITTED",
				"node %d (%s) appliedIndex %d exceeds commitIndex %d",
				i, c.Peers[i], n.LastAppliedIndex(), n.CommitIndex())
		}
	}
}

// CompareStores reports whether every store in stores holds the same
// key set and values as the first, returning a human-readable diff
// list when they don't.
func CompareStores(stores []kvGetAller) (bool, []string) {
	if len(stores) == 0 {
		return true, nil
	}
	ref := stores[0].GetAll()
	var diffs []string

	for i := 1; i < len(stores); i++ {
		state := stores[i].GetAll()
		for k, v := range ref {
			if got, ok := state[k]; !ok {
				diffs = append(diffs, fmt.Sprintf("store %d missing key %q (expected %q)", i, k, v))
			} else if string(got) != string(v) {
				diffs = append(diffs, fmt.Sprintf("store %d has %q=%q, expected %q", i, k, got, v))
			}
		}
		for k, v := range state {
			if _, ok := ref[k]; !ok {
				diffs = append(diffs, fmt.Sprintf("store %d has unexpected key %q=%q", i, k, v))
			}
		}
	}
	return len(diffs) == 0, diffs
}

// kvGetAller is satisfied by *kv.Store; declared locally so this file
// doesn't need to import pkg/kv just for one method's shape.
type kvGetAller interface {
	GetAll() map[string][]byte
}
