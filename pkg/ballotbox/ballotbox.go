// Package ballotbox implements spec.md §4.2's BallotBox: it tracks
// quorum acknowledgements per pending log index and computes the
// committed index, driving the FSMCaller on every advance.
//
// The hot read path (LastCommittedIndex) uses a sequence-counter
// pattern instead of always taking a lock, grounded in tiglabs/raft's
// atomic-index fields (other_examples, tiglabs/raft raft.go) and in
// the optimistic-read idiom spec.md §4.2 names explicitly ("a single
// stamped/sequence lock... readers use an optimistic read path").
package ballotbox

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/raftcore/raftcore/pkg/raft"
)

// FSMCaller is the subset of fsmcaller.Caller the box drives after a
// commit advance; declared here to avoid an import cycle. closures
// holds one entry per newly committed index in [oldCommitted+1,
// index], in order; FSMCaller invokes each only after it has actually
// applied the corresponding entry to the user state machine.
type FSMCaller interface {
	OnCommitted(index uint64, closures []Closure)
}

// Closure is the completion handle attached to a pending command. It
// is invoked at most once: after its entry is applied (err is the state
// machine's Apply error, nil on success) or on step-down (err ==
// raft.ErrStepDown).
type Closure func(err error)

// Box is the BallotBox. All exported methods are safe for concurrent use.
type Box struct {
	seq atomic.Uint64 // odd while a write is in flight, even when stable
	mu  sync.Mutex     // serializes writers; readers never take this except on a torn optimistic read

	lastCommittedIndex atomic.Uint64
	pendingIndex       uint64
	pendingMeta        []*raft.Ballot
	closures           []Closure

	fsm FSMCaller
}

func New(fsm FSMCaller) *Box {
	return &Box{fsm: fsm}
}

// LastCommittedIndex is the hot read path: try an optimistic,
// lock-free read twice; fall back to the mutex only if both attempts
// race a concurrent writer.
func (b *Box) LastCommittedIndex() uint64 {
	for i := 0; i < 2; i++ {
		before := b.seq.Load()
		if before%2 == 1 {
			continue // a writer is mid-update; retry
		}
		v := b.lastCommittedIndex.Load()
		after := b.seq.Load()
		if before == after {
			return v
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastCommittedIndex.Load()
}

func (b *Box) beginWrite() { b.seq.Add(1) }
func (b *Box) endWrite()   { b.seq.Add(1) }

// ResetPendingIndex is called by a newly elected leader once its
// no-op entry is chosen as the pending anchor. Requires the box to be
// currently inactive (pendingIndex == 0, pendingMeta empty) and
// newPendingIndex > lastCommittedIndex.
func (b *Box) ResetPendingIndex(newPendingIndex uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pendingIndex != 0 || len(b.pendingMeta) != 0 {
		return fmt.Errorf("ballotbox: ResetPendingIndex called while active (pendingIndex=%d, queue=%d)", b.pendingIndex, len(b.pendingMeta))
	}
	if newPendingIndex <= b.lastCommittedIndex.Load() {
		return fmt.Errorf("ballotbox: newPendingIndex %d must exceed lastCommittedIndex %d", newPendingIndex, b.lastCommittedIndex.Load())
	}
	b.pendingIndex = newPendingIndex
	return nil
}

// AppendPendingTask allocates a Ballot for the next pending slot
// (index pendingIndex + len(pendingMeta)) under the given
// configuration (and old configuration, if a joint change is in
// flight), recording done in the FIFO closure queue. Returns false if
// the box is inactive.
func (b *Box) AppendPendingTask(cfg raft.Configuration, done Closure) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pendingIndex == 0 {
		return false
	}
	b.pendingMeta = append(b.pendingMeta, raft.NewBallot(cfg))
	b.closures = append(b.closures, done)
	return true
}

// CommitAt is the Replicator-facing entry point: peer acknowledges
// that the log range [first, last] is durable on its disk. It grants
// that peer's vote for every ballot in [max(pendingIndex, first),
// last], and if any newly become fully granted, advances
// (lastCommittedIndex, pendingIndex) atomically to the highest such
// index and invokes FSMCaller.OnCommitted outside the lock.
func (b *Box) CommitAt(first, last uint64, peer raft.PeerId) error {
	b.mu.Lock()

	if b.pendingIndex == 0 {
		b.mu.Unlock()
		return nil // box inactive (not leader, or mid-transition); ignore stray acks
	}
	if last >= b.pendingIndex+uint64(len(b.pendingMeta)) {
		b.mu.Unlock()
		return fmt.Errorf("%w: CommitAt last=%d exceeds pendingIndex(%d)+queue(%d)", raft.ErrSafetyViolation, last, b.pendingIndex, len(b.pendingMeta))
	}

	start := b.pendingIndex
	if first > start {
		start = first
	}

	lastCommitted := uint64(0)
	hint := raft.NoHint
	for idx := start; idx <= last; idx++ {
		slot := idx - b.pendingIndex
		var full bool
		full, hint = b.pendingMeta[slot].Grant(peer, hint)
		if full {
			lastCommitted = idx
		}
	}

	if lastCommitted == 0 {
		b.mu.Unlock()
		return nil
	}

	closures, advanced := b.advanceLocked(lastCommitted)
	b.mu.Unlock()

	if advanced && b.fsm != nil {
		b.fsm.OnCommitted(lastCommitted, closures)
	}
	return nil
}

// advanceLocked moves (lastCommittedIndex, pendingIndex) forward to
// newCommitted and drops the now-resolved ballots/closures from the
// pending queue, returning the dropped closures in index order. Must
// be called with mu held; bumps the sequence counter around the write
// so LastCommittedIndex's optimistic readers observe a torn update
// and retry.
func (b *Box) advanceLocked(newCommitted uint64) ([]Closure, bool) {
	if newCommitted <= b.lastCommittedIndex.Load() {
		return nil, false
	}
	drop := int(newCommitted - b.pendingIndex + 1)

	b.beginWrite()
	b.lastCommittedIndex.Store(newCommitted)
	b.pendingIndex += uint64(drop)
	dropped := b.closures[:drop]
	b.pendingMeta = b.pendingMeta[drop:]
	b.closures = b.closures[drop:]
	b.endWrite()
	return dropped, true
}

// SetLastCommittedIndex is the follower path: requires the box to be
// inactive (pendingIndex == 0) and only advances the committed index
// forward, invoking OnCommitted outside the lock.
func (b *Box) SetLastCommittedIndex(v uint64) error {
	b.mu.Lock()
	if b.pendingIndex != 0 {
		b.mu.Unlock()
		return fmt.Errorf("ballotbox: SetLastCommittedIndex called while leader-active")
	}
	if v <= b.lastCommittedIndex.Load() {
		b.mu.Unlock()
		return nil
	}
	b.beginWrite()
	b.lastCommittedIndex.Store(v)
	b.endWrite()
	b.mu.Unlock()

	if b.fsm != nil {
		b.fsm.OnCommitted(v, nil)
	}
	return nil
}

// ClearPendingTasks is called on step-down. It wipes pending state and
// drains the closure queue, completing each with raft.ErrStepDown;
// the caller that owns each closure is expected to route that
// completion back to the waiting client.
func (b *Box) ClearPendingTasks() {
	b.mu.Lock()
	closures := b.closures
	b.pendingIndex = 0
	b.pendingMeta = nil
	b.closures = nil
	b.mu.Unlock()

	for _, c := range closures {
		if c != nil {
			c(raft.ErrStepDown)
		}
	}
}

// PendingIndex and QueueLen expose internal bookkeeping for tests and diagnostics.
func (b *Box) PendingIndex() uint64 { b.mu.Lock(); defer b.mu.Unlock(); return b.pendingIndex }
func (b *Box) QueueLen() int        { b.mu.Lock(); defer b.mu.Unlock(); return len(b.pendingMeta) }
