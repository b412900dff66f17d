package raft

import "errors"

// Sentinel errors shared across the consensus core, classified per
// spec.md §7's error taxonomy.
var (
	ErrNotLeader       = errors.New("raft: not the leader")
	ErrStepDown        = errors.New("raft: leader stepped down")
	ErrTimeout         = errors.New("raft: operation timed out")
	ErrBusy            = errors.New("raft: request queue is full")
	ErrCanceled        = errors.New("raft: operation canceled")
	ErrShutdown        = errors.New("raft: node is shutting down")
	ErrLogNotFound     = errors.New("raft: log entry not found")
	ErrStorageIO       = errors.New("raft: log storage I/O failure")
	ErrSafetyViolation = errors.New("raft: safety invariant violated")
	ErrReadIndexLag    = errors.New("raft: applied index lag exceeds maxReadIndexLag")
	ErrQuorumUnreachable = errors.New("raft: could not confirm read index against a quorum")
	ErrNoConfiguration = errors.New("raft: node has no configuration")
	ErrJointInProgress = errors.New("raft: a joint configuration change is already in progress")
	ErrIndexNotCommitted = errors.New("raft: index is beyond the commit point")
)

// LeaderRedirect is a not-leader error carrying a leader hint, the
// hint an ErrorResponse would serialize over RPC. No code path in this
// module returns it; non-leaders return ErrNotLeader.
type LeaderRedirect struct {
	Leader PeerId
}

func (e *LeaderRedirect) Error() string {
	if e.Leader == (PeerId{}) {
		return "raft: not the leader, leader unknown"
	}
	return "raft: not the leader, try " + e.Leader.String()
}
