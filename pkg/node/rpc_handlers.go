package node

import (
	"github.com/raftcore/raftcore/pkg/raft"
)

// HandleAppendEntries implements Raft §5.3's log-matching protocol,
// generalizing the teacher's Raft.HandleAppendEntries
// (repository_after/pkg/raft/raft.go) onto logstorage.Storage instead
// of the teacher's WAL, with the same accelerated-backtracking
// conflict response the teacher computes.
func (n *Node) HandleAppendEntries(req *raft.AppendEntriesRequest) *raft.AppendEntriesResponse {
	n.mu.Lock()

	resp := &raft.AppendEntriesResponse{Header: raft.NewHeader(n.opts.GroupID, n.opts.Self, n.currentTerm)}

	if req.Term < n.currentTerm {
		n.mu.Unlock()
		return resp
	}

	n.resetElectionDeadlineLocked()
	n.leaderID = req.LeaderId

	if req.Term > n.currentTerm {
		n.stepDownLocked(req.Term)
		resp.Header.Term = req.Term
	} else if n.role != RoleFollower {
		n.role = RoleFollower
		n.metrics.SetRole(n.role.String())
	}
	n.mu.Unlock()

	if req.PrevLogId.Index > 0 {
		prevTerm := n.log.GetTerm(req.PrevLogId.Index)
		if _, ok := n.log.GetEntry(req.PrevLogId.Index); !ok {
			resp.ConflictIndex = n.log.LastLogIndex() + 1
			return resp
		}
		if prevTerm != req.PrevLogId.Term {
			resp.ConflictTerm = prevTerm
			resp.ConflictIndex = n.firstIndexOfTerm(prevTerm, req.PrevLogId.Index)
			_ = n.log.TruncateSuffix(req.PrevLogId.Index - 1)
			n.confMgr.Truncate(req.PrevLogId.Index - 1)
			return resp
		}
	}

	if len(req.Entries) > 0 {
		newEntries := make([]raft.LogEntry, 0, len(req.Entries))
		for _, e := range req.Entries {
			if existing, ok := n.log.GetEntry(e.Id.Index); ok {
				if existing.Id.Term == e.Id.Term {
					continue
				}
				_ = n.log.TruncateSuffix(e.Id.Index - 1)
				n.confMgr.Truncate(e.Id.Index - 1)
			}
			newEntries = append(newEntries, e)
		}
		if len(newEntries) > 0 {
			if _, err := n.log.AppendEntries(newEntries); err != nil {
				n.logger.Error().Err(err).Msg("node: failed to append replicated entries")
				return resp
			}
			for _, e := range newEntries {
				if e.Type == raft.EntryConfiguration {
					n.confMgr.ObserveConfiguration(e)
				}
			}
		}
	}

	resp.Success = true
	resp.LastLogIndex = n.log.LastLogIndex()

	if req.CommittedIdx > n.ballot.LastCommittedIndex() {
		newCommit := req.CommittedIdx
		if resp.LastLogIndex < newCommit {
			newCommit = resp.LastLogIndex
		}
		if err := n.ballot.SetLastCommittedIndex(newCommit); err != nil {
			n.logger.Warn().Err(err).Msg("node: SetLastCommittedIndex rejected")
		}
	}
	return resp
}

// firstIndexOfTerm scans backward from searchFrom to find the first
// index at which conflictTerm begins, the same accelerated-backtrack
// search the teacher's HandleAppendEntries performs inline.
func (n *Node) firstIndexOfTerm(conflictTerm uint64, searchFrom uint64) uint64 {
	idx := searchFrom
	for idx > 1 {
		if n.log.GetTerm(idx-1) != conflictTerm {
			return idx
		}
		idx--
	}
	return idx
}

// HandleInstallSnapshot installs a leader-sent snapshot, resetting the
// log to start at the snapshot's last-included index/term and
// replacing the configuration history with the snapshot's
// configuration, generalizing the teacher's HandleInstallSnapshot.
func (n *Node) HandleInstallSnapshot(req *raft.InstallSnapshotRequest) *raft.InstallSnapshotResponse {
	n.mu.Lock()
	resp := &raft.InstallSnapshotResponse{Header: raft.NewHeader(n.opts.GroupID, n.opts.Self, n.currentTerm)}
	if req.Term < n.currentTerm {
		n.mu.Unlock()
		return resp
	}
	n.resetElectionDeadlineLocked()
	n.leaderID = req.LeaderId
	if req.Term > n.currentTerm {
		n.stepDownLocked(req.Term)
		resp.Header.Term = req.Term
	}
	n.mu.Unlock()

	if err := n.opts.StateMachine.Restore(req.Data); err != nil {
		n.logger.Error().Err(err).Msg("node: failed to restore state machine from snapshot")
		return resp
	}
	if err := n.log.Reset(req.LastIncluded.Index + 1); err != nil {
		n.logger.Error().Err(err).Msg("node: failed to reset log storage for snapshot install")
		return resp
	}
	n.confMgr.Reset(req.LastIncluded.Index, req.Configuration)
	resp.Success = true
	return resp
}

// HandleReadIndex serves a follower-side ReadIndex acknowledgement:
// reports success if the request's term matches this node's current
// term (i.e. the asking leader is still this node's recognized
// leader), letting the leader count it as a quorum grant.
func (n *Node) HandleReadIndex(req *raft.ReadIndexRequest) *raft.ReadIndexResponse {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return &raft.ReadIndexResponse{
		Header: raft.NewHeader(n.opts.GroupID, n.opts.Self, n.currentTerm),
		Index:  n.ballot.LastCommittedIndex(),
	}
}
