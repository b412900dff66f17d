package node

import (
	"context"
	"fmt"
	"time"

	"github.com/raftcore/raftcore/pkg/raft"
	"github.com/raftcore/raftcore/pkg/replicator"
)

// HandleRequestVote implements Raft §5.2/§5.4 vote granting, generalizing
// the teacher's Raft.HandleRequestVote (repository_after/pkg/raft/raft.go)
// with PreVote support: a PreVote request never advances currentTerm or
// records votedFor, so it cannot disrupt a stable leader's term.
func (n *Node) HandleRequestVote(req *raft.RequestVoteRequest) *raft.RequestVoteResponse {
	n.mu.Lock()
	defer n.mu.Unlock()

	resp := &raft.RequestVoteResponse{
		Header: raft.NewHeader(n.opts.GroupID, n.opts.Self, n.currentTerm),
	}

	if req.Term < n.currentTerm {
		return resp
	}
	if req.Term > n.currentTerm && !req.PreVote {
		n.stepDownLocked(req.Term)
		resp.Header.Term = req.Term
	}

	lastLogIndex := n.log.LastLogIndex()
	lastLogTerm := n.log.GetTerm(lastLogIndex)

	canVote := !n.hasVoted || n.votedFor == req.CandidateId
	logUpToDate := req.LastLogId.Term > lastLogTerm ||
		(req.LastLogId.Term == lastLogTerm && req.LastLogId.Index >= lastLogIndex)

	if canVote && logUpToDate {
		if !req.PreVote {
			n.votedFor = req.CandidateId
			n.hasVoted = true
			n.resetElectionDeadlineLocked()
		}
		resp.VoteGranted = true
	}
	return resp
}

// startElection increments the term, requests votes
// from every peer in the current configuration, and becomes leader on
// quorum. Grounded in the teacher's runCandidate/startElection, but
// runs as a one-shot goroutine fired by the tick loop's election
// timeout check rather than a dedicated run-loop state.
//
// transferred indicates this election was triggered by a
// TimeoutNow RPC during leadership transfer: the candidate skips its
// own randomized backoff and starts immediately.
func (n *Node) startElection(transferred bool) {
	n.mu.Lock()
	if n.role == RoleLeader {
		n.mu.Unlock()
		return
	}
	n.role = RoleCandidate
	n.currentTerm++
	n.votedFor = n.opts.Self
	n.hasVoted = true
	n.resetElectionDeadlineLocked()
	term := n.currentTerm
	lastLogIndex := n.log.LastLogIndex()
	lastLogTerm := n.log.GetTerm(lastLogIndex)
	cfg, _ := n.confMgr.Current()
	n.metrics.SetRole(n.role.String())
	n.metrics.IncElectionStarted()
	n.mu.Unlock()

	peers := cfg.ListPeers()
	quorum := cfg.Quorum()
	granted := 1 // self

	if granted >= quorum {
		n.becomeLeader(term)
		return
	}

	req := &raft.RequestVoteRequest{
		Header:      raft.NewHeader(n.opts.GroupID, n.opts.Self, term),
		CandidateId: n.opts.Self,
		LastLogId:   raft.LogId{Index: lastLogIndex, Term: lastLogTerm},
		Timeout:     n.opts.RPCTimeout,
	}

	type voteResult struct {
		granted bool
		term    uint64
	}
	votesCh := make(chan voteResult, len(peers))

	for _, p := range peers {
		if p == n.opts.Self {
			continue
		}
		go func(peer raft.PeerId) {
			ctx, cancel := context.WithTimeout(context.Background(), n.opts.RPCTimeout)
			defer cancel()
			resp, err := n.opts.Transport.RequestVote(ctx, peer, req)
			if err != nil {
				votesCh <- voteResult{}
				return
			}
			votesCh <- voteResult{granted: resp.VoteGranted, term: resp.Header.Term}
		}(p)
	}

	for i := 0; i < len(peers)-1; i++ {
		v := <-votesCh

		n.mu.Lock()
		if n.role != RoleCandidate || n.currentTerm != term {
			n.mu.Unlock()
			return // term or role moved on while votes were in flight
		}
		if v.term > n.currentTerm {
			n.stepDownLocked(v.term)
			n.mu.Unlock()
			return
		}
		if v.granted {
			granted++
		}
		won := granted >= quorum
		n.mu.Unlock()

		if won {
			n.becomeLeader(term)
			return
		}
	}
}

// becomeLeader transitions to leader for the given term and appends
// the no-op barrier entry every new leader must commit before serving
// reads or acks from prior terms, per spec.md §4.1.
func (n *Node) becomeLeader(term uint64) {
	n.mu.Lock()
	if n.role != RoleCandidate || n.currentTerm != term {
		n.mu.Unlock()
		return
	}
	n.role = RoleLeader
	n.leaderID = n.opts.Self
	n.metrics.SetRole(n.role.String())
	n.metrics.IncElectionWon()

	noopIndex := n.log.LastLogIndex() + 1
	cfg, _ := n.confMgr.Current()
	n.mu.Unlock()

	noop := raft.LogEntry{Id: raft.LogId{Index: noopIndex, Term: term}, Type: raft.EntryNoOp}
	if _, err := n.log.AppendEntries([]raft.LogEntry{noop}); err != nil {
		n.logger.Error().Err(err).Msg("node: failed to append no-op leadership barrier")
		return
	}
	if err := n.ballot.ResetPendingIndex(noopIndex); err != nil {
		n.logger.Error().Err(err).Msg("node: failed to reset ballot pending index on becoming leader")
		return
	}
	n.ballot.AppendPendingTask(cfg, nil)

	n.startReplicatorsLocked(cfg, term)
}

func (n *Node) startReplicatorsLocked(cfg raft.Configuration, term uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, p := range append(cfg.ListPeers(), cfg.ListLearners()...) {
		if p == n.opts.Self {
			continue
		}
		if _, running := n.replicators[p]; running {
			continue
		}
		n.replicators[p] = replicator.New(replicator.Options{
			GroupID:         n.opts.GroupID,
			Self:            n.opts.Self,
			Peer:            p,
			Term:            term,
			Log:             n.log,
			Transport:       n.opts.Transport,
			Commit:          n.ballot,
			StepDown:        n,
			Snapshots:       n.snapStore,
			HeartbeatPeriod: n.opts.HeartbeatPeriod,
			RPCTimeout:      n.opts.RPCTimeout,
			CommitIndex:     n.ballot.LastCommittedIndex,
			Logger:          n.logger,
		})
	}
}

// TransferLeadershipTo hands off leadership to peer by waiting for it
// to catch up (or sending it directly if already caught up) and then
// issuing TimeoutNow, per spec.md §5's supplemented leadership
// transfer operation (not present in the distilled teacher core).
func (n *Node) TransferLeadershipTo(ctx context.Context, peer raft.PeerId) error {
	n.mu.RLock()
	if n.role != RoleLeader {
		n.mu.RUnlock()
		return raft.ErrNotLeader
	}
	r, ok := n.replicators[peer]
	term := n.currentTerm
	n.mu.RUnlock()
	if !ok {
		return fmt.Errorf("node: %s is not a replicated peer", peer)
	}

	deadline := time.Now().Add(n.opts.ElectionTimeoutMax)
	for r.MatchIndex() < n.log.LastLogIndex() {
		if time.Now().After(deadline) {
			return raft.ErrTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}

	rctx, cancel := context.WithTimeout(ctx, n.opts.RPCTimeout)
	defer cancel()
	_, err := n.opts.Transport.TimeoutNow(rctx, peer, &raft.TimeoutNowRequest{
		Header:  raft.NewHeader(n.opts.GroupID, n.opts.Self, term),
		Timeout: n.opts.RPCTimeout,
	})
	return err
}

// HandleTimeoutNow starts an immediate election, bypassing this
// node's own randomized backoff, as instructed by the current leader
// during a leadership transfer.
func (n *Node) HandleTimeoutNow(req *raft.TimeoutNowRequest) *raft.TimeoutNowResponse {
	go n.startElection(true)
	return &raft.TimeoutNowResponse{Header: raft.NewHeader(n.opts.GroupID, n.opts.Self, n.Term())}
}
