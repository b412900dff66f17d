// Package node implements spec.md §5's Node: the per-group orchestrator
// that owns log storage, configuration history, the ballot box, the
// apply loop, per-follower replicators and the read-only service, and
// drives the Follower/Candidate/Leader role state machine.
//
// Generalizes the teacher's Raft type (repository_after/pkg/raft/raft.go,
// state.go) — same role-state-machine shape (State enum, a run loop that
// dispatches on state, stepDown/becomeLeader transitions) — into a
// composition of the smaller components built above it instead of one
// monolithic struct owning a WAL and KV store directly.
package node

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/raftcore/raftcore/pkg/ballotbox"
	"github.com/raftcore/raftcore/pkg/confmanager"
	"github.com/raftcore/raftcore/pkg/fsmcaller"
	"github.com/raftcore/raftcore/pkg/logstorage"
	"github.com/raftcore/raftcore/pkg/raft"
	"github.com/raftcore/raftcore/pkg/readonly"
	"github.com/raftcore/raftcore/pkg/replicator"
)

// Role is the node's position in the Raft role state machine.
type Role int

const (
	RoleFollower Role = iota
	RoleCandidate
	RoleLeader
)

func (r Role) String() string {
	switch r {
	case RoleFollower:
		return "follower"
	case RoleCandidate:
		return "candidate"
	case RoleLeader:
		return "leader"
	default:
		return "unknown"
	}
}

// Transport is everything a Node needs to talk to peers. pkg/transport
// implements it over gRPC; it is also a structural superset of
// replicator.Transport, so a Node's Transport value can be handed to
// replicator.New directly.
type Transport interface {
	RequestVote(ctx context.Context, peer raft.PeerId, req *raft.RequestVoteRequest) (*raft.RequestVoteResponse, error)
	AppendEntries(ctx context.Context, peer raft.PeerId, req *raft.AppendEntriesRequest) (*raft.AppendEntriesResponse, error)
	InstallSnapshot(ctx context.Context, peer raft.PeerId, req *raft.InstallSnapshotRequest) (*raft.InstallSnapshotResponse, error)
	ReadIndex(ctx context.Context, peer raft.PeerId, req *raft.ReadIndexRequest) (*raft.ReadIndexResponse, error)
	TimeoutNow(ctx context.Context, peer raft.PeerId, req *raft.TimeoutNowRequest) (*raft.TimeoutNowResponse, error)
}

// StateMachine is the user application driven through fsmcaller.Caller.
type StateMachine = fsmcaller.StateMachine

// Metrics is the set of counters/gauges a Node reports through. A
// pkg/metrics implementation backs this with prometheus client_golang;
// noopMetrics is used when none is supplied.
type Metrics interface {
	IncElectionStarted()
	IncElectionWon()
	IncReadIndexBusy()
	ObserveApplyLatency(d time.Duration)
	ObserveReplicationLag(peer raft.PeerId, lag uint64)
	SetRole(role string)
}

type noopMetrics struct{}

func (noopMetrics) IncElectionStarted()                              {}
func (noopMetrics) IncElectionWon()                                  {}
func (noopMetrics) IncReadIndexBusy()                                {}
func (noopMetrics) ObserveApplyLatency(d time.Duration)              {}
func (noopMetrics) ObserveReplicationLag(peer raft.PeerId, lag uint64) {}
func (noopMetrics) SetRole(role string)                              {}

// Options configures a Node.
type Options struct {
	GroupID           string
	Self              raft.PeerId
	InitialConf       raft.Configuration
	Log               *logstorage.Storage
	ConfManager       *confmanager.Manager
	StateMachine      StateMachine
	Transport         Transport
	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
	HeartbeatPeriod   time.Duration
	RPCTimeout        time.Duration
	SnapshotEvery     uint64
	MaxReadIndexLag   uint64
	Metrics           Metrics
	Logger            zerolog.Logger
}

// Node is one member of a single Raft group.
type Node struct {
	opts Options

	mu          sync.RWMutex
	role        Role
	currentTerm uint64
	votedFor    raft.PeerId
	hasVoted    bool
	leaderID    raft.PeerId

	electionDeadline time.Time
	electionTimeout  time.Duration

	replicators map[raft.PeerId]*replicator.Replicator

	log     *logstorage.Storage
	confMgr *confmanager.Manager
	ballot  *ballotbox.Box
	fsm     *fsmcaller.Caller
	readSvc *readonly.Service
	snapStore *snapshotStore

	metrics Metrics
	logger  zerolog.Logger

	done chan struct{}
	wg   sync.WaitGroup
}

// New constructs a Node in the Follower role. Call Start to begin its
// event loop.
func New(opts Options) (*Node, error) {
	if opts.ElectionTimeoutMin <= 0 {
		opts.ElectionTimeoutMin = 150 * time.Millisecond
	}
	if opts.ElectionTimeoutMax <= 0 {
		opts.ElectionTimeoutMax = 300 * time.Millisecond
	}
	if opts.HeartbeatPeriod <= 0 {
		opts.HeartbeatPeriod = 50 * time.Millisecond
	}
	if opts.RPCTimeout <= 0 {
		opts.RPCTimeout = 100 * time.Millisecond
	}
	if opts.Metrics == nil {
		opts.Metrics = noopMetrics{}
	}
	if opts.Log == nil {
		return nil, fmt.Errorf("node: Log is required")
	}

	n := &Node{
		opts:        opts,
		role:        RoleFollower,
		replicators: make(map[raft.PeerId]*replicator.Replicator),
		log:         opts.Log,
		confMgr:     opts.ConfManager,
		metrics:     opts.Metrics,
		logger:      opts.Logger,
		done:        make(chan struct{}),
	}
	n.ballot = ballotbox.New(n)
	n.snapStore = newSnapshotStore()
	n.fsm = fsmcaller.New(opts.StateMachine, opts.Log, opts.ConfManager, fsmcaller.Options{
		SnapshotEvery: opts.SnapshotEvery,
		Snapshotter:   n.snapStore,
		Logger:        opts.Logger,
	})
	n.readSvc = readonly.New(n, n.fsm, readonly.Options{
		MaxReadIndexLag: opts.MaxReadIndexLag,
		Logger:          opts.Logger,
	})
	n.fsm.AddAppliedListener(n.readSvc.OnApplied)

	if opts.ConfManager != nil {
		if _, ok := opts.ConfManager.Current(); !ok && opts.InitialConf.Peers != nil {
			opts.ConfManager.Reset(0, opts.InitialConf)
		}
	}
	n.resetElectionDeadlineLocked()
	return n, nil
}

// OnCommitted satisfies ballotbox.FSMCaller: forward to the apply loop.
func (n *Node) OnCommitted(index uint64, closures []ballotbox.Closure) {
	n.fsm.OnCommitted(index, closures)
}

// Start begins the node's election-timeout/heartbeat event loop.
func (n *Node) Start() {
	n.wg.Add(1)
	go n.run()
}

// Stop halts the event loop, all replicators, the apply loop and the
// read-only service. Calls after the first return immediately.
func (n *Node) Stop() {
	select {
	case <-n.done:
		return
	default:
	}
	close(n.done)
	n.wg.Wait()

	n.mu.Lock()
	for _, r := range n.replicators {
		r.Stop()
	}
	n.replicators = nil
	n.mu.Unlock()

	n.readSvc.Shutdown()
	n.fsm.Shutdown()
}

func (n *Node) run() {
	defer n.wg.Done()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-n.done:
			return
		case <-ticker.C:
			n.tick()
		}
	}
}

func (n *Node) tick() {
	n.mu.Lock()
	role := n.role
	expired := role != RoleLeader && time.Now().After(n.electionDeadline)
	n.mu.Unlock()

	if expired {
		n.startElection(false)
		return
	}
	if role == RoleLeader {
		n.reportReplicationLagLocked()
	}
}

// reportReplicationLagLocked samples each Replicator's MatchIndex
// against the local log tail and feeds the gap to Metrics, giving
// pkg/metrics a per-peer lag gauge without the replicator package
// itself needing to know anything about metrics.
func (n *Node) reportReplicationLagLocked() {
	n.mu.RLock()
	last := n.log.LastLogIndex()
	replicators := make(map[raft.PeerId]*replicator.Replicator, len(n.replicators))
	for p, r := range n.replicators {
		replicators[p] = r
	}
	n.mu.RUnlock()

	for p, r := range replicators {
		match := r.MatchIndex()
		var lag uint64
		if last > match {
			lag = last - match
		}
		n.metrics.ObserveReplicationLag(p, lag)
	}
}

// resetElectionDeadlineLocked must be called with mu held.
func (n *Node) resetElectionDeadlineLocked() {
	n.electionTimeout = randomDuration(n.opts.ElectionTimeoutMin, n.opts.ElectionTimeoutMax)
	n.electionDeadline = time.Now().Add(n.electionTimeout)
}

// ResetElectionTimeoutMs is the administrative escape hatch spec.md §5
// adds to tune liveness under test without restarting the node.
func (n *Node) ResetElectionTimeoutMs(ms int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.opts.ElectionTimeoutMin = time.Duration(ms) * time.Millisecond
	n.opts.ElectionTimeoutMax = time.Duration(ms*2) * time.Millisecond
	n.resetElectionDeadlineLocked()
}

// Role, Term, LeaderID, IsLeader report the node's current view.
func (n *Node) Role() Role { n.mu.RLock(); defer n.mu.RUnlock(); return n.role }
func (n *Node) Term() uint64 { n.mu.RLock(); defer n.mu.RUnlock(); return n.currentTerm }
func (n *Node) LeaderID() raft.PeerId { n.mu.RLock(); defer n.mu.RUnlock(); return n.leaderID }
func (n *Node) IsLeader() bool { n.mu.RLock(); defer n.mu.RUnlock(); return n.role == RoleLeader }

// LastAppliedIndex exposes the apply loop's watermark, e.g. for status
// reporting and snapshot scheduling decisions made above this package.
func (n *Node) LastAppliedIndex() uint64 { return n.fsm.LastAppliedIndex() }

// CommitIndex exposes BallotBox's quorum-acknowledged watermark.
// LastAppliedIndex never exceeds this value.
func (n *Node) CommitIndex() uint64 { return n.ballot.LastCommittedIndex() }

// Configuration returns the configuration currently in effect, for
// status reporting above this package.
func (n *Node) Configuration() (raft.Configuration, bool) {
	return n.confMgr.Current()
}

// Log exposes the durable log directly, for tooling built above this
// package that needs to inspect committed entries (test harnesses,
// operational dumps) rather than drive them through Propose/ReadIndex.
func (n *Node) Log() *logstorage.Storage {
	return n.log
}

// Snapshot requests an out-of-band state-machine snapshot, run after
// every entry currently queued ahead of it has been applied. done is
// invoked once the snapshot has been captured (or skipped, e.g. no
// Snapshotter is configured or nothing has been applied yet).
func (n *Node) Snapshot(done func(error)) {
	n.fsm.RequestSnapshot(func() {
		if done != nil {
			done(nil)
		}
	})
}

// ReadCommittedUserLog returns the EntryData log entry at index, once
// it has passed the commit point. Configuration and no-op entries are
// internal bookkeeping, not user log entries, and are rejected.
func (n *Node) ReadCommittedUserLog(index uint64) (raft.LogEntry, error) {
	if index > n.ballot.LastCommittedIndex() {
		return raft.LogEntry{}, raft.ErrIndexNotCommitted
	}
	entry, ok := n.log.GetEntry(index)
	if !ok {
		return raft.LogEntry{}, raft.ErrLogNotFound
	}
	if entry.Type != raft.EntryData {
		return raft.LogEntry{}, fmt.Errorf("node: index %d is not a user log entry", index)
	}
	return entry, nil
}

// aliveHeartbeatMultiple bounds how stale a Replicator's last acknowledged RPC may
// be before ListAlivePeers/ListAliveLearners stop counting that peer
// as reachable; a few missed heartbeats, not just one.
const aliveHeartbeatMultiple = 3

func (n *Node) isAlive(r *replicator.Replicator) bool {
	last := r.LastAck()
	if last.IsZero() {
		return false
	}
	return time.Since(last) <= aliveHeartbeatMultiple*n.opts.HeartbeatPeriod
}

// ListAlivePeers and ListAliveLearners report the subset of the
// current configuration's peers/learners this node has heard from
// recently, as leader. Self is always reported alive.
func (n *Node) ListAlivePeers() []raft.PeerId {
	cfg, ok := n.Configuration()
	if !ok {
		return nil
	}
	return n.filterAlive(cfg.ListPeers())
}

func (n *Node) ListAliveLearners() []raft.PeerId {
	cfg, ok := n.Configuration()
	if !ok {
		return nil
	}
	return n.filterAlive(cfg.ListLearners())
}

func (n *Node) filterAlive(peers []raft.PeerId) []raft.PeerId {
	n.mu.RLock()
	replicators := make(map[raft.PeerId]*replicator.Replicator, len(n.replicators))
	for p, r := range n.replicators {
		replicators[p] = r
	}
	n.mu.RUnlock()

	alive := make([]raft.PeerId, 0, len(peers))
	for _, p := range peers {
		if p == n.opts.Self {
			alive = append(alive, p)
			continue
		}
		if r, ok := replicators[p]; ok && n.isAlive(r) {
			alive = append(alive, p)
		}
	}
	return alive
}

// Propose appends command to the log as a leader. Returns the
// assigned index and a channel that receives the apply result once
// the entry is committed and applied (or an error if the node steps
// down first). Returns ErrNotLeader immediately if this node is not
// currently leader.
func (n *Node) Propose(command []byte) (uint64, <-chan error, error) {
	n.mu.Lock()
	if n.role != RoleLeader {
		n.mu.Unlock()
		return 0, nil, raft.ErrNotLeader
	}
	cfg, _ := n.confMgr.Current()
	index := n.log.LastLogIndex() + 1
	entry := raft.LogEntry{
		Id:   raft.LogId{Index: index, Term: n.currentTerm},
		Type: raft.EntryData,
		Data: command,
	}
	n.mu.Unlock()

	if _, err := n.log.AppendEntries([]raft.LogEntry{entry}); err != nil {
		return 0, nil, err
	}

	started := time.Now()
	resultCh := make(chan error, 1)
	ok := n.ballot.AppendPendingTask(cfg, func(err error) {
		n.metrics.ObserveApplyLatency(time.Since(started))
		resultCh <- err
	})
	if !ok {
		return 0, nil, raft.ErrNotLeader
	}
	// The leader's own durable copy counts toward the entry's quorum.
	_ = n.ballot.CommitAt(index, index, n.opts.Self)
	n.signalReplicators()
	return index, resultCh, nil
}

func (n *Node) signalReplicators() {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, r := range n.replicators {
		r.Signal()
	}
}

// ConfirmReadIndex satisfies readonly.QuorumChecker: round-trip a
// ReadIndex request to every voting peer and, once a quorum (including
// self) has acknowledged the leader's current term, return the commit
// index observed at dispatch time as the safe read point.
func (n *Node) ConfirmReadIndex(ctx context.Context) (uint64, error) {
	n.mu.RLock()
	if n.role != RoleLeader {
		n.mu.RUnlock()
		return 0, raft.ErrNotLeader
	}
	term := n.currentTerm
	readAt := n.ballot.LastCommittedIndex()
	cfg, _ := n.confMgr.Current()
	peers := cfg.ListPeers()
	n.mu.RUnlock()

	quorum := cfg.Quorum()
	granted := 1 // self
	if granted >= quorum {
		return readAt, nil
	}

	type ackResult struct{ ok bool; term uint64 }
	results := make(chan ackResult, len(peers))
	corrID := []byte(uuid.NewString())

	for _, p := range peers {
		if p == n.opts.Self {
			continue
		}
		go func(peer raft.PeerId) {
			req := &raft.ReadIndexRequest{
				Header:  raft.NewHeader(n.opts.GroupID, n.opts.Self, term),
				Entries: [][]byte{corrID},
				Timeout: n.opts.RPCTimeout,
			}
			rctx, cancel := context.WithTimeout(ctx, n.opts.RPCTimeout)
			defer cancel()
			resp, err := n.opts.Transport.ReadIndex(rctx, peer, req)
			if err != nil {
				results <- ackResult{ok: false}
				return
			}
			results <- ackResult{ok: resp.Header.Term == term, term: resp.Header.Term}
		}(p)
	}

	for i := 0; i < len(peers)-1; i++ {
		select {
		case r := <-results:
			if r.ok {
				granted++
				if granted >= quorum {
					return readAt, nil
				}
			} else if r.term > term {
				n.NotifyHigherTerm(r.term)
				return 0, raft.ErrStepDown
			}
		case <-ctx.Done():
			n.metrics.IncReadIndexBusy()
			return 0, ctx.Err()
		}
	}
	n.metrics.IncReadIndexBusy()
	return 0, raft.ErrQuorumUnreachable
}

// ReadIndex is the client-facing linearizable read barrier.
func (n *Node) ReadIndex(ctx context.Context) (uint64, error) {
	return n.readSvc.ReadIndex(ctx)
}

// NotifyHigherTerm satisfies replicator.StepDownNotifier: any RPC
// response carrying a higher term forces an immediate step-down,
// mirroring the teacher's Raft.stepDown call sites in
// HandleRequestVote/HandleAppendEntries and startElection's goroutines.
func (n *Node) NotifyHigherTerm(term uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.stepDownLocked(term)
}

// stepDownLocked must be called with mu held.
func (n *Node) stepDownLocked(term uint64) {
	if term <= n.currentTerm {
		return
	}
	wasLeader := n.role == RoleLeader
	n.currentTerm = term
	n.hasVoted = false
	n.role = RoleFollower
	n.resetElectionDeadlineLocked()
	n.metrics.SetRole(n.role.String())

	if wasLeader {
		for _, r := range n.replicators {
			r.Stop()
		}
		n.replicators = make(map[raft.PeerId]*replicator.Replicator)
		go n.ballot.ClearPendingTasks()
	}
}

func randomDuration(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}
