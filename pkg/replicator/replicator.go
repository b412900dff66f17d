// Package replicator implements spec.md §4.4: one Replicator per
// follower peer, pipelining AppendEntries RPCs and falling back to
// snapshot installation when a follower has fallen too far behind.
// Grounded in the teacher's Raft.replicateToFollower/sendHeartbeats
// (repository_after/pkg/raft/raft.go) generalized from an inline
// per-tick method into a standalone goroutine-per-peer worker, the
// signal-driven idiom yusong-yan-MultiRaft's replicate.go uses
// (tryAppendCond per peer) in place of a condition variable.
package replicator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/raftcore/raftcore/pkg/raft"
)

// LogReader is the subset of logstorage.Storage a Replicator needs.
type LogReader interface {
	GetEntry(index uint64) (raft.LogEntry, bool)
	GetTerm(index uint64) uint64
	LastLogIndex() uint64
	FirstLogIndex() uint64
}

// Transport sends the two RPCs a Replicator issues. pkg/transport
// implements this over gRPC; tests use an in-process fake.
type Transport interface {
	AppendEntries(ctx context.Context, peer raft.PeerId, req *raft.AppendEntriesRequest) (*raft.AppendEntriesResponse, error)
	InstallSnapshot(ctx context.Context, peer raft.PeerId, req *raft.InstallSnapshotRequest) (*raft.InstallSnapshotResponse, error)
}

// CommitTracker is ballotbox.Box's CommitAt, declared locally to avoid
// an import cycle.
type CommitTracker interface {
	CommitAt(first, last uint64, peer raft.PeerId) error
}

// StepDownNotifier is invoked when a response reveals a higher term;
// Node implements this to trigger its own step-down path.
type StepDownNotifier interface {
	NotifyHigherTerm(term uint64)
}

// SnapshotSource provides the bytes and metadata for an
// InstallSnapshot RPC when a follower's nextIndex falls before the
// log's retained prefix.
type SnapshotSource interface {
	LatestSnapshot() (data []byte, lastIncludedIndex, lastIncludedTerm uint64, conf raft.Configuration, ok bool)
}

// Options configures a Replicator.
type Options struct {
	GroupID          string
	Self             raft.PeerId
	Peer             raft.PeerId
	Term             uint64
	Log              LogReader
	Transport        Transport
	Commit           CommitTracker
	StepDown         StepDownNotifier
	Snapshots        SnapshotSource
	HeartbeatPeriod  time.Duration
	RPCTimeout       time.Duration
	MaxEntriesPerRPC int
	CommitIndex      func() uint64
	Logger           zerolog.Logger
}

// Replicator drives one follower: heartbeats on a timer, and
// additional replication rounds whenever Signal is called (a new
// entry was appended locally). Safe for concurrent Signal/Stop calls.
type Replicator struct {
	opts Options

	nextIndex  atomic.Uint64
	matchIndex atomic.Uint64
	lastAckUnixNano atomic.Int64

	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup

	paused atomic.Bool
}

func New(opts Options) *Replicator {
	if opts.HeartbeatPeriod <= 0 {
		opts.HeartbeatPeriod = 100 * time.Millisecond
	}
	if opts.RPCTimeout <= 0 {
		opts.RPCTimeout = 200 * time.Millisecond
	}
	if opts.MaxEntriesPerRPC <= 0 {
		opts.MaxEntriesPerRPC = 512
	}
	r := &Replicator{
		opts: opts,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	r.nextIndex.Store(opts.Log.LastLogIndex() + 1)
	r.wg.Add(1)
	go r.loop()
	return r
}

// Signal requests an extra replication round outside the heartbeat
// cadence, e.g. right after a new entry is appended locally.
func (r *Replicator) Signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// MatchIndex is the highest index known durable on the peer.
func (r *Replicator) MatchIndex() uint64 { return r.matchIndex.Load() }

// NextIndex is the next index this Replicator will attempt to send.
func (r *Replicator) NextIndex() uint64 { return r.nextIndex.Load() }

// LastAck is the local time of the last successful AppendEntries or
// InstallSnapshot response from this peer, the zero Time if none has
// ever arrived. Node.ListAlivePeers uses this to decide liveness.
func (r *Replicator) LastAck() time.Time {
	nanos := r.lastAckUnixNano.Load()
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}

// Stop halts the replication goroutine.
func (r *Replicator) Stop() {
	close(r.done)
	r.wg.Wait()
}

func (r *Replicator) loop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.opts.HeartbeatPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.round()
		case <-r.wake:
			r.round()
		}
	}
}

// round sends a single AppendEntries (possibly empty, i.e. a
// heartbeat) or InstallSnapshot RPC and applies the response.
func (r *Replicator) round() {
	if r.paused.Load() {
		return
	}

	next := r.nextIndex.Load()
	if next <= r.opts.Log.FirstLogIndex() && next > 1 {
		r.sendSnapshot()
		return
	}

	prevLogIndex := next - 1
	prevLogTerm := r.opts.Log.GetTerm(prevLogIndex)

	entries := r.collectEntries(next)

	var committed uint64
	if r.opts.CommitIndex != nil {
		committed = r.opts.CommitIndex()
	}

	req := &raft.AppendEntriesRequest{
		Header:       raft.NewHeader(r.opts.GroupID, r.opts.Self, r.opts.Term),
		LeaderId:     r.opts.Self,
		PrevLogId:    raft.LogId{Index: prevLogIndex, Term: prevLogTerm},
		Entries:      entries,
		CommittedIdx: committed,
		Timeout:      r.opts.RPCTimeout,
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.opts.RPCTimeout)
	resp, err := r.opts.Transport.AppendEntries(ctx, r.opts.Peer, req)
	cancel()
	if err != nil {
		r.opts.Logger.Debug().Err(err).Str("peer", r.opts.Peer.String()).Msg("replicator: append entries rpc failed")
		return
	}

	if resp.Header.Term > r.opts.Term {
		if r.opts.StepDown != nil {
			r.opts.StepDown.NotifyHigherTerm(resp.Header.Term)
		}
		r.paused.Store(true)
		return
	}

	if resp.Success {
		r.lastAckUnixNano.Store(time.Now().UnixNano())
		if len(entries) > 0 {
			newMatch := entries[len(entries)-1].Id.Index
			r.matchIndex.Store(newMatch)
			r.nextIndex.Store(newMatch + 1)
			if r.opts.Commit != nil {
				_ = r.opts.Commit.CommitAt(next, newMatch, r.opts.Peer)
			}
			r.Signal() // more entries may be waiting behind this batch
		}
		return
	}

	if resp.ConflictIndex > 0 {
		r.nextIndex.Store(resp.ConflictIndex)
	} else if next > 1 {
		r.nextIndex.Store(next - 1)
	}
}

func (r *Replicator) collectEntries(start uint64) []raft.LogEntry {
	last := r.opts.Log.LastLogIndex()
	if start > last {
		return nil
	}
	end := last
	if end-start+1 > uint64(r.opts.MaxEntriesPerRPC) {
		end = start + uint64(r.opts.MaxEntriesPerRPC) - 1
	}
	entries := make([]raft.LogEntry, 0, end-start+1)
	for idx := start; idx <= end; idx++ {
		e, ok := r.opts.Log.GetEntry(idx)
		if !ok {
			break
		}
		entries = append(entries, e)
	}
	return entries
}

func (r *Replicator) sendSnapshot() {
	if r.opts.Snapshots == nil {
		return
	}
	data, lastIndex, lastTerm, conf, ok := r.opts.Snapshots.LatestSnapshot()
	if !ok {
		return
	}

	req := &raft.InstallSnapshotRequest{
		Header:        raft.NewHeader(r.opts.GroupID, r.opts.Self, r.opts.Term),
		LeaderId:      r.opts.Self,
		LastIncluded:  raft.LogId{Index: lastIndex, Term: lastTerm},
		Configuration: conf,
		Data:          data,
		Timeout:       r.opts.RPCTimeout,
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.opts.RPCTimeout)
	resp, err := r.opts.Transport.InstallSnapshot(ctx, r.opts.Peer, req)
	cancel()
	if err != nil {
		r.opts.Logger.Debug().Err(err).Str("peer", r.opts.Peer.String()).Msg("replicator: install snapshot rpc failed")
		return
	}
	if resp.Header.Term > r.opts.Term {
		if r.opts.StepDown != nil {
			r.opts.StepDown.NotifyHigherTerm(resp.Header.Term)
		}
		r.paused.Store(true)
		return
	}
	if resp.Success {
		r.lastAckUnixNano.Store(time.Now().UnixNano())
		r.matchIndex.Store(lastIndex)
		r.nextIndex.Store(lastIndex + 1)
	}
}
