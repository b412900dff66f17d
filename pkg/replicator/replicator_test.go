package replicator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/raftcore/raftcore/pkg/raft"
)

type fakeLog struct {
	mu      sync.RWMutex
	entries map[uint64]raft.LogEntry
	first   uint64
	last    uint64
}

func newFakeLog() *fakeLog { return &fakeLog{entries: map[uint64]raft.LogEntry{}, first: 1} }

func (f *fakeLog) append(e raft.LogEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[e.Id.Index] = e
	if e.Id.Index > f.last {
		f.last = e.Id.Index
	}
}

func (f *fakeLog) GetEntry(index uint64) (raft.LogEntry, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	e, ok := f.entries[index]
	return e, ok
}
func (f *fakeLog) GetTerm(index uint64) uint64 {
	e, ok := f.GetEntry(index)
	if !ok {
		return 0
	}
	return e.Id.Term
}
func (f *fakeLog) LastLogIndex() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.last
}
func (f *fakeLog) FirstLogIndex() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.first
}

type fakeTransport struct {
	mu       sync.Mutex
	success  bool
	term     uint64
	lastReq  *raft.AppendEntriesRequest
	snapReq  *raft.InstallSnapshotRequest
	snapOK   bool
	callsCh  chan struct{}
}

func (t *fakeTransport) AppendEntries(ctx context.Context, peer raft.PeerId, req *raft.AppendEntriesRequest) (*raft.AppendEntriesResponse, error) {
	t.mu.Lock()
	t.lastReq = req
	t.mu.Unlock()
	if t.callsCh != nil {
		select {
		case t.callsCh <- struct{}{}:
		default:
		}
	}
	return &raft.AppendEntriesResponse{
		Header:  raft.NewHeader(req.GroupId, peer, t.term),
		Success: t.success,
	}, nil
}

func (t *fakeTransport) InstallSnapshot(ctx context.Context, peer raft.PeerId, req *raft.InstallSnapshotRequest) (*raft.InstallSnapshotResponse, error) {
	t.mu.Lock()
	t.snapReq = req
	t.mu.Unlock()
	return &raft.InstallSnapshotResponse{
		Header:  raft.NewHeader(req.GroupId, peer, t.term),
		Success: t.snapOK,
	}, nil
}

type fakeCommit struct {
	mu    sync.Mutex
	calls []uint64
}

func (c *fakeCommit) CommitAt(first, last uint64, peer raft.PeerId) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, last)
	return nil
}

func waitForCall(t *testing.T, ch chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("no AppendEntries call observed before deadline")
	}
}

func TestReplicatorAdvancesMatchIndexOnSuccess(t *testing.T) {
	log := newFakeLog()
	log.append(raft.LogEntry{Id: raft.LogId{Index: 1, Term: 1}, Type: raft.EntryData, Data: []byte("x")})

	tr := &fakeTransport{success: true, callsCh: make(chan struct{}, 4)}
	commit := &fakeCommit{}

	r := New(Options{
		GroupID:         "g1",
		Self:            raft.PeerId{Host: "leader", Port: 1},
		Peer:            raft.PeerId{Host: "follower", Port: 1},
		Term:            1,
		Log:             log,
		Transport:       tr,
		Commit:          commit,
		HeartbeatPeriod: 20 * time.Millisecond,
		RPCTimeout:      50 * time.Millisecond,
	})
	defer r.Stop()

	r.Signal()
	waitForCall(t, tr.callsCh)

	require.Eventually(t, func() bool { return r.MatchIndex() == 1 }, time.Second, 5*time.Millisecond)
	commit.mu.Lock()
	require.Contains(t, commit.calls, uint64(1))
	commit.mu.Unlock()
}

func TestReplicatorStampsLastAckOnSuccess(t *testing.T) {
	log := newFakeLog()
	log.append(raft.LogEntry{Id: raft.LogId{Index: 1, Term: 1}, Type: raft.EntryData, Data: []byte("x")})

	tr := &fakeTransport{success: true, callsCh: make(chan struct{}, 4)}
	r := New(Options{
		GroupID:         "g1",
		Self:            raft.PeerId{Host: "leader", Port: 1},
		Peer:            raft.PeerId{Host: "follower", Port: 1},
		Term:            1,
		Log:             log,
		Transport:       tr,
		HeartbeatPeriod: 20 * time.Millisecond,
		RPCTimeout:      50 * time.Millisecond,
	})
	defer r.Stop()

	require.True(t, r.LastAck().IsZero())

	r.Signal()
	waitForCall(t, tr.callsCh)
	require.Eventually(t, func() bool { return !r.LastAck().IsZero() }, time.Second, 5*time.Millisecond)
}

type fakeSnapshotSource struct {
	data  []byte
	index uint64
	term  uint64
	conf  raft.Configuration
	ok    bool
}

func (s *fakeSnapshotSource) LatestSnapshot() ([]byte, uint64, uint64, raft.Configuration, bool) {
	return s.data, s.index, s.term, s.conf, s.ok
}

func TestReplicatorSendsSnapshotWhenFollowerBehindRetainedPrefix(t *testing.T) {
	log := newFakeLog()
	log.first = 10
	log.last = 10
	log.append(raft.LogEntry{Id: raft.LogId{Index: 10, Term: 2}, Type: raft.EntryData, Data: []byte("x")})

	tr := &fakeTransport{snapOK: true}
	snaps := &fakeSnapshotSource{
		data:  []byte("snapshot-bytes"),
		index: 9,
		term:  2,
		conf:  raft.NewConfiguration([]raft.PeerId{{Host: "leader", Port: 1}, {Host: "follower", Port: 1}}, nil),
		ok:    true,
	}

	r := New(Options{
		GroupID:         "g1",
		Self:            raft.PeerId{Host: "leader", Port: 1},
		Peer:            raft.PeerId{Host: "follower", Port: 1},
		Term:            2,
		Log:             log,
		Transport:       tr,
		Snapshots:       snaps,
		HeartbeatPeriod: 20 * time.Millisecond,
		RPCTimeout:      50 * time.Millisecond,
	})
	defer r.Stop()
	r.nextIndex.Store(3) // behind FirstLogIndex(10): the prefix this follower needs has been truncated

	r.Signal()

	require.Eventually(t, func() bool {
		tr.mu.Lock()
		defer tr.mu.Unlock()
		return tr.snapReq != nil
	}, time.Second, 5*time.Millisecond)

	tr.mu.Lock()
	require.Equal(t, uint64(9), tr.snapReq.LastIncluded.Index)
	require.Equal(t, []byte("snapshot-bytes"), tr.snapReq.Data)
	tr.mu.Unlock()

	require.Eventually(t, func() bool { return r.MatchIndex() == 9 }, time.Second, 5*time.Millisecond)
	require.Equal(t, uint64(10), r.NextIndex())
}

func TestReplicatorBacksOffNextIndexOnConflict(t *testing.T) {
	log := newFakeLog()
	log.append(raft.LogEntry{Id: raft.LogId{Index: 1, Term: 1}})
	log.append(raft.LogEntry{Id: raft.LogId{Index: 2, Term: 1}})
	log.last = 2

	tr := &fakeTransport{success: false, callsCh: make(chan struct{}, 4)}
	r := New(Options{
		GroupID:         "g1",
		Self:            raft.PeerId{Host: "leader", Port: 1},
		Peer:            raft.PeerId{Host: "follower", Port: 1},
		Term:            1,
		Log:             log,
		Transport:       tr,
		HeartbeatPeriod: 20 * time.Millisecond,
		RPCTimeout:      50 * time.Millisecond,
	})
	defer r.Stop()
	before := r.NextIndex()

	r.Signal()
	waitForCall(t, tr.callsCh)
	require.Eventually(t, func() bool { return r.NextIndex() < before }, time.Second, 5*time.Millisecond)
}
