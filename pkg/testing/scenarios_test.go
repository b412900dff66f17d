package testing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raftcore/raftcore/pkg/confmanager"
	"github.com/raftcore/raftcore/pkg/kv"
	"github.com/raftcore/raftcore/pkg/logstorage"
	"github.com/raftcore/raftcore/pkg/node"
	"github.com/raftcore/raftcore/pkg/raft"
)

func defaultOpts() ClusterOptions {
	return ClusterOptions{
		ElectionTimeoutMin: 30 * time.Millisecond,
		ElectionTimeoutMax: 60 * time.Millisecond,
		HeartbeatPeriod:    10 * time.Millisecond,
		RPCTimeout:         100 * time.Millisecond,
	}
}

func mustSet(t *testing.T, key, value, clientID string, reqID uint64) []byte {
	t.Helper()
	cmd, err := kv.EncodeCommand(kv.CommandSet, key, []byte(value), clientID, reqID)
	require.NoError(t, err)
	return cmd
}

// Scenario 1: 3-node happy path.
func TestThreeNodeHappyPath(t *testing.T) {
	c, err := NewCluster(3, defaultOpts())
	require.NoError(t, err)
	defer c.Cleanup()
	c.Start()

	_, err = c.WaitForLeader(3 * time.Second)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Propose(ctx, mustSet(t, "k", "v", "client-1", 1)))

	require.Eventually(t, func() bool {
		for _, s := range c.Stores {
			v, ok := s.Get("k")
			if !ok || string(v) != "v" {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond, "all three FSMs should observe k=v")

	leader := c.Leader()
	require.NotNil(t, leader)
	idx, err := leader.ReadIndex(ctx)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return leader.LastAppliedIndex() >= idx }, time.Second, 5*time.Millisecond)

	ok, violations := NewInvariantChecker().Check(c)
	assert.True(t, ok, "%+v", violations)
}

// Scenario 2: follower restart catch-up.
func TestFollowerRestartCatchUp(t *testing.T) {
	c, err := NewCluster(3, defaultOpts())
	require.NoError(t, err)
	defer c.Cleanup()
	c.Start()

	_, err = c.WaitForLeader(3 * time.Second)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := 0; i < 20; i++ {
		require.NoError(t, c.Propose(ctx, mustSet(t, "k", "v0", "client-1", uint64(i+1))))
	}

	restartIdx := (c.IndexOf(c.Leader()) + 1) % 3
	require.NoError(t, c.RestartNode(restartIdx, defaultOpts()))

	for i := 0; i < 20; i++ {
		require.NoError(t, c.Propose(ctx, mustSet(t, "k", "v1", "client-1", uint64(100+i))))
	}

	leaderApplied := c.Leader().LastAppliedIndex()
	require.Eventually(t, func() bool {
		return c.Nodes[restartIdx].LastAppliedIndex() >= leaderApplied
	}, 3*time.Second, 10*time.Millisecond, "restarted follower should catch up to the leader's applied index")
}

// Scenario 3: leader crash, new leader has every committed entry.
func TestLeaderCrashNewLeaderHasCommittedEntries(t *testing.T) {
	c, err := NewCluster(3, defaultOpts())
	require.NoError(t, err)
	defer c.Cleanup()
	c.Start()

	_, err = c.WaitForLeader(3 * time.Second)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := 0; i < 10; i++ {
		require.NoError(t, c.Propose(ctx, mustSet(t, "k", "v", "client-1", uint64(i+1))))
	}

	oldLeader := c.Leader()
	oldIdx := c.IndexOf(oldLeader)
	committedBeforeCrash := oldLeader.CommitIndex()
	oldLeader.Stop()
	c.Network.Partition(c.Peers[oldIdx])

	newLeader, err := c.WaitForNewLeader(oldIdx, 3*time.Second)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return newLeader.Log().LastLogIndex() >= committedBeforeCrash
	}, 2*time.Second, 10*time.Millisecond)

	for idx := uint64(1); idx <= committedBeforeCrash; idx++ {
		_, ok := newLeader.Log().GetEntry(idx)
		assert.True(t, ok, "new leader must retain entry %d committed before the old leader crashed", idx)
	}
}

// Scenario 4: read-index behavior when a quorum of acknowledgements
// cannot be gathered. This exercises ConfirmReadIndex's own failure
// mode (ErrQuorumUnreachable/context deadline); readonly.Service's
// separate MaxReadIndexLag fail-fast (pkg/readonly/readonly_test.go)
// covers the apply-lag case — see DESIGN.md.
func TestReadIndexFailsUnderPartitionThenSucceeds(t *testing.T) {
	c, err := NewCluster(3, defaultOpts())
	require.NoError(t, err)
	defer c.Cleanup()
	c.Start()

	_, err = c.WaitForLeader(3 * time.Second)
	require.NoError(t, err)
	leader := c.Leader()
	leaderIdx := c.IndexOf(leader)

	for i, p := range c.Peers {
		if i != leaderIdx {
			c.Network.PartitionBetween(c.Peers[leaderIdx], p)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_, err = leader.ReadIndex(ctx)
	assert.Error(t, err, "read-index should fail once the leader cannot reach a quorum")

	c.HealPartition()

	ctx2, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	require.Eventually(t, func() bool {
		_, err := c.Leader().ReadIndex(ctx2)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond, "read-index should succeed again once the partition heals")
}

// Scenario 5: joint consensus reconfiguration.
func TestJointReconfiguration(t *testing.T) {
	c, err := NewCluster(3, defaultOpts())
	require.NoError(t, err)
	defer c.Cleanup()
	c.Start()

	leader, err := c.WaitForLeader(3 * time.Second)
	require.NoError(t, err)

	d := raft.PeerId{Host: "n3", Port: 4}
	e := raft.PeerId{Host: "n4", Port: 5}
	opts := defaultOpts()

	for _, p := range []raft.PeerId{d, e} {
		log, err := logstorage.Open(logstorage.Options{Path: t.TempDir() + "/" + p.String() + ".db"})
		require.NoError(t, err)
		defer log.Close()

		n, err := node.New(node.Options{
			GroupID:            "test",
			Self:               p,
			Log:                log,
			ConfManager:        confmanager.New(),
			StateMachine:       kv.New(),
			Transport:          c.Network.Transport(p),
			ElectionTimeoutMin: opts.ElectionTimeoutMin,
			ElectionTimeoutMax: opts.ElectionTimeoutMax,
			HeartbeatPeriod:    opts.HeartbeatPeriod,
			RPCTimeout:         opts.RPCTimeout,
		})
		require.NoError(t, err)
		c.Network.Register(p, n)
		n.Start()
		defer n.Stop()
	}

	done := make(chan error, 1)
	require.NoError(t, leader.ChangePeers([]raft.PeerId{c.Peers[2], d, e}, nil, func(err error) { done <- err }))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("joint reconfiguration did not complete")
	}

	cfg, ok := leader.Configuration()
	require.True(t, ok)
	assert.False(t, cfg.Joint(), "configuration should have left joint consensus")
	_, hasD := cfg.Peers[d]
	assert.True(t, hasD)
}

// Scenario 6: truncate-suffix on a conflicting AppendEntries.
func TestTruncateSuffixOnConflict(t *testing.T) {
	self := raft.PeerId{Host: "follower", Port: 1}
	leaderID := raft.PeerId{Host: "leader", Port: 2}
	log, err := logstorage.Open(logstorage.Options{Path: t.TempDir() + "/follower.db"})
	require.NoError(t, err)
	defer log.Close()

	n, err := node.New(node.Options{
		GroupID:      "test",
		Self:         self,
		InitialConf:  raft.NewConfiguration([]raft.PeerId{self, leaderID}, nil),
		Log:          log,
		ConfManager:  confmanager.New(),
		StateMachine: kv.New(),
		Transport:    noTransport{},
	})
	require.NoError(t, err)

	var entries []raft.LogEntry
	for i := uint64(1); i <= 50; i++ {
		entries = append(entries, raft.LogEntry{Id: raft.LogId{Index: i, Term: 3}, Type: raft.EntryData, Data: []byte("old")})
	}
	_, err = log.AppendEntries(entries)
	require.NoError(t, err)

	var replacement []raft.LogEntry
	for i := uint64(40); i <= 50; i++ {
		replacement = append(replacement, raft.LogEntry{Id: raft.LogId{Index: i, Term: 4}, Type: raft.EntryData, Data: []byte("new")})
	}

	resp := n.HandleAppendEntries(&raft.AppendEntriesRequest{
		Header:    raft.NewHeader("test", leaderID, 4),
		LeaderId:  leaderID,
		PrevLogId: raft.LogId{Index: 39, Term: 3},
		Entries:   replacement,
	})
	require.True(t, resp.Success)

	for i := uint64(40); i <= 50; i++ {
		entry, ok := log.GetEntry(i)
		require.True(t, ok)
		assert.Equal(t, uint64(4), entry.Id.Term)
		assert.Equal(t, "new", string(entry.Data))
	}
	for i := uint64(1); i < 40; i++ {
		entry, ok := log.GetEntry(i)
		require.True(t, ok)
		assert.Equal(t, uint64(3), entry.Id.Term)
	}
}

// noTransport is a Transport that is never invoked: the single-node
// HandleAppendEntries call in TestTruncateSuffixOnConflict never
// triggers outbound RPCs of its own.
type noTransport struct{}

func (noTransport) RequestVote(context.Context, raft.PeerId, *raft.RequestVoteRequest) (*raft.RequestVoteResponse, error) {
	panic("unused")
}
func (noTransport) AppendEntries(context.Context, raft.PeerId, *raft.AppendEntriesRequest) (*raft.AppendEntriesResponse, error) {
	panic("unused")
}
func (noTransport) InstallSnapshot(context.Context, raft.PeerId, *raft.InstallSnapshotRequest) (*raft.InstallSnapshotResponse, error) {
	panic("unused")
}
func (noTransport) ReadIndex(context.Context, raft.PeerId, *raft.ReadIndexRequest) (*raft.ReadIndexResponse, error) {
	panic("unused")
}
func (noTransport) TimeoutNow(context.Context, raft.PeerId, *raft.TimeoutNowRequest) (*raft.TimeoutNowResponse, error) {
	panic("unused")
}
