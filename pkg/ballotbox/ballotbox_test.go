package ballotbox

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/raftcore/raftcore/pkg/raft"
)

type fakeFSM struct {
	committed []uint64
	closures  [][]Closure
}

func (f *fakeFSM) OnCommitted(index uint64, closures []Closure) {
	f.committed = append(f.committed, index)
	f.closures = append(f.closures, closures)
}

func peer(h string) raft.PeerId { return raft.PeerId{Host: h, Port: 1} }

func threeNodeCfg() raft.Configuration {
	return raft.NewConfiguration([]raft.PeerId{peer("a"), peer("b"), peer("c")}, nil)
}

func TestCommitAtSimpleQuorum(t *testing.T) {
	fsm := &fakeFSM{}
	b := New(fsm)
	require.NoError(t, b.ResetPendingIndex(1))

	var results []error
	for i := 0; i < 3; i++ {
		i := i
		ok := b.AppendPendingTask(threeNodeCfg(), func(err error) { results = append(results, err) })
		require.True(t, ok)
		_ = i
	}
	// the box counts only explicit grants; simulate two peer acks to reach quorum of 2.
	require.NoError(t, b.CommitAt(1, 3, peer("a")))
	require.Equal(t, uint64(0), b.LastCommittedIndex()) // one grant isn't quorum (need 2 of 3)

	require.NoError(t, b.CommitAt(1, 3, peer("b")))
	require.Equal(t, uint64(3), b.LastCommittedIndex())
	require.Equal(t, []uint64{3}, fsm.committed)
}

func TestCommitAtRejectsOutOfBounds(t *testing.T) {
	fsm := &fakeFSM{}
	b := New(fsm)
	require.NoError(t, b.ResetPendingIndex(1))
	require.True(t, b.AppendPendingTask(threeNodeCfg(), nil))

	err := b.CommitAt(1, 5, peer("a"))
	require.ErrorIs(t, err, raft.ErrSafetyViolation)
}

func TestClearPendingTasksCompletesWithStepDown(t *testing.T) {
	fsm := &fakeFSM{}
	b := New(fsm)
	require.NoError(t, b.ResetPendingIndex(1))

	var got error
	require.True(t, b.AppendPendingTask(threeNodeCfg(), func(err error) { got = err }))
	b.ClearPendingTasks()

	require.ErrorIs(t, got, raft.ErrStepDown)
	require.Equal(t, uint64(0), b.PendingIndex())
	require.Equal(t, 0, b.QueueLen())
}

func TestSetLastCommittedIndexFollowerPath(t *testing.T) {
	fsm := &fakeFSM{}
	b := New(fsm)
	require.NoError(t, b.SetLastCommittedIndex(10))
	require.Equal(t, uint64(10), b.LastCommittedIndex())
	// monotonic: lower values are ignored
	require.NoError(t, b.SetLastCommittedIndex(5))
	require.Equal(t, uint64(10), b.LastCommittedIndex())
}

func TestQuorumShrinkageRetroactiveCommit(t *testing.T) {
	// Removing a peer from a 4-node group can retroactively commit
	// earlier uncommitted entries, per spec.md §4.2's rationale.
	fsm := &fakeFSM{}
	b := New(fsm)
	require.NoError(t, b.ResetPendingIndex(1))

	fourNode := raft.NewConfiguration([]raft.PeerId{peer("a"), peer("b"), peer("c"), peer("d")}, nil)
	require.True(t, b.AppendPendingTask(fourNode, nil)) // index 1, quorum 3
	threeNode := threeNodeCfg()
	require.True(t, b.AppendPendingTask(threeNode, nil)) // index 2, quorum 2

	require.NoError(t, b.CommitAt(1, 2, peer("a")))
	require.Equal(t, uint64(0), b.LastCommittedIndex())
	require.NoError(t, b.CommitAt(1, 2, peer("b")))
	// index 2 (quorum 2 of {a,b,c}) is now granted by a+b; index 1 (quorum 3 of 4) is not.
	require.Equal(t, uint64(2), b.LastCommittedIndex())
}
