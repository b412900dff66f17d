package confmanager

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/raftcore/raftcore/pkg/raft"
)

func peer(h string) raft.PeerId { return raft.PeerId{Host: h, Port: 1} }

func TestCurrentAndAt(t *testing.T) {
	m := New()
	cfg1 := raft.NewConfiguration([]raft.PeerId{peer("a"), peer("b"), peer("c")}, nil)
	m.ObserveConfiguration(raft.LogEntry{Id: raft.LogId{Index: 5, Term: 1}, Type: raft.EntryConfiguration, Peers: cfg1.ListPeers()})

	cur, ok := m.Current()
	require.True(t, ok)
	require.Equal(t, 3, len(cur.Peers))

	_, ok = m.At(4)
	require.False(t, ok)
	at5, ok := m.At(10)
	require.True(t, ok)
	require.Equal(t, 3, len(at5.Peers))
}

func TestTruncateSuffixDropsLaterEntries(t *testing.T) {
	m := New()
	m.ObserveConfiguration(raft.LogEntry{Id: raft.LogId{Index: 1, Term: 1}, Type: raft.EntryConfiguration, Peers: []raft.PeerId{peer("a")}})
	m.ObserveConfiguration(raft.LogEntry{Id: raft.LogId{Index: 10, Term: 2}, Type: raft.EntryConfiguration, Peers: []raft.PeerId{peer("a"), peer("b")}})

	m.Truncate(5)
	cur, ok := m.Current()
	require.True(t, ok)
	require.Equal(t, 1, len(cur.Peers))
}

func TestInJoint(t *testing.T) {
	m := New()
	old := raft.NewConfiguration([]raft.PeerId{peer("a"), peer("b"), peer("c")}, nil)
	next := raft.NewConfiguration([]raft.PeerId{peer("c"), peer("d"), peer("e")}, nil)
	joint := next
	joint.Old = &old

	m.ObserveConfiguration(raft.LogEntry{
		Id: raft.LogId{Index: 1, Term: 1}, Type: raft.EntryConfiguration,
		Peers: joint.ListPeers(), OldPeers: old.ListPeers(),
	})
	require.True(t, m.InJoint())
}
