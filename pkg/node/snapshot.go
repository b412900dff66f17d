package node

import (
	"sync"

	"github.com/raftcore/raftcore/pkg/raft"
)

// snapshotStore holds the single most recent state-machine snapshot in
// memory, acting as the bridge between fsmcaller.Caller (the producer,
// via SaveSnapshot) and every peer's replicator.Replicator (the
// consumer, via LatestSnapshot) without either package depending on
// the other. A real deployment would persist this to the same bbolt
// file logstorage already uses; keeping it in memory here mirrors how
// pkg/kv keeps its own state in memory and leaves durability to the
// log/snapshot pair rather than duplicating it.
type snapshotStore struct {
	mu     sync.RWMutex
	data   []byte
	index  uint64
	term   uint64
	conf   raft.Configuration
	hasAny bool
}

func newSnapshotStore() *snapshotStore {
	return &snapshotStore{}
}

// SaveSnapshot satisfies fsmcaller.Snapshotter.
func (s *snapshotStore) SaveSnapshot(data []byte, lastIncludedIndex, lastIncludedTerm uint64, conf raft.Configuration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hasAny && lastIncludedIndex < s.index {
		return
	}
	s.data = data
	s.index = lastIncludedIndex
	s.term = lastIncludedTerm
	s.conf = conf
	s.hasAny = true
}

// LatestSnapshot satisfies replicator.SnapshotSource.
func (s *snapshotStore) LatestSnapshot() (data []byte, lastIncludedIndex, lastIncludedTerm uint64, conf raft.Configuration, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.hasAny {
		return nil, 0, 0, raft.Configuration{}, false
	}
	return s.data, s.index, s.term, s.conf, true
}
