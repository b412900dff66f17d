// Package confmanager implements spec.md's ConfigurationManager: the
// in-memory history of configuration changes observed in the log,
// generalizing the teacher's pkg/cluster membership map to track
// joint configurations and snapshot/restore the way LogStorage replay
// requires.
package confmanager

import (
	"sort"
	"sync"

	"github.com/raftcore/raftcore/pkg/raft"
)

// entry pairs a configuration with the log index it took effect at.
type entry struct {
	index uint64
	conf  raft.Configuration
}

// Manager tracks every configuration entry observed in the log, in
// index order, and answers "what configuration is in effect at index
// i" queries used by the Ballot allocated for that index.
type Manager struct {
	mu      sync.RWMutex
	history []entry
}

func New() *Manager {
	return &Manager{}
}

// ObserveConfiguration records a configuration entry. LogStorage calls
// this during init's replay of the conf column family; Node calls it
// live as configuration entries are appended.
func (m *Manager) ObserveConfiguration(e raft.LogEntry) {
	cfg, ok := e.Configuration()
	if !ok {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, entry{index: e.Id.Index, conf: cfg})
	sort.Slice(m.history, func(i, j int) bool { return m.history[i].index < m.history[j].index })
}

// Truncate drops every recorded entry with index > lastIndexKept,
// mirroring LogStorage.TruncateSuffix on conflict resolution.
func (m *Manager) Truncate(lastIndexKept uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := len(m.history)
	for i > 0 && m.history[i-1].index > lastIndexKept {
		i--
	}
	m.history = m.history[:i]
}

// TruncatePrefix drops every recorded entry with index < firstIndexKept,
// except it always keeps the last entry at or before firstIndexKept so
// "configuration in effect" queries for indices >= firstIndexKept stay answerable.
func (m *Manager) TruncatePrefix(firstIndexKept uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.history) == 0 {
		return
	}
	keepFrom := 0
	for i, e := range m.history {
		if e.index <= firstIndexKept {
			keepFrom = i
		} else {
			break
		}
	}
	m.history = m.history[keepFrom:]
}

// Current returns the latest known configuration, or false if none
// has ever been observed.
func (m *Manager) Current() (raft.Configuration, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.history) == 0 {
		return raft.Configuration{}, false
	}
	return m.history[len(m.history)-1].conf, true
}

// At returns the configuration in effect at index: the latest
// recorded configuration with entry index <= index.
func (m *Manager) At(index uint64) (raft.Configuration, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var found raft.Configuration
	ok := false
	for _, e := range m.history {
		if e.index > index {
			break
		}
		found, ok = e.conf, true
	}
	return found, ok
}

// Reset installs cfg as the sole configuration history entry at
// index, used when a snapshot is installed (pruning all prior
// configuration history) and by the "resetPeers" unsafe admin escape.
func (m *Manager) Reset(index uint64, cfg raft.Configuration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = []entry{{index: index, conf: cfg}}
}

// InJoint reports whether the current (latest) configuration is joint.
func (m *Manager) InJoint() bool {
	cfg, ok := m.Current()
	return ok && cfg.Joint()
}
