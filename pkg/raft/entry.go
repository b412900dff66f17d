package raft

// EntryType distinguishes the three kinds of log entry the spec names:
// a leadership anchor, a user command, and a membership change.
type EntryType int

const (
	EntryNoOp EntryType = iota
	EntryData
	EntryConfiguration
)

func (t EntryType) String() string {
	switch t {
	case EntryNoOp:
		return "NO_OP"
	case EntryData:
		return "DATA"
	case EntryConfiguration:
		return "CONFIGURATION"
	default:
		return "UNKNOWN"
	}
}

// LogEntry is the immutable unit of replication. Two entries at the
// same index sharing a term must be byte-identical (Log Matching
// Property) — callers must never mutate an entry obtained from
// LogStorage in place.
type LogEntry struct {
	Id   LogId
	Type EntryType

	// Data carries the opaque command bytes for EntryData entries.
	Data []byte

	// Peers/Learners/OldPeers/OldLearners are populated only for
	// EntryConfiguration entries; OldPeers/OldLearners are non-nil
	// only while the entry represents a joint configuration.
	Peers       []PeerId
	Learners    []PeerId
	OldPeers    []PeerId
	OldLearners []PeerId

	// Checksum is an optional codec-computed integrity value; the
	// storage layer never interprets it beyond round-tripping it.
	Checksum uint32
}

// Configuration returns the Configuration this entry carries, or
// false if this is not an EntryConfiguration entry.
func (e LogEntry) Configuration() (Configuration, bool) {
	if e.Type != EntryConfiguration {
		return Configuration{}, false
	}
	cfg := Configuration{
		Peers:    peerSet(e.Peers),
		Learners: peerSet(e.Learners),
	}
	if e.OldPeers != nil || e.OldLearners != nil {
		old := Configuration{
			Peers:    peerSet(e.OldPeers),
			Learners: peerSet(e.OldLearners),
		}
		cfg.Old = &old
	}
	return cfg, true
}

func peerSet(ids []PeerId) map[PeerId]struct{} {
	s := make(map[PeerId]struct{}, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}
