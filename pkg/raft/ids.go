// Package raft holds the data model shared by every consensus-core
// package: log identifiers, peer identifiers, configurations, log
// entries and the ballot types used to track quorum acknowledgement.
package raft

import "fmt"

// LogId identifies a log entry by its (index, term) pair. Ordering is
// lexicographic: LogId{0,0} denotes "none".
type LogId struct {
	Index uint64
	Term  uint64
}

// IsNone reports whether this is the zero LogId, spec.md's "none" sentinel.
func (id LogId) IsNone() bool {
	return id.Index == 0 && id.Term == 0
}

// Less reports whether id sorts before other under lexicographic (index, term) order.
func (id LogId) Less(other LogId) bool {
	if id.Index != other.Index {
		return id.Index < other.Index
	}
	return id.Term < other.Term
}

func (id LogId) String() string {
	return fmt.Sprintf("%d@%d", id.Index, id.Term)
}

// PeerId identifies one replica's RPC endpoint, with an optional
// priority (used by leader-transfer preference) and idx (disambiguates
// multiple logical peer roles sharing one endpoint). Two peers are
// equal iff all four fields match.
type PeerId struct {
	Host     string
	Port     int
	Priority int
	Idx      int
}

func (p PeerId) String() string {
	if p.Priority == 0 && p.Idx == 0 {
		return fmt.Sprintf("%s:%d", p.Host, p.Port)
	}
	return fmt.Sprintf("%s:%d:%d:%d", p.Host, p.Port, p.Priority, p.Idx)
}

// Endpoint returns the host:port address used to dial this peer.
func (p PeerId) Endpoint() string {
	return fmt.Sprintf("%s:%d", p.Host, p.Port)
}
