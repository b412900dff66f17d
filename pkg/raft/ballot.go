package raft

import "sort"

// Ballot is the per-index quorum tally described in spec.md §3. It
// tracks, for a single pending log index, how many more grants are
// needed from the current configuration's quorum (and, while a joint
// configuration is pending, from the old configuration's quorum) plus
// a bitmap of peers that have already granted so repeat grants from
// the same peer are idempotent.
//
// Peers are held in a deterministic (sorted by PeerId.String) order so
// that a PosHint obtained from one Ballot remains valid on another
// Ballot built from the same configuration, which is the common case:
// BallotBox.CommitAt grants one peer across a contiguous run of
// adjacent pending indices, and every one of those ballots shares the
// configuration the entries were proposed under.
type Ballot struct {
	quorum      int
	oldQuorum   int
	peers       []PeerId
	oldPeers    []PeerId
	granted     []bool
	oldGranted  []bool
	grantedN    int
	oldGrantedN int
}

// PosHint is an opaque cursor returned by Grant. Passing it back into
// the next Grant call for the same peer skips the binary search for
// that peer's position when the two ballots share a peer list (the
// common adjacent-index case), degrading to a plain lookup only on a
// miss.
type PosHint int

// NoHint is the zero value of PosHint: "no cached position".
const NoHint PosHint = -1

func sortedPeers(set map[PeerId]struct{}) []PeerId {
	out := make([]PeerId, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// NewBallot creates a ballot for cfg, the configuration in effect
// when this log index was proposed.
func NewBallot(cfg Configuration) *Ballot {
	b := &Ballot{
		quorum: cfg.Quorum(),
		peers:  sortedPeers(cfg.Peers),
	}
	b.granted = make([]bool, len(b.peers))
	if cfg.Joint() {
		b.oldQuorum = cfg.Old.Quorum()
		b.oldPeers = sortedPeers(cfg.Old.Peers)
		b.oldGranted = make([]bool, len(b.oldPeers))
	}
	return b
}

// locate finds peer's index within peers, trying hint first. It
// returns -1 if peer is not a member.
func locate(peers []PeerId, peer PeerId, hint PosHint) int {
	if hint >= 0 && int(hint) < len(peers) && peers[hint] == peer {
		return int(hint)
	}
	lo, hi := 0, len(peers)
	for lo < hi {
		mid := (lo + hi) / 2
		if peers[mid].String() < peer.String() {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo < len(peers) && peers[lo] == peer {
		return lo
	}
	return -1
}

// Grant records a grant from peer, consulting hint as a cached
// position from a prior Grant call on an adjacent-index ballot for
// the same peer. It returns whether the ballot became fully granted
// as a result of this call (it only returns true exactly once, on the
// transition) and the position hint to carry into the next call.
func (b *Ballot) Grant(peer PeerId, hint PosHint) (bool, PosHint) {
	before := b.Granted()
	next := NoHint

	if pos := locate(b.peers, peer, hint); pos >= 0 {
		if !b.granted[pos] {
			b.granted[pos] = true
			b.grantedN++
		}
		next = PosHint(pos)
	}
	if b.oldPeers != nil {
		if pos := locate(b.oldPeers, peer, hint); pos >= 0 {
			if !b.oldGranted[pos] {
				b.oldGranted[pos] = true
				b.oldGrantedN++
			}
			if next == NoHint {
				next = PosHint(pos)
			}
		}
	}
	return !before && b.Granted(), next
}

// Granted reports whether both the current quorum (and the old
// quorum, if joint) have been reached.
func (b *Ballot) Granted() bool {
	if b.grantedN < b.quorum {
		return false
	}
	if b.oldQuorum > 0 && b.oldGrantedN < b.oldQuorum {
		return false
	}
	return true
}
