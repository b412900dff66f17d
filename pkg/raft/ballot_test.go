package raft

import "testing"

func peers(names ...string) []PeerId {
	out := make([]PeerId, len(names))
	for i, n := range names {
		out[i] = PeerId{Host: n, Port: 1}
	}
	return out
}

func TestBallotGrantsSimpleQuorum(t *testing.T) {
	cfg := NewConfiguration(peers("a", "b", "c"), nil)
	b := NewBallot(cfg)

	if full, _ := b.Grant(PeerId{Host: "a", Port: 1}, NoHint); full {
		t.Fatal("should not be granted after one of three")
	}
	full, _ := b.Grant(PeerId{Host: "b", Port: 1}, NoHint)
	if !full {
		t.Fatal("should be granted once quorum (2 of 3) reached")
	}
	if !b.Granted() {
		t.Fatal("Granted should remain true")
	}
}

func TestBallotGrantIsIdempotentPerPeer(t *testing.T) {
	cfg := NewConfiguration(peers("a", "b", "c"), nil)
	b := NewBallot(cfg)

	b.Grant(PeerId{Host: "a", Port: 1}, NoHint)
	if full, _ := b.Grant(PeerId{Host: "a", Port: 1}, NoHint); full {
		t.Fatal("repeat grant from the same peer must not double count")
	}
}

func TestBallotGrantTransitionsExactlyOnce(t *testing.T) {
	cfg := NewConfiguration(peers("a", "b", "c"), nil)
	b := NewBallot(cfg)

	b.Grant(PeerId{Host: "a", Port: 1}, NoHint)
	full, hint := b.Grant(PeerId{Host: "b", Port: 1}, NoHint)
	if !full {
		t.Fatal("expected quorum reached on second distinct grant")
	}
	if full, _ := b.Grant(PeerId{Host: "c", Port: 1}, hint); full {
		t.Fatal("Grant must only report the transition once")
	}
}

func TestBallotHintAcceleratesAdjacentIndexGrants(t *testing.T) {
	cfg := NewConfiguration(peers("a", "b", "c", "d", "e"), nil)
	b1 := NewBallot(cfg)
	b2 := NewBallot(cfg)

	peer := PeerId{Host: "c", Port: 1}
	_, hint := b1.Grant(peer, NoHint)

	// A hint obtained from one ballot should locate the same peer in
	// another ballot built off the same configuration (the adjacent
	// pending-index case BallotBox.CommitAt drives).
	full, _ := b2.Grant(peer, hint)
	if full {
		t.Fatal("a single grant of 5 should not reach quorum (3)")
	}
	if !b2.granted[int(hint)] {
		t.Fatal("hinted Grant did not mark the expected position")
	}
}

func TestBallotJointRequiresBothQuorums(t *testing.T) {
	oldCfg := NewConfiguration(peers("a", "b", "c"), nil)
	newCfg := NewConfiguration(peers("c", "d", "e"), nil)
	joint := newCfg
	joint.Old = &oldCfg
	b := NewBallot(joint)

	// c is in both sets; granting it alone should not satisfy either quorum.
	if full, _ := b.Grant(PeerId{Host: "c", Port: 1}, NoHint); full {
		t.Fatal("single shared peer should not satisfy a joint quorum")
	}
	if full, _ := b.Grant(PeerId{Host: "d", Port: 1}, NoHint); full {
		t.Fatal("new quorum reached but old quorum is still short")
	}
	if full, _ := b.Grant(PeerId{Host: "a", Port: 1}, NoHint); !full {
		t.Fatal("both quorums should now be satisfied")
	}
}

func TestBallotGrantFromNonMemberIsIgnored(t *testing.T) {
	cfg := NewConfiguration(peers("a", "b", "c"), nil)
	b := NewBallot(cfg)

	full, hint := b.Grant(PeerId{Host: "stranger", Port: 1}, NoHint)
	if full {
		t.Fatal("a non-member grant must never satisfy quorum")
	}
	if hint != NoHint {
		t.Fatal("a non-member grant should not produce a usable hint")
	}
}
