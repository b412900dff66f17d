package raft

// Configuration is an unordered set of voting peers plus an unordered
// set of learners. When Old is non-nil the configuration is "joint":
// commits require quorum in both the current and the old peer sets.
type Configuration struct {
	Peers    map[PeerId]struct{}
	Learners map[PeerId]struct{}
	Old      *Configuration
}

// NewConfiguration builds a simple (non-joint) configuration from peer lists.
func NewConfiguration(peers, learners []PeerId) Configuration {
	return Configuration{
		Peers:    peerSet(peers),
		Learners: peerSet(learners),
	}
}

// Joint reports whether this configuration is a transitional joint configuration.
func (c Configuration) Joint() bool {
	return c.Old != nil
}

// ContainsPeer reports whether id votes in the current configuration.
func (c Configuration) ContainsPeer(id PeerId) bool {
	_, ok := c.Peers[id]
	return ok
}

// ListPeers returns the voting peers of the current configuration.
func (c Configuration) ListPeers() []PeerId {
	out := make([]PeerId, 0, len(c.Peers))
	for p := range c.Peers {
		out = append(out, p)
	}
	return out
}

// ListLearners returns the learners of the current configuration.
func (c Configuration) ListLearners() []PeerId {
	out := make([]PeerId, 0, len(c.Learners))
	for p := range c.Learners {
		out = append(out, p)
	}
	return out
}

// Quorum returns the number of grants required from the current peer
// set to reach quorum: floor(n/2)+1.
func (c Configuration) Quorum() int {
	return len(c.Peers)/2 + 1
}

// OldQuorum returns the quorum size of the old peer set, or 0 when
// this configuration is not joint.
func (c Configuration) OldQuorum() int {
	if c.Old == nil {
		return 0
	}
	return c.Old.Quorum()
}

// ToEntryFields flattens the configuration (and its Old half, if
// joint) into the slice fields LogEntry stores.
func (c Configuration) ToEntryFields() (peers, learners, oldPeers, oldLearners []PeerId) {
	peers = c.ListPeers()
	learners = c.ListLearners()
	if c.Old != nil {
		oldPeers = c.Old.ListPeers()
		oldLearners = c.Old.ListLearners()
	}
	return
}
