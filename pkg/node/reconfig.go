package node

import (
	"fmt"

	"github.com/raftcore/raftcore/pkg/raft"
)

// ChangePeers proposes moving the group from its current configuration
// to newPeers/newLearners via joint consensus, per spec.md §4.6: first
// a joint configuration entry (old ∪ new, requiring both quorums) is
// proposed; once that commits, a second entry installs the new
// configuration alone. done is invoked once after the SECOND entry
// commits (the point at which the change is fully in effect), mirroring
// the teacher's AddNode/RemoveNode completion style
// (repository_after/pkg/raft/raft.go) generalized from single-peer
// add/remove into an arbitrary joint transition.
func (n *Node) ChangePeers(newPeers, newLearners []raft.PeerId, done func(error)) error {
	n.mu.Lock()
	if n.role != RoleLeader {
		n.mu.Unlock()
		return raft.ErrNotLeader
	}
	old, ok := n.confMgr.Current()
	if !ok {
		n.mu.Unlock()
		return raft.ErrNoConfiguration
	}
	if old.Joint() {
		n.mu.Unlock()
		return raft.ErrJointInProgress
	}
	n.mu.Unlock()

	next := raft.NewConfiguration(newPeers, newLearners)
	oldCopy := old
	joint := next
	joint.Old = &oldCopy

	jointPeers, jointLearners, oldPeers, oldLearners := joint.ToEntryFields()
	jointEntryData := raft.LogEntry{
		Type: raft.EntryConfiguration, Peers: jointPeers, Learners: jointLearners,
		OldPeers: oldPeers, OldLearners: oldLearners,
	}

	_, jointDone, err := n.proposeConfiguration(jointEntryData)
	if err != nil {
		return err
	}
	// New members must receive the joint entry before its new-side
	// quorum can form.
	n.startReplicatorsForNewPeers(next)

	go func() {
		if err := <-jointDone; err != nil {
			if done != nil {
				done(err)
			}
			return
		}

		leavePeers, leaveLearners, _, _ := next.ToEntryFields()
		leaveEntryData := raft.LogEntry{Type: raft.EntryConfiguration, Peers: leavePeers, Learners: leaveLearners}
		_, leaveDone, err := n.proposeConfiguration(leaveEntryData)
		if err != nil {
			if done != nil {
				done(err)
			}
			return
		}
		err = <-leaveDone
		n.stopReplicatorsNotIn(next)
		if done != nil {
			done(err)
		}
	}()
	return nil
}

// AddPeer and RemovePeer are the single-member convenience wrappers
// spec.md §4.6 names explicitly.
func (n *Node) AddPeer(peer raft.PeerId, done func(error)) error {
	cfg, ok := n.confMgr.Current()
	if !ok {
		return raft.ErrNoConfiguration
	}
	peers := append(append([]raft.PeerId{}, cfg.ListPeers()...), peer)
	return n.ChangePeers(peers, cfg.ListLearners(), done)
}

func (n *Node) RemovePeer(peer raft.PeerId, done func(error)) error {
	cfg, ok := n.confMgr.Current()
	if !ok {
		return raft.ErrNoConfiguration
	}
	peers := make([]raft.PeerId, 0, len(cfg.Peers))
	for _, p := range cfg.ListPeers() {
		if p != peer {
			peers = append(peers, p)
		}
	}
	return n.ChangePeers(peers, cfg.ListLearners(), done)
}

// AddLearner and RemoveLearner are the learner-set equivalents of
// AddPeer/RemovePeer: they go through the same joint-consensus path,
// leaving the voting peer set untouched.
func (n *Node) AddLearner(learner raft.PeerId, done func(error)) error {
	cfg, ok := n.confMgr.Current()
	if !ok {
		return raft.ErrNoConfiguration
	}
	learners := append(append([]raft.PeerId{}, cfg.ListLearners()...), learner)
	return n.ChangePeers(cfg.ListPeers(), learners, done)
}

func (n *Node) RemoveLearner(learner raft.PeerId, done func(error)) error {
	cfg, ok := n.confMgr.Current()
	if !ok {
		return raft.ErrNoConfiguration
	}
	learners := make([]raft.PeerId, 0, len(cfg.Learners))
	for _, l := range cfg.ListLearners() {
		if l != learner {
			learners = append(learners, l)
		}
	}
	return n.ChangePeers(cfg.ListPeers(), learners, done)
}

// ResetLearners rewrites the learner set alone via the same joint
// path, leaving the voting peer set untouched. Unlike ResetPeers this
// is ordinary replicated reconfiguration, not an unsafe escape hatch:
// adding or removing learners never changes a quorum's size.
func (n *Node) ResetLearners(learners []raft.PeerId, done func(error)) error {
	cfg, ok := n.confMgr.Current()
	if !ok {
		return raft.ErrNoConfiguration
	}
	return n.ChangePeers(cfg.ListPeers(), learners, done)
}

// ResetPeers is the unsafe admin escape hatch: it rewrites membership
// locally, without replication, and must only be used once a majority
// of the group is permanently lost and no other recovery is possible.
func (n *Node) ResetPeers(cfg raft.Configuration) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.role == RoleLeader {
		return fmt.Errorf("node: ResetPeers refused while this node is leader; step down first")
	}
	index := n.log.LastLogIndex()
	n.confMgr.Reset(index, cfg)
	n.logger.Warn().Str("config", fmt.Sprintf("%+v", cfg.ListPeers())).Msg("node: unsafe ResetPeers applied")
	return nil
}

// proposeConfiguration appends a configuration log entry and registers
// its ballot the same way Propose does for data entries, except the
// entry's own ballot must be evaluated under BOTH the configuration
// it names and (for a joint entry) the old configuration it carries,
// which raft.NewBallot already accounts for via Configuration.Old.
func (n *Node) proposeConfiguration(entry raft.LogEntry) (uint64, <-chan error, error) {
	n.mu.Lock()
	if n.role != RoleLeader {
		n.mu.Unlock()
		return 0, nil, raft.ErrNotLeader
	}
	index := n.log.LastLogIndex() + 1
	entry.Id = raft.LogId{Index: index, Term: n.currentTerm}
	n.mu.Unlock()

	if _, err := n.log.AppendEntries([]raft.LogEntry{entry}); err != nil {
		return 0, nil, err
	}
	n.confMgr.ObserveConfiguration(entry)
	cfg, _ := entry.Configuration()

	resultCh := make(chan error, 1)
	if !n.ballot.AppendPendingTask(cfg, func(err error) { resultCh <- err }) {
		return 0, nil, raft.ErrNotLeader
	}
	n.signalReplicators()
	return index, resultCh, nil
}

// startReplicatorsForNewPeers launches Replicators for any peer in cfg
// that does not already have one (new members joining via the joint
// entry); existing replicators for surviving members are left running.
func (n *Node) startReplicatorsForNewPeers(cfg raft.Configuration) {
	n.mu.Lock()
	term := n.currentTerm
	n.mu.Unlock()
	n.startReplicatorsLocked(cfg, term)
}

// stopReplicatorsNotIn stops and discards Replicators for any peer no
// longer present in cfg, once the leave-joint entry has committed.
func (n *Node) stopReplicatorsNotIn(cfg raft.Configuration) {
	keep := cfg.Peers
	keepLearners := cfg.Learners
	n.mu.Lock()
	defer n.mu.Unlock()
	for peer, r := range n.replicators {
		_, inPeers := keep[peer]
		_, inLearners := keepLearners[peer]
		if !inPeers && !inLearners {
			r.Stop()
			delete(n.replicators, peer)
		}
	}
}
