// Package simulation provides an in-process, fault-injecting
// pkg/node.Transport, generalizing the teacher's pkg/simulation/network.go
// (built around the old raft.Raft/string-node-id world) onto this
// repo's raft.PeerId-addressed Node and its five-method Transport
// interface.
package simulation

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/raftcore/raftcore/pkg/raft"
)

// RaftServer is the subset of *node.Node this package dispatches
// delivered messages to; declared locally to avoid an import cycle
// with pkg/node (which in turn would need to import this package to
// build its tests).
type RaftServer interface {
	HandleRequestVote(req *raft.RequestVoteRequest) *raft.RequestVoteResponse
	HandleAppendEntries(req *raft.AppendEntriesRequest) *raft.AppendEntriesResponse
	HandleInstallSnapshot(req *raft.InstallSnapshotRequest) *raft.InstallSnapshotResponse
	HandleReadIndex(req *raft.ReadIndexRequest) *raft.ReadIndexResponse
	HandleTimeoutNow(req *raft.TimeoutNowRequest) *raft.TimeoutNowResponse
}

// Message records one simulated RPC attempt, delivered or not, for
// tests that want to assert on traffic shape after the fact.
type Message struct {
	From      raft.PeerId
	To        raft.PeerId
	Type      string
	Timestamp time.Time
	Delivered bool
	Dropped   bool
}

// Network is a shared fault-injection fabric: partitions, random
// message loss, and random delay, keyed by raft.PeerId instead of the
// teacher's bare node-id strings.
type Network struct {
	mu         sync.RWMutex
	peers      map[raft.PeerId]RaftServer
	partitions map[raft.PeerId]map[raft.PeerId]bool
	dropRate   float64
	minDelay   time.Duration
	maxDelay   time.Duration
	rnd        *rand.Rand
	log        []Message
}

// NewNetwork builds a Network with the given base fault parameters.
// Use Partition/SetDropRate/SetDelay to change them at runtime.
func NewNetwork(dropRate float64, minDelay, maxDelay time.Duration) *Network {
	return &Network{
		peers:      make(map[raft.PeerId]RaftServer),
		partitions: make(map[raft.PeerId]map[raft.PeerId]bool),
		dropRate:   dropRate,
		minDelay:   minDelay,
		maxDelay:   maxDelay,
		rnd:        rand.New(rand.NewSource(1)),
	}
}

// Register makes peer reachable as a delivery target.
func (n *Network) Register(peer raft.PeerId, srv RaftServer) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.peers[peer] = srv
	if n.partitions[peer] == nil {
		n.partitions[peer] = make(map[raft.PeerId]bool)
	}
}

// Transport returns a node.Transport that originates calls as from.
func (n *Network) Transport(from raft.PeerId) *Transport {
	return &Transport{network: n, self: from}
}

// Partition isolates peer from every other registered peer.
func (n *Network) Partition(peer raft.PeerId) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for other := range n.peers {
		if other == peer {
			continue
		}
		n.partitions[peer][other] = true
		n.partitions[other][peer] = true
	}
}

// PartitionBetween isolates just the pair (a, b).
func (n *Network) PartitionBetween(a, b raft.PeerId) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.partitions[a][b] = true
	n.partitions[b][a] = true
}

// Heal removes every partition touching peer.
func (n *Network) Heal(peer raft.PeerId) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for other := range n.peers {
		delete(n.partitions[peer], other)
		delete(n.partitions[other], peer)
	}
}

// HealAll clears every partition in the network.
func (n *Network) HealAll() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for peer := range n.partitions {
		n.partitions[peer] = make(map[raft.PeerId]bool)
	}
}

// IsPartitioned reports whether a and b currently cannot reach each other.
func (n *Network) IsPartitioned(a, b raft.PeerId) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.partitions[a][b]
}

// SetDropRate changes the random message-loss probability.
func (n *Network) SetDropRate(rate float64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dropRate = rate
}

// SetDelay changes the random per-message delay range.
func (n *Network) SetDelay(min, max time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.minDelay, n.maxDelay = min, max
}

func (n *Network) shouldDrop() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.rnd.Float64() < n.dropRate
}

func (n *Network) delay() time.Duration {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.maxDelay <= n.minDelay {
		return n.minDelay
	}
	return n.minDelay + time.Duration(n.rnd.Int63n(int64(n.maxDelay-n.minDelay)))
}

func (n *Network) target(peer raft.PeerId) (RaftServer, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	srv, ok := n.peers[peer]
	return srv, ok
}

func (n *Network) record(msg Message) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.log = append(n.log, msg)
}

// Messages returns every RPC attempt recorded so far, delivered or not.
func (n *Network) Messages() []Message {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]Message, len(n.log))
	copy(out, n.log)
	return out
}

// Transport implements pkg/node.Transport (and pkg/replicator.Transport
// by the same method set) against a shared Network, as seen from one
// particular origin peer.
type Transport struct {
	network *Network
	self    raft.PeerId
}

func (t *Transport) deliver(ctx context.Context, peer raft.PeerId, kind string, call func(RaftServer) (interface{}, error)) (interface{}, error) {
	msg := Message{From: t.self, To: peer, Type: kind, Timestamp: time.Now()}

	if t.network.IsPartitioned(t.self, peer) {
		msg.Dropped = true
		t.network.record(msg)
		return nil, fmt.Errorf("simulation: %s partitioned from %s", t.self, peer)
	}
	if t.network.shouldDrop() {
		msg.Dropped = true
		t.network.record(msg)
		return nil, fmt.Errorf("simulation: message to %s dropped", peer)
	}

	select {
	case <-time.After(t.network.delay()):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	srv, ok := t.network.target(peer)
	if !ok {
		return nil, fmt.Errorf("simulation: unknown peer %s", peer)
	}

	resp, err := call(srv)
	if err == nil {
		msg.Delivered = true
	}
	t.network.record(msg)
	return resp, err
}

func (t *Transport) RequestVote(ctx context.Context, peer raft.PeerId, req *raft.RequestVoteRequest) (*raft.RequestVoteResponse, error) {
	resp, err := t.deliver(ctx, peer, "RequestVote", func(s RaftServer) (interface{}, error) {
		return s.HandleRequestVote(req), nil
	})
	if err != nil {
		return nil, err
	}
	return resp.(*raft.RequestVoteResponse), nil
}

func (t *Transport) AppendEntries(ctx context.Context, peer raft.PeerId, req *raft.AppendEntriesRequest) (*raft.AppendEntriesResponse, error) {
	resp, err := t.deliver(ctx, peer, "AppendEntries", func(s RaftServer) (interface{}, error) {
		return s.HandleAppendEntries(req), nil
	})
	if err != nil {
		return nil, err
	}
	return resp.(*raft.AppendEntriesResponse), nil
}

func (t *Transport) InstallSnapshot(ctx context.Context, peer raft.PeerId, req *raft.InstallSnapshotRequest) (*raft.InstallSnapshotResponse, error) {
	resp, err := t.deliver(ctx, peer, "InstallSnapshot", func(s RaftServer) (interface{}, error) {
		return s.HandleInstallSnapshot(req), nil
	})
	if err != nil {
		return nil, err
	}
	return resp.(*raft.InstallSnapshotResponse), nil
}

func (t *Transport) ReadIndex(ctx context.Context, peer raft.PeerId, req *raft.ReadIndexRequest) (*raft.ReadIndexResponse, error) {
	resp, err := t.deliver(ctx, peer, "ReadIndex", func(s RaftServer) (interface{}, error) {
		return s.HandleReadIndex(req), nil
	})
	if err != nil {
		return nil, err
	}
	return resp.(*raft.ReadIndexResponse), nil
}

func (t *Transport) TimeoutNow(ctx context.Context, peer raft.PeerId, req *raft.TimeoutNowRequest) (*raft.TimeoutNowResponse, error) {
	resp, err := t.deliver(ctx, peer, "TimeoutNow", func(s RaftServer) (interface{}, error) {
		return s.HandleTimeoutNow(req), nil
	})
	if err != nil {
		return nil, err
	}
	return resp.(*raft.TimeoutNowResponse), nil
}
