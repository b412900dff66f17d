// Package testing is an in-process multi-node harness for exercising
// pkg/node end to end, generalizing the teacher's
// pkg/testing/{cluster,simulator,invariant_checker,linearizability_checker}.go
// (built around the old raft.Node/string-id world) onto this repo's
// raft.PeerId-addressed Node, pkg/simulation's fault-injecting
// Transport, and pkg/kv as the exercised state machine.
package testing

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/raftcore/raftcore/pkg/confmanager"
	"github.com/raftcore/raftcore/pkg/kv"
	"github.com/raftcore/raftcore/pkg/logstorage"
	"github.com/raftcore/raftcore/pkg/node"
	"github.com/raftcore/raftcore/pkg/raft"
	"github.com/raftcore/raftcore/pkg/simulation"
)

// Cluster is a group of in-process Nodes wired together through a
// shared simulation.Network, each backed by its own on-disk log and
// kv.Store state machine.
type Cluster struct {
	Peers   []raft.PeerId
	Nodes   []*node.Node
	Stores  []*kv.Store
	Network *simulation.Network

	dataDir string
}

// ClusterOptions tunes timing and fault parameters; zero values pick
// test-friendly defaults (short timeouts, no induced faults).
type ClusterOptions struct {
	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
	HeartbeatPeriod    time.Duration
	RPCTimeout         time.Duration
	DropRate           float64
	MinDelay           time.Duration
	MaxDelay           time.Duration
}

func (o ClusterOptions) withDefaults() ClusterOptions {
	if o.ElectionTimeoutMin <= 0 {
		o.ElectionTimeoutMin = 30 * time.Millisecond
	}
	if o.ElectionTimeoutMax <= 0 {
		o.ElectionTimeoutMax = 60 * time.Millisecond
	}
	if o.HeartbeatPeriod <= 0 {
		o.HeartbeatPeriod = 10 * time.Millisecond
	}
	if o.RPCTimeout <= 0 {
		o.RPCTimeout = 100 * time.Millisecond
	}
	return o
}

// NewCluster builds size nodes forming a single Raft group, all
// members voting, none learners. Call Start to begin their event loops.
func NewCluster(size int, opts ClusterOptions) (*Cluster, error) {
	opts = opts.withDefaults()

	dataDir, err := os.MkdirTemp("", "raftcore-cluster-")
	if err != nil {
		return nil, err
	}

	peers := make([]raft.PeerId, size)
	for i := range peers {
		peers[i] = raft.PeerId{Host: fmt.Sprintf("n%d", i), Port: i + 1}
	}
	cfg := raft.NewConfiguration(peers, nil)
	network := simulation.NewNetwork(opts.DropRate, opts.MinDelay, opts.MaxDelay)

	c := &Cluster{Peers: peers, Network: network, dataDir: dataDir}
	for i := 0; i < size; i++ {
		log, err := logstorage.Open(logstorage.Options{Path: filepath.Join(dataDir, fmt.Sprintf("n%d.db", i))})
		if err != nil {
			c.Cleanup()
			return nil, err
		}

		store := kv.New()
		n, err := node.New(node.Options{
			GroupID:            "test",
			Self:               peers[i],
			InitialConf:        cfg,
			Log:                log,
			ConfManager:        confmanager.New(),
			StateMachine:       store,
			Transport:          network.Transport(peers[i]),
			ElectionTimeoutMin: opts.ElectionTimeoutMin,
			ElectionTimeoutMax: opts.ElectionTimeoutMax,
			HeartbeatPeriod:    opts.HeartbeatPeriod,
			RPCTimeout:         opts.RPCTimeout,
		})
		if err != nil {
			c.Cleanup()
			return nil, err
		}

		network.Register(peers[i], n)
		c.Nodes = append(c.Nodes, n)
		c.Stores = append(c.Stores, store)
	}
	return c, nil
}

// Start starts every node's event loop.
func (c *Cluster) Start() {
	for _, n := range c.Nodes {
		n.Start()
	}
}

// Stop halts every node's event loop.
func (c *Cluster) Stop() {
	for _, n := range c.Nodes {
		n.Stop()
	}
}

// Cleanup stops the cluster and removes its on-disk data.
func (c *Cluster) Cleanup() {
	c.Stop()
	for _, n := range c.Nodes {
		_ = n.Log().Close()
	}
	_ = os.RemoveAll(c.dataDir)
}

// Leader returns the current leader, or nil if none has emerged yet.
func (c *Cluster) Leader() *node.Node {
	for _, n := range c.Nodes {
		if n.IsLeader() {
			return n
		}
	}
	return nil
}

// PartitionLeader isolates the current leader from every other node
// and returns its index, or -1 if there is no leader right now.
func (c *Cluster) PartitionLeader() int {
	leader := c.Leader()
	if leader == nil {
		return -1
	}
	idx := c.IndexOf(leader)
	c.Network.Partition(c.Peers[idx])
	return idx
}

// HealPartition clears every induced partition in the cluster's network.
func (c *Cluster) HealPartition() {
	c.Network.HealAll()
}

// WaitForLeader polls until a leader emerges or timeout elapses.
func (c *Cluster) WaitForLeader(timeout time.Duration) (*node.Node, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if leader := c.Leader(); leader != nil {
			return leader, nil
		}
		time.Sleep(5 * time.Millisecond)
	}
	return nil, fmt.Errorf("testing: no leader elected within %s", timeout)
}

// WaitForNewLeader waits for a leader other than the node at excludeIdx.
func (c *Cluster) WaitForNewLeader(excludeIdx int, timeout time.Duration) (*node.Node, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for i, n := range c.Nodes {
			if i != excludeIdx && n.IsLeader() {
				return n, nil
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	return nil, fmt.Errorf("testing: no new leader (excluding index %d) within %s", excludeIdx, timeout)
}

// RestartNode simulates killing and restarting the node at idx: it
// stops the existing Node, then rebuilds one against the same durable
// log (which still holds every entry appended before the "crash") and
// a fresh in-memory state machine and configuration manager, the way
// a real process restart reopens its on-disk log into new in-memory
// structures. The new Node replaces the old one in Nodes/Stores and
// in the shared Network's routing table.
func (c *Cluster) RestartNode(idx int, opts ClusterOptions) error {
	opts = opts.withDefaults()
	old := c.Nodes[idx]
	old.Stop()

	store := kv.New()
	n, err := node.New(node.Options{
		GroupID:            "test",
		Self:               c.Peers[idx],
		InitialConf:        raft.NewConfiguration(c.Peers, nil),
		Log:                old.Log(),
		ConfManager:        confmanager.New(),
		StateMachine:       store,
		Transport:          c.Network.Transport(c.Peers[idx]),
		ElectionTimeoutMin: opts.ElectionTimeoutMin,
		ElectionTimeoutMax: opts.ElectionTimeoutMax,
		HeartbeatPeriod:    opts.HeartbeatPeriod,
		RPCTimeout:         opts.RPCTimeout,
	})
	if err != nil {
		return err
	}

	c.Network.Register(c.Peers[idx], n)
	c.Nodes[idx] = n
	c.Stores[idx] = store
	n.Start()
	return nil
}

// NodeFor returns the Node for a given peer id, for tests that index
// by address rather than by slice position.
func (c *Cluster) NodeFor(peer raft.PeerId) *node.Node {
	for i, p := range c.Peers {
		if p == peer {
			return c.Nodes[i]
		}
	}
	return nil
}

// IndexOf returns n's position in Nodes/Peers, or -1 if not found.
func (c *Cluster) IndexOf(n *node.Node) int {
	for i, other := range c.Nodes {
		if other == n {
			return i
		}
	}
	return -1
}

// Propose submits cmd to the current leader, retrying against whatever
// becomes leader until it commits or timeout elapses.
func (c *Cluster) Propose(ctx context.Context, cmd []byte) error {
	deadline := time.Now().Add(5 * time.Second)
	if dl, ok := ctx.Deadline(); ok {
		deadline = dl
	}

	for time.Now().Before(deadline) {
		leader := c.Leader()
		if leader == nil {
			time.Sleep(10 * time.Millisecond)
			continue
		}

		_, done, err := leader.Propose(cmd)
		if err != nil {
			if err == raft.ErrNotLeader {
				time.Sleep(10 * time.Millisecond)
				continue
			}
			return err
		}

		select {
		case err := <-done:
			if err != nil {
				time.Sleep(10 * time.Millisecond)
				continue
			}
			return nil
		case <-time.After(200 * time.Millisecond):
			continue
		}
	}
	return fmt.Errorf("testing: propose did not commit within deadline")
}
