// Package metrics implements pkg/node.Metrics on top of
// github.com/prometheus/client_golang, the same metrics library
// cuemby-warren depends on (the teacher itself exposes no metrics at
// all). Counters and gauges are registered into a caller-supplied
// *prometheus.Registry rather than the global default one, so
// multiple in-process Nodes (as in tests) never collide on metric
// names; cmd/raftserver is the only place these are ever exported over
// HTTP.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/raftcore/raftcore/pkg/raft"
)

// Node implements pkg/node.Metrics.
type Node struct {
	electionsStarted prometheus.Counter
	electionsWon     prometheus.Counter
	readIndexBusy    prometheus.Counter
	applyLatency     prometheus.Histogram
	replicationLag   *prometheus.GaugeVec
	role             *prometheus.GaugeVec
}

// NewNode builds a Node metrics sink labeled by group, registering
// every series into reg.
func NewNode(reg prometheus.Registerer, group string) *Node {
	n := &Node{
		electionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "raftcore",
			Subsystem:   "node",
			Name:        "elections_started_total",
			Help:        "Number of elections this node has started as a candidate.",
			ConstLabels: prometheus.Labels{"group": group},
		}),
		electionsWon: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "raftcore",
			Subsystem:   "node",
			Name:        "elections_won_total",
			Help:        "Number of elections this node has won.",
			ConstLabels: prometheus.Labels{"group": group},
		}),
		readIndexBusy: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "raftcore",
			Subsystem:   "node",
			Name:        "read_index_busy_total",
			Help:        "Number of ReadIndex quorum confirmations that failed (context done or quorum unreachable).",
			ConstLabels: prometheus.Labels{"group": group},
		}),
		applyLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "raftcore",
			Subsystem:   "node",
			Name:        "apply_latency_seconds",
			Help:        "Time from Propose to the command's commit being observed.",
			ConstLabels: prometheus.Labels{"group": group},
			Buckets:     prometheus.DefBuckets,
		}),
		replicationLag: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "raftcore",
			Subsystem:   "node",
			Name:        "replication_lag_entries",
			Help:        "Entries the leader's log is ahead of each peer's MatchIndex.",
			ConstLabels: prometheus.Labels{"group": group},
		}, []string{"peer"}),
		role: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "raftcore",
			Subsystem:   "node",
			Name:        "role",
			Help:        "1 for the role this node currently holds, 0 otherwise.",
			ConstLabels: prometheus.Labels{"group": group},
		}, []string{"role"}),
	}
	reg.MustRegister(n.electionsStarted, n.electionsWon, n.readIndexBusy, n.applyLatency, n.replicationLag, n.role)
	return n
}

func (n *Node) IncElectionStarted() { n.electionsStarted.Inc() }
func (n *Node) IncElectionWon()     { n.electionsWon.Inc() }
func (n *Node) IncReadIndexBusy()   { n.readIndexBusy.Inc() }

func (n *Node) ObserveApplyLatency(d time.Duration) {
	n.applyLatency.Observe(d.Seconds())
}

func (n *Node) ObserveReplicationLag(peer raft.PeerId, lag uint64) {
	n.replicationLag.WithLabelValues(peer.String()).Set(float64(lag))
}

// SetRole zeroes every other role gauge and sets role to 1, so a
// Prometheus query for the current role is a simple `== 1` filter
// rather than a string-label comparison.
func (n *Node) SetRole(role string) {
	for _, r := range []string{"follower", "candidate", "leader"} {
		if r == role {
			n.role.WithLabelValues(r).Set(1)
		} else {
			n.role.WithLabelValues(r).Set(0)
		}
	}
}
