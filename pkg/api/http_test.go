package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/raftcore/raftcore/pkg/confmanager"
	"github.com/raftcore/raftcore/pkg/kv"
	"github.com/raftcore/raftcore/pkg/logstorage"
	"github.com/raftcore/raftcore/pkg/node"
	"github.com/raftcore/raftcore/pkg/raft"
)

// unreachableTransport is a Transport that is never actually invoked
// by a single-member group, since there are no peers to replicate to
// or request votes from.
type unreachableTransport struct{}

func (unreachableTransport) RequestVote(context.Context, raft.PeerId, *raft.RequestVoteRequest) (*raft.RequestVoteResponse, error) {
	return nil, fmt.Errorf("unreachable")
}
func (unreachableTransport) AppendEntries(context.Context, raft.PeerId, *raft.AppendEntriesRequest) (*raft.AppendEntriesResponse, error) {
	return nil, fmt.Errorf("unreachable")
}
func (unreachableTransport) InstallSnapshot(context.Context, raft.PeerId, *raft.InstallSnapshotRequest) (*raft.InstallSnapshotResponse, error) {
	return nil, fmt.Errorf("unreachable")
}
func (unreachableTransport) ReadIndex(context.Context, raft.PeerId, *raft.ReadIndexRequest) (*raft.ReadIndexResponse, error) {
	return nil, fmt.Errorf("unreachable")
}
func (unreachableTransport) TimeoutNow(context.Context, raft.PeerId, *raft.TimeoutNowRequest) (*raft.TimeoutNowResponse, error) {
	return nil, fmt.Errorf("unreachable")
}

func newSingleNodeServer(t *testing.T) (*httptest.Server, *node.Node) {
	t.Helper()
	self := raft.PeerId{Host: "n0", Port: 1}
	cfg := raft.NewConfiguration([]raft.PeerId{self}, nil)

	log, err := logstorage.Open(logstorage.Options{Path: filepath.Join(t.TempDir(), "n0.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	store := kv.New()
	n, err := node.New(node.Options{
		GroupID:            "test",
		Self:               self,
		InitialConf:        cfg,
		Log:                log,
		ConfManager:        confmanager.New(),
		StateMachine:       store,
		Transport:          unreachableTransport{},
		ElectionTimeoutMin: 20 * time.Millisecond,
		ElectionTimeoutMax: 40 * time.Millisecond,
		HeartbeatPeriod:    10 * time.Millisecond,
		RPCTimeout:         50 * time.Millisecond,
	})
	require.NoError(t, err)
	n.Start()
	t.Cleanup(n.Stop)

	require.Eventually(t, n.IsLeader, 3*time.Second, 5*time.Millisecond)

	handler := NewHandler(n, store, "test-client")
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv, n
}

func TestHTTPSetThenGet(t *testing.T) {
	srv, _ := newSingleNodeServer(t)
	client := NewClient([]string{srv.Listener.Addr().String()})

	require.NoError(t, client.Set(context.Background(), "foo", "bar"))

	value, err := client.Get(context.Background(), "foo")
	require.NoError(t, err)
	require.Equal(t, "bar", value)
}

func TestHTTPDelete(t *testing.T) {
	srv, _ := newSingleNodeServer(t)
	client := NewClient([]string{srv.Listener.Addr().String()})

	require.NoError(t, client.Set(context.Background(), "foo", "bar"))
	require.NoError(t, client.Delete(context.Background(), "foo"))

	_, err := client.Get(context.Background(), "foo")
	require.Error(t, err)
}

func TestHTTPGetMissingKeyIsNotFound(t *testing.T) {
	srv, _ := newSingleNodeServer(t)
	client := NewClient([]string{srv.Listener.Addr().String()})

	_, err := client.Get(context.Background(), "missing")
	require.Error(t, err)
}

func TestHTTPStatusReportsLeader(t *testing.T) {
	srv, n := newSingleNodeServer(t)

	resp, err := srv.Client().Get(srv.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, 200, resp.StatusCode)

	var status struct {
		Role        string `json:"role"`
		IsLeader    bool   `json:"is_leader"`
		ClusterSize int    `json:"cluster_size"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	require.True(t, status.IsLeader)
	require.Equal(t, n.Role().String(), status.Role)
	require.Equal(t, 1, status.ClusterSize)
}
