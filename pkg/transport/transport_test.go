package transport

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/raftcore/raftcore/pkg/raft"
)

type fakeServer struct {
	lastRequestVote *raft.RequestVoteRequest
}

func (f *fakeServer) HandleRequestVote(req *raft.RequestVoteRequest) *raft.RequestVoteResponse {
	f.lastRequestVote = req
	return &raft.RequestVoteResponse{
		Header:      raft.NewHeader(req.GroupId, req.CandidateId, req.Term),
		VoteGranted: true,
	}
}

func (f *fakeServer) HandleAppendEntries(req *raft.AppendEntriesRequest) *raft.AppendEntriesResponse {
	return &raft.AppendEntriesResponse{Header: req.Header, Success: true, LastLogIndex: req.PrevLogId.Index + uint64(len(req.Entries))}
}

func (f *fakeServer) HandleInstallSnapshot(req *raft.InstallSnapshotRequest) *raft.InstallSnapshotResponse {
	return &raft.InstallSnapshotResponse{Header: req.Header, Success: true}
}

func (f *fakeServer) HandleReadIndex(req *raft.ReadIndexRequest) *raft.ReadIndexResponse {
	return &raft.ReadIndexResponse{Header: req.Header, Index: 42}
}

func (f *fakeServer) HandleTimeoutNow(req *raft.TimeoutNowRequest) *raft.TimeoutNowResponse {
	return &raft.TimeoutNowResponse{Header: req.Header}
}

func TestTransportRoundTripsRequestVote(t *testing.T) {
	srv := &fakeServer{}
	s, err := NewServer("127.0.0.1:0", srv, zerolog.Nop())
	require.NoError(t, err)
	s.Start()
	defer s.Stop()

	host, port := splitAddr(t, s.Addr())
	client := NewTransport()
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	req := &raft.RequestVoteRequest{
		Header:      raft.NewHeader("g1", raft.PeerId{Host: "candidate", Port: 1}, 7),
		CandidateId: raft.PeerId{Host: "candidate", Port: 1},
		LastLogId:   raft.LogId{Index: 3, Term: 2},
		Timeout:     500 * time.Millisecond,
	}

	resp, err := client.RequestVote(ctx, raft.PeerId{Host: host, Port: port}, req)
	require.NoError(t, err)
	require.True(t, resp.VoteGranted)
	require.Equal(t, uint64(7), srv.lastRequestVote.Term)
	require.Equal(t, 500*time.Millisecond, srv.lastRequestVote.Timeout)
}

func TestTransportRoundTripsAppendEntries(t *testing.T) {
	srv := &fakeServer{}
	s, err := NewServer("127.0.0.1:0", srv, zerolog.Nop())
	require.NoError(t, err)
	s.Start()
	defer s.Stop()

	host, port := splitAddr(t, s.Addr())
	client := NewTransport()
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	req := &raft.AppendEntriesRequest{
		Header:    raft.NewHeader("g1", raft.PeerId{Host: "leader", Port: 1}, 7),
		LeaderId:  raft.PeerId{Host: "leader", Port: 1},
		PrevLogId: raft.LogId{Index: 5, Term: 7},
		Entries: []raft.LogEntry{
			{Id: raft.LogId{Index: 6, Term: 7}, Type: raft.EntryData, Data: []byte("set k v")},
		},
	}

	resp, err := client.AppendEntries(ctx, raft.PeerId{Host: host, Port: port}, req)
	require.NoError(t, err)
	require.True(t, resp.Success)
	require.Equal(t, uint64(6), resp.LastLogIndex)
}

func splitAddr(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}
