package transport

import (
	"time"

	"google.golang.org/protobuf/types/known/durationpb"

	"github.com/raftcore/raftcore/pkg/raft"
)

// Every RPC's Timeout field crosses the wire as a durationpb.Duration
// rather than a bare time.Duration int64, so the envelope stays
// self-describing if a future peer serializes it with real protobuf
// instead of gob.

type requestVoteWire struct {
	Header      raft.Header
	CandidateId raft.PeerId
	LastLogId   raft.LogId
	PreVote     bool
	Timeout     *durationpb.Duration
}

func toRequestVoteWire(r *raft.RequestVoteRequest) *requestVoteWire {
	return &requestVoteWire{
		Header:      r.Header,
		CandidateId: r.CandidateId,
		LastLogId:   r.LastLogId,
		PreVote:     r.PreVote,
		Timeout:     durationpb.New(r.Timeout),
	}
}

func (w *requestVoteWire) toRequest() *raft.RequestVoteRequest {
	return &raft.RequestVoteRequest{
		Header:      w.Header,
		CandidateId: w.CandidateId,
		LastLogId:   w.LastLogId,
		PreVote:     w.PreVote,
		Timeout:     wireDuration(w.Timeout),
	}
}

type appendEntriesWire struct {
	Header       raft.Header
	LeaderId     raft.PeerId
	PrevLogId    raft.LogId
	Entries      []raft.LogEntry
	CommittedIdx uint64
	Timeout      *durationpb.Duration
}

func toAppendEntriesWire(r *raft.AppendEntriesRequest) *appendEntriesWire {
	return &appendEntriesWire{
		Header:       r.Header,
		LeaderId:     r.LeaderId,
		PrevLogId:    r.PrevLogId,
		Entries:      r.Entries,
		CommittedIdx: r.CommittedIdx,
		Timeout:      durationpb.New(r.Timeout),
	}
}

func (w *appendEntriesWire) toRequest() *raft.AppendEntriesRequest {
	return &raft.AppendEntriesRequest{
		Header:       w.Header,
		LeaderId:     w.LeaderId,
		PrevLogId:    w.PrevLogId,
		Entries:      w.Entries,
		CommittedIdx: w.CommittedIdx,
		Timeout:      wireDuration(w.Timeout),
	}
}

type installSnapshotWire struct {
	Header        raft.Header
	LeaderId      raft.PeerId
	LastIncluded  raft.LogId
	Configuration raft.Configuration
	Data          []byte
	Timeout       *durationpb.Duration
}

func toInstallSnapshotWire(r *raft.InstallSnapshotRequest) *installSnapshotWire {
	return &installSnapshotWire{
		Header:        r.Header,
		LeaderId:      r.LeaderId,
		LastIncluded:  r.LastIncluded,
		Configuration: r.Configuration,
		Data:          r.Data,
		Timeout:       durationpb.New(r.Timeout),
	}
}

func (w *installSnapshotWire) toRequest() *raft.InstallSnapshotRequest {
	return &raft.InstallSnapshotRequest{
		Header:        w.Header,
		LeaderId:      w.LeaderId,
		LastIncluded:  w.LastIncluded,
		Configuration: w.Configuration,
		Data:          w.Data,
		Timeout:       wireDuration(w.Timeout),
	}
}

type readIndexWire struct {
	Header  raft.Header
	Entries [][]byte
	Timeout *durationpb.Duration
}

func toReadIndexWire(r *raft.ReadIndexRequest) *readIndexWire {
	return &readIndexWire{Header: r.Header, Entries: r.Entries, Timeout: durationpb.New(r.Timeout)}
}

func (w *readIndexWire) toRequest() *raft.ReadIndexRequest {
	return &raft.ReadIndexRequest{Header: w.Header, Entries: w.Entries, Timeout: wireDuration(w.Timeout)}
}

type timeoutNowWire struct {
	Header  raft.Header
	Timeout *durationpb.Duration
}

func toTimeoutNowWire(r *raft.TimeoutNowRequest) *timeoutNowWire {
	return &timeoutNowWire{Header: r.Header, Timeout: durationpb.New(r.Timeout)}
}

func (w *timeoutNowWire) toRequest() *raft.TimeoutNowRequest {
	return &raft.TimeoutNowRequest{Header: w.Header, Timeout: wireDuration(w.Timeout)}
}

func wireDuration(d *durationpb.Duration) time.Duration {
	if d == nil {
		return 0
	}
	return d.AsDuration()
}
