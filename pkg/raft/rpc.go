package raft

import "time"

// ErrorResponse is the universal error envelope carried on every RPC
// response per spec.md §6; ErrorCode == 0 means success.
type ErrorResponse struct {
	ErrorCode int32
	ErrorMsg  string
}

// Header carries the (groupId, serverId, term) triple every RPC
// message is required to have at minimum.
type Header struct {
	GroupId  string
	ServerId PeerId
	Term     uint64
}

func NewHeader(groupId string, serverId PeerId, term uint64) Header {
	return Header{GroupId: groupId, ServerId: serverId, Term: term}
}

type RequestVoteRequest struct {
	Header
	CandidateId PeerId
	LastLogId   LogId
	PreVote     bool
	Timeout     time.Duration
}

type RequestVoteResponse struct {
	Header
	VoteGranted bool
	ErrorResponse
}

type AppendEntriesRequest struct {
	Header
	LeaderId     PeerId
	PrevLogId    LogId
	Entries      []LogEntry
	CommittedIdx uint64
	Timeout      time.Duration
}

type AppendEntriesResponse struct {
	Header
	Success       bool
	LastLogIndex  uint64
	ConflictIndex uint64
	ConflictTerm  uint64
	ErrorResponse
}

type InstallSnapshotRequest struct {
	Header
	LeaderId      PeerId
	LastIncluded  LogId
	Configuration Configuration
	Data          []byte
	Timeout       time.Duration
}

type InstallSnapshotResponse struct {
	Header
	Success bool
	ErrorResponse
}

type ReadIndexRequest struct {
	Header
	// Entries carries one opaque context per batched waiter, so a
	// single RPC round trip serves an entire ReadOnlyService batch.
	Entries [][]byte
	Timeout time.Duration
}

type ReadIndexResponse struct {
	Header
	Index uint64
	ErrorResponse
}

type TimeoutNowRequest struct {
	Header
	Timeout time.Duration
}

type TimeoutNowResponse struct {
	Header
	ErrorResponse
}

type PingRequest struct {
	Header
	Timeout time.Duration
}
