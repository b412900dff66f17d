package logstorage

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"hash/crc32"

	"github.com/raftcore/raftcore/pkg/raft"
)

// codecVersion1 is the only version this codec emits; a byte prefix
// lets a future codec swap detect and reject (or migrate) entries
// written by an older version, per spec.md §4.1's "version negotiation
// is the codec's responsibility".
const codecVersion1 byte = 1

// LogEntryCodec turns a LogEntry into storage bytes and back. Storage
// never interprets entry bytes itself except through this interface.
type LogEntryCodec interface {
	Encode(e raft.LogEntry) ([]byte, error)
	Decode(b []byte) (raft.LogEntry, error)
}

// GobCodec is the default LogEntryCodec, matching the gob encoding
// used throughout this module's ambient stack (the teacher's wal/kv
// packages both serialize with encoding/gob).
type GobCodec struct{}

type gobEnvelope struct {
	Id          raft.LogId
	Type        raft.EntryType
	Data        []byte
	Peers       []raft.PeerId
	Learners    []raft.PeerId
	OldPeers    []raft.PeerId
	OldLearners []raft.PeerId
}

func (GobCodec) Encode(e raft.LogEntry) ([]byte, error) {
	env := gobEnvelope{
		Id:          e.Id,
		Type:        e.Type,
		Data:        e.Data,
		Peers:       e.Peers,
		Learners:    e.Learners,
		OldPeers:    e.OldPeers,
		OldLearners: e.OldLearners,
	}
	var buf bytes.Buffer
	buf.WriteByte(codecVersion1)
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(env); err != nil {
		return nil, fmt.Errorf("logstorage: gob encode entry: %w", err)
	}
	body := buf.Bytes()
	checksum := crc32.ChecksumIEEE(body[1:])
	out := make([]byte, 0, len(body)+4)
	out = append(out, body...)
	out = appendUint32(out, checksum)
	return out, nil
}

func (GobCodec) Decode(b []byte) (raft.LogEntry, error) {
	if len(b) < 5 {
		return raft.LogEntry{}, fmt.Errorf("logstorage: entry too short (%d bytes)", len(b))
	}
	version := b[0]
	if version != codecVersion1 {
		return raft.LogEntry{}, fmt.Errorf("logstorage: unsupported codec version %d", version)
	}
	body := b[:len(b)-4]
	want := readUint32(b[len(b)-4:])
	if got := crc32.ChecksumIEEE(body[1:]); got != want {
		return raft.LogEntry{}, fmt.Errorf("logstorage: checksum mismatch decoding entry")
	}

	var env gobEnvelope
	dec := gob.NewDecoder(bytes.NewReader(body[1:]))
	if err := dec.Decode(&env); err != nil {
		return raft.LogEntry{}, fmt.Errorf("logstorage: gob decode entry: %w", err)
	}
	return raft.LogEntry{
		Id:          env.Id,
		Type:        env.Type,
		Data:        env.Data,
		Peers:       env.Peers,
		Learners:    env.Learners,
		OldPeers:    env.OldPeers,
		OldLearners: env.OldLearners,
		Checksum:    want,
	}, nil
}

func appendUint32(b []byte, v uint32) []byte {
	return append(b, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

func readUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
