package kv

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func mustEncode(t *testing.T, cmdType CommandType, key string, value []byte, clientID string, requestID uint64) []byte {
	t.Helper()
	data, err := EncodeCommand(cmdType, key, value, clientID, requestID)
	require.NoError(t, err)
	return data
}

func TestApplySetThenGet(t *testing.T) {
	s := New()
	_, err := s.Apply(mustEncode(t, CommandSet, "k", []byte("v1"), "c1", 1))
	require.NoError(t, err)

	v, ok := s.Get("k")
	require.True(t, ok)
	require.Equal(t, []byte("v1"), v)
}

func TestApplyDeleteRemovesKey(t *testing.T) {
	s := New()
	_, err := s.Apply(mustEncode(t, CommandSet, "k", []byte("v1"), "c1", 1))
	require.NoError(t, err)
	_, err = s.Apply(mustEncode(t, CommandDelete, "k", nil, "c1", 2))
	require.NoError(t, err)

	_, ok := s.Get("k")
	require.False(t, ok)
}

func TestApplyDeduplicatesByClientSession(t *testing.T) {
	s := New()
	_, err := s.Apply(mustEncode(t, CommandSet, "k", []byte("v1"), "c1", 5))
	require.NoError(t, err)
	_, err = s.Apply(mustEncode(t, CommandSet, "k", []byte("v2"), "c1", 5))
	require.NoError(t, err)

	v, ok := s.Get("k")
	require.True(t, ok)
	require.Equal(t, []byte("v1"), v, "replayed request with the same RequestID must not re-apply")
}

func TestApplyRejectsUnknownCommandType(t *testing.T) {
	s := New()
	_, err := s.Apply(mustEncode(t, CommandType(99), "k", nil, "c1", 1))
	require.Error(t, err)
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	s := New()
	_, err := s.Apply(mustEncode(t, CommandSet, "a", []byte("1"), "c1", 1))
	require.NoError(t, err)
	_, err = s.Apply(mustEncode(t, CommandSet, "b", []byte("2"), "c2", 1))
	require.NoError(t, err)

	snap, err := s.Snapshot()
	require.NoError(t, err)

	restored := New()
	require.NoError(t, restored.Restore(snap))

	v, ok := restored.Get("a")
	require.True(t, ok)
	require.Equal(t, []byte("1"), v)
	require.Equal(t, 2, restored.Size())

	// a replayed request against the restored session table is still deduplicated.
	_, err = restored.Apply(mustEncode(t, CommandSet, "a", []byte("stale"), "c1", 1))
	require.NoError(t, err)
	v, _ = restored.Get("a")
	require.Equal(t, []byte("1"), v)
}
