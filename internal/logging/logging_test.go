package logging

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewRespectsConfiguredLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: WarnLevel, JSONOutput: true, Output: &buf})

	logger.Info().Msg("should be suppressed")
	require.Empty(t, buf.String())

	logger.Warn().Msg("should appear")
	require.Contains(t, buf.String(), "should appear")
}

func TestWithGroupAndPeerAddFields(t *testing.T) {
	var buf bytes.Buffer
	base := New(Config{Level: DebugLevel, JSONOutput: true, Output: &buf})
	scoped := WithPeer(WithGroup(base, "g1"), "n1:8080")

	scoped.Info().Msg("hello")
	out := buf.String()
	require.Contains(t, out, `"group":"g1"`)
	require.Contains(t, out, `"peer":"n1:8080"`)
}

func TestWithComponentAddsField(t *testing.T) {
	var buf bytes.Buffer
	base := New(Config{Level: DebugLevel, JSONOutput: true, Output: &buf})
	scoped := WithComponent(base, "replicator")

	scoped.Info().Msg("hi")
	require.Contains(t, buf.String(), `"component":"replicator"`)
}
