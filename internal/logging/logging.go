// Package logging configures the zerolog.Logger every package in
// this module takes as a plain field, generalizing cuemby-warren's
// pkg/log (the teacher itself carries no logging library) from a
// single global service logger into one scoped per Raft group/peer,
// since a process can host more than one Node.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Level is the configured minimum severity, mirroring cuemby-warren's
// pkg/log.Level string enum.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

func (l Level) zerolog() zerolog.Level {
	switch l {
	case DebugLevel:
		return zerolog.DebugLevel
	case WarnLevel:
		return zerolog.WarnLevel
	case ErrorLevel:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Config selects the base logger's verbosity and framing.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// New builds a base logger from cfg. Callers derive group/peer-scoped
// children from it with WithGroup/WithPeer rather than mutating it.
func New(cfg Config) zerolog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}

	var base zerolog.Logger
	if cfg.JSONOutput {
		base = zerolog.New(out).With().Timestamp().Logger()
	} else {
		base = zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	}
	return base.Level(cfg.Level.zerolog())
}

// WithGroup tags every subsequent log line with the Raft group id.
func WithGroup(base zerolog.Logger, groupID string) zerolog.Logger {
	return base.With().Str("group", groupID).Logger()
}

// WithPeer further tags a group-scoped logger with this process's own
// peer address, so multi-node-in-one-process tests can tell replicas
// apart in interleaved output.
func WithPeer(base zerolog.Logger, peer string) zerolog.Logger {
	return base.With().Str("peer", peer).Logger()
}

// WithComponent tags a logger with the subsystem emitting it (e.g.
// "replicator", "readonly", "transport"), the same role
// cuemby-warren's WithComponent plays.
func WithComponent(base zerolog.Logger, component string) zerolog.Logger {
	return base.With().Str("component", component).Logger()
}
