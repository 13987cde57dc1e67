// Package logging builds the slog loggers used across wiretap and fixes the
// attribute keys they share.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Options selects the level, format and destination of a logger.
type Options struct {
	Level  string // debug, info, warn, error; empty means info
	Format string // text, json; empty means text

	// Writer defaults to stderr.
	Writer io.Writer

	// Source adds the caller's file and line to every record.
	Source bool
}

// New builds a logger from opts.
func New(opts Options) (*slog.Logger, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}
	w := opts.Writer
	if w == nil {
		w = os.Stderr
	}
	hopts := &slog.HandlerOptions{Level: level, AddSource: opts.Source}

	switch strings.ToLower(opts.Format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, hopts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, hopts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q (must be text or json)", opts.Format)
	}
}

// ParseLevel converts a level name to a slog.Level.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q (must be debug, info, warn or error)", level)
	}
}

// NopLogger returns a logger that discards everything.
func NopLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// OrNop returns logger, or a discarding logger when it is nil.
func OrNop(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return NopLogger()
	}
	return logger
}

// Attribute keys.
const (
	KeyComponent  = "component"
	KeyConnection = "connection"
	KeyDirection  = "direction"
	KeyChunk      = "chunk"
	KeyPacket     = "packet"
	KeyState      = "state"
	KeySchema     = "schema"
	KeyError      = "error"
	KeyPeerID     = "peer_id"
	KeyRemoteAddr = "remote_addr"
	KeyUpstream   = "upstream"
	KeyBytes      = "bytes"
	KeyDuration   = "duration"
	KeyCount      = "count"
)
