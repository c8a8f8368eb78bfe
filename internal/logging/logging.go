// Package logging builds the zerolog logger from a level string, plus
// ForPair/ForSession helpers that tag a logger with a pair_id or
// session_id field. The sync engine tags its own lines with pairId.
package logging

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// New builds a structured logger writing to stdout at the given level.
// An unrecognised level falls back to info, matching the teacher's
// lenient level parsing.
func New(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger().Level(lvl)
}

// ForPair returns a logger annotated with the pair being reconciled.
func ForPair(logger zerolog.Logger, pairID string) zerolog.Logger {
	return logger.With().Str("pair_id", pairID).Logger()
}

// ForSession returns a logger annotated with the audit session id.
func ForSession(logger zerolog.Logger, sessionID string) zerolog.Logger {
	return logger.With().Str("session_id", sessionID).Logger()
}
