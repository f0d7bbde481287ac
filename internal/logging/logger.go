// Package logging builds the process-wide zap logger. Components never
// construct their own logger; they receive this one through their Config
// structs and fall back to a no-op logger when it is absent.
package logging

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger returns a production zap logger at the requested level. An
// unrecognized level falls back to info so a configuration typo never
// silences the process.
func NewLogger(level string) (*zap.Logger, error) {
	loggerConfig := zap.NewProductionConfig()
	loggerConfig.Level = zap.NewAtomicLevelAt(ParseLevel(level))
	return loggerConfig.Build()
}

// ParseLevel maps a configured level name onto a zap level. Matching is
// case-insensitive and tolerates surrounding whitespace.
func ParseLevel(raw string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
