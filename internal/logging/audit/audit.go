// Package audit logs security-relevant client events with fixed field names
// so they can be filtered out of the node log.
package audit

import (
	"github.com/rs/zerolog"
)

// Results recorded on every event.
const (
	Allowed = "allowed"
	Denied  = "denied"
)

// Logger writes audit events.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates an audit logger on top of logger.
func NewLogger(logger zerolog.Logger) *Logger {
	return &Logger{logger: logger.With().Str("component", "audit").Logger()}
}

// LogAuth logs a bearer token check. client is empty when the token could
// not be read.
func (l *Logger) LogAuth(client, result, details, sourceIP string) {
	level := zerolog.InfoLevel
	if result == Denied {
		level = zerolog.WarnLevel
	}

	l.logger.WithLevel(level).
		Str("event_type", "auth").
		Str("client", client).
		Str("result", result).
		Str("details", details).
		Str("source_ip", sourceIP).
		Msg("Authentication event")
}

// LogOp logs a client operation that changes stored state.
// operation: e.g. "put_chunk", "delete_chunk", "post_version"
// target: the chunk, name, recipient or message the operation acts on
// reason: the vault error code when denied
func (l *Logger) LogOp(client, operation, target, result, reason, sourceIP string) {
	level := zerolog.InfoLevel
	if result == Denied {
		level = zerolog.WarnLevel
	}

	event := l.logger.WithLevel(level).
		Str("event_type", "operation").
		Str("client", client).
		Str("operation", operation).
		Str("result", result).
		Str("source_ip", sourceIP)

	if target != "" {
		event = event.Str("target", target)
	}
	if reason != "" {
		event = event.Str("reason", reason)
	}

	event.Msg("Client operation")
}

// LogAccount logs an account being opened and the quota it was granted.
func (l *Logger) LogAccount(client string, quota int64, sourceIP string) {
	l.logger.Info().
		Str("event_type", "account").
		Str("client", client).
		Int64("quota", quota).
		Str("source_ip", sourceIP).
		Msg("Account opened")
}
