// Package audit writes structured security and storage events.
package audit

import (
	"github.com/rs/zerolog"
)

// Result values for audit events.
const (
	ResultAllowed = "allowed"
	ResultDenied  = "denied"
	ResultFailed  = "failed"
)

// Logger provides structured audit logging for security-relevant events.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates an audit logger on top of a zerolog.Logger.
func NewLogger(logger zerolog.Logger) *Logger {
	return &Logger{logger: logger.With().Str("component", "audit").Logger()}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{logger: zerolog.Nop()}
}

func levelFor(result string) zerolog.Level {
	if result == ResultAllowed {
		return zerolog.InfoLevel
	}
	return zerolog.WarnLevel
}

// LogAuth logs a token authentication attempt.
// tenantID is 0 when the token could not be parsed.
func (l *Logger) LogAuth(tenantID int64, method, result, details, sourceIP string) {
	event := l.logger.WithLevel(levelFor(result)).
		Str("event_type", "auth").
		Int64("tenant_id", tenantID).
		Str("method", method).
		Str("result", result).
		Str("source_ip", sourceIP)

	if details != "" {
		event = event.Str("details", details)
	}
	event.Msg("Authentication event")
}

// LogStorageOp logs a completed or rejected storage operation.
// path is relative to the tenant root.
func (l *Logger) LogStorageOp(tenantID int64, operation, path, result, details string) {
	event := l.logger.WithLevel(levelFor(result)).
		Str("event_type", "storage_operation").
		Int64("tenant_id", tenantID).
		Str("operation", operation).
		Str("path", path).
		Str("result", result)

	if details != "" {
		event = event.Str("details", details)
	}
	event.Msg("Storage operation")
}

// LogPathEscape logs a request whose path resolved outside the tenant's
// root. These are treated as potential traversal probes.
func (l *Logger) LogPathEscape(tenantID int64, operation, requested string) {
	l.logger.Warn().
		Str("event_type", "path_escape").
		Int64("tenant_id", tenantID).
		Str("operation", operation).
		Str("requested_path", requested).
		Msg("Path escape attempt")
}

// LogTenantMgmt logs an operator action on a tenant record.
func (l *Logger) LogTenantMgmt(action string, tenantID int64, details string) {
	event := l.logger.Info().
		Str("event_type", "tenant_management").
		Str("action", action).
		Int64("tenant_id", tenantID)

	if details != "" {
		event = event.Str("details", details)
	}
	event.Msg("Tenant management event")
}
