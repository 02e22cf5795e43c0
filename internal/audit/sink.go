// Package audit is the best-effort forensic side channel. Records go to the
// structured log and optionally to an append-only database table; a failure
// in either never reaches the calling operation.
package audit

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/arcanalabs/credits/pkg/credits"
	"go.uber.org/zap"
)

const redactedPlaceholder = "[redacted]"

// Keys whose values never belong in an audit trail, matched as substrings
// against lowercased detail keys.
var secretKeyFragments = []string{
	"secret",
	"token",
	"key",
	"password",
	"authorization",
	"signature",
	"cookie",
}

// Appender persists audit events durably. gormstore and pgstore both
// satisfy it.
type Appender interface {
	AppendAuditEvent(ctx context.Context, event credits.AuditEvent) error
}

// Option configures a Sink.
type Option func(*Sink)

// WithAppender adds durable storage behind the log line.
func WithAppender(appender Appender) Option {
	return func(sink *Sink) {
		sink.appender = appender
	}
}

// Sink implements credits.AuditRecorder over zap and an optional Appender.
type Sink struct {
	logger   *zap.Logger
	appender Appender
}

// NewSink builds a Sink. A nil logger degrades to zap.NewNop so Record
// stays safe to call.
func NewSink(logger *zap.Logger, options ...Option) *Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	sink := &Sink{logger: logger}
	for _, option := range options {
		option(sink)
	}
	return sink
}

// Record emits one audit event. It never panics and never returns an error;
// the operation that produced the event has already committed.
func (sink *Sink) Record(ctx context.Context, event credits.AuditEvent) {
	defer func() {
		if recovered := recover(); recovered != nil {
			fmt.Fprintf(os.Stderr, "audit sink panic: %v (kind=%s account=%s)\n", recovered, event.Kind, event.AccountID)
		}
	}()

	details := redactDetails(event.Details)

	fields := []zap.Field{
		zap.String("kind", event.Kind),
		zap.String("account_id", event.AccountID),
		zap.String("reference", event.Reference),
		zap.Int64("delta", event.Delta),
		zap.String("status", event.Status),
		zap.Int64("at", event.AtUnixUTC),
	}
	if len(details) > 0 {
		fields = append(fields, zap.Any("details", details))
	}
	sink.logger.Info("audit_event", fields...)

	if sink.appender == nil {
		return
	}
	stored := event
	stored.Details = details
	if err := sink.appender.AppendAuditEvent(ctx, stored); err != nil {
		sink.logger.Warn("audit_append_failed",
			zap.String("kind", event.Kind),
			zap.String("account_id", event.AccountID),
			zap.Error(err),
		)
	}
}

// redactDetails masks values under secret-looking keys. Producers keep
// credentials out of events; this is the second line.
func redactDetails(details map[string]string) map[string]string {
	if len(details) == 0 {
		return nil
	}
	redacted := make(map[string]string, len(details))
	for key, value := range details {
		if isSecretKey(key) {
			redacted[key] = redactedPlaceholder
			continue
		}
		redacted[key] = value
	}
	return redacted
}

func isSecretKey(key string) bool {
	lowered := strings.ToLower(key)
	for _, fragment := range secretKeyFragments {
		if strings.Contains(lowered, fragment) {
			return true
		}
	}
	return false
}
