// Package audit defines the sink the auth core reports security events to.
// Recording is best-effort: a failed audit write never fails the operation
// that produced it.
package audit

import (
	"context"
	"time"

	"skillforge-auth/internal/observability"
)

type ipKey struct{}

// ContextWithIP stashes the originating client IP so sinks can attach it to
// events recorded anywhere below the HTTP layer.
func ContextWithIP(ctx context.Context, ip string) context.Context {
	if ip == "" {
		return ctx
	}
	return context.WithValue(ctx, ipKey{}, ip)
}

// IPFromContext returns the client IP stored by ContextWithIP, if any.
func IPFromContext(ctx context.Context) string {
	ip, _ := ctx.Value(ipKey{}).(string)
	return ip
}

type Event struct {
	Time      time.Time
	Kind      string
	AccountID string
	Email     string
	IP        string
	Detail    map[string]any
}

type Sink interface {
	Record(ctx context.Context, event Event) error
}

// LoggerSink writes audit events as structured log lines.
type LoggerSink struct {
	logger *observability.Logger
}

func NewLoggerSink(logger *observability.Logger) *LoggerSink {
	return &LoggerSink{logger: logger}
}

func (s *LoggerSink) Record(ctx context.Context, event Event) error {
	fields := map[string]any{
		"audit": true,
		"time":  event.Time.UTC().Format(time.RFC3339Nano),
	}
	if event.AccountID != "" {
		fields["account_id"] = event.AccountID
	}
	if event.Email != "" {
		fields["email"] = event.Email
	}
	if event.IP != "" {
		fields["ip"] = event.IP
	}
	for k, v := range event.Detail {
		fields[k] = v
	}

	s.logger.Info(event.Kind, fields)

	return nil
}

// NopSink discards every event.
type NopSink struct{}

func (NopSink) Record(ctx context.Context, event Event) error { return nil }
