package core

import (
	"context"
	"time"
)

// Logger is the structured logging surface used by the service. *slog.Logger
// satisfies it.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// AuditStatus is the outcome recorded on an audit entry.
type AuditStatus string

const (
	AuditStatusSuccess AuditStatus = "success"
	AuditStatusError   AuditStatus = "error"
)

// AuditEntry describes one committed (or failed) operation. Execute emits one
// entry per plan item; Rollback emits exactly one.
type AuditEntry struct {
	Operation   string
	Action      string
	Status      AuditStatus
	Source      string
	RecordIDs   []int
	AffectedIDs []int
	BackupRef   string
	ErrorCode   string
	Error       string
	Warnings    []string
	Details     map[string]any
	Input       any
	TraceID     string
	Duration    time.Duration
	Timestamp   time.Time
}

// AuditRecorder receives audit entries. Recording is best effort; it must not
// fail the operation that produced the entry.
type AuditRecorder interface {
	Record(ctx context.Context, entry AuditEntry)
}

// MetricsRecorder observes service operation outcomes.
type MetricsRecorder interface {
	Observe(ctx context.Context, operation string, success bool, duration time.Duration)
}

// Tracer starts spans around service operations.
type Tracer interface {
	Start(ctx context.Context, operation string) (context.Context, TraceSpan)
}

// TraceSpan is ended once with the operation error, if any.
type TraceSpan interface {
	End(err error)
}

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

// Now implements Clock.
func (f ClockFunc) Now() time.Time { return f() }

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

type noopAuditRecorder struct{}

func (noopAuditRecorder) Record(context.Context, AuditEntry) {}

type noopMetricsRecorder struct{}

func (noopMetricsRecorder) Observe(context.Context, string, bool, time.Duration) {}

type noopTracer struct{}

func (noopTracer) Start(ctx context.Context, _ string) (context.Context, TraceSpan) {
	return ctx, noopSpan{}
}

type noopSpan struct{}

func (noopSpan) End(error) {}

// MultiAuditRecorder fans entries out to every recorder.
type MultiAuditRecorder []AuditRecorder

// Record implements AuditRecorder.
func (m MultiAuditRecorder) Record(ctx context.Context, entry AuditEntry) {
	for _, r := range m {
		if r != nil {
			r.Record(ctx, entry)
		}
	}
}
