package core

import (
	"time"

	"cryocore/internal/plan"
)

// DefaultUndoWindow bounds how long after a commit Undo stays available.
const DefaultUndoWindow = 30 * time.Second

// ServiceOption customises a Service.
type ServiceOption func(*Service)

// WithLogger sets the service logger. A nil logger keeps the no-op default.
func WithLogger(logger Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithAuditRecorder sets the audit sink.
func WithAuditRecorder(recorder AuditRecorder) ServiceOption {
	return func(s *Service) {
		if recorder != nil {
			s.audit = recorder
		}
	}
}

// WithMetricsRecorder sets the metrics sink.
func WithMetricsRecorder(recorder MetricsRecorder) ServiceOption {
	return func(s *Service) {
		if recorder != nil {
			s.metrics = recorder
		}
	}
}

// WithTracer sets the tracer.
func WithTracer(tracer Tracer) ServiceOption {
	return func(s *Service) {
		if tracer != nil {
			s.tracer = tracer
		}
	}
}

// WithClock overrides the time source used for event dates, audit
// timestamps and the undo window.
func WithClock(clock Clock) ServiceOption {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithBackups installs the snapshot repository. Without one, Execute refuses
// to commit because every write must be reversible.
func WithBackups(backups BackupStore) ServiceOption {
	return func(s *Service) { s.backups = backups }
}

// WithUndoWindow changes how long Undo stays armed after a commit. A
// non-positive window disables Undo.
func WithUndoWindow(d time.Duration) ServiceOption {
	return func(s *Service) { s.undoWindow = d }
}

// WithPlanStore shares an existing staging queue with the service.
func WithPlanStore(store *plan.Store) ServiceOption {
	return func(s *Service) {
		if store != nil {
			s.plans = store
		}
	}
}
