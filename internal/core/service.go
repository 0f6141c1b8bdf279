package core

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"cryocore/internal/backup"
	"cryocore/internal/blob"
	"cryocore/internal/gate"
	"cryocore/internal/infra/persistence/memory"
	"cryocore/internal/plan"
	"cryocore/pkg/domain"
)

// BackupStore captures and restores document snapshots. *backup.Repository
// implements it.
type BackupStore interface {
	Put(ctx context.Context, doc domain.Document) (string, error)
	Prune(ctx context.Context, instance string) error
	Discard(ctx context.Context, ref string) error
	Load(ctx context.Context, ref string) (domain.Document, error)
	Latest(ctx context.Context, instance string) (backup.Entry, error)
	List(ctx context.Context, instance string) ([]backup.Entry, error)
	Exists(ctx context.Context, ref string) error
}

// Service is the staging and commit boundary over a persistent store.
type Service struct {
	store   domain.PersistentStore
	plans   *plan.Store
	backups BackupStore

	logger  Logger
	audit   AuditRecorder
	metrics MetricsRecorder
	tracer  Tracer
	clock   Clock

	undoWindow time.Duration

	// stageMu keeps the validate-then-add step of staging atomic.
	stageMu sync.Mutex
	// execMu serialises Execute, Rollback and Undo.
	execMu sync.Mutex

	undoMu sync.Mutex
	undo   undoState
}

type undoState struct {
	ref     string
	armedAt time.Time
}

// NewService constructs a service over store.
func NewService(store domain.PersistentStore, opts ...ServiceOption) *Service {
	s := &Service{
		store:      store,
		plans:      plan.NewStore(),
		logger:     noopLogger{},
		audit:      noopAuditRecorder{},
		metrics:    noopMetricsRecorder{},
		tracer:     noopTracer{},
		clock:      ClockFunc(time.Now),
		undoWindow: DefaultUndoWindow,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewInMemoryService wires a memory store and an in-memory backup
// repository. A nil engine gets the default rules.
func NewInMemoryService(engine *domain.RulesEngine, opts ...ServiceOption) *Service {
	if engine == nil {
		engine = NewDefaultRulesEngine()
	}
	base := []ServiceOption{WithBackups(backup.New(blob.NewMemory()))}
	return NewService(memory.NewStore(engine), append(base, opts...)...)
}

// Store returns the persistent store.
func (s *Service) Store() domain.PersistentStore { return s.store }

// Plans returns the staging queue.
func (s *Service) Plans() *plan.Store { return s.plans }

// Backups returns the snapshot repository, if any.
func (s *Service) Backups() BackupStore { return s.backups }

func (s *Service) run(ctx context.Context, op string, fn func(context.Context) error) error {
	start := s.clock.Now()
	ctx, span := s.tracer.Start(ctx, op)
	err := fn(ctx)
	elapsed := s.clock.Now().Sub(start)
	span.End(err)
	s.metrics.Observe(ctx, op, err == nil, elapsed)
	if err != nil {
		s.logger.Error("operation failed", "operation", op, "code", string(domain.CodeOf(err)), "error", err)
		return err
	}
	s.logger.Debug("operation completed", "operation", op, "duration", elapsed)
	return nil
}

// settleBackup finishes a snapshot taken before a write. After a commit the
// instance is pruned; after a failed write the snapshot is discarded and no
// older snapshot has been pruned.
func (s *Service) settleBackup(ctx context.Context, ref, instance string, writeErr error) {
	if writeErr != nil {
		if err := s.backups.Discard(ctx, ref); err != nil {
			s.logger.Warn("orphan backup left after failed write", "ref", ref, "error", err)
		}
		return
	}
	if err := s.backups.Prune(ctx, instance); err != nil {
		s.logger.Warn("backup prune failed", "instance", instance, "error", err)
	}
}

func traceID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return uuid.NewString()
}

func (s *Service) document(ctx context.Context) (domain.Document, error) {
	var doc domain.Document
	err := s.store.View(ctx, func(v domain.TransactionView) error {
		doc = v.Document()
		return nil
	})
	return doc, err
}

// Document returns a copy of the committed inventory.
func (s *Service) Document(ctx context.Context) (domain.Document, error) {
	return s.document(ctx)
}

func (s *Service) gateOptions(ctx context.Context) gate.Options {
	opts := gate.Options{Now: s.clock.Now()}
	if s.backups != nil {
		opts.Rollback = func(ref string) error { return s.backups.Exists(ctx, ref) }
	}
	return opts
}

// Stage validates items against the staged queue and the committed
// inventory, then merges them into the queue. Incoming items are staged all
// or none; a rejected request leaves the queue unchanged.
func (s *Service) Stage(ctx context.Context, items []plan.Item) (gate.Report, error) {
	var report gate.Report
	err := s.run(ctx, "stage", func(ctx context.Context) error {
		if len(items) == 0 {
			return domain.NewError(domain.CodeEmptyPlan, "no items to stage")
		}
		doc, err := s.document(ctx)
		if err != nil {
			return err
		}
		s.stageMu.Lock()
		defer s.stageMu.Unlock()
		report = gate.ValidateStage(doc, s.plans.List(), items, s.gateOptions(ctx))
		if report.Blocked {
			return report.Err()
		}
		s.plans.Add(report.Accepted, true)
		s.logger.Info("items staged", "count", len(report.Accepted), "queued", s.plans.Count())
		return nil
	})
	return report, err
}

// ListStaged returns a copy of the staged queue.
func (s *Service) ListStaged() []plan.Item {
	return s.plans.List()
}

// RemoveStaged removes staged items by index.
func (s *Service) RemoveStaged(indices ...int) (int, error) {
	if len(indices) == 0 {
		return 0, domain.NewError(domain.CodeInvalidStagedOperation, "no indices given")
	}
	n := s.plans.RemoveByIndices(indices)
	if n == 0 {
		return 0, domain.NewError(domain.CodeStagedItemNotFound, "no staged item at the given index").
			WithHint("list staged items to find valid indices").
			WithContext("indices", indices)
	}
	return n, nil
}

// RemoveStagedByKey removes the staged item with the given identity.
func (s *Service) RemoveStagedByKey(key plan.Key) (int, error) {
	n := s.plans.RemoveByKey(key)
	if n == 0 {
		return 0, domain.Errorf(domain.CodeStagedItemNotFound, "no staged item matches %s", key).
			WithHint("list staged items to find the exact action, record_id and position")
	}
	return n, nil
}

// ClearStaged empties the queue and returns what was removed.
func (s *Service) ClearStaged() []plan.Item {
	return s.plans.Clear()
}

// Preview runs the staging gate without touching the queue.
func (s *Service) Preview(ctx context.Context, items []plan.Item) (gate.Report, error) {
	var report gate.Report
	err := s.run(ctx, "preview", func(ctx context.Context) error {
		if len(items) == 0 {
			return domain.NewError(domain.CodeEmptyPlan, "no items to preview")
		}
		doc, err := s.document(ctx)
		if err != nil {
			return err
		}
		report = gate.ValidateStage(doc, s.plans.List(), items, s.gateOptions(ctx))
		return report.Err()
	})
	return report, err
}

// ItemResult is the outcome of one plan item.
type ItemResult struct {
	Index     int         `json:"index"`
	Item      plan.Item   `json:"item"`
	Status    AuditStatus `json:"status"`
	RecordIDs []int       `json:"record_ids,omitempty"`
	Code      domain.Code `json:"error_code,omitempty"`
	Message   string      `json:"message,omitempty"`
}

// ExecuteResult reports an Execute call.
type ExecuteResult struct {
	Items     []ItemResult    `json:"items"`
	BackupRef string          `json:"backup_ref,omitempty"`
	Warnings  []string        `json:"warnings,omitempty"`
	Before    InventoryStats  `json:"before"`
	After     InventoryStats  `json:"after"`
	Report    gate.Report     `json:"report"`
	Rollback  *RollbackResult `json:"rollback,omitempty"`
	Remaining int             `json:"remaining"`
}

// Execute commits the staged queue as one atomic batch. The batch is
// re-validated against the current inventory, a snapshot of the
// pre-commit document is captured, and one audit entry is written per item.
// On any failure nothing is written and the queue is preserved.
func (s *Service) Execute(ctx context.Context) (ExecuteResult, error) {
	var result ExecuteResult
	err := s.run(ctx, "execute", func(ctx context.Context) error {
		s.execMu.Lock()
		defer s.execMu.Unlock()

		items := s.plans.List()
		if len(items) == 0 {
			return domain.NewError(domain.CodeEmptyPlan, "nothing staged").
				WithHint("stage at least one item before executing")
		}
		if len(items) == 1 && items[0].Action == plan.ActionRollback {
			return s.executeRollback(ctx, items[0], &result)
		}
		return s.executeBatch(ctx, items, &result)
	})
	result.Remaining = s.plans.Count()
	return result, err
}

func (s *Service) executeRollback(ctx context.Context, item plan.Item, result *ExecuteResult) error {
	payload, _ := item.Payload.(plan.RollbackPayload)
	rr, err := s.rollbackTo(ctx, payload.BackupRef, item.Source, "rollback", item)
	res := ItemResult{Index: 0, Item: item, Status: AuditStatusSuccess}
	if err != nil {
		res.Status = AuditStatusError
		res.Code = domain.CodeOf(err)
		res.Message = err.Error()
		result.Items = []ItemResult{res}
		return err
	}
	s.plans.RemoveByKey(item.Key())
	result.Items = []ItemResult{res}
	result.Rollback = &rr
	result.BackupRef = rr.SnapshotBeforeRollback
	return nil
}

func (s *Service) executeBatch(ctx context.Context, items []plan.Item, result *ExecuteResult) error {
	if s.backups == nil {
		return domain.NewError(domain.CodeBackupFailed, "no backup repository configured")
	}
	start := s.clock.Now()
	tid := traceID(ctx)

	var (
		report    gate.Report
		backupRef string
	)
	res, err := s.store.RunInTransaction(domain.WithEvaluationTime(ctx, start), func(tx domain.Transaction) error {
		doc := tx.Document()
		result.Before = CollectStats(doc.Meta, doc.Inventory)
		report = gate.ValidateBatch(*doc, items, gate.Options{Now: start})
		if report.Blocked {
			return report.Err()
		}
		next := report.Preflight.Document
		if next.Meta.InventoryInstanceID == "" {
			next.Meta.InventoryInstanceID = uuid.NewString()
		}
		instance := next.Meta.InventoryInstanceID
		tx.Replace(next)
		for _, c := range report.Preflight.Changes {
			tx.RecordChange(c)
		}
		result.After = CollectStats(next.Meta, next.Inventory)
		tx.BeforeWrite(func(ctx context.Context, prior domain.Document) error {
			if prior.Meta.InventoryInstanceID == "" {
				prior.Meta.InventoryInstanceID = instance
			}
			ref, err := s.backups.Put(ctx, prior)
			if err != nil {
				return err
			}
			backupRef = ref
			return nil
		})
		tx.AfterWrite(func(ctx context.Context, err error) {
			if backupRef != "" {
				s.settleBackup(ctx, backupRef, instance, err)
			}
		})
		return nil
	})
	result.Report = report
	elapsed := s.clock.Now().Sub(start)

	if err != nil {
		result.Items = s.failedItems(items, report, err)
		for _, ir := range result.Items {
			s.recordItem(ctx, ir, "", nil, nil, tid, elapsed)
		}
		return err
	}

	for _, it := range items {
		s.plans.RemoveByKey(it.Key())
	}
	s.arm(backupRef)

	result.BackupRef = backupRef
	result.Warnings = res.Messages(domain.SeverityWarn)
	details := map[string]any{
		"batch_size": len(items),
		"before":     result.Before,
		"after":      result.After,
	}
	for _, out := range report.Preflight.Outcomes {
		ir := ItemResult{Index: out.Index, Item: out.Item, Status: AuditStatusSuccess, RecordIDs: out.RecordIDs}
		result.Items = append(result.Items, ir)
		s.recordItem(ctx, ir, backupRef, result.Warnings, details, tid, elapsed)
	}
	for _, w := range result.Warnings {
		s.logger.Warn("commit warning", "warning", w)
	}
	s.logger.Info("plan executed", "items", len(items), "backup", backupRef)
	return nil
}

// failedItems attributes a batch failure to every item. Items the gate
// blocked carry their own code; the rest carry the batch error's code.
func (s *Service) failedItems(items []plan.Item, report gate.Report, err error) []ItemResult {
	blocked := make(map[int]gate.BlockedItem, len(report.BlockedItems))
	for _, b := range report.BlockedItems {
		blocked[b.Index] = b
	}
	code := domain.CodeOf(err)
	out := make([]ItemResult, len(items))
	for i, it := range items {
		ir := ItemResult{Index: i, Item: it, Status: AuditStatusError, Code: code, Message: err.Error()}
		if b, ok := blocked[i]; ok {
			ir.Code = b.Code
			ir.Message = b.Message
		}
		out[i] = ir
	}
	return out
}

func (s *Service) recordItem(ctx context.Context, ir ItemResult, backupRef string, warnings []string, details map[string]any, tid string, d time.Duration) {
	entry := AuditEntry{
		Operation:   "execute",
		Action:      string(ir.Item.Action),
		Status:      ir.Status,
		Source:      string(ir.Item.Source),
		AffectedIDs: ir.RecordIDs,
		BackupRef:   backupRef,
		ErrorCode:   string(ir.Code),
		Warnings:    warnings,
		Details:     details,
		Input:       ir.Item,
		TraceID:     tid,
		Duration:    d,
		Timestamp:   s.clock.Now().UTC(),
	}
	if ir.Item.RecordID > 0 {
		entry.RecordIDs = []int{ir.Item.RecordID}
	}
	if ir.Status == AuditStatusError {
		entry.Error = ir.Message
	}
	s.audit.Record(ctx, entry)
}

// RollbackResult reports a restore.
type RollbackResult struct {
	RestoredFrom           string `json:"restored_from"`
	SnapshotBeforeRollback string `json:"snapshot_before_rollback"`
	Records                int    `json:"records"`
}

// Rollback restores the inventory from a snapshot. An empty ref picks the
// newest snapshot of the current inventory. The state being replaced is
// itself captured first, so a rollback can be rolled back.
func (s *Service) Rollback(ctx context.Context, ref string, source plan.Source) (RollbackResult, error) {
	var rr RollbackResult
	err := s.run(ctx, "rollback", func(ctx context.Context) error {
		s.execMu.Lock()
		defer s.execMu.Unlock()
		var err error
		rr, err = s.rollbackTo(ctx, ref, source, "rollback", nil)
		return err
	})
	return rr, err
}

// Undo rolls back the most recent commit while the undo window is open.
func (s *Service) Undo(ctx context.Context) (RollbackResult, error) {
	var rr RollbackResult
	err := s.run(ctx, "undo", func(ctx context.Context) error {
		s.execMu.Lock()
		defer s.execMu.Unlock()
		ref, ok := s.UndoAvailable()
		if !ok {
			return domain.NewError(domain.CodeUndoUnavailable, "nothing to undo").
				WithHint("undo is only available shortly after a commit; use rollback with an explicit backup instead")
		}
		var err error
		rr, err = s.rollbackTo(ctx, ref, plan.SourceHuman, "undo", nil)
		return err
	})
	return rr, err
}

// UndoAvailable returns the snapshot Undo would restore.
func (s *Service) UndoAvailable() (string, bool) {
	s.undoMu.Lock()
	defer s.undoMu.Unlock()
	if s.undo.ref == "" || s.undoWindow <= 0 {
		return "", false
	}
	if s.clock.Now().Sub(s.undo.armedAt) > s.undoWindow {
		return "", false
	}
	return s.undo.ref, true
}

func (s *Service) arm(ref string) {
	s.undoMu.Lock()
	s.undo = undoState{ref: ref, armedAt: s.clock.Now()}
	s.undoMu.Unlock()
}

func (s *Service) disarm() {
	s.undoMu.Lock()
	s.undo = undoState{}
	s.undoMu.Unlock()
}

func (s *Service) rollbackTo(ctx context.Context, ref string, source plan.Source, action string, input any) (RollbackResult, error) {
	start := s.clock.Now()
	rr := RollbackResult{RestoredFrom: ref}
	err := s.restore(ctx, &rr)
	entry := AuditEntry{
		Operation: "rollback",
		Action:    action,
		Status:    AuditStatusSuccess,
		Source:    string(source),
		BackupRef: rr.SnapshotBeforeRollback,
		Details: map[string]any{
			"restored_from":            rr.RestoredFrom,
			"snapshot_before_rollback": rr.SnapshotBeforeRollback,
		},
		Input:     input,
		TraceID:   traceID(ctx),
		Duration:  s.clock.Now().Sub(start),
		Timestamp: s.clock.Now().UTC(),
	}
	if err != nil {
		entry.Status = AuditStatusError
		entry.ErrorCode = string(domain.CodeOf(err))
		entry.Error = err.Error()
		s.audit.Record(ctx, entry)
		return rr, err
	}
	s.audit.Record(ctx, entry)
	s.logger.Info("inventory restored", "from", rr.RestoredFrom, "snapshot", rr.SnapshotBeforeRollback)
	return rr, nil
}

func (s *Service) restore(ctx context.Context, rr *RollbackResult) error {
	if s.backups == nil {
		return domain.NewError(domain.CodeNoBackups, "no backup repository configured")
	}
	current, err := s.document(ctx)
	if err != nil {
		return err
	}
	if rr.RestoredFrom == "" {
		latest, err := s.backups.Latest(ctx, backup.Instance(current))
		if err != nil {
			return err
		}
		rr.RestoredFrom = latest.Ref
	}
	restored, err := s.backups.Load(ctx, rr.RestoredFrom)
	if err != nil {
		return err
	}
	rr.Records = len(restored.Inventory)

	var snapInstance string
	_, err = s.store.RunInTransaction(domain.WithEvaluationTime(ctx, s.clock.Now()), func(tx domain.Transaction) error {
		tx.Replace(restored)
		tx.RecordChange(domain.Change{Action: domain.ChangeRestore})
		tx.BeforeWrite(func(ctx context.Context, prior domain.Document) error {
			if prior.Meta.InventoryInstanceID == "" {
				prior.Meta.InventoryInstanceID = restored.Meta.InventoryInstanceID
			}
			snapInstance = backup.Instance(prior)
			ref, err := s.backups.Put(ctx, prior)
			if err != nil {
				return err
			}
			rr.SnapshotBeforeRollback = ref
			return nil
		})
		tx.AfterWrite(func(ctx context.Context, err error) {
			if rr.SnapshotBeforeRollback == "" {
				return
			}
			s.settleBackup(ctx, rr.SnapshotBeforeRollback, snapInstance, err)
			if err != nil {
				rr.SnapshotBeforeRollback = ""
			}
		})
		return nil
	})
	var violation domain.RuleViolationError
	if errors.As(err, &violation) {
		return domain.WrapError(err, domain.CodeRollbackBackupInvalid, "backup failed integrity validation").
			WithContext("ref", rr.RestoredFrom)
	}
	if err != nil {
		return err
	}
	s.disarm()
	return nil
}

// ListBackups returns the snapshots of the current inventory, newest first.
func (s *Service) ListBackups(ctx context.Context) ([]backup.Entry, error) {
	if s.backups == nil {
		return nil, nil
	}
	doc, err := s.document(ctx)
	if err != nil {
		return nil, err
	}
	return s.backups.List(ctx, backup.Instance(doc))
}
