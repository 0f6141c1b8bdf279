// Package memory provides the in-process inventory store. Durable drivers
// embed it and plug in a Sink that writes the committed document.
package memory

import (
	"context"
	"sync"
	"time"

	"cryocore/pkg/domain"
)

// Sink persists a committed document. A Sink error aborts the commit and
// leaves the in-memory state untouched.
type Sink interface {
	Persist(ctx context.Context, doc domain.Document) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, doc domain.Document) error

// Persist implements Sink.
func (f SinkFunc) Persist(ctx context.Context, doc domain.Document) error {
	return f(ctx, doc)
}

// Option customises a Store.
type Option func(*Store)

// WithSink installs the durable write step.
func WithSink(sink Sink) Option {
	return func(s *Store) { s.sink = sink }
}

// WithDocument seeds the initial document.
func WithDocument(doc domain.Document) Option {
	return func(s *Store) { s.doc = doc.Clone() }
}

// WithClock overrides the time source reported by NowFunc.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Store keeps the inventory document in memory and serialises commits.
type Store struct {
	mu     sync.RWMutex
	doc    domain.Document
	engine *domain.RulesEngine
	sink   Sink
	now    func() time.Time
}

// NewStore constructs a store. A nil engine gets an empty one.
func NewStore(engine *domain.RulesEngine, opts ...Option) *Store {
	if engine == nil {
		engine = domain.NewRulesEngine()
	}
	s := &Store{engine: engine, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type transaction struct {
	doc     domain.Document
	changes []domain.Change
	hooks   []domain.WriteHook
	after   []domain.CommitHook
}

func (tx *transaction) Snapshot() domain.TransactionView {
	return view{doc: tx.doc.Clone()}
}

func (tx *transaction) Document() *domain.Document { return &tx.doc }

func (tx *transaction) Replace(doc domain.Document) { tx.doc = doc.Clone() }

func (tx *transaction) RecordChange(change domain.Change) {
	tx.changes = append(tx.changes, change)
}

func (tx *transaction) BeforeWrite(hook domain.WriteHook) {
	if hook != nil {
		tx.hooks = append(tx.hooks, hook)
	}
}

func (tx *transaction) AfterWrite(hook domain.CommitHook) {
	if hook != nil {
		tx.after = append(tx.after, hook)
	}
}

// RunInTransaction runs fn against a working copy. The copy is committed
// only when fn succeeds, no rule blocks, every BeforeWrite hook succeeds and
// the sink accepts the document. Any failure discards the copy. AfterWrite
// hooks observe the outcome of the write phase.
func (s *Store) RunInTransaction(ctx context.Context, fn func(domain.Transaction) error) (domain.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &transaction{doc: s.doc.Clone()}
	if err := fn(tx); err != nil {
		return domain.Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return domain.Result{}, err
	}

	var result domain.Result
	if s.engine != nil {
		res, err := s.engine.Evaluate(ctx, view{doc: tx.doc}, tx.changes)
		if err != nil {
			return domain.Result{}, err
		}
		result = res
		if res.HasBlocking() {
			return res, domain.RuleViolationError{Result: res}
		}
	}

	err := s.write(ctx, tx)
	for _, hook := range tx.after {
		hook(ctx, err)
	}
	return result, err
}

func (s *Store) write(ctx context.Context, tx *transaction) error {
	for _, hook := range tx.hooks {
		if err := hook(ctx, s.doc.Clone()); err != nil {
			return err
		}
	}
	if s.sink != nil {
		if err := s.sink.Persist(ctx, tx.doc.Clone()); err != nil {
			return domain.WrapError(err, domain.CodeWriteFailed, "failed to write inventory")
		}
	}
	s.doc = tx.doc
	return nil
}

// View executes fn against a read-only snapshot.
func (s *Store) View(_ context.Context, fn func(domain.TransactionView) error) error {
	s.mu.RLock()
	snapshot := s.doc.Clone()
	s.mu.RUnlock()
	return fn(view{doc: snapshot})
}

// Describe names the backend.
func (s *Store) Describe() string { return "memory" }

// ExportDocument returns a deep copy of the committed document.
func (s *Store) ExportDocument() domain.Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.Clone()
}

// ImportDocument replaces the committed document without running rules or
// the sink. Drivers use it to load their persisted state.
func (s *Store) ImportDocument(doc domain.Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc = doc.Clone()
}

// RulesEngine exposes the configured engine.
func (s *Store) RulesEngine() *domain.RulesEngine { return s.engine }

// NowFunc exposes the store clock.
func (s *Store) NowFunc() func() time.Time { return s.now }

type view struct {
	doc domain.Document
}

func (v view) Meta() domain.Meta { return v.doc.Meta }

func (v view) ListRecords() []domain.Record {
	out := make([]domain.Record, len(v.doc.Inventory))
	for i, rec := range v.doc.Inventory {
		out[i] = rec.Clone()
	}
	return out
}

func (v view) FindRecord(id int) (domain.Record, bool) {
	idx := v.doc.FindRecord(id)
	if idx < 0 {
		return domain.Record{}, false
	}
	return v.doc.Inventory[idx].Clone(), true
}

func (v view) Document() domain.Document { return v.doc.Clone() }

var (
	_ domain.PersistentStore = (*Store)(nil)
	_ domain.Transaction     = (*transaction)(nil)
	_ domain.TransactionView = view{}
)
