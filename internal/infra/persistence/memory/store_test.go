package memory

import (
	"context"
	"errors"
	"testing"

	"cryocore/pkg/domain"
)

func seed() domain.Document {
	return domain.Document{
		Meta: domain.Meta{BoxLayout: domain.BoxLayout{Rows: 9, Cols: 9, BoxCount: 2}},
		Inventory: []domain.Record{
			{ID: 1, Box: 1, Position: domain.IntPtr(1), FrozenAt: "2024-01-01"},
		},
	}
}

type blockingRule struct{}

func (blockingRule) Name() string { return "block" }

func (blockingRule) Evaluate(_ context.Context, view domain.RuleView, _ []domain.Change) (domain.Result, error) {
	if len(view.ListRecords()) < 2 {
		return domain.Result{}, nil
	}
	return domain.Result{Violations: []domain.Violation{{Rule: "block", Severity: domain.SeverityBlock, Message: "too many"}}}, nil
}

func addRecord(tx domain.Transaction) error {
	doc := tx.Document()
	doc.Inventory = append(doc.Inventory, domain.Record{ID: 2, Box: 1, Position: domain.IntPtr(2), FrozenAt: "2024-01-01"})
	tx.RecordChange(domain.Change{Action: domain.ChangeAdd, RecordID: 2})
	return nil
}

func TestStoreRunInTransactionCommits(t *testing.T) {
	store := NewStore(nil, WithDocument(seed()))
	ctx := context.Background()
	_, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		if err := addRecord(tx); err != nil {
			return err
		}
		if len(tx.Snapshot().ListRecords()) != 2 {
			t.Fatalf("snapshot should see working copy")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("run transaction: %v", err)
	}
	if got := len(store.ExportDocument().Inventory); got != 2 {
		t.Fatalf("expected 2 records, got %d", got)
	}
	if store.Describe() != "memory" || store.RulesEngine() == nil || store.NowFunc() == nil {
		t.Fatalf("unexpected accessors")
	}
}

func TestStoreFailuresLeaveStateUntouched(t *testing.T) {
	boom := errors.New("boom")
	cases := []struct {
		name string
		opts []Option
		rule domain.Rule
		hook domain.WriteHook
		fn   func(domain.Transaction) error
		code domain.Code
	}{
		{name: "fn error", fn: func(domain.Transaction) error { return boom }},
		{name: "blocking rule", rule: blockingRule{}, fn: addRecord, code: domain.CodeIntegrityValidationFailed},
		{name: "hook error", hook: func(context.Context, domain.Document) error { return boom }, fn: addRecord},
		{
			name: "sink error",
			opts: []Option{WithSink(SinkFunc(func(context.Context, domain.Document) error { return boom }))},
			fn:   addRecord,
			code: domain.CodeWriteFailed,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			engine := domain.NewRulesEngine()
			if tc.rule != nil {
				engine.Register(tc.rule)
			}
			store := NewStore(engine, append([]Option{WithDocument(seed())}, tc.opts...)...)
			_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
				if tc.hook != nil {
					tx.BeforeWrite(tc.hook)
				}
				return tc.fn(tx)
			})
			if err == nil {
				t.Fatalf("expected error")
			}
			if tc.code != "" && domain.CodeOf(err) != tc.code {
				t.Fatalf("expected %s, got %v", tc.code, err)
			}
			if got := len(store.ExportDocument().Inventory); got != 1 {
				t.Fatalf("state changed: %d records", got)
			}
		})
	}
}

func TestStoreHookSeesPriorDocumentAndSinkSeesNew(t *testing.T) {
	var priorCount, sunkCount int
	sink := SinkFunc(func(_ context.Context, doc domain.Document) error {
		sunkCount = len(doc.Inventory)
		return nil
	})
	store := NewStore(nil, WithDocument(seed()), WithSink(sink))
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		tx.BeforeWrite(func(_ context.Context, prior domain.Document) error {
			priorCount = len(prior.Inventory)
			return nil
		})
		return addRecord(tx)
	})
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}
	if priorCount != 1 || sunkCount != 2 {
		t.Fatalf("prior=%d sunk=%d", priorCount, sunkCount)
	}
}

func TestStoreAfterWriteSeesOutcome(t *testing.T) {
	boom := errors.New("boom")
	cases := []struct {
		name   string
		rule   domain.Rule
		sink   SinkFunc
		calls  int
		wantOK bool
	}{
		{name: "committed", calls: 1, wantOK: true},
		{name: "sink error", sink: func(context.Context, domain.Document) error { return boom }, calls: 1},
		{name: "blocking rule", rule: blockingRule{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			engine := domain.NewRulesEngine()
			if tc.rule != nil {
				engine.Register(tc.rule)
			}
			opts := []Option{WithDocument(seed())}
			if tc.sink != nil {
				opts = append(opts, WithSink(tc.sink))
			}
			store := NewStore(engine, opts...)
			var (
				calls   int
				lastErr error
			)
			_, _ = store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
				tx.AfterWrite(func(_ context.Context, err error) {
					calls++
					lastErr = err
				})
				return addRecord(tx)
			})
			if calls != tc.calls {
				t.Fatalf("after-write hook ran %d times, want %d", calls, tc.calls)
			}
			if calls > 0 && (lastErr == nil) != tc.wantOK {
				t.Fatalf("unexpected outcome %v", lastErr)
			}
		})
	}
}

func TestStoreCancelledContextDiscards(t *testing.T) {
	store := NewStore(nil, WithDocument(seed()))
	ctx, cancel := context.WithCancel(context.Background())
	_, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		cancel()
		return addRecord(tx)
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if len(store.ExportDocument().Inventory) != 1 {
		t.Fatalf("cancelled transaction committed")
	}
}

func TestStoreViewIsolation(t *testing.T) {
	store := NewStore(nil, WithDocument(seed()))
	err := store.View(context.Background(), func(v domain.TransactionView) error {
		rec, ok := v.FindRecord(1)
		if !ok {
			t.Fatalf("expected record 1")
		}
		*rec.Position = 99
		doc := v.Document()
		doc.Inventory[0].Box = 7
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	got := store.ExportDocument().Inventory[0]
	if *got.Position != 1 || got.Box != 1 {
		t.Fatalf("view mutated committed state: %+v", got)
	}
}

func TestStoreReplaceAndImport(t *testing.T) {
	store := NewStore(nil)
	store.ImportDocument(seed())
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		tx.Replace(domain.Document{Meta: seed().Meta})
		tx.RecordChange(domain.Change{Action: domain.ChangeRestore})
		return nil
	})
	if err != nil {
		t.Fatalf("replace: %v", err)
	}
	if len(store.ExportDocument().Inventory) != 0 {
		t.Fatalf("expected replaced document")
	}
}
