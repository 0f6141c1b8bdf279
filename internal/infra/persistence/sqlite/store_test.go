package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"cryocore/pkg/domain"
)

func seed() domain.Document {
	return domain.Document{
		Meta: domain.Meta{
			BoxLayout:           domain.BoxLayout{Rows: 9, Cols: 9, BoxCount: 2},
			InventoryInstanceID: "inst-1",
		},
		Inventory: []domain.Record{
			{ID: 1, Box: 1, Position: domain.IntPtr(4), FrozenAt: "2024-01-01", Fields: map[string]any{"cell_line": "HeLa"}},
		},
	}
}

func TestStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "inv.db")
	doc := seed()
	store, err := NewStore(path, nil, &doc)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_, err = store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		d := tx.Document()
		d.Inventory[0].Position = nil
		d.Inventory[0].Events = append(d.Inventory[0].Events, domain.Event{Date: "2025-01-01", Action: domain.EventThaw, Positions: []int{4}})
		return nil
	})
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := NewStore(path, nil, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = reopened.Close() }()
	got := reopened.ExportDocument()
	if got.Meta.InventoryInstanceID != "inst-1" || len(got.Inventory) != 1 {
		t.Fatalf("unexpected document %+v", got)
	}
	rec := got.Inventory[0]
	if rec.Active() || len(rec.Events) != 1 || rec.Events[0].Action != domain.EventThaw {
		t.Fatalf("unexpected record %+v", rec)
	}
	if rec.Fields["cell_line"] != "HeLa" {
		t.Fatalf("fields lost: %+v", rec.Fields)
	}
	if reopened.Path() != path || reopened.DB() == nil || reopened.Describe() != "sqlite:"+path {
		t.Fatalf("unexpected accessors")
	}
}

func TestStoreEmptyDatabaseWithoutSeed(t *testing.T) {
	store, err := NewStore(filepath.Join(t.TempDir(), "inv.db"), nil, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = store.Close() }()
	if n := len(store.ExportDocument().Inventory); n != 0 {
		t.Fatalf("expected empty inventory, got %d", n)
	}
}

func TestStoreWriteFailureKeepsState(t *testing.T) {
	doc := seed()
	store, err := NewStore(filepath.Join(t.TempDir(), "inv.db"), nil, &doc)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_ = store.DB().Close()
	_, err = store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		tx.Document().Inventory = nil
		return nil
	})
	if domain.CodeOf(err) != domain.CodeWriteFailed {
		t.Fatalf("expected write_failed, got %v", err)
	}
	if len(store.ExportDocument().Inventory) != 1 {
		t.Fatalf("state changed after failed write")
	}
}
