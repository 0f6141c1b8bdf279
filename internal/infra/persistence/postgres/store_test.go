package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"

	"cryocore/internal/infra/persistence/postgres/testutil"
	"cryocore/pkg/domain"
)

func seed() domain.Document {
	return domain.Document{
		Meta: domain.Meta{BoxLayout: domain.BoxLayout{Rows: 9, Cols: 9, BoxCount: 2}},
		Inventory: []domain.Record{
			{ID: 3, Box: 2, Position: domain.IntPtr(8), FrozenAt: "2024-02-02"},
		},
	}
}

func openStub(t *testing.T) (*sql.DB, *testutil.Conn) {
	t.Helper()
	db, conn := testutil.NewDB()
	restore := OverrideSQLOpen(func(_, _ string) (*sql.DB, error) { return db, nil })
	t.Cleanup(restore)
	return db, conn
}

func TestNewStoreSeedsAndReloads(t *testing.T) {
	ctx := context.Background()
	db, conn := openStub(t)
	doc := seed()
	store, err := NewStore(ctx, "", nil, &doc)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if store.DB() != db || store.Describe() != "postgres" {
		t.Fatalf("unexpected accessors")
	}
	var sawDDL bool
	for _, stmt := range conn.Execs {
		if strings.Contains(strings.ToUpper(stmt), "CREATE TABLE") {
			sawDDL = true
		}
	}
	if !sawDDL {
		t.Fatalf("expected state table DDL, got %v", conn.Execs)
	}
	if len(conn.Rows("state")) != 2 {
		t.Fatalf("expected meta and inventory buckets, got %v", conn.Rows("state"))
	}

	again, err := NewStore(ctx, "ignored", nil, nil)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	got := again.ExportDocument()
	if len(got.Inventory) != 1 || got.Inventory[0].ID != 3 || got.Meta.BoxLayout.BoxCount != 2 {
		t.Fatalf("unexpected reloaded document %+v", got)
	}
}

func TestRunInTransactionPersistsDocument(t *testing.T) {
	ctx := context.Background()
	_, conn := openStub(t)
	doc := seed()
	store, err := NewStore(ctx, "", nil, &doc)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	_, err = store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		d := tx.Document()
		d.Inventory = append(d.Inventory, domain.Record{ID: 4, Box: 1, Position: domain.IntPtr(1), FrozenAt: "2024-03-03"})
		return nil
	})
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}
	var inventory string
	for _, row := range conn.Rows("state") {
		if row["bucket"] == "inventory" {
			inventory = string(row["payload"].([]byte))
		}
	}
	if !strings.Contains(inventory, `"id":4`) {
		t.Fatalf("inventory bucket not updated: %s", inventory)
	}
}

func TestPersistFailuresAbortCommit(t *testing.T) {
	cases := []struct {
		name string
		set  func(*testutil.Conn)
	}{
		{"exec", func(c *testutil.Conn) { c.FailExec = true }},
		{"begin", func(c *testutil.Conn) { c.FailBegin = true }},
		{"commit", func(c *testutil.Conn) { c.FailCommit = true }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			_, conn := openStub(t)
			doc := seed()
			store, err := NewStore(ctx, "", nil, &doc)
			if err != nil {
				t.Fatalf("NewStore: %v", err)
			}
			tc.set(conn)
			_, err = store.RunInTransaction(ctx, func(tx domain.Transaction) error {
				tx.Document().Inventory = nil
				return nil
			})
			if domain.CodeOf(err) != domain.CodeWriteFailed {
				t.Fatalf("expected write_failed, got %v", err)
			}
			if len(store.ExportDocument().Inventory) != 1 {
				t.Fatalf("state changed after failed persist")
			}
		})
	}
}

func TestNewStoreErrors(t *testing.T) {
	ctx := context.Background()
	restore := OverrideSQLOpen(func(_, _ string) (*sql.DB, error) { return nil, errors.New("dial") })
	if _, err := NewStore(ctx, "", nil, nil); err == nil {
		restore()
		t.Fatalf("expected open error")
	}
	restore()

	cases := []struct {
		name string
		set  func(*testutil.Conn)
	}{
		{"ping", func(c *testutil.Conn) { c.FailPing = true }},
		{"ddl", func(c *testutil.Conn) { c.FailExec = true }},
		{"query", func(c *testutil.Conn) { c.FailQuery = true }},
		{"rows", func(c *testutil.Conn) { c.RowsErr = errors.New("rows") }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, conn := openStub(t)
			tc.set(conn)
			if _, err := NewStore(ctx, "", nil, nil); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestLoadDecodeError(t *testing.T) {
	ctx := context.Background()
	db, _ := openStub(t)
	if _, err := db.ExecContext(ctx, `INSERT INTO state(bucket,payload) VALUES($1,$2)`, "inventory", []byte("{not json")); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := NewStore(ctx, "", nil, nil); err == nil || !strings.Contains(err.Error(), "decode inventory") {
		t.Fatalf("expected decode error, got %v", err)
	}
}
