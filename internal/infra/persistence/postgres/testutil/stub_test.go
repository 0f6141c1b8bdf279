package testutil

import (
	"context"
	"testing"
)

func TestUpsertReplacesRowByFirstColumn(t *testing.T) {
	ctx := context.Background()
	db, conn := NewDB()
	for _, payload := range []string{"one", "two"} {
		if _, err := db.ExecContext(ctx, `INSERT INTO state(bucket,payload) VALUES($1,$2) ON CONFLICT(bucket) DO UPDATE SET payload=EXCLUDED.payload`, "meta", payload); err != nil {
			t.Fatalf("exec: %v", err)
		}
	}
	rows := conn.Rows("state")
	if len(rows) != 1 || rows[0]["payload"] != "two" {
		t.Fatalf("unexpected rows %v", rows)
	}

	res, err := db.QueryContext(ctx, `SELECT bucket, payload FROM state`)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	defer func() { _ = res.Close() }()
	var bucket, payload string
	if !res.Next() {
		t.Fatalf("expected a row")
	}
	if err := res.Scan(&bucket, &payload); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if bucket != "meta" || payload != "two" {
		t.Fatalf("got %s=%s", bucket, payload)
	}
}

func TestFailureSwitches(t *testing.T) {
	ctx := context.Background()
	db, conn := NewDB()
	conn.FailPing = true
	if err := db.PingContext(ctx); err == nil {
		t.Fatalf("expected ping failure")
	}
	conn.FailQuery = true
	if _, err := db.QueryContext(ctx, `SELECT bucket FROM state`); err == nil {
		t.Fatalf("expected query failure")
	}
	conn.FailBegin = true
	if _, err := db.BeginTx(ctx, nil); err == nil {
		t.Fatalf("expected begin failure")
	}
}
