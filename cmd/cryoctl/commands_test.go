package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"cryocore/internal/infra/persistence/yamlfile"
	"cryocore/pkg/domain"
)

func setupEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	doc := domain.Document{
		Meta: domain.Meta{BoxLayout: domain.BoxLayout{Rows: 9, Cols: 9, BoxCount: 2}},
		Inventory: []domain.Record{
			{ID: 7, Box: 1, Position: domain.IntPtr(5), FrozenAt: "2024-01-01", Fields: map[string]any{"cell_line": "HeLa"}},
			{ID: 9, Box: 1, Position: domain.IntPtr(6), FrozenAt: "2024-01-01", Fields: map[string]any{"cell_line": "K562"}},
		},
	}
	data, err := domain.EncodeYAML(doc)
	if err != nil {
		t.Fatalf("encode seed: %v", err)
	}
	path := filepath.Join(dir, "inventory.yaml")
	if err := yamlfile.WriteAtomic(path, data); err != nil {
		t.Fatalf("write seed: %v", err)
	}
	t.Setenv("CRYOCORE_STORAGE_DRIVER", "yaml")
	t.Setenv("CRYOCORE_YAML_PATH", path)
	t.Setenv("CRYOCORE_BACKUP_DIR", filepath.Join(dir, "backups"))
	t.Setenv("CRYOCORE_AUDIT_PATH", filepath.Join(dir, "audit", "events.jsonl"))
	t.Setenv("CRYOCORE_METRICS", "none")
	t.Setenv("CRYOCORE_TRACING", "json")
	t.Setenv("CRYOCORE_WATCH_YAML", "false")
	return path
}

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	root := newRootCmd(&out, &errOut)
	root.SetArgs(args)
	root.SetIn(strings.NewReader(stdin))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestApplyThenInspect(t *testing.T) {
	path := setupEnv(t)

	items := `[
		{"action":"move","record_id":7,"box":1,"position":5,"to_position":8,"date":"2025-06-01"},
		{"action":"takeout","record_id":9,"box":1,"position":6,"date":"2025-06-01"}
	]`
	out, err := run(t, items, "apply")
	if err != nil {
		t.Fatalf("apply: %v\n%s", err, out)
	}
	var res struct {
		BackupRef string `json:"backup_ref"`
		Items     []any  `json:"items"`
	}
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("decode apply output: %v", err)
	}
	if res.BackupRef == "" || len(res.Items) != 2 {
		t.Fatalf("unexpected apply result %s", out)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read inventory: %v", err)
	}
	doc, err := domain.DecodeYAML(data)
	if err != nil {
		t.Fatalf("decode inventory: %v", err)
	}
	if p := doc.Inventory[doc.FindRecord(7)].Position; p == nil || *p != 8 {
		t.Fatalf("record 7 not persisted at 8: %v", p)
	}

	out, err = run(t, "", "backups")
	if err != nil || !strings.Contains(out, res.BackupRef) {
		t.Fatalf("backups: %v\n%s", err, out)
	}

	out, err = run(t, "", "audit", "--record", "7")
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	var events []map[string]any
	if err := json.Unmarshal([]byte(out), &events); err != nil || len(events) != 1 {
		t.Fatalf("expected one event for record 7, got %v (%v)", out, err)
	}

	out, err = run(t, "", "guide")
	if err != nil {
		t.Fatalf("guide: %v", err)
	}
	if !strings.Contains(out, "move HeLa from Box 1:5 to Box 1:8 (ID 7)") {
		t.Fatalf("guide missing move line:\n%s", out)
	}
	if !strings.Contains(out, "K562 from Box 1:6 (ID 9)") {
		t.Fatalf("guide missing takeout line:\n%s", out)
	}
}

func TestApplyDryRunLeavesInventory(t *testing.T) {
	path := setupEnv(t)
	before, _ := os.ReadFile(path)

	out, err := run(t, `{"items":[{"action":"takeout","record_id":9,"box":1,"position":6,"date":"2025-06-01"}]}`, "apply", "--dry-run")
	if err != nil {
		t.Fatalf("dry run: %v\n%s", err, out)
	}
	after, _ := os.ReadFile(path)
	if !bytes.Equal(before, after) {
		t.Fatalf("dry run modified the inventory")
	}
}

func TestApplyBlockedPlan(t *testing.T) {
	setupEnv(t)
	_, err := run(t, `[{"action":"move","record_id":7,"box":1,"position":4,"to_position":8,"date":"2025-06-01"}]`, "apply")
	if domain.CodeOf(err) != domain.CodeFromMismatch {
		t.Fatalf("expected from_mismatch, got %v", err)
	}
}

func TestToolCommandCommits(t *testing.T) {
	setupEnv(t)
	out, err := run(t, `{"record_id":9,"date":"2025-06-01"}`, "tool", "record_takeout")
	if err != nil {
		t.Fatalf("tool: %v\n%s", err, out)
	}
	if !strings.Contains(out, `"backup_ref"`) {
		t.Fatalf("expected an execute result, got %s", out)
	}

	out, err = run(t, `{"record_id":9}`, "tool", "record_takeout", "--execute=false")
	if domain.CodeOf(err) != domain.CodePositionNotFound {
		t.Fatalf("taken-out record should have no active position, got %v\n%s", err, out)
	}
}

func TestInvalidConfigStopsCommands(t *testing.T) {
	setupEnv(t)
	t.Setenv("CRYOCORE_STORAGE_DRIVER", "etcd")
	if _, err := run(t, "", "inventory"); err == nil || !strings.Contains(err.Error(), "invalid config") {
		t.Fatalf("expected config error, got %v", err)
	}
}

func TestEventFlagsFilter(t *testing.T) {
	cases := []struct {
		since   string
		want    time.Time
		wantErr bool
	}{
		{"", time.Time{}, false},
		{"2025-06-01", time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC), false},
		{"2025-06-01T10:00:00Z", time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC), false},
		{"yesterday", time.Time{}, true},
	}
	for _, tc := range cases {
		f, err := eventFlags{since: tc.since, record: 3}.filter()
		if (err != nil) != tc.wantErr {
			t.Fatalf("%q: unexpected error %v", tc.since, err)
		}
		if err == nil && (!f.Since.Equal(tc.want) || f.RecordID != 3) {
			t.Fatalf("%q: unexpected filter %+v", tc.since, f)
		}
	}
}

func TestDecodeItemsShapes(t *testing.T) {
	for _, raw := range []string{`[{"action":"add"}]`, `{"items":[{"action":"add"}]}`} {
		rows, err := decodeItems([]byte(raw))
		if err != nil || len(rows) != 1 || rows[0]["action"] != "add" {
			t.Fatalf("%s: unexpected %v %v", raw, rows, err)
		}
	}
	if _, err := decodeItems([]byte(`{"items":`)); err == nil {
		t.Fatalf("expected decode error")
	}
}
