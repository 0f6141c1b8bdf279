package backup

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"cryocore/internal/blob"
	"cryocore/pkg/domain"
)

func doc(instance string) domain.Document {
	return domain.Document{
		Meta: domain.Meta{BoxLayout: domain.BoxLayout{Rows: 9, Cols: 9}, InventoryInstanceID: instance},
		Inventory: []domain.Record{
			{ID: 1, Box: 1, Position: domain.IntPtr(3), FrozenAt: "2024-01-01"},
		},
	}
}

type steppingClock struct {
	t    time.Time
	step time.Duration
}

func (c *steppingClock) now() time.Time {
	t := c.t
	c.t = c.t.Add(c.step)
	return t
}

func TestSaveNamesSnapshotsAndSuffixesCollisions(t *testing.T) {
	ctx := context.Background()
	fixed := time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC)
	repo := New(blob.NewMemory(), WithClock(func() time.Time { return fixed }))

	var refs []string
	for i := 0; i < 3; i++ {
		ref, err := repo.Save(ctx, doc("inst-a"))
		if err != nil {
			t.Fatalf("save: %v", err)
		}
		refs = append(refs, ref)
	}
	want := []string{
		"inst-a/inventory.yaml.20250304-050607.bak",
		"inst-a/inventory.yaml.20250304-050607.1.bak",
		"inst-a/inventory.yaml.20250304-050607.2.bak",
	}
	for i := range want {
		if refs[i] != want[i] {
			t.Fatalf("ref %d = %q, want %q", i, refs[i], want[i])
		}
	}

	entries, err := repo.List(ctx, "inst-a")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 3 || entries[0].Ref != want[2] || entries[2].Ref != want[0] {
		t.Fatalf("expected newest first, got %+v", entries)
	}
}

func TestSavePrunesToKeep(t *testing.T) {
	ctx := context.Background()
	clock := &steppingClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), step: time.Second}
	repo := New(blob.NewMemory(), WithKeep(2), WithClock(clock.now))
	var last string
	for i := 0; i < 4; i++ {
		ref, err := repo.Save(ctx, doc("x"))
		if err != nil {
			t.Fatalf("save: %v", err)
		}
		last = ref
	}
	entries, err := repo.List(ctx, "x")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 2 || entries[0].Ref != last {
		t.Fatalf("expected two newest kept, got %+v", entries)
	}
	latest, err := repo.Latest(ctx, "x")
	if err != nil || latest.Ref != last {
		t.Fatalf("latest = %+v, %v", latest, err)
	}
}

func TestPutDefersPruneAndDiscardRemoves(t *testing.T) {
	ctx := context.Background()
	clock := &steppingClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), step: time.Second}
	repo := New(blob.NewMemory(), WithKeep(1), WithClock(clock.now))
	kept, err := repo.Save(ctx, doc("x"))
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	pending, err := repo.Put(ctx, doc("x"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if entries, _ := repo.List(ctx, "x"); len(entries) != 2 {
		t.Fatalf("put must not prune, got %+v", entries)
	}
	if err := repo.Discard(ctx, pending); err != nil {
		t.Fatalf("discard: %v", err)
	}
	if entries, _ := repo.List(ctx, "x"); len(entries) != 1 || entries[0].Ref != kept {
		t.Fatalf("discard should restore the prior history, got %+v", entries)
	}

	next, _ := repo.Put(ctx, doc("x"))
	if err := repo.Prune(ctx, "x"); err != nil {
		t.Fatalf("prune: %v", err)
	}
	if entries, _ := repo.List(ctx, "x"); len(entries) != 1 || entries[0].Ref != next {
		t.Fatalf("prune should keep the newest, got %+v", entries)
	}
}

func TestLoadRoundTripAndErrors(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemory()
	repo := New(store, WithBaseName("ln2.yaml"))
	original := doc("")
	ref, err := repo.Save(ctx, original)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if !strings.HasPrefix(ref, DefaultInstance+"/ln2.yaml.") {
		t.Fatalf("unexpected ref %q", ref)
	}
	loaded, err := repo.Load(ctx, ref)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded.Inventory) != 1 || *loaded.Inventory[0].Position != 3 {
		t.Fatalf("unexpected loaded document %+v", loaded)
	}
	if err := repo.Exists(ctx, ref); err != nil {
		t.Fatalf("exists: %v", err)
	}

	if _, err := store.Put(ctx, "default/ln2.yaml.20250101-000000.bak", bytes.NewReader([]byte("inventory: [")), blob.PutOptions{}); err != nil {
		t.Fatalf("seed corrupt: %v", err)
	}
	for _, bad := range []string{"", "default/missing.bak", "default/ln2.yaml.20250101-000000.bak"} {
		if _, err := repo.Load(ctx, bad); domain.CodeOf(err) != domain.CodeRollbackBackupInvalid {
			t.Fatalf("load %q: expected rollback_backup_invalid, got %v", bad, err)
		}
	}
	if err := repo.Exists(ctx, "default/missing.bak"); domain.CodeOf(err) != domain.CodeRollbackBackupInvalid {
		t.Fatalf("expected missing backup error, got %v", err)
	}
}

func TestLatestWithoutBackups(t *testing.T) {
	repo := New(blob.NewMemory())
	if _, err := repo.Latest(context.Background(), "nobody"); domain.CodeOf(err) != domain.CodeNoBackups {
		t.Fatalf("expected no_backups, got %v", err)
	}
}

func TestListIgnoresForeignKeys(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemory()
	for _, key := range []string{"i/notes.txt", "i/inventory.yaml.garbage.bak", "i/inventory.yaml.20250101-000000.x.bak"} {
		if _, err := store.Put(ctx, key, bytes.NewReader(nil), blob.PutOptions{}); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	entries, err := New(store).List(ctx, "i")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected foreign keys skipped, got %+v", entries)
	}
}

func TestInstanceSanitises(t *testing.T) {
	if got := Instance(doc("a/../b")); strings.Contains(got, "/") || strings.Contains(got, "..") {
		t.Fatalf("unsafe instance %q", got)
	}
}
