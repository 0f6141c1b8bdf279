package core

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
)

func TestOpenPersistentStoreDrivers(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	seed := seedDocument()

	cases := []struct {
		name     string
		cfg      StorageConfig
		describe string
	}{
		{"default yaml", StorageConfig{YAMLPath: filepath.Join(dir, "inv.yaml"), Seed: &seed}, "yaml:"},
		{"memory", StorageConfig{Driver: StorageMemory, Seed: &seed}, "memory"},
		{"sqlite", StorageConfig{Driver: StorageSQLite, SQLitePath: filepath.Join(dir, "inv.db"), Seed: &seed}, "sqlite:"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store, err := OpenPersistentStore(ctx, tc.cfg, nil)
			if err != nil {
				t.Fatalf("open: %v", err)
			}
			if !strings.HasPrefix(store.Describe(), tc.describe) {
				t.Fatalf("unexpected backend %s", store.Describe())
			}
			svc := NewService(store)
			doc, err := svc.Document(ctx)
			if err != nil || len(doc.Inventory) != 2 {
				t.Fatalf("expected seeded inventory, got %d records err=%v", len(doc.Inventory), err)
			}
		})
	}
}

func TestOpenPersistentStoreErrors(t *testing.T) {
	ctx := context.Background()
	if _, err := OpenPersistentStore(ctx, StorageConfig{Driver: "etcd"}, nil); err == nil {
		t.Fatalf("expected unknown driver error")
	}
	store, err := OpenPersistentStore(ctx, StorageConfig{Driver: StorageYAML}, nil)
	if err == nil || store != nil {
		t.Fatalf("expected error and nil store for empty yaml path, got %v %v", store, err)
	}
}
