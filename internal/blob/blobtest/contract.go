// Package blobtest holds the behaviour every blob driver must satisfy.
package blobtest

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"cryocore/internal/blob/core"
)

// Run exercises create-only Put, Get, Head, List ordering and Delete.
func Run(t *testing.T, store core.Store) {
	t.Helper()
	ctx := context.Background()
	payload := []byte("inventory: []\n")
	opts := core.PutOptions{ContentType: "application/yaml", Metadata: map[string]string{"source": "test"}}

	info, err := store.Put(ctx, "inst/inventory.20250101-000000.bak", bytes.NewReader(payload), opts)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if info.Key != "inst/inventory.20250101-000000.bak" || info.Size != int64(len(payload)) {
		t.Fatalf("unexpected info %+v", info)
	}
	if _, err := store.Put(ctx, "inst/inventory.20250101-000000.bak", bytes.NewReader(payload), opts); !errors.Is(err, core.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}

	got, rc, err := store.Get(ctx, "inst/inventory.20250101-000000.bak")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body, err := io.ReadAll(rc)
	_ = rc.Close()
	if err != nil || !bytes.Equal(body, payload) {
		t.Fatalf("get body %q err=%v", body, err)
	}
	if got.ContentType != "application/yaml" {
		t.Fatalf("content type lost: %+v", got)
	}
	if _, err := store.Head(ctx, "inst/inventory.20250101-000000.bak"); err != nil {
		t.Fatalf("head: %v", err)
	}
	if _, _, err := store.Get(ctx, "inst/missing.bak"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound from get, got %v", err)
	}
	if _, err := store.Head(ctx, "inst/missing.bak"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound from head, got %v", err)
	}

	for _, key := range []string{"inst/inventory.20250102-000000.bak", "other/inventory.20250101-000000.bak"} {
		if _, err := store.Put(ctx, key, bytes.NewReader(payload), core.PutOptions{}); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}
	list, err := store.List(ctx, "inst/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].Key != "inst/inventory.20250101-000000.bak" || list[1].Key != "inst/inventory.20250102-000000.bak" {
		t.Fatalf("unexpected list %+v", list)
	}

	deleted, err := store.Delete(ctx, "inst/inventory.20250101-000000.bak")
	if err != nil || !deleted {
		t.Fatalf("delete: %v %v", deleted, err)
	}
	deleted, err = store.Delete(ctx, "inst/inventory.20250101-000000.bak")
	if err != nil || deleted {
		t.Fatalf("second delete should report missing: %v %v", deleted, err)
	}
}
