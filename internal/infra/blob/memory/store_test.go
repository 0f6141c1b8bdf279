package memory

import (
	"testing"

	"cryocore/internal/blob/blobtest"
	"cryocore/internal/blob/core"
)

func TestMemoryStoreContract(t *testing.T) {
	store := New()
	if store.Driver() != core.DriverMemory {
		t.Fatalf("unexpected driver")
	}
	blobtest.Run(t, store)
}
