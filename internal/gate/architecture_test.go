package gate

import (
	"testing"

	"cryocore/testutil"
)

func TestNoBackendImports(t *testing.T) {
	testutil.AssertNoDirectImports(t, ".", testutil.BackendImportForbidden,
		"gate must stay independent of storage and transport")
}
