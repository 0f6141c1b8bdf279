package plan

import (
	"testing"

	"cryocore/testutil"
)

func TestNoBackendImports(t *testing.T) {
	testutil.AssertNoDirectImports(t, ".", testutil.BackendImportForbidden,
		"plan must stay independent of storage and transport")
}
