package rollup

import (
	"testing"

	"fieldops/testutil"
)

func TestNoConcreteBackendImports(t *testing.T) {
	testutil.AssertNoDirectImports(t, ".", testutil.BackendImportForbidden, "the cache core talks to domain.Backend only")
}
