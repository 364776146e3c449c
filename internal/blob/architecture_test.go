package blob

import (
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"golang.org/x/tools/go/packages"
)

// TestOnlyBlobPackageImportsInfra keeps the concrete drivers behind Open:
// packages outside internal/blob must depend on Store, not on infra.
func TestOnlyBlobPackageImportsInfra(t *testing.T) {
	infraPrefix := "membranecore/internal/infra/blob"
	allowedPrefix := "membranecore/internal/blob"

	cfg := &packages.Config{Mode: packages.NeedName | packages.NeedImports, Tests: true}
	pkgs, err := packages.Load(cfg, "membranecore/...")
	if err != nil {
		t.Fatalf("load packages: %v", err)
	}

	seen := make(map[string]struct{})
	for _, pkg := range pkgs {
		if strings.HasPrefix(pkg.PkgPath, allowedPrefix) || strings.HasPrefix(pkg.PkgPath, infraPrefix) {
			continue
		}
		for importPath := range pkg.Imports {
			if isInfraImport(importPath, infraPrefix) {
				seen[filepath.Join(pkg.PkgPath, "...")+": "+importPath] = struct{}{}
			}
		}
	}

	if len(seen) > 0 {
		violations := make([]string, 0, len(seen))
		for v := range seen {
			violations = append(violations, v)
		}
		sort.Strings(violations)
		for _, v := range violations {
			t.Errorf("forbidden import of infra blob package: %s", v)
		}
		t.Fatalf("found %d forbidden imports of infra blob packages", len(violations))
	}
}

func isInfraImport(importPath, prefix string) bool {
	return importPath == prefix || strings.HasPrefix(importPath, prefix+"/")
}

func TestIsInfraImport(t *testing.T) {
	prefix := "membranecore/internal/infra/blob"
	cases := map[string]bool{
		prefix:                  true,
		prefix + "/s3":          true,
		prefix + "er":           false,
		"membranecore/internal": false,
	}
	for in, want := range cases {
		if got := isInfraImport(in, prefix); got != want {
			t.Errorf("isInfraImport(%q) = %v, want %v", in, got, want)
		}
	}
}
