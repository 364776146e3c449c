package main

import (
	"testing"

	"membranecore/testutil"
)

func TestCLIUsesFactoriesNotAdapters(t *testing.T) {
	testutil.AssertNoDirectImports(t, ".", testutil.InfraImport, "stores and blob drivers are chosen through config")
}
