package main

import (
	"testing"

	"github.com/trapexit/mergerfs-sub000/internal/config"
)

func TestRootCmdRequiresBranchAndMountpointArgs(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"/mnt/a"})
	if err := cmd.Execute(); err == nil {
		t.Fatalf("expected an error with only one positional argument")
	}
}

func TestRunRejectsEmptyBranchSpec(t *testing.T) {
	if err := run(config.Default(), "", "/mnt/merged"); err == nil {
		t.Fatalf("expected an error for an empty branch spec")
	}
}
