package ctlfile

import (
	"testing"

	"github.com/trapexit/mergerfs-sub000/internal/branch"
	"github.com/trapexit/mergerfs-sub000/internal/config"
	"github.com/trapexit/mergerfs-sub000/internal/policy"
)

func newTestRuntime(t *testing.T) *config.Runtime {
	t.Helper()
	snap, err := branch.ParseSpec("/mnt/a,/mnt/b:/mnt/c=RO")
	if err != nil {
		t.Fatalf("ParseSpec: %v", err)
	}
	return config.NewRuntime(config.Default(), snap)
}

func TestBranchesGetSetRoundTrip(t *testing.T) {
	rt := newTestRuntime(t)
	reg := New(policy.New(), Hooks{})
	k, ok := reg.Lookup("user.mergerfs.branches")
	if !ok {
		t.Fatal("expected user.mergerfs.branches key")
	}
	got, err := k.Get(rt)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "/mnt/a=RW,/mnt/b=RW:/mnt/c=RO" {
		t.Fatalf("unexpected branches string: %q", got)
	}
	if err := k.Set(rt, "/mnt/x=RO"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, _ = k.Get(rt)
	if got != "/mnt/x=RO" {
		t.Fatalf("expected updated branches, got %q", got)
	}
}

func TestCategoryCreateSetValidatesPolicyName(t *testing.T) {
	rt := newTestRuntime(t)
	reg := New(policy.New(), Hooks{})
	k, _ := reg.Lookup("user.mergerfs.category.create")
	if err := k.Set(rt, "not-a-real-policy"); err == nil {
		t.Fatal("expected error for unknown policy name")
	}
	if err := k.Set(rt, "mfs"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, _ := k.Get(rt)
	if got != "mfs" {
		t.Fatalf("expected mfs, got %q", got)
	}
}

func TestCategorySetClearsOverridesInThatCategory(t *testing.T) {
	rt := newTestRuntime(t)
	reg := New(policy.New(), Hooks{})
	fk, _ := reg.Lookup("user.mergerfs.func.mkdir.policy")
	if err := fk.Set(rt, "mfs"); err != nil {
		t.Fatalf("Set func override: %v", err)
	}
	ck, _ := reg.Lookup("user.mergerfs.category.create")
	if err := ck.Set(rt, "ff"); err != nil {
		t.Fatalf("Set category: %v", err)
	}
	got, _ := fk.Get(rt)
	if got != "ff" {
		t.Fatalf("expected category reset to clear the per-func override, got %q", got)
	}
}

func TestMoveOnENOSPCBoolKey(t *testing.T) {
	rt := newTestRuntime(t)
	reg := New(policy.New(), Hooks{})
	k, _ := reg.Lookup("user.mergerfs.moveonenospc")
	if got, _ := k.Get(rt); got != "false" {
		t.Fatalf("expected default false, got %q", got)
	}
	if err := k.Set(rt, "true"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if got, _ := k.Get(rt); got != "true" {
		t.Fatalf("expected true after set, got %q", got)
	}
}

func TestCommandHookInvoked(t *testing.T) {
	rt := newTestRuntime(t)
	called := false
	reg := New(policy.New(), Hooks{GC: func() error { called = true; return nil }})
	k, ok := reg.Lookup("user.mergerfs.cmd.gc")
	if !ok {
		t.Fatal("expected cmd.gc key")
	}
	if err := k.Set(rt, ""); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if !called {
		t.Fatal("expected GC hook to run")
	}
}

func TestCommandWithoutHookErrors(t *testing.T) {
	rt := newTestRuntime(t)
	reg := New(policy.New(), Hooks{})
	k, _ := reg.Lookup("user.mergerfs.cmd.gc1")
	if err := k.Set(rt, ""); err == nil {
		t.Fatal("expected error when no hook is wired")
	}
}

func TestGIDCacheCommands(t *testing.T) {
	rt := newTestRuntime(t)
	rt.GIDs.Invalidate(1000) // no-op on an empty cache, must not panic
	reg := New(policy.New(), Hooks{})
	k, _ := reg.Lookup("user.mergerfs.cmd.clear-gid-cache")
	if err := k.Set(rt, ""); err != nil {
		t.Fatalf("Set: %v", err)
	}
}
