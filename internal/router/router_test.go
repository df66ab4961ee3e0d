package router

import (
	"io"
	"os"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/trapexit/mergerfs-sub000/internal/branch"
	"github.com/trapexit/mergerfs-sub000/internal/branchio"
	"github.com/trapexit/mergerfs-sub000/internal/config"
	"github.com/trapexit/mergerfs-sub000/internal/ctlfile"
	"github.com/trapexit/mergerfs-sub000/internal/nodetable"
	"github.com/trapexit/mergerfs-sub000/internal/pathlock"
	"github.com/trapexit/mergerfs-sub000/internal/policy"
	"github.com/trapexit/mergerfs-sub000/internal/readdirpool"
)

// newTestRouter wires a Router over real temp-directory branches and
// the real Unix branchio implementation, in the style of
// internal/policy's tests (a real filesystem, not a fake IO).
func newTestRouter(t *testing.T, modes ...branch.Mode) (*Router, []*branch.Branch) {
	t.Helper()
	if len(modes) == 0 {
		modes = []branch.Mode{branch.RW}
	}
	var branches []*branch.Branch
	for _, m := range modes {
		branches = append(branches, branch.NewBranch(t.TempDir(), m, 0))
	}
	snap := &branch.Snapshot{Groups: []branch.Group{branch.Group(branches)}}

	cfg := config.Default()
	rt := config.NewRuntime(cfg, snap)
	policies := policy.New()
	ctl := ctlfile.New(policies, ctlfile.Hooks{})
	tbl := nodetable.New(false, 0)
	locks := pathlock.New(tbl)
	dirs := readdirpool.New(4)
	log := logrus.New()
	log.SetOutput(io.Discard)

	return New(tbl, locks, rt, policies, ctl, branchio.Unix{}, dirs, log), branches
}

func mustWriteFile(t *testing.T, branchDir, relpath string, data []byte) {
	t.Helper()
	full := branchDir + relpath
	if err := os.WriteFile(full, data, 0o644); err != nil {
		t.Fatal(err)
	}
}
