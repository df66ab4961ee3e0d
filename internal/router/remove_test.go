package router

import (
	"os"
	"testing"

	"github.com/trapexit/mergerfs-sub000/internal/nodetable"
	"github.com/trapexit/mergerfs-sub000/internal/policy"
)

func TestUnlinkRemovesFile(t *testing.T) {
	r, branches := newTestRouter(t)
	mustWriteFile(t, branches[0].Path, "/f", []byte("x"))

	if err := r.Unlink(nodetable.RootNodeid, "f"); err != nil {
		t.Fatalf("Unlink: %v", err)
	}
	if _, err := os.Stat(branches[0].Path + "/f"); !os.IsNotExist(err) {
		t.Fatalf("expected file to be gone, stat err=%v", err)
	}
}

func TestRmdirRemovesDirectory(t *testing.T) {
	r, branches := newTestRouter(t)
	if err := os.Mkdir(branches[0].Path+"/d", 0o755); err != nil {
		t.Fatal(err)
	}

	if err := r.Rmdir(nodetable.RootNodeid, "d"); err != nil {
		t.Fatalf("Rmdir: %v", err)
	}
	if _, err := os.Stat(branches[0].Path + "/d"); !os.IsNotExist(err) {
		t.Fatalf("expected directory to be gone, stat err=%v", err)
	}
}

func TestRenameMovesFileAcrossDirectories(t *testing.T) {
	r, branches := newTestRouter(t)
	if err := os.Mkdir(branches[0].Path+"/src", 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(branches[0].Path+"/dst", 0o755); err != nil {
		t.Fatal(err)
	}
	mustWriteFile(t, branches[0].Path, "/src/f", []byte("x"))

	srcDir, err := r.Table.FindOrCreate(nodetable.RootNodeid, "src")
	if err != nil {
		t.Fatal(err)
	}
	dstDir, err := r.Table.FindOrCreate(nodetable.RootNodeid, "dst")
	if err != nil {
		t.Fatal(err)
	}

	if err := r.Rename(srcDir.Nodeid, "f", dstDir.Nodeid, "g"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if _, err := os.Stat(branches[0].Path + "/src/f"); !os.IsNotExist(err) {
		t.Fatalf("expected source gone, err=%v", err)
	}
	if _, err := os.Stat(branches[0].Path + "/dst/g"); err != nil {
		t.Fatalf("expected destination present: %v", err)
	}
}

func TestLinkCreatesHardLinkOnSameBranch(t *testing.T) {
	r, branches := newTestRouter(t)
	mustWriteFile(t, branches[0].Path, "/f", []byte("x"))

	n, err := r.Table.FindOrCreate(nodetable.RootNodeid, "f")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := r.Link(n.Nodeid, nodetable.RootNodeid, "g"); err != nil {
		t.Fatalf("Link: %v", err)
	}
	got, err := os.ReadFile(branches[0].Path + "/g")
	if err != nil {
		t.Fatalf("expected link target readable: %v", err)
	}
	if string(got) != "x" {
		t.Fatalf("expected %q, got %q", "x", got)
	}
}

func TestSymlinkAndReadlink(t *testing.T) {
	r, branches := newTestRouter(t)

	if _, err := r.Symlink(nodetable.RootNodeid, "link", "target"); err != nil {
		t.Fatalf("Symlink: %v", err)
	}
	n, err := r.Table.FindOrCreate(nodetable.RootNodeid, "link")
	if err != nil {
		t.Fatal(err)
	}
	got, err := r.Readlink(n.Nodeid)
	if err != nil {
		t.Fatalf("Readlink: %v", err)
	}
	if got != "target" {
		t.Fatalf("expected %q, got %q", "target", got)
	}
	_ = branches
}

func TestPathPreservingRecognizesEpAndMspPrefixes(t *testing.T) {
	reg := policy.New()
	ep, ok := reg.Lookup(policy.Create, "epmfs")
	if !ok {
		t.Skip("epmfs not registered")
	}
	if !pathPreserving(ep) {
		t.Fatalf("expected epmfs to be path-preserving")
	}
	mfs, ok := reg.Lookup(policy.Create, "mfs")
	if ok && pathPreserving(mfs) {
		t.Fatalf("expected plain mfs to not be path-preserving")
	}
}
