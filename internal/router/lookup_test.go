package router

import (
	"os"
	"syscall"
	"testing"

	"github.com/trapexit/mergerfs-sub000/internal/fserrors"
	"github.com/trapexit/mergerfs-sub000/internal/nodetable"
)

func TestLookupFindsFileAndReportsAttr(t *testing.T) {
	r, branches := newTestRouter(t)
	mustWriteFile(t, branches[0].Path, "/f", []byte("hello"))

	out, err := r.Lookup(nodetable.RootNodeid, "f")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if out.Attr.Size != 5 {
		t.Fatalf("expected size 5, got %d", out.Attr.Size)
	}
	if out.NodeId == 0 {
		t.Fatalf("expected a nonzero nodeid")
	}
}

func TestLookupMissingNameReturnsNotFound(t *testing.T) {
	r, _ := newTestRouter(t)
	_, err := r.Lookup(nodetable.RootNodeid, "nope")
	if err == nil {
		t.Fatalf("expected an error for a missing name")
	}
	if fserrors.Kind(err) != fserrors.NotFound {
		t.Fatalf("expected NotFound, got %v", fserrors.Kind(err))
	}
	if fserrors.Errno(err) != syscall.ENOENT {
		t.Fatalf("expected ENOENT, got %v", fserrors.Errno(err))
	}
}

// TestLookupDotDotAtRootIsPathEscape guards spec.md §9: ".." at the
// mount root has nowhere to escape to, and must report a real errno
// rather than the errno=0 that slipped past review before.
func TestLookupDotDotAtRootIsPathEscape(t *testing.T) {
	r, _ := newTestRouter(t)
	_, err := r.Lookup(nodetable.RootNodeid, "..")
	if fserrors.Kind(err) != fserrors.PathEscape {
		t.Fatalf("expected PathEscape, got %v", fserrors.Kind(err))
	}
	if fserrors.Errno(err) != syscall.ENOENT {
		t.Fatalf("expected ENOENT, got %v", fserrors.Errno(err))
	}
}

// TestLookupDotOnUnknownParentIsStale guards the "." lookup-of-an-
// unknown-nodeid race: the node table no longer holds the caller's
// parent, which is reported as a stale handle, not a plain miss.
func TestLookupDotOnUnknownParentIsStale(t *testing.T) {
	r, _ := newTestRouter(t)
	_, err := r.Lookup(999999, ".")
	if fserrors.Kind(err) != fserrors.PathEscape {
		t.Fatalf("expected PathEscape, got %v", fserrors.Kind(err))
	}
	if fserrors.Errno(err) != syscall.ESTALE {
		t.Fatalf("expected ESTALE, got %v", fserrors.Errno(err))
	}
}

func TestLookupDotAndDotDot(t *testing.T) {
	r, branches := newTestRouter(t)
	if err := os.Mkdir(branches[0].Path+"/d", 0o755); err != nil {
		t.Fatal(err)
	}
	dir, err := r.Table.FindOrCreate(nodetable.RootNodeid, "d")
	if err != nil {
		t.Fatal(err)
	}

	self, err := r.Lookup(dir.Nodeid, ".")
	if err != nil {
		t.Fatalf("Lookup .: %v", err)
	}
	if self.NodeId != dir.Nodeid {
		t.Fatalf("expected . to resolve to itself, got %d", self.NodeId)
	}

	parent, err := r.Lookup(dir.Nodeid, "..")
	if err != nil {
		t.Fatalf("Lookup ..: %v", err)
	}
	if parent.NodeId != nodetable.RootNodeid {
		t.Fatalf("expected .. to resolve to root, got %d", parent.NodeId)
	}
}

func TestGetattrReflectsCurrentSize(t *testing.T) {
	r, branches := newTestRouter(t)
	mustWriteFile(t, branches[0].Path, "/f", []byte("12345678"))
	n, err := r.Table.FindOrCreate(nodetable.RootNodeid, "f")
	if err != nil {
		t.Fatal(err)
	}
	out, err := r.Getattr(n.Nodeid)
	if err != nil {
		t.Fatalf("Getattr: %v", err)
	}
	if out.Attr.Size != 8 {
		t.Fatalf("expected size 8, got %d", out.Attr.Size)
	}
}
