package router

import (
	"os"
	"syscall"
	"testing"

	"github.com/trapexit/mergerfs-sub000/internal/fserrors"
	"github.com/trapexit/mergerfs-sub000/internal/fuseproto"
	"github.com/trapexit/mergerfs-sub000/internal/nodetable"
)

func TestAccessGrantsOwnerReadWrite(t *testing.T) {
	r, branches := newTestRouter(t)
	mustWriteFile(t, branches[0].Path, "/f", []byte("x"))
	n, err := r.Table.FindOrCreate(nodetable.RootNodeid, "f")
	if err != nil {
		t.Fatal(err)
	}

	uid := uint32(os.Getuid())
	gid := uint32(os.Getgid())
	if err := r.Access(n.Nodeid, fuseproto.R_OK|fuseproto.W_OK, fuseproto.Owner{Uid: uid, Gid: gid}); err != nil {
		t.Fatalf("Access: %v", err)
	}
}

func TestAccessFOKOnlyChecksExistence(t *testing.T) {
	r, branches := newTestRouter(t)
	mustWriteFile(t, branches[0].Path, "/f", []byte("x"))
	n, err := r.Table.FindOrCreate(nodetable.RootNodeid, "f")
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Access(n.Nodeid, fuseproto.F_OK, fuseproto.Owner{}); err != nil {
		t.Fatalf("Access F_OK: %v", err)
	}
}

func TestStatfsAggregatesAcrossBranches(t *testing.T) {
	r, _ := newTestRouter(t, 0, 0)
	out, err := r.Statfs()
	if err != nil {
		t.Fatalf("Statfs: %v", err)
	}
	if out.Bsize == 0 {
		t.Fatalf("expected a nonzero block size")
	}
	if out.Blocks == 0 {
		t.Fatalf("expected nonzero total blocks")
	}
}

func TestFlushAndFsyncRequireLiveHandle(t *testing.T) {
	r, branches := newTestRouter(t)
	mustWriteFile(t, branches[0].Path, "/f", []byte("x"))
	n, err := r.Table.FindOrCreate(nodetable.RootNodeid, "f")
	if err != nil {
		t.Fatal(err)
	}
	out, err := r.Open(n.Nodeid, os.O_RDWR)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := r.Flush(out.Fh); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := r.Fsync(out.Fh, false); err != nil {
		t.Fatalf("Fsync: %v", err)
	}
	if err := r.Flush(out.Fh + 1); err == nil {
		t.Fatalf("expected Flush on unknown handle to fail")
	}
}

func TestInitEchoesNegotiatedVersionAndMasksFlags(t *testing.T) {
	r, _ := newTestRouter(t)
	in := fuseproto.InitIn{Major: 7, Minor: 31, MaxReadAhead: 4096, Flags: fuseproto.CAP_ASYNC_READ | fuseproto.CAP_POSIX_LOCKS}
	out := r.Init(in)
	if out.Major != 7 || out.Minor != 31 {
		t.Fatalf("expected version echoed, got %d.%d", out.Major, out.Minor)
	}
	if out.Flags&fuseproto.CAP_POSIX_LOCKS != 0 {
		t.Fatalf("expected unadvertised capability masked out")
	}
	if out.Flags&fuseproto.CAP_ASYNC_READ == 0 {
		t.Fatalf("expected advertised capability preserved")
	}
}

func TestBmapPollLseekRename2IoctlAreUnsupported(t *testing.T) {
	r, _ := newTestRouter(t)
	if _, err := r.Bmap(fuseproto.BmapIn{}); fserrors.Kind(err) != fserrors.Unsupported || fserrors.Errno(err) != syscall.ENOSYS {
		t.Fatalf("expected Bmap to report Unsupported/ENOSYS, got %v", err)
	}
	if _, err := r.Poll(fuseproto.PollIn{}); fserrors.Kind(err) != fserrors.Unsupported || fserrors.Errno(err) != syscall.ENOSYS {
		t.Fatalf("expected Poll to report Unsupported/ENOSYS, got %v", err)
	}
	if _, err := r.Lseek(fuseproto.LseekIn{}); fserrors.Kind(err) != fserrors.Unsupported || fserrors.Errno(err) != syscall.ENOSYS {
		t.Fatalf("expected Lseek to report Unsupported/ENOSYS, got %v", err)
	}
	if err := r.Rename2(nodetable.RootNodeid, "a", nodetable.RootNodeid, "b", 0); fserrors.Kind(err) != fserrors.Unsupported || fserrors.Errno(err) != syscall.ENOSYS {
		t.Fatalf("expected Rename2 to report Unsupported/ENOSYS, got %v", err)
	}
	if _, err := r.Ioctl(fuseproto.IoctlIn{}); fserrors.Kind(err) != fserrors.Unsupported || fserrors.Errno(err) != syscall.ENOSYS {
		t.Fatalf("expected Ioctl to report Unsupported/ENOSYS, got %v", err)
	}
}

func TestTmpfileOpensUnnamedHandle(t *testing.T) {
	r, _ := newTestRouter(t)
	out, err := r.Tmpfile(nodetable.RootNodeid, 0o600)
	if err != nil {
		t.Fatalf("Tmpfile: %v", err)
	}
	if out.Fh == 0 {
		t.Fatalf("expected a nonzero handle")
	}
	if err := r.Release(out.Fh); err != nil {
		t.Fatalf("Release: %v", err)
	}
}

func TestCopyFileRangeRequiresSameBranch(t *testing.T) {
	r, branches := newTestRouter(t, 0, 0)
	mustWriteFile(t, branches[0].Path, "/a", []byte("hello"))
	mustWriteFile(t, branches[1].Path, "/b", []byte("world"))

	na, err := r.Table.FindOrCreate(nodetable.RootNodeid, "a")
	if err != nil {
		t.Fatal(err)
	}
	nb, err := r.Table.FindOrCreate(nodetable.RootNodeid, "b")
	if err != nil {
		t.Fatal(err)
	}
	oa, err := r.Open(na.Nodeid, os.O_RDONLY)
	if err != nil {
		t.Fatal(err)
	}
	ob, err := r.Open(nb.Nodeid, os.O_RDWR)
	if err != nil {
		t.Fatal(err)
	}

	ha, _ := r.getHandle(oa.Fh)
	hb, _ := r.getHandle(ob.Fh)
	if ha.Branch == hb.Branch {
		t.Skip("fixture put both files on the same branch")
	}
	if _, err := r.CopyFileRange(oa.Fh, 0, ob.Fh, 0, 5); fserrors.Kind(err) != fserrors.CrossDevice {
		t.Fatalf("expected CrossDevice, got %v", err)
	}
}
