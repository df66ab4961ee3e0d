package branchio

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/trapexit/mergerfs-sub000/internal/utimens"
)

func TestMkdirLstatUnlink(t *testing.T) {
	dir := t.TempDir()
	io := Unix{}
	p := filepath.Join(dir, "d")

	if err := io.Mkdir(p, 0o755); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	st, err := io.Lstat(p)
	if err != nil {
		t.Fatalf("Lstat: %v", err)
	}
	if st.Mode&0o040000 == 0 { // S_IFDIR
		t.Fatalf("expected directory mode bit set, got %o", st.Mode)
	}
	if err := io.Rmdir(p); err != nil {
		t.Fatalf("Rmdir: %v", err)
	}
}

func TestCreateWriteReadFile(t *testing.T) {
	dir := t.TempDir()
	io := Unix{}
	p := filepath.Join(dir, "f")

	f, err := io.Open(p, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := f.WriteString("hello"); err != nil {
		t.Fatal(err)
	}
	f.Close()

	st, err := io.Lstat(p)
	if err != nil {
		t.Fatalf("Lstat: %v", err)
	}
	if st.Size != 5 {
		t.Fatalf("expected size 5, got %d", st.Size)
	}
}

func TestSymlinkAndReadlink(t *testing.T) {
	dir := t.TempDir()
	io := Unix{}
	target := filepath.Join(dir, "target")
	if err := os.WriteFile(target, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(dir, "link")
	if err := io.Symlink("target", link); err != nil {
		t.Fatalf("Symlink: %v", err)
	}
	got, err := io.Readlink(link)
	if err != nil {
		t.Fatalf("Readlink: %v", err)
	}
	if got != "target" {
		t.Fatalf("expected %q, got %q", "target", got)
	}
}

func TestRenameAndAccess(t *testing.T) {
	dir := t.TempDir()
	io := Unix{}
	a := filepath.Join(dir, "a")
	b := filepath.Join(dir, "b")
	if err := os.WriteFile(a, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := io.Rename(a, b); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if err := io.Access(b, 0 /* F_OK */); err != nil {
		t.Fatalf("Access on renamed file: %v", err)
	}
	if err := io.Access(a, 0); err == nil {
		t.Fatalf("expected old path to be gone")
	}
}

func TestUtimensOmitLeavesUnchanged(t *testing.T) {
	dir := t.TempDir()
	io := Unix{}
	p := filepath.Join(dir, "f")
	if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	before, err := io.Lstat(p)
	if err != nil {
		t.Fatal(err)
	}
	if err := io.Utimens(p, utimens.AtOmit(), utimens.AtOmit()); err != nil {
		t.Fatalf("Utimens: %v", err)
	}
	after, err := io.Lstat(p)
	if err != nil {
		t.Fatal(err)
	}
	if before.Mtime != after.Mtime || before.Mtimensec != after.Mtimensec {
		t.Fatalf("expected UTIME_OMIT to leave mtime unchanged")
	}
}

func TestXAttrRoundTrip(t *testing.T) {
	dir := t.TempDir()
	io := Unix{}
	p := filepath.Join(dir, "f")
	if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	const attr = "user.mergerfs_test"
	if err := io.SetXAttr(p, attr, []byte("v"), 0); err != nil {
		t.Skipf("xattr not supported on this filesystem: %v", err)
	}
	got, err := io.GetXAttr(p, attr)
	if err != nil {
		t.Fatalf("GetXAttr: %v", err)
	}
	if string(got) != "v" {
		t.Fatalf("expected %q, got %q", "v", got)
	}
	names, err := io.ListXAttr(p)
	if err != nil {
		t.Fatalf("ListXAttr: %v", err)
	}
	found := false
	for _, n := range names {
		if n == attr {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected %q in ListXAttr result %v", attr, names)
	}
	if err := io.RemoveXAttr(p, attr); err != nil {
		t.Fatalf("RemoveXAttr: %v", err)
	}
}
