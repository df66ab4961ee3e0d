package router

import (
	"bytes"
	"os"
	"testing"

	"github.com/trapexit/mergerfs-sub000/internal/nodetable"
)

func TestOpenReadWriteRelease(t *testing.T) {
	r, branches := newTestRouter(t)
	mustWriteFile(t, branches[0].Path, "/f", []byte("hello"))
	n, err := r.Table.FindOrCreate(nodetable.RootNodeid, "f")
	if err != nil {
		t.Fatal(err)
	}

	out, err := r.Open(n.Nodeid, os.O_RDWR)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	data, err := r.Read(out.Fh, 0, 5)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(data, []byte("hello")) {
		t.Fatalf("expected %q, got %q", "hello", data)
	}

	wout, err := r.Write(out.Fh, 5, []byte(" world"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if wout.Size != 6 {
		t.Fatalf("expected write size 6, got %d", wout.Size)
	}

	if err := r.Release(out.Fh); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, ok := r.getHandle(out.Fh); ok {
		t.Fatalf("expected handle to be gone after Release")
	}

	got, err := os.ReadFile(branches[0].Path + "/f")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello world" {
		t.Fatalf("expected %q on disk, got %q", "hello world", got)
	}
}

func TestOpendirReleasedir(t *testing.T) {
	r, _ := newTestRouter(t)

	out, err := r.Opendir(nodetable.RootNodeid, 0)
	if err != nil {
		t.Fatalf("Opendir: %v", err)
	}
	if err := r.Releasedir(out.Fh); err != nil {
		t.Fatalf("Releasedir: %v", err)
	}
	if _, ok := r.getHandle(out.Fh); ok {
		t.Fatalf("expected directory handle to be gone after Releasedir")
	}
}

func TestParentOfRootLevelAndNested(t *testing.T) {
	cases := map[string]string{
		"/f":     "/",
		"/d/f":   "/d",
		"/a/b/c": "/a/b",
	}
	for in, want := range cases {
		if got := parentOf(in); got != want {
			t.Errorf("parentOf(%q) = %q, want %q", in, got, want)
		}
	}
}
