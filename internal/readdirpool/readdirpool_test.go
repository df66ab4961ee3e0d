package readdirpool

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/trapexit/mergerfs-sub000/internal/branch"
	"github.com/trapexit/mergerfs-sub000/internal/fuseproto"
)

func mkBranches(n int) []*branch.Branch {
	out := make([]*branch.Branch, n)
	for i := range out {
		out[i] = &branch.Branch{Path: fmt.Sprintf("/b%d", i)}
	}
	return out
}

func TestMergeDedupsFirstSeenWins(t *testing.T) {
	branches := mkBranches(3)
	list := func(b *branch.Branch, relpath string) ([]fuseproto.Dirent, error) {
		switch b.Path {
		case "/b0":
			return []fuseproto.Dirent{{Name: "a"}, {Name: "b"}}, nil
		case "/b1":
			return []fuseproto.Dirent{{Name: "b"}, {Name: "c"}}, nil
		default:
			return []fuseproto.Dirent{{Name: "d"}}, nil
		}
	}
	got, err := New(2).Merge(context.Background(), branches, "dir", list)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	var names []string
	for _, e := range got {
		names = append(names, e.Name)
	}
	want := []string{"a", "b", "c", "d"}
	if len(names) != len(want) {
		t.Fatalf("got %v, want %v", names, want)
	}
	for i, n := range want {
		if names[i] != n {
			t.Fatalf("got %v, want %v", names, want)
		}
	}
}

func TestMergeSkipsFailingBranch(t *testing.T) {
	branches := mkBranches(2)
	list := func(b *branch.Branch, relpath string) ([]fuseproto.Dirent, error) {
		if b.Path == "/b0" {
			return nil, fmt.Errorf("boom")
		}
		return []fuseproto.Dirent{{Name: "ok"}}, nil
	}
	got, err := New(4).Merge(context.Background(), branches, "dir", list)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if len(got) != 1 || got[0].Name != "ok" {
		t.Fatalf("expected only the surviving branch's entry, got %v", got)
	}
}

func TestMergeRespectsConcurrencyLimit(t *testing.T) {
	branches := mkBranches(10)
	var concurrent, maxConcurrent int32
	list := func(b *branch.Branch, relpath string) ([]fuseproto.Dirent, error) {
		n := atomic.AddInt32(&concurrent, 1)
		for {
			m := atomic.LoadInt32(&maxConcurrent)
			if n <= m || atomic.CompareAndSwapInt32(&maxConcurrent, m, n) {
				break
			}
		}
		atomic.AddInt32(&concurrent, -1)
		return nil, nil
	}
	if _, err := New(3).Merge(context.Background(), branches, "dir", list); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if atomic.LoadInt32(&maxConcurrent) > 3 {
		t.Fatalf("expected at most 3 concurrent listings, saw %d", maxConcurrent)
	}
}
