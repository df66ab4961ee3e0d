package pathlock

import (
	"sync"
	"testing"
	"time"

	"github.com/trapexit/mergerfs-sub000/internal/nodetable"
)

func TestResolveLockedReadPath(t *testing.T) {
	tbl := nodetable.New(false, 0)
	dirA, _ := tbl.FindOrCreate(nodetable.RootNodeid, "a")
	f, _ := tbl.FindOrCreate(dirA.Nodeid, "f")

	s := New(tbl)
	g, err := s.ResolveLocked(dirA.Nodeid, "f", false)
	if err != nil {
		t.Fatalf("ResolveLocked: %v", err)
	}
	if g.Path() != "/a/f" {
		t.Fatalf("expected /a/f, got %q", g.Path())
	}
	_ = f
	g.Release()
}

func TestReleaseRestoresAncestorsToZero(t *testing.T) {
	tbl := nodetable.New(false, 0)
	dirA, _ := tbl.FindOrCreate(nodetable.RootNodeid, "a")
	_, _ = tbl.FindOrCreate(dirA.Nodeid, "f")

	s := New(tbl)
	g, err := s.ResolveLocked(dirA.Nodeid, "f", true)
	if err != nil {
		t.Fatalf("ResolveLocked: %v", err)
	}
	g.Release()

	tbl.Lock()
	n, _ := tbl.GetLocked(dirA.Nodeid)
	if n.TreeLock != 0 {
		t.Fatalf("expected ancestor tree-lock restored to 0, got %d", n.TreeLock)
	}
	wn, _ := tbl.LookupLocked(dirA.Nodeid, "f")
	if wn.TreeLock != 0 {
		t.Fatalf("expected write node tree-lock restored to 0, got %d", wn.TreeLock)
	}
	tbl.Unlock()
}

func TestConcurrentWriteLocksOnSameNameNeverOverlap(t *testing.T) {
	tbl := nodetable.New(false, 0)
	_, _ = tbl.FindOrCreate(nodetable.RootNodeid, "f")
	s := New(tbl)

	var mu sync.Mutex
	holding := 0
	maxHolding := 0
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g, err := s.ResolveLocked(nodetable.RootNodeid, "f", true)
			if err != nil {
				t.Errorf("ResolveLocked: %v", err)
				return
			}
			mu.Lock()
			holding++
			if holding > maxHolding {
				maxHolding = holding
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			holding--
			mu.Unlock()
			g.Release()
		}()
	}
	wg.Wait()
	if maxHolding != 1 {
		t.Fatalf("expected at most one concurrent write-lock holder, saw %d", maxHolding)
	}
}

func TestResolveLocked2RollsBackFirstOnSecondFailure(t *testing.T) {
	tbl := nodetable.New(false, 0)
	dirA, _ := tbl.FindOrCreate(nodetable.RootNodeid, "a")
	dirB, _ := tbl.FindOrCreate(nodetable.RootNodeid, "b")
	_, _ = tbl.FindOrCreate(dirA.Nodeid, "f")
	_, _ = tbl.FindOrCreate(dirB.Nodeid, "g")

	s := New(tbl)

	// Hold g (dirB,"g") write-locked so the second half of a
	// resolve_locked2 call is guaranteed to fail and force rollback of
	// the first half.
	blocker, err := s.ResolveLocked(dirB.Nodeid, "g", true)
	if err != nil {
		t.Fatalf("ResolveLocked: %v", err)
	}

	done := make(chan struct{})
	go func() {
		g, err := s.ResolveLocked2(dirA.Nodeid, "f", true, dirB.Nodeid, "g", true)
		if err != nil {
			t.Errorf("ResolveLocked2: %v", err)
			return
		}
		g.Release()
		close(done)
	}()

	// Give the goroutine a chance to attempt and queue.
	time.Sleep(5 * time.Millisecond)

	tbl.Lock()
	n, _ := tbl.GetLocked(dirA.Nodeid)
	locked := n.TreeLock
	tbl.Unlock()
	if locked != 0 {
		t.Fatalf("expected dirA ancestor lock rolled back while waiting on dirB, got %d", locked)
	}

	blocker.Release()
	<-done
}

func TestQueuedWaiterSucceedsAfterRelease(t *testing.T) {
	tbl := nodetable.New(false, 0)
	_, _ = tbl.FindOrCreate(nodetable.RootNodeid, "f")
	s := New(tbl)

	g1, err := s.ResolveLocked(nodetable.RootNodeid, "f", true)
	if err != nil {
		t.Fatalf("ResolveLocked: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		g2, err := s.ResolveLocked(nodetable.RootNodeid, "f", true)
		if err == nil {
			g2.Release()
		}
		done <- err
	}()

	time.Sleep(5 * time.Millisecond)
	if s.QueueLen() != 1 {
		t.Fatalf("expected second writer queued while first holds the lock")
	}

	g1.Release()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected queued waiter to eventually succeed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("queued waiter was never signalled after release")
	}
}

func TestReadersCanShareAncestorLock(t *testing.T) {
	tbl := nodetable.New(false, 0)
	dirA, _ := tbl.FindOrCreate(nodetable.RootNodeid, "a")
	_, _ = tbl.FindOrCreate(dirA.Nodeid, "f")
	_, _ = tbl.FindOrCreate(dirA.Nodeid, "g")

	s := New(tbl)
	g1, err := s.ResolveLocked(dirA.Nodeid, "f", false)
	if err != nil {
		t.Fatalf("ResolveLocked f: %v", err)
	}
	g2, err := s.ResolveLocked(dirA.Nodeid, "g", false)
	if err != nil {
		t.Fatalf("ResolveLocked g: %v", err)
	}
	g1.Release()
	g2.Release()
}
