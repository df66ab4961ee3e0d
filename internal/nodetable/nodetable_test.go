package nodetable

import (
	"fmt"
	"testing"
	"time"
)

func TestRootNodeidAndGeneration(t *testing.T) {
	tbl := New(false, 0)
	root := tbl.Get(RootNodeid)
	if root.Nodeid != RootNodeid || root.Generation != 0 {
		t.Fatalf("expected root nodeid=1 generation=0, got %d/%d", root.Nodeid, root.Generation)
	}
}

func TestFindOrCreateIncrementsNlookup(t *testing.T) {
	tbl := New(false, 0)
	n1, err := tbl.FindOrCreate(RootNodeid, "x")
	if err != nil {
		t.Fatal(err)
	}
	if n1.Nlookup != 1 {
		t.Fatalf("expected nlookup 1 on first lookup, got %d", n1.Nlookup)
	}
	n2, err := tbl.FindOrCreate(RootNodeid, "x")
	if err != nil {
		t.Fatal(err)
	}
	if n2 != n1 {
		t.Fatalf("expected same node for repeated lookup")
	}
	if n2.Nlookup != 2 {
		t.Fatalf("expected nlookup 2 after second lookup, got %d", n2.Nlookup)
	}
}

func TestGetUncheckedMissReturnsFalse(t *testing.T) {
	tbl := New(false, 0)
	_, ok := tbl.GetUnchecked(9999)
	if ok {
		t.Fatalf("expected miss for unknown nodeid")
	}
}

func TestGetPanicsOnUnknown(t *testing.T) {
	tbl := New(false, 0)
	defer func() {
		if recover() == nil {
			t.Fatalf("expected Get to panic on unknown nodeid")
		}
	}()
	tbl.Get(9999)
}

func TestForgetDeletesAtZero(t *testing.T) {
	tbl := New(false, 0)
	n, _ := tbl.FindOrCreate(RootNodeid, "x")
	tbl.Forget(n.Nodeid, n.Nlookup)
	if _, ok := tbl.GetUnchecked(n.Nodeid); ok {
		t.Fatalf("expected node to be gone after forget to zero")
	}
}

func TestForgetRootIsNoop(t *testing.T) {
	tbl := New(false, 0)
	tbl.Forget(RootNodeid, 100)
	root := tbl.Get(RootNodeid)
	if root.Nlookup != 1 {
		t.Fatalf("FORGET(ROOT,n) must be a no-op, nlookup changed to %d", root.Nlookup)
	}
}

func TestRememberedSetKeepsNodeAddressable(t *testing.T) {
	tbl := New(true, time.Hour)
	n, _ := tbl.FindOrCreate(RootNodeid, "x") // nlookup=2 (created with 1, +1 on return)
	tbl.Forget(n.Nodeid, 1)                   // nlookup -> 1, should be remembered
	if n.Nlookup != 1 {
		t.Fatalf("expected nlookup==1, got %d", n.Nlookup)
	}
	if _, ok := tbl.GetUnchecked(n.Nodeid); !ok {
		t.Fatalf("remembered node should still be addressable by nodeid")
	}
	again, err := tbl.FindOrCreate(RootNodeid, "x")
	if err != nil {
		t.Fatal(err)
	}
	if again.Nodeid != n.Nodeid {
		t.Fatalf("expected remembered node to be returned by subsequent lookup, stable nodeid")
	}
}

func TestUnlinkKeepsNodeAddressableByOpenHandle(t *testing.T) {
	tbl := New(false, 0)
	n, _ := tbl.FindOrCreate(RootNodeid, "x")
	tbl.OpenInc(n.Nodeid)
	tbl.Unlink(RootNodeid, "x")
	if _, ok := tbl.Lookup(RootNodeid, "x"); ok {
		t.Fatalf("expected name-table entry removed after unlink")
	}
	if _, ok := tbl.GetUnchecked(n.Nodeid); !ok {
		t.Fatalf("expected node to remain addressable while open")
	}
	tbl.OpenDec(n.Nodeid)
}

func TestRenameMovesNameTableEntry(t *testing.T) {
	tbl := New(false, 0)
	dirA, _ := tbl.FindOrCreate(RootNodeid, "a")
	dirB, _ := tbl.FindOrCreate(RootNodeid, "b")
	f, _ := tbl.FindOrCreate(dirA.Nodeid, "f")

	if err := tbl.Rename(dirA.Nodeid, "f", dirB.Nodeid, "g"); err != nil {
		t.Fatal(err)
	}
	if _, ok := tbl.Lookup(dirA.Nodeid, "f"); ok {
		t.Fatalf("old name should be gone")
	}
	got, ok := tbl.Lookup(dirB.Nodeid, "g")
	if !ok || got.Nodeid != f.Nodeid {
		t.Fatalf("expected renamed node reachable at new name")
	}
}

func TestRenameUnlinksExistingDestination(t *testing.T) {
	tbl := New(false, 0)
	f1, _ := tbl.FindOrCreate(RootNodeid, "f1")
	_, _ = tbl.FindOrCreate(RootNodeid, "f2")

	if err := tbl.Rename(RootNodeid, "f1", RootNodeid, "f2"); err != nil {
		t.Fatal(err)
	}
	got, ok := tbl.Lookup(RootNodeid, "f2")
	if !ok || got.Nodeid != f1.Nodeid {
		t.Fatalf("expected f1 to now live at f2")
	}
}

func TestPathComponentsLocked(t *testing.T) {
	tbl := New(false, 0)
	dirA, _ := tbl.FindOrCreate(RootNodeid, "a")
	dirB, _ := tbl.FindOrCreate(dirA.Nodeid, "b")
	f, _ := tbl.FindOrCreate(dirB.Nodeid, "f")

	tbl.Lock()
	comps, ancestors, err := tbl.PathComponentsLocked(f.Nodeid)
	tbl.Unlock()
	if err != nil {
		t.Fatal(err)
	}
	if len(comps) != 3 || comps[0] != "a" || comps[1] != "b" || comps[2] != "f" {
		t.Fatalf("unexpected path components: %v", comps)
	}
	if len(ancestors) != 3 || ancestors[0] != f.Nodeid || ancestors[1] != dirB.Nodeid || ancestors[2] != dirA.Nodeid {
		t.Fatalf("unexpected ancestor chain: %v", ancestors)
	}
}

func TestStatFingerprintInvalidation(t *testing.T) {
	tbl := New(false, 0)
	n, _ := tbl.FindOrCreate(RootNodeid, "x")

	if inv := tbl.UpdateStatFingerprint(n.Nodeid, 1, 100, 10, 0); inv {
		t.Fatalf("first fingerprint must never report invalidation")
	}
	if inv := tbl.UpdateStatFingerprint(n.Nodeid, 1, 100, 10, 0); inv {
		t.Fatalf("identical fingerprint must not invalidate")
	}
	if inv := tbl.UpdateStatFingerprint(n.Nodeid, 1, 200, 10, 0); !inv {
		t.Fatalf("changed size must invalidate the cache")
	}
}

func TestPruneRememberedRespectsTTL(t *testing.T) {
	tbl := New(true, time.Millisecond)
	n, _ := tbl.FindOrCreate(RootNodeid, "x")
	tbl.Forget(n.Nodeid, 1) // nlookup -> 1, remembered

	time.Sleep(5 * time.Millisecond)
	dropped := tbl.PruneRemembered(time.Now())
	if dropped != 1 {
		t.Fatalf("expected 1 dropped remembered entry, got %d", dropped)
	}
	if _, ok := tbl.GetUnchecked(n.Nodeid); ok {
		t.Fatalf("expected node removed after remembered-set TTL prune")
	}
}

func TestCompactIndexesNoopBelowHighWaterThreshold(t *testing.T) {
	tbl := New(false, 0)
	tbl.FindOrCreate(RootNodeid, "x")
	if tbl.CompactIndexes() {
		t.Fatalf("expected no compaction with occupancy near high-water mark")
	}
}

func TestCompactIndexesRebuildsAfterManyDeletes(t *testing.T) {
	tbl := New(false, 0)
	var nodes []uint64
	for i := 0; i < 40; i++ {
		n, err := tbl.FindOrCreate(RootNodeid, fmt.Sprintf("n%d", i))
		if err != nil {
			t.Fatal(err)
		}
		nodes = append(nodes, n.Nodeid)
	}
	for _, id := range nodes[:39] {
		tbl.Forget(id, 1)
	}
	if !tbl.CompactIndexes() {
		t.Fatalf("expected compaction once occupancy dropped under a quarter of high-water")
	}
	stats := tbl.Stats()
	if stats.IdEntries != 2 { // root + the one remaining node
		t.Fatalf("expected 2 surviving id entries, got %d", stats.IdEntries)
	}
}

func TestOpenCountDelaysDeleteUntilRelease(t *testing.T) {
	tbl := New(false, 0)
	n, _ := tbl.FindOrCreate(RootNodeid, "x")
	tbl.OpenInc(n.Nodeid)
	tbl.Forget(n.Nodeid, n.Nlookup)
	if _, ok := tbl.GetUnchecked(n.Nodeid); !ok {
		t.Fatalf("node with open_count>0 must not be deleted on forget to zero")
	}
	tbl.OpenDec(n.Nodeid)
	if _, ok := tbl.GetUnchecked(n.Nodeid); ok {
		t.Fatalf("node should be deleted once open_count reaches 0 after nlookup hit 0")
	}
}

// TestForgetUnhashesNameEvenWithOpenHandle guards invariant 1
// (nlookup==0 => not reachable by lookup path): a FORGET racing an
// open handle must still unhash the name-table entry immediately, not
// just defer deletion of the id-table entry (spec.md §8 scenario 3).
func TestForgetUnhashesNameEvenWithOpenHandle(t *testing.T) {
	tbl := New(false, 0)
	n, _ := tbl.FindOrCreate(RootNodeid, "x")
	tbl.OpenInc(n.Nodeid)
	tbl.Forget(n.Nodeid, n.Nlookup)

	if _, ok := tbl.Lookup(RootNodeid, "x"); ok {
		t.Fatalf("name-table entry must be gone once nlookup hits zero, even with an open handle")
	}
	if _, ok := tbl.GetUnchecked(n.Nodeid); !ok {
		t.Fatalf("id-table entry must remain while open_count>0")
	}

	again, err := tbl.FindOrCreate(RootNodeid, "x")
	if err != nil {
		t.Fatal(err)
	}
	if again.Nodeid == n.Nodeid {
		t.Fatalf("expected a fresh node for a subsequent lookup of the forgotten name")
	}

	tbl.OpenDec(n.Nodeid)
	if _, ok := tbl.GetUnchecked(n.Nodeid); ok {
		t.Fatalf("expected original node's id-table entry dropped once open_count reaches 0")
	}
}
