// Package nodetable implements §4.1 of SPEC_FULL.md: the kernel-facing
// nodeid table that tracks inode identity, reference counting
// (nlookup/refctr/open_count), the name/id hash tables, the
// remembered-node pool, and the stat fingerprint used to invalidate
// the kernel's page cache.
//
// Grounded on fuse/inode.go (Inode.lookupCount/treeLock/children) and
// fuse/fsconnector.go (lookupUpdate/forgetUpdate/
// recursiveConsiderDropInode) from the teacher, and fuse/handle.go's
// HandleMap for the nodeid-allocation/forget-to-zero shape, adapted
// from pointer-derived handles to a monotonic counter plus a
// per-mount random generation (this repo does not put raw Go pointers
// on the wire).
package nodetable

import (
	"errors"
	"fmt"
	"hash/crc32"
	"math/rand"
	"sync"
	"time"
)

// RootNodeid is the fixed nodeid the kernel always uses for the mount
// root, per spec.md §3.
const RootNodeid uint64 = 1

// ErrRetry is returned by operations that must be retried by the
// caller (currently unused directly by the table; pathlock.EAGAIN
// plays this role for the scheduler). Kept here so nodetable and
// pathlock share one sentinel family if a future table-level retry is
// needed.
var ErrRetry = errors.New("nodetable: retry")

// ErrUnknownNode is the "fatal invariant violation" spec.md §4.1
// assigns to Get(): the kernel must never reference an unknown id.
// Table.Get panics with this wrapped in; Table.GetUnchecked returns
// (nil, false) instead for the "." lookup race with FORGET.
var ErrUnknownNode = errors.New("nodetable: unknown nodeid")

// LockRecord is one POSIX byte-range lock held on behalf of an open
// handle (spec.md §3 Node.locks).
type LockRecord struct {
	Type  int32
	Start uint64
	End   uint64
	Pid   uint32
	Owner uint64
}

// Node is the core entity of spec.md §3.
type Node struct {
	Nodeid     uint64
	Generation uint64

	// Name is the leaf path component; HasName is false for the root
	// and for nodes taken out of the name table (unlinked, renamed over,
	// or forgotten while a handle is still open). Remembered nodes keep
	// their name.
	Name    string
	HasName bool

	// Parent is the parent's nodeid. The root's parent is itself.
	Parent uint64

	Nlookup   uint64
	Refctr    int64
	OpenCount int

	// TreeLock is read/written exclusively by the pathlock scheduler,
	// which shares this table's mutex (see Locker/Cond below). It
	// lives on Node, not in the pathlock package, because spec.md §9
	// intentionally keeps the whole scheduler under one mutex rather
	// than per-node atomics.
	TreeLock int64

	StatCRC32       uint32
	IsStatCacheValid bool

	Locks []LockRecord
}

type nameKey struct {
	parent uint64
	name   string
}

type rememberedEntry struct {
	node *Node
	at   time.Time
}

// Table is the single mutex-guarded node table (§4.1). All of its
// exported single-call operations (FindOrCreate, Get, ...) take and
// release the lock themselves; the *Locked methods assume the caller
// already holds it, for use by pathlock's multi-step walk.
type Table struct {
	mu   sync.Mutex
	cond *sync.Cond

	nameIdx map[nameKey]*Node
	idIdx   map[uint64]*Node

	// highWater tracks the largest size either index map has reached
	// since the last compaction, so CompactIndexes can tell a map that
	// has mostly emptied back out from one that's simply small.
	highWater int

	nextNodeid uint64
	generation uint64

	rememberEnabled bool
	rememberTTL     time.Duration
	remembered      []rememberedEntry

	root *Node
}

// New builds a table with the root node pre-registered, per spec.md
// §3/§4.4 ("LOOKUP on / returns nodeid=1, generation=0").
func New(rememberEnabled bool, rememberTTL time.Duration) *Table {
	t := &Table{
		nameIdx:         make(map[nameKey]*Node, 8192),
		idIdx:           make(map[uint64]*Node, 8192),
		nextNodeid:      RootNodeid + 1,
		generation:      uint64(rand.Int63()),
		rememberEnabled: rememberEnabled,
		rememberTTL:     rememberTTL,
	}
	t.cond = sync.NewCond(&t.mu)
	t.root = &Node{
		Nodeid:     RootNodeid,
		Generation: 0,
		Parent:     RootNodeid,
		Nlookup:    1,
		Refctr:     1,
	}
	t.idIdx[RootNodeid] = t.root
	return t
}

// Lock/Unlock expose the table's single mutex L to the pathlock
// scheduler, which is tightly coupled to the node table by design
// (spec.md §9). Documented contract, same style as the teacher's own
// "// Must be called with treeLock held" comments in fsconnector.go.
func (t *Table) Lock()   { t.mu.Lock() }
func (t *Table) Unlock() { t.mu.Unlock() }

// Cond returns the condition variable shared with L, so pathlock can
// wake node-table waiters (FORGET blocked on tree_lock quiescence) the
// moment it releases a path lock.
func (t *Table) Cond() *sync.Cond { return t.cond }

// Root returns the root node. Never nil.
func (t *Table) Root() *Node { return t.root }

////////////////////////////////////////////////////////////////////
// Locked primitives (caller holds t.mu via Lock/Unlock).

// GetLocked is the id-table lookup used under an already-held lock.
func (t *Table) GetLocked(nodeid uint64) (*Node, bool) {
	if nodeid == RootNodeid {
		return t.root, true
	}
	n, ok := t.idIdx[nodeid]
	return n, ok
}

// LookupLocked is the non-creating (parent,name) lookup.
func (t *Table) LookupLocked(parent uint64, name string) (*Node, bool) {
	n, ok := t.nameIdx[nameKey{parent, name}]
	return n, ok
}

func (t *Table) allocNodeid() uint64 {
	id := t.nextNodeid
	t.nextNodeid++
	return id
}

// createChildLocked allocates a brand new node under parent/name.
// Caller must already have verified (parent,name) is not hashed.
func (t *Table) createChildLocked(parent uint64, name string) *Node {
	n := &Node{
		Nodeid:     t.allocNodeid(),
		Generation: t.generation,
		Name:       name,
		HasName:    true,
		Parent:     parent,
		Refctr:     1,
	}
	t.idIdx[n.Nodeid] = n
	t.nameIdx[nameKey{parent, name}] = n
	if len(t.idIdx) > t.highWater {
		t.highWater = len(t.idIdx)
	}
	if p, ok := t.GetLocked(parent); ok {
		p.Refctr++
	}
	return n
}

// PathComponentsLocked walks Parent links from nodeid to the root,
// returning the path components root-to-leaf (not including a leading
// "/", joined by the caller) and the chain of ancestor nodeids from
// nodeid up to (but excluding) the root, innermost first, starting
// with nodeid itself -- exactly the ancestor set pathlock.resolve_locked
// must acquire read-locks on (spec.md §4.2 "For every ancestor (from
// the starting nodeid up, excluding the root)").
func (t *Table) PathComponentsLocked(nodeid uint64) (components []string, ancestors []uint64, err error) {
	cur := nodeid
	for {
		if cur == RootNodeid {
			break
		}
		n, ok := t.GetLocked(cur)
		if !ok {
			return nil, nil, fmt.Errorf("nodetable: dangling nodeid %d in parent chain", cur)
		}
		if !n.HasName {
			return nil, nil, fmt.Errorf("nodetable: unnamed node %d in parent chain", cur)
		}
		components = append([]string{n.Name}, components...)
		ancestors = append(ancestors, cur)
		if n.Parent == cur {
			// Only the root may be its own parent.
			return nil, nil, fmt.Errorf("nodetable: cycle at node %d", cur)
		}
		cur = n.Parent
	}
	return components, ancestors, nil
}

////////////////////////////////////////////////////////////////////
// Single-call (self-locking) operations, spec.md §4.1.

// FindOrCreate looks up (parent,name); on miss it allocates a fresh
// node. nlookup is always incremented by one on the way out (spec.md
// §4.1).
func (t *Table) FindOrCreate(parent uint64, name string) (*Node, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.GetLocked(parent); !ok {
		return nil, fmt.Errorf("nodetable: unknown parent %d", parent)
	}
	n, ok := t.LookupLocked(parent, name)
	if !ok {
		n = t.createChildLocked(parent, name)
		if t.rememberEnabled {
			n.Nlookup = 1
		}
	}
	n.Nlookup++
	return n, nil
}

// Get is the id-table lookup that must never miss; a miss is a fatal
// kernel-protocol violation per spec.md §4.1 and aborts the process.
func (t *Table) Get(nodeid uint64) *Node {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.GetLocked(nodeid)
	if !ok {
		panic(fmt.Errorf("%w: %d", ErrUnknownNode, nodeid))
	}
	return n
}

// GetUnchecked is Get without the abort, for the "." lookup path that
// may legitimately race with FORGET (spec.md §4.1).
func (t *Table) GetUnchecked(nodeid uint64) (*Node, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.GetLocked(nodeid)
}

// Lookup is the non-creating (parent,name) lookup.
func (t *Table) Lookup(parent uint64, name string) (*Node, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.LookupLocked(parent, name)
}

// Forget subtracts n from nlookup. If it reaches zero the node is
// deleted (dropping hash-table entries and releasing the parent's
// refctr); if it reaches one and remembering is enabled, the node
// moves to the remembered set. Per spec.md §4.1, Forget first blocks
// on the table's condition variable until TreeLock is quiescent, so a
// FORGET racing an in-flight OPEN never frees a node mid-operation
// (tested by the "FORGET raced with OPEN" scenario in spec.md §8).
func (t *Table) Forget(nodeid uint64, n uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if nodeid == RootNodeid {
		// spec.md §8 boundary case: FORGET(ROOT, n) is a no-op.
		return
	}
	node, ok := t.GetLocked(nodeid)
	if !ok {
		return
	}
	for node.TreeLock != 0 {
		t.cond.Wait()
	}
	if n > node.Nlookup {
		node.Nlookup = 0
	} else {
		node.Nlookup -= n
	}
	if node.Nlookup == 0 {
		t.deleteNodeLocked(node)
		return
	}
	if node.Nlookup == 1 && t.rememberEnabled {
		t.remember(node)
	}
}

// deleteNodeLocked unhashes a node whose nlookup has reached zero.
// The name-table entry is always stripped first, unconditionally:
// nlookup==0 means the node must no longer be reachable by lookup
// path regardless of open_count (spec.md §3 invariant 1). Only the
// id-table entry -- the thing that keeps the node addressable by an
// already-returned fh -- is conditional on open_count>0 (spec.md §8
// scenario 3, "FORGET raced with OPEN": unhashed from the name table
// but still addressable by nodeid via the open handle). Compare
// Unlink/unlinkNodeLocked, which strip the name first the same way.
func (t *Table) deleteNodeLocked(node *Node) {
	if node.HasName {
		delete(t.nameIdx, nameKey{node.Parent, node.Name})
		if p, ok := t.GetLocked(node.Parent); ok {
			p.Refctr--
		}
		node.HasName = false
	}
	if node.OpenCount > 0 {
		return
	}
	delete(t.idIdx, node.Nodeid)
	t.removeRemembered(node)
}

func (t *Table) remember(node *Node) {
	for _, e := range t.remembered {
		if e.node == node {
			return
		}
	}
	t.remembered = append(t.remembered, rememberedEntry{node: node, at: time.Now()})
}

func (t *Table) removeRemembered(node *Node) {
	for i, e := range t.remembered {
		if e.node == node {
			t.remembered = append(t.remembered[:i], t.remembered[i+1:]...)
			return
		}
	}
}

// Unlink removes (parent,name) from the name table without dropping
// the node below nlookup==1's worth of addressability: it remains
// reachable through any open handle, matching spec.md §4.1 "the node
// remains addressable by open handles". If remembering is on, nlookup
// drops by one (mirroring the reference's bookkeeping so a later
// FORGET still balances).
func (t *Table) Unlink(parent uint64, name string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, ok := t.LookupLocked(parent, name)
	if !ok {
		return
	}
	delete(t.nameIdx, nameKey{parent, name})
	n.HasName = false
	if p, ok := t.GetLocked(parent); ok {
		p.Refctr--
	}
	if t.rememberEnabled && n.Nlookup > 0 {
		n.Nlookup--
		if n.Nlookup == 0 {
			t.deleteNodeLocked(n)
		}
	}
}

// Rename removes any existing node at (newdir,newname) and re-hashes
// the old node under the new key, per spec.md §4.1.
func (t *Table) Rename(oldDir uint64, oldName string, newDir uint64, newName string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, ok := t.LookupLocked(oldDir, oldName)
	if !ok {
		return fmt.Errorf("nodetable: rename source %d/%q not found", oldDir, oldName)
	}
	if existing, ok := t.LookupLocked(newDir, newName); ok {
		t.unlinkNodeLocked(existing, newDir, newName)
	}
	delete(t.nameIdx, nameKey{oldDir, oldName})
	if p, ok := t.GetLocked(oldDir); ok {
		p.Refctr--
	}
	n.Parent = newDir
	n.Name = newName
	n.HasName = true
	t.nameIdx[nameKey{newDir, newName}] = n
	if p, ok := t.GetLocked(newDir); ok {
		p.Refctr++
	}
	return nil
}

func (t *Table) unlinkNodeLocked(n *Node, parent uint64, name string) {
	delete(t.nameIdx, nameKey{parent, name})
	n.HasName = false
	if p, ok := t.GetLocked(parent); ok {
		p.Refctr--
	}
	if t.rememberEnabled && n.Nlookup > 0 {
		n.Nlookup--
	}
	if n.Nlookup == 0 {
		t.deleteNodeLocked(n)
	}
}

////////////////////////////////////////////////////////////////////
// Open-count / stat fingerprint.

// OpenInc/OpenDec track file-handle open_count (spec.md §3).
func (t *Table) OpenInc(nodeid uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n, ok := t.GetLocked(nodeid); ok {
		n.OpenCount++
	}
}

func (t *Table) OpenDec(nodeid uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n, ok := t.GetLocked(nodeid); ok && n.OpenCount > 0 {
		n.OpenCount--
		if n.OpenCount == 0 && n.Nlookup == 0 {
			t.deleteNodeLocked(n)
		}
	}
}

// UpsertLock records a byte-range lock an open handle holds on this
// node, replacing any prior record for the same owner (spec.md §3
// Node.locks). The node table is a mirror of locking state for
// introspection; the kernel's own open-file-description lock table on
// the backend fd, not this slice, is what actually enforces exclusion
// (see router.Setlk).
func (t *Table) UpsertLock(nodeid uint64, rec LockRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.GetLocked(nodeid)
	if !ok {
		return
	}
	kept := n.Locks[:0]
	for _, existing := range n.Locks {
		if existing.Owner != rec.Owner {
			kept = append(kept, existing)
		}
	}
	n.Locks = append(kept, rec)
}

// ClearLock drops owner's recorded lock on a node, mirroring an
// F_UNLCK SETLK (spec.md §3 Node.locks).
func (t *Table) ClearLock(nodeid uint64, owner uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.GetLocked(nodeid)
	if !ok {
		return
	}
	kept := n.Locks[:0]
	for _, existing := range n.Locks {
		if existing.Owner != owner {
			kept = append(kept, existing)
		}
	}
	n.Locks = kept
}

// UpdateStatFingerprint computes crc32b(ino||size||mtim) and reports
// whether the kernel's page cache should be considered invalidated
// (the fingerprint existed, was valid, and differs from the new one),
// per spec.md §4.1.
func (t *Table) UpdateStatFingerprint(nodeid uint64, ino, size uint64, mtimeSec, mtimeNsec int64) (invalidated bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.GetLocked(nodeid)
	if !ok {
		return false
	}
	crc := statCRC32(ino, size, mtimeSec, mtimeNsec)
	if n.IsStatCacheValid && n.StatCRC32 != crc {
		invalidated = true
	}
	n.StatCRC32 = crc
	n.IsStatCacheValid = true
	return invalidated
}

func statCRC32(ino, size uint64, mtimeSec, mtimeNsec int64) uint32 {
	var buf [32]byte
	putU64(buf[0:8], ino)
	putU64(buf[8:16], size)
	putU64(buf[16:24], uint64(mtimeSec))
	putU64(buf[24:32], uint64(mtimeNsec))
	return crc32.ChecksumIEEE(buf[:])
}

func putU64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * uint(i)))
	}
}

////////////////////////////////////////////////////////////////////
// Remembered-set maintenance (§5 maintenance thread).

// PruneRemembered drops remembered entries older than ttl, returning
// how many were dropped. Intended to be called periodically by
// internal/maintenance.
func (t *Table) PruneRemembered(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.rememberEnabled {
		return 0
	}
	var kept []rememberedEntry
	dropped := 0
	for _, e := range t.remembered {
		if now.Sub(e.at) > t.rememberTTL {
			if e.node.Nlookup <= 1 {
				t.deleteNodeLocked(e.node)
			}
			dropped++
			continue
		}
		kept = append(kept, e)
	}
	t.remembered = kept
	return dropped
}

// Stats is a cheap snapshot of table occupancy for metric dumps.
type Stats struct {
	NameEntries int
	IdEntries   int
	Remembered  int
}

func (t *Table) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Stats{
		NameEntries: len(t.nameIdx),
		IdEntries:   len(t.idIdx),
		Remembered:  len(t.remembered),
	}
}

// CompactIndexes is the node-GC job (spec.md §5's "node-GC (release
// empty slab pages)" translated to Go: deleted map entries don't
// shrink a Go map's backing bucket array, so once occupancy has fallen
// well below the largest size the index maps have reached, the
// maintenance thread rebuilds them fresh instead of carrying the old
// emptied buckets forever). A no-op unless occupancy is under a
// quarter of that high-water mark.
func (t *Table) CompactIndexes() (compacted bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.highWater == 0 || len(t.idIdx) > t.highWater/4 {
		return false
	}

	freshNames := make(map[nameKey]*Node, len(t.nameIdx))
	for k, v := range t.nameIdx {
		freshNames[k] = v
	}
	t.nameIdx = freshNames

	freshIDs := make(map[uint64]*Node, len(t.idIdx))
	for k, v := range t.idIdx {
		freshIDs[k] = v
	}
	t.idIdx = freshIDs
	t.highWater = len(t.idIdx)
	return true
}
