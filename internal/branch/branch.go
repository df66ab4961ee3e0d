// Package branch models the mount-point directories unioned into a
// mergerfs mount: their mode, free-space threshold, and the
// copy-on-write immutable snapshot handed to every request handler.
//
// Grounded on unionfs/unionfs.go's []string roots + per-root
// LoopbackFileSystem list, generalized
// to mergerfs's RW/RO/NC modes and grouped priority.
package branch

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/moby/sys/mountinfo"
	"golang.org/x/sys/unix"
)

// Mode is a branch's write eligibility.
type Mode int

const (
	RW Mode = iota // read-write, eligible for create and action
	RO             // read-only, excluded from both create and action
	NC             // no-create: action-eligible, create-ineligible
)

func (m Mode) String() string {
	switch m {
	case RW:
		return "RW"
	case RO:
		return "RO"
	case NC:
		return "NC"
	default:
		return "?"
	}
}

func ParseMode(s string) (Mode, error) {
	switch strings.ToUpper(s) {
	case "", "RW":
		return RW, nil
	case "RO":
		return RO, nil
	case "NC":
		return NC, nil
	default:
		return RW, fmt.Errorf("branch: unknown mode %q", s)
	}
}

// Branch is one underlying mount-point directory.
type Branch struct {
	Path         string
	Mode         Mode
	MinFreeSpace uint64

	mu          sync.RWMutex
	roCached    bool
	roCacheAge  time.Time
	devMajor    uint32
	devMinor    uint32
	devResolved bool
}

// NewBranch builds a Branch and resolves its device id and initial
// read-only flag eagerly from the mount table; IsReadOnlyFS re-reads
// the flag once it is older than roCacheTTL, per spec.md §3 "cached
// read-only flag".
func NewBranch(path string, mode Mode, minFree uint64) *Branch {
	b := &Branch{Path: path, Mode: mode, MinFreeSpace: minFree}
	b.resolveDevice()
	return b
}

const roCacheTTL = 5 * time.Second

// resolveDevice fills in devMajor/devMinor and the initial read-only
// cache from the kernel's mount table, using moby/sys/mountinfo to
// find the mount entry that most specifically covers b.Path (longest
// matching Mountpoint prefix).
func (b *Branch) resolveDevice() {
	mounts, err := mountinfo.GetMounts(nil)
	if err != nil {
		return
	}
	var best *mountinfo.Info
	for _, m := range mounts {
		if !strings.HasPrefix(b.Path, m.Mountpoint) {
			continue
		}
		if best == nil || len(m.Mountpoint) > len(best.Mountpoint) {
			best = m
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if best != nil {
		b.devMajor = uint32(best.Major)
		b.devMinor = uint32(best.Minor)
		b.devResolved = true
		b.roCached = hasOption(best.Options, "ro")
	}
	b.roCacheAge = time.Now()
}

func hasOption(opts, name string) bool {
	for _, o := range strings.Split(opts, ",") {
		if o == name {
			return true
		}
	}
	return false
}

// DeviceID returns the (major, minor) of the underlying mount, used by
// STATFS aggregation to de-duplicate bind-mounted branches (spec.md
// §4.4 STATFS).
func (b *Branch) DeviceID() (major, minor uint32, ok bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.devMajor, b.devMinor, b.devResolved
}

// IsReadOnlyFS reports the branch's underlying filesystem mount flag
// (distinct from Mode==RO, which is a mergerfs-configured policy
// choice). The result is cached and refreshed at most once per
// roCacheTTL, matching "cached read-only flag" in spec.md §3.
func (b *Branch) IsReadOnlyFS() bool {
	b.mu.RLock()
	age := time.Since(b.roCacheAge)
	cached := b.roCached
	b.mu.RUnlock()
	if age < roCacheTTL {
		return cached
	}
	b.resolveDevice()
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.roCached
}

// MarkReadOnly is called by the router's EROFS branch-demotion retry
// (spec.md §4.4 CREATE) to set the cached underlying-filesystem
// read-only flag at once, so policy evaluations within the next
// roCacheTTL skip it. Mode is left unchanged, and the flag is re-read
// from the mount table once the TTL has passed.
func (b *Branch) MarkReadOnly() {
	b.mu.Lock()
	b.roCached = true
	b.roCacheAge = time.Now()
	b.mu.Unlock()
}

// SpaceInfo is the subset of statvfs(2) the policy engine and STATFS
// aggregation need.
type SpaceInfo struct {
	BlockSize  uint64
	FragSize   uint64
	Blocks     uint64
	BlocksFree uint64
	BlocksAvail uint64
	Files      uint64
	FilesFree  uint64
	NameMax    uint64
}

// Space statvfs(2)'s the branch's root. Kept here (rather than in
// branchio) because free-space eligibility is a branch-intrinsic,
// frequently-polled property the policy engine calls on every Create
// decision.
func (b *Branch) Space() (SpaceInfo, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(b.Path, &st); err != nil {
		return SpaceInfo{}, err
	}
	return SpaceInfo{
		BlockSize:   uint64(st.Bsize),
		FragSize:    uint64(st.Frsize),
		Blocks:      st.Blocks,
		BlocksFree:  st.Bfree,
		BlocksAvail: st.Bavail,
		Files:       st.Files,
		FilesFree:   st.Ffree,
		NameMax:     uint64(st.Namelen),
	}, nil
}

// FreeBytes returns available bytes for unprivileged writers.
func (b *Branch) FreeBytes() (uint64, error) {
	s, err := b.Space()
	if err != nil {
		return 0, err
	}
	return s.BlocksAvail * s.BlockSize, nil
}

// UsedBytes returns used bytes (total - free), used by the lus/eplus
// policies.
func (b *Branch) UsedBytes() (uint64, error) {
	s, err := b.Space()
	if err != nil {
		return 0, err
	}
	return (s.Blocks - s.BlocksFree) * s.BlockSize, nil
}

// EligibleForCreate applies the eligibility filters spec.md §4.3
// names: RO/NC excluded, underlying-RO excluded, below min_free_space
// excluded.
func (b *Branch) EligibleForCreate() bool {
	if b.Mode == RO || b.Mode == NC {
		return false
	}
	if b.IsReadOnlyFS() {
		return false
	}
	if b.MinFreeSpace > 0 {
		free, err := b.FreeBytes()
		if err != nil || free < b.MinFreeSpace {
			return false
		}
	}
	return true
}

// EligibleForWrite is the weaker filter used by Action policies:
// RO-by-mode is excluded, but NC (no-create) is still action-eligible
// per spec.md §3's Branch definition ("NC = no create").
func (b *Branch) EligibleForWrite() bool {
	if b.Mode == RO {
		return false
	}
	return !b.IsReadOnlyFS()
}

// Group is an ordered sequence of branches sharing one priority tier;
// spec.md §3's BranchGroup.
type Group []*Branch

// Snapshot is the immutable, shared, copy-on-write value every request
// handler reads; spec.md §3 "Branches is shared immutably among
// request handlers via a reference-counted snapshot". Go's GC makes an
// explicit refcount unnecessary: holding a *Snapshot keeps it (and its
// Branches) alive for as long as the handler needs it.
type Snapshot struct {
	Groups []Group
}

// All flattens the snapshot into one ordered slice, group-by-group,
// branch-by-branch, per spec.md §3 "iterated group-by-group,
// branch-by-branch".
func (s *Snapshot) All() []*Branch {
	var out []*Branch
	for _, g := range s.Groups {
		out = append(out, g...)
	}
	return out
}

// ByPath finds the branch whose Path matches, or nil.
func (s *Snapshot) ByPath(path string) *Branch {
	for _, b := range s.All() {
		if b.Path == path {
			return b
		}
	}
	return nil
}

// String renders the snapshot back into mergerfs's
// "path=MODE[=min_free_space]" control-file format (§6) that ParseSpec
// reads, with branches in the same priority group joined by "," and
// groups joined by ":". min_free_space is written only when non-zero.
func (s *Snapshot) String() string {
	var groups []string
	for _, g := range s.Groups {
		var parts []string
		for _, b := range g {
			item := fmt.Sprintf("%s=%s", b.Path, b.Mode)
			if b.MinFreeSpace > 0 {
				item += fmt.Sprintf("=%d", b.MinFreeSpace)
			}
			parts = append(parts, item)
		}
		groups = append(groups, strings.Join(parts, ","))
	}
	return strings.Join(groups, ":")
}

// ParseSpec parses the control-file branch spec format:
//
//	group := branch ("," branch)*
//	spec  := group (":" group)*
//	branch := path ["=" MODE] ["=" min_free_space]
//
// e.g. "/mnt/a,/mnt/b:/mnt/c=RO" is two priority groups: {a,b} then {c}.
func ParseSpec(spec string) (*Snapshot, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return &Snapshot{}, nil
	}
	var groups []Group
	for _, groupSpec := range strings.Split(spec, ":") {
		var g Group
		for _, item := range strings.Split(groupSpec, ",") {
			item = strings.TrimSpace(item)
			if item == "" {
				continue
			}
			b, err := parseBranchItem(item)
			if err != nil {
				return nil, err
			}
			g = append(g, b)
		}
		if len(g) > 0 {
			groups = append(groups, g)
		}
	}
	return &Snapshot{Groups: groups}, nil
}

func parseBranchItem(item string) (*Branch, error) {
	fields := strings.Split(item, "=")
	path := fields[0]
	mode := RW
	var minFree uint64
	if len(fields) > 1 {
		for _, attr := range fields[1:] {
			if m, err := ParseMode(attr); err == nil && (attr == "RW" || attr == "RO" || attr == "NC") {
				mode = m
				continue
			}
			if n, err := strconv.ParseUint(attr, 10, 64); err == nil {
				minFree = n
			}
		}
	}
	return NewBranch(path, mode, minFree), nil
}

// Holder is a typed atomic.Pointer-backed holder for the live
// snapshot, matching spec.md §5 "Config mutations are atomic
// replacements of shared pointers" applied to Branches specifically.
type Holder struct {
	mu  sync.Mutex // serializes writers only; readers never block
	ptr atomic.Pointer[Snapshot]
}

func NewHolder(initial *Snapshot) *Holder {
	h := &Holder{}
	h.ptr.Store(initial)
	return h
}

// Load returns the current snapshot. Safe for concurrent use without
// any lock: this is the read path every handler takes.
func (h *Holder) Load() *Snapshot { return h.ptr.Load() }

// Store installs a new snapshot, replacing the old one atomically.
// Readers that already loaded the previous snapshot keep using it
// until they re-Load; nothing is mutated in place.
func (h *Holder) Store(s *Snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ptr.Store(s)
}
