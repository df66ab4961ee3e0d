// Package policy implements §4.3 of SPEC_FULL.md: the branch-selection
// engine. A Policy is a small value type satisfying one interface --
// no inheritance hierarchy, per spec.md §11's "Policy polymorphism"
// redesign note -- grouped into three categories (Search/Action/Create)
// and registered under the configuration-file names mergerfs users
// already know (mfs, epmfs, msplfs, ...).
//
// Grounded on unionfs/unionfs.go's getBranchAttrNoCache (ordered,
// first-success-wins branch probe -- the shape of "ff") and
// promoteDirsTo (climb the path upward until a branch has it -- the
// shape of the "msp*" family).
package policy

import (
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/trapexit/mergerfs-sub000/internal/branch"
	"github.com/trapexit/mergerfs-sub000/internal/fserrors"
)

// Category groups policies by the shape of operation they serve.
type Category int

const (
	// Search policies serve read-like ops (getattr, readlink, open for
	// read, getxattr) and return at most one branch.
	Search Category = iota
	// Action policies serve modify-existing ops (chmod, chown, rename,
	// removexattr, truncate, unlink, utimens) and return one or more
	// branches.
	Action
	// Create policies serve new-name ops (create, mkdir, mknod,
	// symlink, link) and return exactly one branch.
	Create
)

func (c Category) String() string {
	switch c {
	case Search:
		return "search"
	case Action:
		return "action"
	case Create:
		return "create"
	default:
		return "?"
	}
}

// Policy selects zero or more branches for one call, given the live
// branch snapshot and the path relative to the mount root.
type Policy interface {
	Name() string
	Category() Category
	Select(snap *branch.Snapshot, relpath string) ([]*branch.Branch, error)
}

// errNoBranch is returned by a base selector when it found nothing;
// callers translate it to fserrors at the call site with the relpath
// attached, or try a fallback policy first.
var errNoBranch = fserrors.New(fserrors.NotFound, syscall.ENOENT, "")

func exists(b *branch.Branch, relpath string) (os.FileInfo, bool) {
	fi, err := os.Lstat(filepath.Join(b.Path, relpath))
	if err != nil {
		return nil, false
	}
	return fi, true
}

// eligible returns the live branches usable for cat, applying spec.md
// §4.3's eligibility filters (RO/NC excluded from create, underlying-RO
// excluded from write, below-min_free_space excluded from create).
// Search has no eligibility filter: a read only needs the path to
// exist, not write access.
func eligible(snap *branch.Snapshot, cat Category) []*branch.Branch {
	var out []*branch.Branch
	for _, b := range snap.All() {
		switch cat {
		case Create:
			if b.EligibleForCreate() {
				out = append(out, b)
			}
		case Action:
			if b.EligibleForWrite() {
				out = append(out, b)
			}
		default:
			out = append(out, b)
		}
	}
	return out
}

// containing filters branches (already eligibility-filtered by the
// caller) down to those where relpath exists.
func containing(branches []*branch.Branch, relpath string) []*branch.Branch {
	var out []*branch.Branch
	for _, b := range branches {
		if _, ok := exists(b, relpath); ok {
			out = append(out, b)
		}
	}
	return out
}

////////////////////////////////////////////////////////////////////
// Base policies.

type allPolicy struct{ cat Category }

func (p allPolicy) Name() string     { return "all" }
func (p allPolicy) Category() Category { return p.cat }
func (p allPolicy) Select(snap *branch.Snapshot, relpath string) ([]*branch.Branch, error) {
	elig := eligible(snap, p.cat)
	if p.cat == Search {
		elig = containing(elig, relpath)
	}
	if len(elig) == 0 {
		return nil, errNoBranch
	}
	return elig, nil
}

// ffPolicy (first found): search/action return the first eligible
// branch containing relpath, in snapshot order; create returns the
// first eligible (writable) branch regardless of existence.
type ffPolicy struct{ cat Category }

func (p ffPolicy) Name() string       { return "ff" }
func (p ffPolicy) Category() Category { return p.cat }
func (p ffPolicy) Select(snap *branch.Snapshot, relpath string) ([]*branch.Branch, error) {
	elig := eligible(snap, p.cat)
	if p.cat == Create {
		if len(elig) == 0 {
			return nil, errNoBranch
		}
		return elig[:1], nil
	}
	for _, b := range elig {
		if _, ok := exists(b, relpath); ok {
			return []*branch.Branch{b}, nil
		}
	}
	return nil, errNoBranch
}

// spaceMetric picks branches by a numeric space-derived score; more or
// fewer is better depending on the policy (mfs wants max free, lfs
// wants min free, lus wants min used).
type spaceMetric struct {
	name string
	cat  Category
	// score returns the value to optimize and whether the branch is a
	// valid candidate at all (statvfs can fail).
	score func(b *branch.Branch) (uint64, bool)
	// pickMax selects the branch with the largest score; otherwise the
	// smallest.
	pickMax bool
}

func (p spaceMetric) Name() string       { return p.name }
func (p spaceMetric) Category() Category { return p.cat }
func (p spaceMetric) Select(snap *branch.Snapshot, relpath string) ([]*branch.Branch, error) {
	elig := eligible(snap, p.cat)
	if p.cat != Create {
		elig = containing(elig, relpath)
	}
	return p.pick(elig)
}

func (p spaceMetric) pick(elig []*branch.Branch) ([]*branch.Branch, error) {
	var best *branch.Branch
	var bestScore uint64
	for _, b := range elig {
		v, ok := p.score(b)
		if !ok {
			continue
		}
		if best == nil || (p.pickMax && v > bestScore) || (!p.pickMax && v < bestScore) {
			best, bestScore = b, v
		}
	}
	if best == nil {
		return nil, errNoBranch
	}
	return []*branch.Branch{best}, nil
}

func mfsMetric(cat Category) Policy {
	return spaceMetric{name: "mfs", cat: cat, pickMax: true, score: func(b *branch.Branch) (uint64, bool) {
		v, err := b.FreeBytes()
		return v, err == nil
	}}
}

func lfsMetric(cat Category) Policy {
	return spaceMetric{name: "lfs", cat: cat, pickMax: false, score: func(b *branch.Branch) (uint64, bool) {
		v, err := b.FreeBytes()
		return v, err == nil
	}}
}

func lusMetric(cat Category) Policy {
	return spaceMetric{name: "lus", cat: cat, pickMax: false, score: func(b *branch.Branch) (uint64, bool) {
		v, err := b.UsedBytes()
		return v, err == nil
	}}
}

// newestPolicy picks the branch with the greatest mtime on relpath.
type newestPolicy struct{ cat Category }

func (p newestPolicy) Name() string       { return "newest" }
func (p newestPolicy) Category() Category { return p.cat }
func (p newestPolicy) Select(snap *branch.Snapshot, relpath string) ([]*branch.Branch, error) {
	elig := eligible(snap, p.cat)
	var best *branch.Branch
	var bestMtime int64
	for _, b := range elig {
		fi, ok := exists(b, relpath)
		if !ok {
			continue
		}
		mt := fi.ModTime().UnixNano()
		if best == nil || mt > bestMtime {
			best, bestMtime = b, mt
		}
	}
	if best == nil {
		return nil, errNoBranch
	}
	return []*branch.Branch{best}, nil
}

// randPolicy picks uniformly among eligible branches (existing-path
// when not Create).
type randPolicy struct{ cat Category }

func (p randPolicy) Name() string       { return "rand" }
func (p randPolicy) Category() Category { return p.cat }
func (p randPolicy) Select(snap *branch.Snapshot, relpath string) ([]*branch.Branch, error) {
	elig := eligible(snap, p.cat)
	if p.cat != Create {
		elig = containing(elig, relpath)
	}
	if len(elig) == 0 {
		return nil, errNoBranch
	}
	return []*branch.Branch{elig[rand.Intn(len(elig))]}, nil
}

// pfrdPolicy picks randomly among eligible branches with probability
// proportional to free space.
type pfrdPolicy struct{ cat Category }

func (p pfrdPolicy) Name() string       { return "pfrd" }
func (p pfrdPolicy) Category() Category { return p.cat }
func (p pfrdPolicy) Select(snap *branch.Snapshot, relpath string) ([]*branch.Branch, error) {
	elig := eligible(snap, p.cat)
	if p.cat != Create {
		elig = containing(elig, relpath)
	}
	type weighted struct {
		b *branch.Branch
		w uint64
	}
	var ws []weighted
	var total uint64
	for _, b := range elig {
		free, err := b.FreeBytes()
		if err != nil || free == 0 {
			continue
		}
		ws = append(ws, weighted{b, free})
		total += free
	}
	if len(ws) == 0 {
		return nil, errNoBranch
	}
	pick := rand.Float64() * float64(total)
	var cum float64
	for _, w := range ws {
		cum += float64(w.w)
		if pick <= cum {
			return []*branch.Branch{w.b}, nil
		}
	}
	return []*branch.Branch{ws[len(ws)-1].b}, nil
}

// erofsPolicy always fails as though every branch were mounted
// read-only -- spec.md §4.3's `erofs` entry, used to force a
// per-operation read-only-fs error (e.g. via a control-file policy
// override).
type erofsPolicy struct{ cat Category }

func (p erofsPolicy) Name() string       { return "erofs" }
func (p erofsPolicy) Category() Category { return p.cat }
func (p erofsPolicy) Select(*branch.Snapshot, string) ([]*branch.Branch, error) {
	return nil, fserrors.New(fserrors.ReadOnlyFS, syscall.EROFS, "")
}

////////////////////////////////////////////////////////////////////
// Existing-path restricted (ep*) wrapper, spec.md §4.3's first
// fallback-chain rule: "ep* -> same base without ep prefix".

type epPolicy struct {
	base Policy
}

func (p epPolicy) Name() string       { return "ep" + p.base.Name() }
func (p epPolicy) Category() Category { return p.base.Category() }
func (p epPolicy) Select(snap *branch.Snapshot, relpath string) ([]*branch.Branch, error) {
	restricted := restrictSnapshot(snap, relpath)
	out, err := p.base.Select(restricted, relpath)
	if err == nil {
		return out, nil
	}
	// Fallback: same base policy without the existing-path restriction.
	return p.base.Select(snap, relpath)
}

// restrictSnapshot returns a synthetic one-group snapshot containing
// only the branches (in original order) where relpath exists, so a
// wrapped base policy's own eligibility/metric logic runs unmodified
// over the restricted candidate set.
func restrictSnapshot(snap *branch.Snapshot, relpath string) *branch.Snapshot {
	var g branch.Group
	for _, b := range snap.All() {
		if _, ok := exists(b, relpath); ok {
			g = append(g, b)
		}
	}
	if len(g) == 0 {
		return &branch.Snapshot{}
	}
	return &branch.Snapshot{Groups: []branch.Group{g}}
}

////////////////////////////////////////////////////////////////////
// Path-preserving create (msp*), spec.md §4.3: "climb the fusepath
// upward until at least one branch has the prefix, then apply
// ep{lfs,mfs,lus,pfrd} at that depth", falling back to the plain ep*
// variant at the original depth if climbing finds nothing.

type mspPolicy struct {
	name string
	base Policy // the eplfs/epmfs/eplus/eppfrd policy to apply at depth
}

func (p mspPolicy) Name() string       { return p.name }
func (p mspPolicy) Category() Category { return Create }
func (p mspPolicy) Select(snap *branch.Snapshot, relpath string) ([]*branch.Branch, error) {
	dir := relpath
	for {
		dir = parentOf(dir)
		if anyContains(snap, dir) {
			out, err := p.base.Select(snap, dir)
			if err == nil {
				return out, nil
			}
			break
		}
		if dir == "" || dir == "/" {
			break
		}
	}
	// Fallback: ep* at the original depth.
	return p.base.Select(snap, relpath)
}

func parentOf(relpath string) string {
	relpath = strings.TrimSuffix(relpath, "/")
	dir := filepath.Dir(relpath)
	if dir == "." {
		return ""
	}
	return dir
}

func anyContains(snap *branch.Snapshot, relpath string) bool {
	if relpath == "" {
		return true // mount root is present on every branch by construction
	}
	for _, b := range snap.All() {
		if _, ok := exists(b, relpath); ok {
			return true
		}
	}
	return false
}

////////////////////////////////////////////////////////////////////
// Registry.

// Registry maps configuration-file policy names to Policy values, one
// name table per category. Built once at startup by New and looked up by name
// from config/control-file overrides (§6).
type Registry struct {
	byCategory map[Category]map[string]Policy
}

// New builds the full ~20-policy table spec.md §4.3 enumerates.
func New() *Registry {
	r := &Registry{byCategory: map[Category]map[string]Policy{
		Search: {}, Action: {}, Create: {},
	}}

	for _, cat := range []Category{Search, Action, Create} {
		r.add(allPolicy{cat})
		r.add(ffPolicy{cat})
		r.add(randPolicy{cat})
		r.add(pfrdPolicy{cat})
		r.add(newestPolicy{cat})
		r.add(mfsMetric(cat))
		r.add(lfsMetric(cat))
		r.add(lusMetric(cat))
		r.add(erofsPolicy{cat})

		r.add(epPolicy{allPolicy{cat}})
		r.add(epPolicy{ffPolicy{cat}})
		r.add(epPolicy{randPolicy{cat}})
		r.add(epPolicy{pfrdPolicy{cat}})
		r.add(epPolicy{mfsMetric(cat)})
		r.add(epPolicy{lfsMetric(cat)})
		r.add(epPolicy{lusMetric(cat)})
	}

	for _, entry := range []struct {
		name string
		base Policy
	}{
		{"msplfs", epPolicy{lfsMetric(Create)}},
		{"mspmfs", epPolicy{mfsMetric(Create)}},
		{"msplus", epPolicy{lusMetric(Create)}},
		{"msppfrd", epPolicy{pfrdPolicy{Create}}},
	} {
		r.add(mspPolicy{name: entry.name, base: entry.base})
	}

	return r
}

func (r *Registry) add(p Policy) {
	r.byCategory[p.Category()][p.Name()] = p
}

// Lookup finds a named policy for a category, e.g. Lookup(Create,
// "epmfs").
func (r *Registry) Lookup(cat Category, name string) (Policy, bool) {
	p, ok := r.byCategory[cat][name]
	return p, ok
}
