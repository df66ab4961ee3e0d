package router

import (
	"syscall"

	"github.com/trapexit/mergerfs-sub000/internal/branchio"
	"github.com/trapexit/mergerfs-sub000/internal/config"
	"github.com/trapexit/mergerfs-sub000/internal/fserrors"
	"github.com/trapexit/mergerfs-sub000/internal/fuseproto"
	"github.com/trapexit/mergerfs-sub000/internal/nodetable"
	"github.com/trapexit/mergerfs-sub000/internal/policy"
)

func attrFromStat(st branchio.Stat) fuseproto.Attr {
	return fuseproto.Attr{
		Ino:       st.Ino,
		Size:      uint64(st.Size),
		Blocks:    uint64(st.Blocks),
		Atime:     uint64(st.Atime),
		Mtime:     uint64(st.Mtime),
		Ctime:     uint64(st.Ctime),
		Atimensec: uint32(st.Atimensec),
		Mtimensec: uint32(st.Mtimensec),
		Mode:      st.Mode,
		Nlink:     st.Nlink,
		Owner:     fuseproto.Owner{Uid: st.Uid, Gid: st.Gid},
		Rdev:      uint32(st.Rdev),
	}
}

// applyUIDGIDOverride rewrites the reported owner per the mount's
// configured overrides (§4.4 GETATTR/STATX "apply uid/gid/umask
// overrides from config").
func applyUIDGIDOverride(st *branchio.Stat, cfg *config.Config) {
	if cfg.UID != nil {
		st.Uid = *cfg.UID
	}
	if cfg.GID != nil {
		st.Gid = *cfg.GID
	}
	if cfg.Umask != nil {
		st.Mode &^= *cfg.Umask & 0o777
	}
}

// Lookup is spec.md §4.4's LOOKUP(parent, name).
func (r *Router) Lookup(parent uint64, name string) (*fuseproto.EntryOut, error) {
	switch name {
	case ".":
		// spec.md §9: lookup of an unknown nodeid is the node-went-away
		// race, not a real miss -- report it as a stale handle.
		n, ok := r.Table.GetUnchecked(parent)
		if !ok {
			return nil, fserrors.New(fserrors.PathEscape, syscall.ESTALE, "")
		}
		return r.entryFor(n)
	case "..":
		n, ok := r.Table.GetUnchecked(parent)
		if !ok {
			return nil, fserrors.New(fserrors.PathEscape, syscall.ESTALE, "")
		}
		// spec.md §9: ".." at the mount root has nowhere to escape to.
		if n.Nodeid == nodetable.RootNodeid {
			return nil, fserrors.New(fserrors.PathEscape, syscall.ENOENT, "")
		}
		pn, ok := r.Table.GetUnchecked(n.Parent)
		if !ok {
			return nil, fserrors.New(fserrors.PathEscape, syscall.ESTALE, "")
		}
		return r.entryFor(pn)
	}

	search, err := r.resolvePolicy("lookup", policy.Search)
	if err != nil {
		return nil, err
	}

	guard, err := r.Locks.ResolveLocked(parent, "", false)
	if err != nil {
		return nil, err
	}
	defer guard.Release()
	relpath := childPath(guard.Path(), name)

	chosen, err := search.Select(r.branches(), relpath)
	if err != nil || len(chosen) == 0 {
		return nil, fserrors.New(fserrors.NotFound, syscall.ENOENT, relpath)
	}
	full := join(chosen[0].Path, relpath)
	if _, err := r.statPath(full); err != nil {
		return nil, err
	}

	n, nerr := r.Table.FindOrCreate(parent, name)
	if nerr != nil {
		return nil, nerr
	}
	return r.entryFor(n)
}

func (r *Router) entryFor(n *nodetable.Node) (*fuseproto.EntryOut, error) {
	relpath, err := r.pathOf(n.Nodeid)
	if err != nil {
		return nil, err
	}
	search, err := r.resolvePolicy("getattr", policy.Search)
	if err != nil {
		return nil, err
	}
	chosen, err := search.Select(r.branches(), relpath)
	if err != nil || len(chosen) == 0 {
		return nil, fserrors.New(fserrors.NotFound, syscall.ENOENT, relpath)
	}
	st, err := r.statPath(join(chosen[0].Path, relpath))
	if err != nil {
		return nil, err
	}
	gen := n.Generation
	if n.Nodeid == nodetable.RootNodeid {
		gen = 0
	}
	r.Table.UpdateStatFingerprint(n.Nodeid, st.Ino, uint64(st.Size), st.Mtime, st.Mtimensec)
	applyUIDGIDOverride(&st, r.Runtime.Config.Load())
	return &fuseproto.EntryOut{
		NodeId:     n.Nodeid,
		Generation: gen,
		EntryValid: 1,
		AttrValid:  1,
		Attr:       attrFromStat(st),
	}, nil
}

// pathOf resolves a nodeid's relative path without taking any
// tree-lock, for read-only reporting paths (entryFor, Getattr) that
// don't need resolve_locked's concurrency guarantee beyond a
// consistent snapshot of the name chain.
func (r *Router) pathOf(nodeid uint64) (string, error) {
	r.Table.Lock()
	comps, _, err := r.Table.PathComponentsLocked(nodeid)
	r.Table.Unlock()
	if err != nil {
		return "", err
	}
	if len(comps) == 0 {
		return "/", nil
	}
	return "/" + join0(comps), nil
}

func join0(comps []string) string {
	out := comps[0]
	for _, c := range comps[1:] {
		out += "/" + c
	}
	return out
}

// Forget is spec.md §4.1's Forget, invoked once per FORGET or
// BATCH_FORGET entry.
func (r *Router) Forget(nodeid uint64, nlookup uint64) {
	r.Table.Forget(nodeid, nlookup)
}

// Getattr is spec.md §4.4's GETATTR/STATX.
//
// TODO(spec.md §9 open question): when called with fh==0 after a prior
// get_path on this nodeid already hit ESTALE, the reference is
// ambiguous about what path, if any, a retry should stat. A pathOf
// failure is returned as ESTALE here rather than guessing a fallback
// path.
func (r *Router) Getattr(nodeid uint64) (*fuseproto.AttrOut, error) {
	relpath, err := r.pathOf(nodeid)
	if err != nil {
		return nil, fserrors.New(fserrors.PathEscape, syscall.ESTALE, "")
	}
	search, err := r.resolvePolicy("getattr", policy.Search)
	if err != nil {
		return nil, err
	}
	chosen, err := search.Select(r.branches(), relpath)
	if err != nil || len(chosen) == 0 {
		return nil, fserrors.New(fserrors.NotFound, syscall.ENOENT, relpath)
	}
	st, err := r.statPath(join(chosen[0].Path, relpath))
	if err != nil {
		return nil, err
	}
	r.Table.UpdateStatFingerprint(nodeid, st.Ino, uint64(st.Size), st.Mtime, st.Mtimensec)
	applyUIDGIDOverride(&st, r.Runtime.Config.Load())
	return &fuseproto.AttrOut{AttrValid: 1, Attr: attrFromStat(st)}, nil
}
