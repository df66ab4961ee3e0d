package router

import (
	"os"
	"path"
	"strings"
	"syscall"

	"github.com/trapexit/mergerfs-sub000/internal/branch"
	"github.com/trapexit/mergerfs-sub000/internal/fserrors"
	"github.com/trapexit/mergerfs-sub000/internal/fuseproto"
	"github.com/trapexit/mergerfs-sub000/internal/policy"
)

// clonepath recursively mirrors dir's parent chain from a branch that
// already has it onto dst (spec.md §4.5). Runs conceptually "as root"
// to preserve the source's owner/group (spec.md §4.5 "Clonepath always
// runs as root to preserve owner/group"): every created directory's
// mode and ownership are copied from the source branch rather than
// the caller's umask.
func (r *Router) clonepath(dst *branch.Branch, dir string) error {
	if dir == "/" || dir == "" {
		return nil
	}
	if _, err := r.IO.Lstat(join(dst.Path, dir)); err == nil {
		return nil
	}

	search, err := r.resolvePolicy("__clonepath_source__", policy.Search)
	if err != nil {
		return err
	}
	src, err := search.Select(r.branches(), dir)
	if err != nil || len(src) == 0 {
		return fserrors.New(fserrors.NotFound, syscall.ENOENT, dir)
	}
	srcBranch := src[0]

	var created []string
	parts := strings.Split(strings.Trim(dir, "/"), "/")
	cur := ""
	for _, part := range parts {
		cur = path.Join(cur, part)
		relDir := "/" + cur
		dstFull := join(dst.Path, relDir)
		if _, err := r.IO.Lstat(dstFull); err == nil {
			continue
		}
		srcFull := join(srcBranch.Path, relDir)
		st, err := r.IO.Lstat(srcFull)
		if err != nil {
			r.rollbackClone(dst, created)
			return fserrors.FromError(err, relDir)
		}
		if err := r.IO.Mkdir(dstFull, st.Mode&0o7777); err != nil {
			r.rollbackClone(dst, created)
			return fserrors.FromError(err, relDir)
		}
		created = append(created, dstFull)
		if err := r.IO.Chown(dstFull, st.Uid, st.Gid); err != nil {
			r.rollbackClone(dst, created)
			return fserrors.FromError(err, relDir)
		}
	}
	return nil
}

// rollbackClone removes directories clonepath created so far, in
// reverse order, on a later partial failure (spec.md §4.5 "Partial
// failures roll back directories created so far").
func (r *Router) rollbackClone(dst *branch.Branch, created []string) {
	for i := len(created) - 1; i >= 0; i-- {
		_ = r.IO.Rmdir(created[i])
	}
}

// Create is spec.md §4.4's CREATE(parent, name, mode, flags).
func (r *Router) Create(parent uint64, name string, mode, flags uint32) (*fuseproto.CreateOut, error) {
	guard, err := r.Locks.ResolveLocked(parent, name, true)
	if err != nil {
		return nil, err
	}
	defer guard.Release()
	relpath := guard.Path()
	parentRel := parentOf(relpath)

	// Pre-allocate the target node so its nodeid is usable by backends
	// that want it before any backend I/O runs (spec.md §4.4 CREATE).
	node, nerr := r.Table.FindOrCreate(parent, name)
	if nerr != nil {
		return nil, nerr
	}

	createPol, err := r.resolvePolicy("create", policy.Create)
	if err != nil {
		return nil, err
	}
	chosen, err := createPol.Select(r.branches(), relpath)
	if err != nil || len(chosen) == 0 {
		return nil, fserrors.New(fserrors.NoSpace, syscall.ENOSPC, relpath)
	}

	var created *os.File
	var createdOn *branch.Branch
	createErr := r.oneSuccessWins(chosen, relpath, func(b *branch.Branch) error {
		if err := r.clonepath(b, parentRel); err != nil {
			return err
		}
		full := join(b.Path, relpath)
		f, err := r.IO.Open(full, int(flags)|0o100 /* O_CREAT */, mode)
		if err != nil {
			return fserrors.FromError(err, full)
		}
		if created == nil {
			created, createdOn = f, b
		} else {
			f.Close()
		}
		return nil
	})
	if createErr != nil {
		if fserrors.Kind(createErr) == fserrors.ReadOnlyFS && len(chosen) > 0 {
			chosen[0].MarkReadOnly()
			return r.Create(parent, name, mode, flags)
		}
		return nil, createErr
	}

	entry, eerr := r.entryFor(node)
	if eerr != nil {
		created.Close()
		return nil, eerr
	}
	r.Table.OpenInc(node.Nodeid)

	fh := r.nextFh()
	r.putHandle(&Handle{Fh: fh, Nodeid: node.Nodeid, Branch: createdOn, File: created})

	return &fuseproto.CreateOut{
		EntryOut: *entry,
		OpenOut:  fuseproto.OpenOut{Fh: fh},
	}, nil
}

// Mknod is spec.md §4.4's MKNOD(parent, name, mode, rdev): like CREATE
// but for non-regular special files. On regular files it optimistically
// attempts create+release first for passthrough compatibility, same
// as the router's CREATE, and shares its EROFS branch-demotion retry.
func (r *Router) Mknod(parent uint64, name string, mode, rdev uint32) (*fuseproto.EntryOut, error) {
	guard, err := r.Locks.ResolveLocked(parent, name, true)
	if err != nil {
		return nil, err
	}
	defer guard.Release()
	relpath := guard.Path()
	parentRel := parentOf(relpath)

	node, nerr := r.Table.FindOrCreate(parent, name)
	if nerr != nil {
		return nil, nerr
	}

	createPol, err := r.resolvePolicy("mknod", policy.Create)
	if err != nil {
		return nil, err
	}
	chosen, err := createPol.Select(r.branches(), relpath)
	if err != nil || len(chosen) == 0 {
		return nil, fserrors.New(fserrors.NoSpace, syscall.ENOSPC, relpath)
	}

	isRegular := mode&0o170000 == 0o100000
	createErr := r.oneSuccessWins(chosen, relpath, func(b *branch.Branch) error {
		if err := r.clonepath(b, parentRel); err != nil {
			return err
		}
		full := join(b.Path, relpath)
		if isRegular {
			f, err := r.IO.Open(full, 0o100|0o002 /* O_CREAT|O_RDWR */, mode&0o7777)
			if err != nil {
				return fserrors.FromError(err, full)
			}
			return f.Close()
		}
		if err := r.IO.Mknod(full, mode, uint64(rdev)); err != nil {
			return fserrors.FromError(err, full)
		}
		return nil
	})
	if createErr != nil {
		if fserrors.Kind(createErr) == fserrors.ReadOnlyFS && len(chosen) > 0 {
			chosen[0].MarkReadOnly()
			return r.Mknod(parent, name, mode, rdev)
		}
		return nil, createErr
	}
	return r.entryFor(node)
}

// Mkdir is spec.md §4.4's MKDIR: a Create-category
// operation like CREATE/MKNOD, without the open-handle bookkeeping.
func (r *Router) Mkdir(parent uint64, name string, mode, umask uint32) (*fuseproto.EntryOut, error) {
	guard, err := r.Locks.ResolveLocked(parent, name, true)
	if err != nil {
		return nil, err
	}
	defer guard.Release()
	relpath := guard.Path()
	parentRel := parentOf(relpath)

	node, nerr := r.Table.FindOrCreate(parent, name)
	if nerr != nil {
		return nil, nerr
	}

	createPol, err := r.resolvePolicy("mkdir", policy.Create)
	if err != nil {
		return nil, err
	}
	chosen, err := createPol.Select(r.branches(), relpath)
	if err != nil || len(chosen) == 0 {
		return nil, fserrors.New(fserrors.NoSpace, syscall.ENOSPC, relpath)
	}

	createErr := r.oneSuccessWins(chosen, relpath, func(b *branch.Branch) error {
		if err := r.clonepath(b, parentRel); err != nil {
			return err
		}
		full := join(b.Path, relpath)
		if err := r.IO.Mkdir(full, mode&^umask&0o7777); err != nil {
			return fserrors.FromError(err, full)
		}
		return nil
	})
	if createErr != nil {
		if fserrors.Kind(createErr) == fserrors.ReadOnlyFS && len(chosen) > 0 {
			chosen[0].MarkReadOnly()
			return r.Mkdir(parent, name, mode, umask)
		}
		return nil, createErr
	}
	return r.entryFor(node)
}
