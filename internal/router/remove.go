package router

import (
	"strings"
	"syscall"

	"github.com/trapexit/mergerfs-sub000/internal/branch"
	"github.com/trapexit/mergerfs-sub000/internal/config"
	"github.com/trapexit/mergerfs-sub000/internal/fserrors"
	"github.com/trapexit/mergerfs-sub000/internal/fuseproto"
	"github.com/trapexit/mergerfs-sub000/internal/policy"
)

// pathPreserving reports whether a Create policy only considers
// branches a path already exists on, per policy.go's "ep"/"msp"
// naming convention (epmfs, eplfs, msplfs, ...).
func pathPreserving(pol policy.Policy) bool {
	name := pol.Name()
	return strings.HasPrefix(name, "ep") || strings.HasPrefix(name, "msp")
}

// Unlink is spec.md §4.4's UNLINK(parent, name): write-lock the named
// target so it is guaranteed quiescent, apply the Action policy,
// remove on every selected branch, then update the name table.
func (r *Router) Unlink(parent uint64, name string) error {
	guard, err := r.Locks.ResolveLocked(parent, name, true)
	if err != nil {
		return err
	}
	defer guard.Release()
	relpath := guard.Path()

	if err := r.actionEach(relpath, "unlink", func(full string) error {
		if err := r.IO.Unlink(full); err != nil {
			return fserrors.FromError(err, full)
		}
		return nil
	}); err != nil {
		return err
	}
	r.Table.Unlink(parent, name)
	return nil
}

// Rmdir is spec.md §4.4's RMDIR(parent, name): same as Unlink, except
// it only succeeds where the backend directory was empty.
func (r *Router) Rmdir(parent uint64, name string) error {
	guard, err := r.Locks.ResolveLocked(parent, name, true)
	if err != nil {
		return err
	}
	defer guard.Release()
	relpath := guard.Path()

	if err := r.actionEach(relpath, "rmdir", func(full string) error {
		if err := r.IO.Rmdir(full); err != nil {
			return fserrors.FromError(err, full)
		}
		return nil
	}); err != nil {
		return err
	}
	r.Table.Unlink(parent, name)
	return nil
}

// Rename is spec.md §4.4's RENAME(olddir, oldname, newdir, newname).
// Dual write-lock both names; rename on every branch the Action
// policy selects; on success, update the name table. When the
// configured create policy is path-preserving and ignore_pp_on_rename
// is false, rename is restricted to branches where both paths
// already exist; otherwise it may cross branches, cloning the missing
// destination parent lazily.
func (r *Router) Rename(oldDir uint64, oldName string, newDir uint64, newName string) error {
	guard, err := r.Locks.ResolveLocked2(oldDir, oldName, true, newDir, newName, true)
	if err != nil {
		return err
	}
	defer guard.Release()

	oldRel := guard.Path()
	newRel := guard.Path2()
	newParentRel := parentOf(newRel)

	cfg := r.Runtime.Config.Load()
	branches := r.branchesForRename(cfg, oldRel)

	renameErr := r.oneSuccessWins(branches, oldRel, func(b *branch.Branch) error {
		oldFull := join(b.Path, oldRel)
		if _, serr := r.IO.Lstat(oldFull); serr != nil {
			return fserrors.FromError(serr, oldFull)
		}
		if err := r.clonepath(b, newParentRel); err != nil {
			return err
		}
		newFull := join(b.Path, newRel)
		if err := r.IO.Rename(oldFull, newFull); err != nil {
			return fserrors.FromError(err, newFull)
		}
		return nil
	})
	if renameErr != nil {
		return renameErr
	}
	return r.Table.Rename(oldDir, oldName, newDir, newName)
}

// branchesForRename resolves the branch set RENAME operates over,
// honoring path-preserving-create + ignore_pp_on_rename semantics
// (spec.md §4.4 RENAME).
func (r *Router) branchesForRename(cfg *config.Config, relpath string) []*branch.Branch {
	createPol, err := r.resolvePolicy("rename", policy.Create)
	if err != nil {
		return nil
	}
	chosen, err := createPol.Select(r.branches(), relpath)
	if err != nil {
		return nil
	}
	if !cfg.IgnorePPOnRename && pathPreserving(createPol) {
		var onBoth []*branch.Branch
		for _, b := range chosen {
			if _, serr := r.IO.Lstat(join(b.Path, relpath)); serr == nil {
				onBoth = append(onBoth, b)
			}
		}
		if len(onBoth) > 0 {
			return onBoth
		}
	}
	return chosen
}

// Link is spec.md §4.4's LINK(old, new). If the create policy
// preserves paths, hard-link on every branch the Action policy picks;
// otherwise link where old exists, cloning the new-parent path from a
// search branch first. EXDEV across every attempted branch falls back
// to a symlink, per the configured link_exdev mode.
func (r *Router) Link(oldNodeid uint64, newParent uint64, newName string) (*fuseproto.EntryOut, error) {
	oldRel, err := r.pathOf(oldNodeid)
	if err != nil {
		return nil, err
	}
	guard, err := r.Locks.ResolveLocked(newParent, newName, true)
	if err != nil {
		return nil, err
	}
	defer guard.Release()
	newRel := guard.Path()
	newParentRel := parentOf(newRel)

	cfg := r.Runtime.Config.Load()
	branches := r.branchesForRename(cfg, oldRel)

	var allEXDEV = true
	linkErr := r.oneSuccessWins(branches, oldRel, func(b *branch.Branch) error {
		oldFull := join(b.Path, oldRel)
		if _, serr := r.IO.Lstat(oldFull); serr != nil {
			return fserrors.FromError(serr, oldFull)
		}
		if err := r.clonepath(b, newParentRel); err != nil {
			return err
		}
		newFull := join(b.Path, newRel)
		err := r.IO.Link(oldFull, newFull)
		if err == nil {
			allEXDEV = false
			return nil
		}
		fe := fserrors.FromError(err, newFull)
		if fe.Kind != fserrors.CrossDevice {
			allEXDEV = false
		}
		return fe
	})
	if linkErr != nil {
		if allEXDEV && cfg.LinkEXDEV != config.EXDEVPassthrough {
			if serr := r.linkAsSymlink(oldRel, newRel, cfg); serr == nil {
				node, nerr := r.Table.FindOrCreate(newParent, newName)
				if nerr != nil {
					return nil, nerr
				}
				return r.entryFor(node)
			}
		}
		return nil, linkErr
	}

	node, nerr := r.Table.FindOrCreate(newParent, newName)
	if nerr != nil {
		return nil, nerr
	}
	return r.entryFor(node)
}

// linkAsSymlink materializes a cross-device link as a symlink per the
// configured link_exdev mode (relative, absolute-branch, or
// absolute-mount path), spec.md §4.4 LINK.
func (r *Router) linkAsSymlink(oldRel, newRel string, cfg *config.Config) error {
	search, err := r.resolvePolicy("link", policy.Search)
	if err != nil {
		return err
	}
	chosen, err := search.Select(r.branches(), oldRel)
	if err != nil || len(chosen) == 0 {
		return fserrors.New(fserrors.NotFound, syscall.ENOENT, oldRel)
	}
	b := chosen[0]

	var target string
	switch cfg.LinkEXDEV {
	case config.EXDEVAbsBranchSymlink:
		target = join(b.Path, oldRel)
	case config.EXDEVAbsMountSymlink:
		target = oldRel
	default: // EXDEVRelSymlink
		target = relativeSymlinkTarget(newRel, oldRel)
	}
	if err := r.clonepath(b, parentOf(newRel)); err != nil {
		return err
	}
	newFull := join(b.Path, newRel)
	if err := r.IO.Symlink(target, newFull); err != nil {
		return fserrors.FromError(err, newFull)
	}
	return nil
}

// relativeSymlinkTarget builds oldRel's path relative to newRel's
// parent directory.
func relativeSymlinkTarget(newRel, oldRel string) string {
	depth := 0
	for i := 0; i < len(newRel); i++ {
		if newRel[i] == '/' {
			depth++
		}
	}
	if depth == 0 {
		return oldRel
	}
	prefix := ""
	for i := 0; i < depth-1; i++ {
		prefix += "../"
	}
	return prefix + oldRel[1:]
}

// Symlink is spec.md §4.4's Create-category sibling: symlink(target,
// parent/name) following the same policy fan-out as MKDIR.
func (r *Router) Symlink(parent uint64, name, target string) (*fuseproto.EntryOut, error) {
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

	createPol, err := r.resolvePolicy("symlink", policy.Create)
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
		if err := r.IO.Symlink(target, full); err != nil {
			return fserrors.FromError(err, full)
		}
		return nil
	})
	if createErr != nil {
		if fserrors.Kind(createErr) == fserrors.ReadOnlyFS && len(chosen) > 0 {
			chosen[0].MarkReadOnly()
			return r.Symlink(parent, name, target)
		}
		return nil, createErr
	}
	return r.entryFor(node)
}

// Readlink is spec.md §4.4 Search-category sibling used to satisfy
// READLINK requests.
func (r *Router) Readlink(nodeid uint64) (string, error) {
	relpath, err := r.pathOf(nodeid)
	if err != nil {
		return "", err
	}
	search, err := r.resolvePolicy("readlink", policy.Search)
	if err != nil {
		return "", err
	}
	chosen, err := search.Select(r.branches(), relpath)
	if err != nil || len(chosen) == 0 {
		return "", fserrors.New(fserrors.NotFound, syscall.ENOENT, relpath)
	}
	full := join(chosen[0].Path, relpath)
	target, err := r.IO.Readlink(full)
	if err != nil {
		return "", fserrors.FromError(err, full)
	}
	return target, nil
}
