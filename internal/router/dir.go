package router

import (
	"context"
	"syscall"

	"github.com/trapexit/mergerfs-sub000/internal/branch"
	"github.com/trapexit/mergerfs-sub000/internal/fserrors"
	"github.com/trapexit/mergerfs-sub000/internal/fuseproto"
)

// Readdir is spec.md §4.4's READDIR/READDIR_PLUS: on first call
// (offset 0 or an empty cache) the readdir collaborator merges
// dirents across every branch (first-seen wins on name collisions);
// the handle caches the merged stream so later calls just slice it by
// (offset, size).
func (r *Router) Readdir(fh uint64, offset uint64, size int) ([]fuseproto.Dirent, error) {
	h, ok := r.getHandle(fh)
	if !ok {
		return nil, fserrors.New(fserrors.NotFound, syscall.ESTALE, "")
	}
	if offset == 0 || h.Dirents == nil {
		relpath, err := r.pathOf(h.Nodeid)
		if err != nil {
			return nil, err
		}
		entries, err := r.mergeDir(relpath)
		if err != nil {
			return nil, err
		}
		h.Dirents = entries
	}
	if offset >= uint64(len(h.Dirents)) {
		return nil, nil
	}
	end := offset + uint64(size)
	if end > uint64(len(h.Dirents)) {
		end = uint64(len(h.Dirents))
	}
	return h.Dirents[offset:end], nil
}

// mergeDir fans the listing out across every live branch, regardless
// of policy, since READDIR must surface every branch's view of the
// directory (spec.md §4.4 READDIR).
func (r *Router) mergeDir(relpath string) ([]fuseproto.Dirent, error) {
	all := r.branches().All()
	entries, err := r.Dirs.Merge(context.Background(), all, relpath, func(b *branch.Branch, rel string) ([]fuseproto.Dirent, error) {
		return r.IO.ReadDir(join(b.Path, rel))
	})
	if err != nil {
		return nil, fserrors.FromError(err, relpath)
	}
	return entries, nil
}
