package router

import (
	"fmt"
	"os"
	"syscall"

	"github.com/trapexit/mergerfs-sub000/internal/access"
	"github.com/trapexit/mergerfs-sub000/internal/branch"
	"github.com/trapexit/mergerfs-sub000/internal/config"
	"github.com/trapexit/mergerfs-sub000/internal/fserrors"
	"github.com/trapexit/mergerfs-sub000/internal/fuseproto"
	"github.com/trapexit/mergerfs-sub000/internal/policy"
)

// Access is spec.md §6's Access-category op: resolve via the Search
// policy, stat, and run the POSIX permission check.
func (r *Router) Access(nodeid uint64, mask uint32, caller fuseproto.Owner) error {
	relpath, err := r.pathOf(nodeid)
	if err != nil {
		return err
	}
	search, err := r.resolvePolicy("access", policy.Search)
	if err != nil {
		return err
	}
	chosen, err := search.Select(r.branches(), relpath)
	if err != nil || len(chosen) == 0 {
		return fserrors.New(fserrors.NotFound, syscall.ENOENT, relpath)
	}
	st, err := r.statPath(join(chosen[0].Path, relpath))
	if err != nil {
		return err
	}
	if mask == fuseproto.F_OK {
		return nil
	}
	if !access.HasAccess(caller.Uid, caller.Gid, st.Uid, st.Gid, st.Mode&0o777, mask) {
		return fserrors.New(fserrors.BackendIO, syscall.EACCES, relpath)
	}
	return nil
}

// Statfs is spec.md §4.4's STATFS: stat+statvfs every live branch,
// grouped by device id so bind-mounted duplicates of the same
// filesystem aren't double-counted, normalized to the minimum
// observed bsize/frsize/namemax across groups, then summed.
func (r *Router) Statfs() (*fuseproto.StatfsOut, error) {
	cfg := r.Runtime.Config.Load()
	type group struct {
		rep  *branch.Branch
		info branch.SpaceInfo
		zero bool
	}
	seen := map[uint64]*group{}
	var order []uint64

	for _, b := range r.branches().All() {
		major, minor, ok := b.DeviceID()
		var devKey uint64
		if ok {
			devKey = uint64(major)<<32 | uint64(minor)
		} else {
			devKey = uint64(len(order)) | 1<<63 // unknown device: never coalesce
		}
		if _, exists := seen[devKey]; exists {
			continue
		}
		info, err := b.Space()
		if err != nil {
			continue
		}
		zero := (cfg.Statfs == config.StatfsIgnoreRO && b.Mode == branch.RO) ||
			(cfg.Statfs == config.StatfsIgnoreNC && b.Mode == branch.NC)
		seen[devKey] = &group{rep: b, info: info, zero: zero}
		order = append(order, devKey)
	}

	if len(order) == 0 {
		return nil, fserrors.New(fserrors.NotFound, syscall.ENOENT, "")
	}

	out := &fuseproto.StatfsOut{}
	minBsize, minFrsize, minNamemax := uint64(0), uint64(0), uint64(0)
	for _, k := range order {
		g := seen[k]
		if minBsize == 0 || g.info.BlockSize < minBsize {
			minBsize = g.info.BlockSize
		}
		if minFrsize == 0 || g.info.FragSize < minFrsize {
			minFrsize = g.info.FragSize
		}
		if minNamemax == 0 || g.info.NameMax < minNamemax {
			minNamemax = g.info.NameMax
		}
	}
	for _, k := range order {
		g := seen[k]
		scale := func(v uint64) uint64 {
			if g.info.BlockSize == 0 || minBsize == 0 {
				return v
			}
			return v * g.info.BlockSize / minBsize
		}
		out.Blocks += scale(g.info.Blocks)
		out.Bfree += scale(g.info.BlocksFree)
		out.Files += g.info.Files
		out.Ffree += g.info.FilesFree
		if !g.zero {
			out.Bavail += scale(g.info.BlocksAvail)
		}
	}
	out.Bsize = uint32(minBsize)
	out.Frsize = uint32(minFrsize)
	out.NameLen = uint32(minNamemax)
	return out, nil
}

// Flush is spec.md §6's FLUSH: best-effort fsync-on-close analogue,
// a no-op beyond confirming the handle is live (no dirty in-process
// buffering exists to flush -- every write already reached the
// backend fd).
func (r *Router) Flush(fh uint64) error {
	if _, ok := r.getHandle(fh); !ok {
		return fserrors.New(fserrors.NotFound, syscall.ESTALE, "")
	}
	return nil
}

// Fsync is spec.md §6's FSYNC: sync the handle's backend fd.
func (r *Router) Fsync(fh uint64, dataOnly bool) error {
	h, ok := r.getHandle(fh)
	if !ok || h.File == nil {
		return fserrors.New(fserrors.NotFound, syscall.ESTALE, "")
	}
	if err := h.File.Sync(); err != nil {
		return fserrors.FromError(err, "")
	}
	return nil
}

// Fsyncdir is FSYNCDIR's Opendir-handle counterpart; directory
// handles carry no backend fd (the merged dirent cache is process-
// side only), so this is a liveness check, like Flush.
func (r *Router) Fsyncdir(fh uint64) error {
	if _, ok := r.getHandle(fh); !ok {
		return fserrors.New(fserrors.NotFound, syscall.ESTALE, "")
	}
	return nil
}

// Init is spec.md §6's INIT: negotiate protocol capabilities. mergerfs
// advertises no exotic capability beyond what passthrough needs, so
// this simply echoes the kernel's proposed version downward.
func (r *Router) Init(in fuseproto.InitIn) *fuseproto.InitOut {
	return &fuseproto.InitOut{
		Major:        in.Major,
		Minor:        in.Minor,
		MaxReadAhead: in.MaxReadAhead,
		Flags:        in.Flags & (fuseproto.CAP_ASYNC_READ | fuseproto.CAP_BIG_WRITES | fuseproto.CAP_ATOMIC_O_TRUNC),
		MaxWrite:     1 << 20,
	}
}

// Interrupt is spec.md §5's "INTERRUPT never produces an error to the
// user; it is best-effort" -- in-flight handlers are not preemptively
// cancelled, so this is logged only.
func (r *Router) Interrupt(unique uint64) {
	r.Log.WithField("req_id", unique).Debug("INTERRUPT (best-effort, no-op)")
}

// Bmap and Poll are stubbed Unsupported: mergerfs's reference
// implementation does not back a block-mapped or pollable device
// (SPEC_FULL.md §4.4).
func (r *Router) Bmap(fuseproto.BmapIn) (*fuseproto.BmapOut, error) {
	return nil, fserrors.New(fserrors.Unsupported, syscall.ENOSYS, "")
}

func (r *Router) Poll(fuseproto.PollIn) (*fuseproto.PollOut, error) {
	return nil, fserrors.New(fserrors.Unsupported, syscall.ENOSYS, "")
}

// Ioctl is routed-but-Unsupported, the same stub shape as Bmap/Poll
// and matching the reference's own DefaultRawFuseFileSystem.Ioctl:
// arbitrary ioctl commands have no meaning across a merged set of
// branches, and none of mergerfs's control operations need the ioctl
// path when the xattr-based control file already covers them
// (DESIGN.md).
func (r *Router) Ioctl(fuseproto.IoctlIn) (*fuseproto.IoctlOut, error) {
	return nil, fserrors.New(fserrors.Unsupported, syscall.ENOSYS, "")
}

// Lseek is routed-but-Unsupported per spec.md's own Open Question
// ("lseek and rename2 are wired to return Unsupported in the
// reference").
func (r *Router) Lseek(fuseproto.LseekIn) (*fuseproto.LseekOut, error) {
	return nil, fserrors.New(fserrors.Unsupported, syscall.ENOSYS, "")
}

// Rename2 shares Lseek's Unsupported stub; flag-driven rename variants
// (RENAME_NOREPLACE, RENAME_EXCHANGE) are not modeled.
func (r *Router) Rename2(oldDir uint64, oldName string, newDir uint64, newName string, flags uint32) error {
	return fserrors.New(fserrors.Unsupported, syscall.ENOSYS, "")
}

// Fallocate runs fallocate(2) on the handle's backend fd, i.e. on the
// branch frozen at open time; no policy is consulted.
func (r *Router) Fallocate(fh uint64, mode uint32, offset, length int64) error {
	h, ok := r.getHandle(fh)
	if !ok || h.File == nil {
		return fserrors.New(fserrors.NotFound, syscall.ESTALE, "")
	}
	if err := r.IO.Fallocate(int(h.File.Fd()), mode, offset, length); err != nil {
		return fserrors.FromError(err, "")
	}
	return nil
}

// CopyFileRange is a single-branch passthrough between two already-open
// handles: no policy is consulted, and the branches the two handles
// were frozen to at open time must be the same one, otherwise EXDEV.
func (r *Router) CopyFileRange(fhIn uint64, offIn int64, fhOut uint64, offOut int64, length int) (uint32, error) {
	in, ok := r.getHandle(fhIn)
	if !ok || in.File == nil {
		return 0, fserrors.New(fserrors.NotFound, syscall.ESTALE, "")
	}
	out, ok := r.getHandle(fhOut)
	if !ok || out.File == nil {
		return 0, fserrors.New(fserrors.NotFound, syscall.ESTALE, "")
	}
	if in.Branch != out.Branch {
		return 0, fserrors.New(fserrors.CrossDevice, syscall.EXDEV, "")
	}
	buf := make([]byte, length)
	n, err := in.File.ReadAt(buf, offIn)
	if err != nil && n == 0 {
		return 0, fserrors.FromError(err, "")
	}
	written, werr := out.File.WriteAt(buf[:n], offOut)
	if werr != nil {
		return 0, fserrors.FromError(werr, "")
	}
	return uint32(written), nil
}

// Tmpfile creates an unlinked, nameless file via the Create policy.
// Rather than depend on the raw O_TMPFILE flag value (which would
// require branchio to expose a Linux-specific open-flag constant to
// the router), it uses the portable create-then-unlink idiom: the
// backing name is visible for the instant between creation and
// unlink, after which only the open fd refers to it.
func (r *Router) Tmpfile(parent uint64, mode uint32) (*fuseproto.OpenOut, error) {
	relpath, err := r.pathOf(parent)
	if err != nil {
		return nil, err
	}
	createPol, err := r.resolvePolicy("tmpfile", policy.Create)
	if err != nil {
		return nil, err
	}
	chosen, err := createPol.Select(r.branches(), relpath)
	if err != nil || len(chosen) == 0 {
		return nil, fserrors.New(fserrors.NoSpace, syscall.ENOSPC, relpath)
	}
	b := chosen[0]
	fh := r.nextFh()
	name := fmt.Sprintf(".mergerfs.tmpfile.%d", fh)
	tmpRel := childPath(relpath, name)
	full := join(b.Path, tmpRel)
	f, err := r.IO.Open(full, os.O_CREAT|os.O_EXCL|os.O_RDWR, mode&0o7777)
	if err != nil {
		return nil, fserrors.FromError(err, full)
	}
	if err := r.IO.Unlink(full); err != nil {
		f.Close()
		return nil, fserrors.FromError(err, full)
	}
	r.putHandle(&Handle{Fh: fh, Nodeid: parent, Branch: b, File: f})
	return &fuseproto.OpenOut{Fh: fh}, nil
}
