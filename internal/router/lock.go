package router

import (
	"syscall"

	"github.com/trapexit/mergerfs-sub000/internal/fserrors"
	"github.com/trapexit/mergerfs-sub000/internal/fuseproto"
	"github.com/trapexit/mergerfs-sub000/internal/nodetable"
)

// Linux open-file-description lock commands. The syscall package only
// exposes the process-wide F_GETLK/F_SETLK/F_SETLKW numbers; OFD locks
// (which, unlike process locks, survive across an fd's dup'd copies
// the way a FUSE handle's backend fd is shared) use these instead,
// grounded on nodefs/files.go's loopbackFile.
const (
	ofdGetLk  = 36
	ofdSetLk  = 37
	ofdSetLkw = 38
)

// Getlk is spec.md §4.4's GETLK: query whether lk would conflict with
// an existing lock on the handle's backend fd. No in-process lock
// table is authoritative here -- the kernel's own OFD lock table on
// the fd is, the same way loopbackFile.GetLk delegates to
// F_OFD_GETLK rather than tracking locks itself.
func (r *Router) Getlk(fh uint64, owner uint64, lk fuseproto.FileLock) (fuseproto.FileLock, error) {
	h, ok := r.getHandle(fh)
	if !ok || h.File == nil {
		return fuseproto.FileLock{}, fserrors.New(fserrors.NotFound, syscall.ESTALE, "")
	}
	flk := toFlockT(lk)
	if err := syscall.FcntlFlock(h.File.Fd(), ofdGetLk, &flk); err != nil {
		return fuseproto.FileLock{}, fserrors.FromError(err, "")
	}
	return fromFlockT(flk), nil
}

// Setlk is spec.md §4.4's SETLK: a non-blocking OFD lock/unlock
// request on the handle's backend fd.
func (r *Router) Setlk(fh uint64, owner uint64, lk fuseproto.FileLock) error {
	return r.setlk(fh, owner, lk, false)
}

// Setlkw is SETLK's blocking sibling.
func (r *Router) Setlkw(fh uint64, owner uint64, lk fuseproto.FileLock) error {
	return r.setlk(fh, owner, lk, true)
}

func (r *Router) setlk(fh uint64, owner uint64, lk fuseproto.FileLock, blocking bool) error {
	h, ok := r.getHandle(fh)
	if !ok || h.File == nil {
		return fserrors.New(fserrors.NotFound, syscall.ESTALE, "")
	}
	flk := toFlockT(lk)
	op := ofdSetLk
	if blocking {
		op = ofdSetLkw
	}
	if err := syscall.FcntlFlock(h.File.Fd(), op, &flk); err != nil {
		return fserrors.FromError(err, "")
	}
	if lk.Typ == syscall.F_UNLCK {
		r.Table.ClearLock(h.Nodeid, owner)
	} else {
		r.Table.UpsertLock(h.Nodeid, nodetable.LockRecord{
			Type:  int32(lk.Typ),
			Start: lk.Start,
			End:   lk.End,
			Pid:   lk.Pid,
			Owner: owner,
		})
	}
	return nil
}

// eofLen is the FileLock.End sentinel meaning "to end of file", mirrored
// from the FUSE wire convention of a zero-length fcntl lock.
const eofLen uint64 = ^uint64(0)

func toFlockT(lk fuseproto.FileLock) syscall.Flock_t {
	var length int64
	if lk.End != eofLen {
		length = int64(lk.End-lk.Start) + 1
	}
	return syscall.Flock_t{
		Type:  int16(lk.Typ),
		Start: int64(lk.Start),
		Len:   length,
		Pid:   int32(lk.Pid),
	}
}

func fromFlockT(flk syscall.Flock_t) fuseproto.FileLock {
	if flk.Type == syscall.F_UNLCK {
		return fuseproto.FileLock{Typ: syscall.F_UNLCK}
	}
	end := eofLen
	if flk.Len != 0 {
		end = uint64(flk.Start) + uint64(flk.Len) - 1
	}
	return fuseproto.FileLock{
		Typ:   uint32(flk.Type),
		Start: uint64(flk.Start),
		End:   end,
		Pid:   uint32(flk.Pid),
	}
}
