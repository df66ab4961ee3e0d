// Package branchio is the thin per-branch POSIX I/O collaborator
// spec.md §1 calls out as "on-disk POSIX calls on branches ... modeled
// as a pluggable collaborator": every on-disk syscall the router issues
// against a resolved branch path goes through the IO interface here,
// so the router itself never imports golang.org/x/sys/unix directly.
//
// Grounded on fuse/loopback.go and fuse/loopback_linux.go's
// LoopbackFileSystem method set (GetAttr/Open/Chmod/Chown/Truncate/
// Utimens/Readlink/Mknod/Mkdir/Unlink/Rmdir/Symlink/Rename/Link/
// Access/Create/GetXAttr/ListXAttr/RemoveXAttr/StatFs), ported from
// raw syscall to golang.org/x/sys/unix for the fuller xattr/statvfs
// surface x/sys/unix exposes, and from stdlib syscall.Stat_t to
// unix.Stat_t for the same reason.
package branchio

import (
	"errors"
	"os"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/trapexit/mergerfs-sub000/internal/fallocate"
	"github.com/trapexit/mergerfs-sub000/internal/fuseproto"
	"github.com/trapexit/mergerfs-sub000/internal/openat"
	"github.com/trapexit/mergerfs-sub000/internal/utimens"
)

// Stat is the subset of struct stat the dispatcher core needs,
// independent of the kernel-facing fuse_attr wire encoding (that
// translation lives in fuseproto).
type Stat struct {
	Ino       uint64
	Mode      uint32
	Nlink     uint32
	Uid       uint32
	Gid       uint32
	Rdev      uint64
	Size      int64
	Blocks    int64
	Atime     int64
	Atimensec int64
	Mtime     int64
	Mtimensec int64
	Ctime     int64
	Ctimensec int64
}

func statFromUnix(st *unix.Stat_t) Stat {
	return Stat{
		Ino:       st.Ino,
		Mode:      st.Mode,
		Nlink:     uint32(st.Nlink),
		Uid:       st.Uid,
		Gid:       st.Gid,
		Rdev:      st.Rdev,
		Size:      st.Size,
		Blocks:    st.Blocks,
		Atime:     int64(st.Atim.Sec),
		Atimensec: int64(st.Atim.Nsec),
		Mtime:     int64(st.Mtim.Sec),
		Mtimensec: int64(st.Mtim.Nsec),
		Ctime:     int64(st.Ctim.Sec),
		Ctimensec: int64(st.Ctim.Nsec),
	}
}

// IO is the collaborator interface; Unix is the real
// golang.org/x/sys/unix-backed implementation, and tests substitute a
// fake.
type IO interface {
	Lstat(path string) (Stat, error)
	Open(path string, flags int, mode uint32) (*os.File, error)
	ReadDir(path string) ([]fuseproto.Dirent, error)
	OpenNofollow(path string, flags int, mode uint32) (*os.File, error)
	Chmod(path string, mode uint32) error
	Chown(path string, uid, gid uint32) error
	Truncate(path string, size int64) error
	Utimens(path string, atime, mtime utimens.Spec) error
	Readlink(path string) (string, error)
	Mknod(path string, mode uint32, dev uint64) error
	Mkdir(path string, mode uint32) error
	Unlink(path string) error
	Rmdir(path string) error
	Symlink(target, path string) error
	Rename(oldPath, newPath string) error
	Link(oldPath, newPath string) error
	Access(path string, mode uint32) error
	GetXAttr(path, attr string) ([]byte, error)
	ListXAttr(path string) ([]string, error)
	SetXAttr(path, attr string, data []byte, flags int) error
	RemoveXAttr(path, attr string) error
	Statvfs(path string) (unix.Statfs_t, error)
	Fallocate(fd int, mode uint32, off, size int64) error
}

// Unix is the real implementation, backed by golang.org/x/sys/unix.
type Unix struct{}

var _ IO = Unix{}

func (Unix) Lstat(path string) (Stat, error) {
	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		return Stat{}, err
	}
	return statFromUnix(&st), nil
}

func (Unix) Open(path string, flags int, mode uint32) (*os.File, error) {
	fd, err := unix.Open(path, flags, mode)
	if err != nil {
		return nil, err
	}
	return os.NewFile(uintptr(fd), path), nil
}

// ReadDir lists path's immediate children, grounded on
// fuse/loopback.go's OpenDir (os.File.Readdir(-1), one FileInfo per
// entry) translated into fuseproto.Dirent's inode/type-bits shape.
func (Unix) ReadDir(path string) ([]fuseproto.Dirent, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	infos, err := f.Readdir(-1)
	if err != nil {
		return nil, err
	}
	out := make([]fuseproto.Dirent, 0, len(infos))
	for _, fi := range infos {
		var ino uint64
		var typ uint32
		if st, ok := fi.Sys().(*syscall.Stat_t); ok {
			ino = st.Ino
			typ = (st.Mode & syscall.S_IFMT) >> 12
		}
		out = append(out, fuseproto.Dirent{Ino: ino, Name: fi.Name(), Typ: typ})
	}
	return out, nil
}

// OpenNofollow opens path refusing to follow a symlink in any of its
// components, via internal/openat's openat2(RESOLVE_NO_SYMLINKS) on
// Linux (elsewhere only the final component, via O_NOFOLLOW). Used whenever the router opens a resolved branch path that a
// concurrent rename/symlink race could have redirected outside the
// branch (spec.md §7's PathEscape).
func (Unix) OpenNofollow(path string, flags int, mode uint32) (*os.File, error) {
	fd, err := openat.OpenatNofollow(unix.AT_FDCWD, path, flags, mode)
	if err != nil {
		return nil, err
	}
	return os.NewFile(uintptr(fd), path), nil
}

func (Unix) Chmod(path string, mode uint32) error {
	return unix.Chmod(path, mode)
}

func (Unix) Chown(path string, uid, gid uint32) error {
	return unix.Lchown(path, int(uid), int(gid))
}

func (Unix) Truncate(path string, size int64) error {
	return unix.Truncate(path, size)
}

func (Unix) Utimens(path string, atime, mtime utimens.Spec) error {
	times := utimens.Times(atime, mtime)
	return unix.UtimesNanoAt(unix.AT_FDCWD, path, times[:], unix.AT_SYMLINK_NOFOLLOW)
}

func (Unix) Readlink(path string) (string, error) {
	buf := make([]byte, 4096)
	n, err := unix.Readlink(path, buf)
	if err != nil {
		return "", err
	}
	return string(buf[:n]), nil
}

func (Unix) Mknod(path string, mode uint32, dev uint64) error {
	return unix.Mknod(path, mode, int(dev))
}

func (Unix) Mkdir(path string, mode uint32) error {
	return unix.Mkdir(path, mode)
}

func (Unix) Unlink(path string) error {
	return unix.Unlink(path)
}

func (Unix) Rmdir(path string) error {
	return unix.Rmdir(path)
}

func (Unix) Symlink(target, path string) error {
	return unix.Symlink(target, path)
}

func (Unix) Rename(oldPath, newPath string) error {
	return unix.Rename(oldPath, newPath)
}

func (Unix) Link(oldPath, newPath string) error {
	return unix.Link(oldPath, newPath)
}

func (Unix) Access(path string, mode uint32) error {
	return unix.Access(path, mode)
}

func (Unix) GetXAttr(path, attr string) ([]byte, error) {
	// Probe the size first; xattrs are usually small but not bounded.
	sz, err := unix.Lgetxattr(path, attr, nil)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, sz)
	if sz > 0 {
		n, err := unix.Lgetxattr(path, attr, buf)
		if err != nil {
			return nil, err
		}
		buf = buf[:n]
	}
	return buf, nil
}

func (Unix) ListXAttr(path string) ([]string, error) {
	sz, err := unix.Llistxattr(path, nil)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, sz)
	if sz > 0 {
		n, err := unix.Llistxattr(path, buf)
		if err != nil {
			return nil, err
		}
		buf = buf[:n]
	}
	return splitNulTerminated(buf), nil
}

func splitNulTerminated(buf []byte) []string {
	var out []string
	start := 0
	for i, b := range buf {
		if b == 0 {
			if i > start {
				out = append(out, string(buf[start:i]))
			}
			start = i + 1
		}
	}
	return out
}

func (Unix) SetXAttr(path, attr string, data []byte, flags int) error {
	return unix.Lsetxattr(path, attr, data, flags)
}

func (Unix) RemoveXAttr(path, attr string) error {
	return unix.Lremovexattr(path, attr)
}

func (Unix) Statvfs(path string) (unix.Statfs_t, error) {
	var st unix.Statfs_t
	err := unix.Statfs(path, &st)
	return st, err
}

func (Unix) Fallocate(fd int, mode uint32, off, size int64) error {
	return fallocate.Fallocate(fd, mode, off, size)
}

// Errno unwraps the syscall.Errno at the bottom of an IO error, for
// fserrors.FromError's caller.
func Errno(err error) (syscall.Errno, bool) {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno, true
	}
	return 0, false
}
