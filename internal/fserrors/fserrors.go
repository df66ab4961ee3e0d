// Package fserrors classifies the errors the dispatcher core can
// produce and return them to branches/replies as a syscall.Errno, the
// form both the branch-I/O layer and the FUSE reply path (via Errno)
// use.
package fserrors

import (
	"errors"
	"fmt"
	"syscall"
)

// ErrorKind is the taxonomy of failures the core distinguishes, per
// spec.md §7.
type ErrorKind int

const (
	Unknown ErrorKind = iota
	NotFound
	ReadOnlyFS
	NoSpace
	CrossDevice
	Exists
	Busy
	PathEscape
	BackendIO
	Unsupported
	NotAttr
)

func (k ErrorKind) String() string {
	switch k {
	case NotFound:
		return "NotFound"
	case ReadOnlyFS:
		return "ReadOnlyFS"
	case NoSpace:
		return "NoSpace"
	case CrossDevice:
		return "CrossDevice"
	case Exists:
		return "Exists"
	case Busy:
		return "Busy"
	case PathEscape:
		return "PathEscape"
	case BackendIO:
		return "BackendIO"
	case Unsupported:
		return "Unsupported"
	case NotAttr:
		return "NotAttr"
	default:
		return "Unknown"
	}
}

// Error wraps an ErrorKind with the originating errno (when there is
// one) and an optional path, so log lines and tests can report a
// coherent story instead of a bare errno.
type Error struct {
	Kind  ErrorKind
	Errno syscall.Errno
	Path  string
}

func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s (%v)", e.Path, e.Kind, e.Errno)
	}
	return fmt.Sprintf("%s (%v)", e.Kind, e.Errno)
}

func (e *Error) Unwrap() error { return e.Errno }

func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return other.Kind == e.Kind
	}
	return false
}

// New builds an *Error from a kind, an errno and an optional path.
func New(kind ErrorKind, errno syscall.Errno, path string) *Error {
	return &Error{Kind: kind, Errno: errno, Path: path}
}

// FromErrno classifies a raw branch-I/O errno into an ErrorKind. This
// is the errno-to-status mapping go-fuse's fuse.ToStatus performs,
// specialized to the kinds the dispatcher needs to distinguish.
func FromErrno(errno syscall.Errno, path string) *Error {
	switch errno {
	case 0:
		return nil
	case syscall.ENOENT, syscall.ESTALE:
		return New(NotFound, errno, path)
	case syscall.EROFS:
		return New(ReadOnlyFS, errno, path)
	case syscall.ENOSPC, syscall.EDQUOT:
		return New(NoSpace, errno, path)
	case syscall.EXDEV:
		return New(CrossDevice, errno, path)
	case syscall.EEXIST:
		return New(Exists, errno, path)
	case syscall.EAGAIN:
		return New(Busy, errno, path)
	case syscall.ENOSYS, syscall.EOPNOTSUPP:
		return New(Unsupported, errno, path)
	case syscall.ENODATA:
		return New(NotAttr, errno, path)
	default:
		return New(BackendIO, errno, path)
	}
}

// FromError classifies a generic error coming out of the branch-I/O
// layer (typically *os.PathError wrapping a syscall.Errno).
func FromError(err error, path string) *Error {
	if err == nil {
		return nil
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return FromErrno(errno, path)
	}
	return New(BackendIO, syscall.EIO, path)
}

// Errno extracts the syscall.Errno this error should be reported to
// the kernel as: an *Error's Errno, or a wrapped syscall.Errno as is.
// Any other error maps to EIO.
func Errno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Errno
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return syscall.EIO
}

// Kind extracts the ErrorKind, defaulting to Unknown for foreign
// errors.
func Kind(err error) ErrorKind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Unknown
}
