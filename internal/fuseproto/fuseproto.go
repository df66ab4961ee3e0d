// Package fuseproto defines the decoded-request types the router
// consumes -- a stand-in for the kernel wire codec, which is out of
// scope (spec.md §6 "the codec collaborator hands the core a decoded
// struct").
//
// Grounded field-for-field on the teacher's raw/types.go wire structs
// (ForgetIn, MkdirIn, RenameIn, SetAttrInCommon, OpenOut, InitIn, the
// CAP_*/FATTR_* bit constants) and on raw/opcode.go's _OP_* numbering,
// with Go-idiomatic (*Opcode).String() grounded on
// raw/typeprint.go/raw/print.go's per-type String() methods.
package fuseproto

import "fmt"

// Opcode identifies a decoded kernel request, numbered to match the
// real FUSE wire protocol (raw/opcode.go's _OP_* constants) plus the
// spec's additional opcodes not present in the teacher's legacy
// dispatch table (FALLOCATE, READDIRPLUS, RENAME2, LSEEK,
// COPY_FILE_RANGE, TMPFILE, STATX).
type Opcode int32

const (
	LOOKUP          = Opcode(1)
	FORGET          = Opcode(2)
	GETATTR         = Opcode(3)
	SETATTR         = Opcode(4)
	READLINK        = Opcode(5)
	SYMLINK         = Opcode(6)
	MKNOD           = Opcode(8)
	MKDIR           = Opcode(9)
	UNLINK          = Opcode(10)
	RMDIR           = Opcode(11)
	RENAME          = Opcode(12)
	LINK            = Opcode(13)
	OPEN            = Opcode(14)
	READ            = Opcode(15)
	WRITE           = Opcode(16)
	STATFS          = Opcode(17)
	RELEASE         = Opcode(18)
	FSYNC           = Opcode(20)
	SETXATTR        = Opcode(21)
	GETXATTR        = Opcode(22)
	LISTXATTR       = Opcode(23)
	REMOVEXATTR     = Opcode(24)
	FLUSH           = Opcode(25)
	INIT            = Opcode(26)
	OPENDIR         = Opcode(27)
	READDIR         = Opcode(28)
	RELEASEDIR      = Opcode(29)
	FSYNCDIR        = Opcode(30)
	GETLK           = Opcode(31)
	SETLK           = Opcode(32)
	SETLKW          = Opcode(33)
	ACCESS          = Opcode(34)
	CREATE          = Opcode(35)
	INTERRUPT       = Opcode(36)
	BMAP            = Opcode(37)
	IOCTL           = Opcode(39)
	POLL            = Opcode(40)
	BATCH_FORGET    = Opcode(42)
	FALLOCATE       = Opcode(43)
	READDIRPLUS     = Opcode(44)
	RENAME2         = Opcode(45)
	LSEEK           = Opcode(46)
	COPY_FILE_RANGE = Opcode(47)
	SETUPMAPPING    = Opcode(48)
	REMOVEMAPPING   = Opcode(49)
	SYNCFS          = Opcode(50)
	TMPFILE         = Opcode(51)
	STATX           = Opcode(52)
)

var opcodeNames = map[Opcode]string{
	LOOKUP:          "LOOKUP",
	FORGET:          "FORGET",
	GETATTR:         "GETATTR",
	SETATTR:         "SETATTR",
	READLINK:        "READLINK",
	SYMLINK:         "SYMLINK",
	MKNOD:           "MKNOD",
	MKDIR:           "MKDIR",
	UNLINK:          "UNLINK",
	RMDIR:           "RMDIR",
	RENAME:          "RENAME",
	LINK:            "LINK",
	OPEN:            "OPEN",
	READ:            "READ",
	WRITE:           "WRITE",
	STATFS:          "STATFS",
	RELEASE:         "RELEASE",
	FSYNC:           "FSYNC",
	SETXATTR:        "SETXATTR",
	GETXATTR:        "GETXATTR",
	LISTXATTR:       "LISTXATTR",
	REMOVEXATTR:     "REMOVEXATTR",
	FLUSH:           "FLUSH",
	INIT:            "INIT",
	OPENDIR:         "OPENDIR",
	READDIR:         "READDIR",
	RELEASEDIR:      "RELEASEDIR",
	FSYNCDIR:        "FSYNCDIR",
	GETLK:           "GETLK",
	SETLK:           "SETLK",
	SETLKW:          "SETLKW",
	ACCESS:          "ACCESS",
	CREATE:          "CREATE",
	INTERRUPT:       "INTERRUPT",
	BMAP:            "BMAP",
	IOCTL:           "IOCTL",
	POLL:            "POLL",
	BATCH_FORGET:    "BATCH_FORGET",
	FALLOCATE:       "FALLOCATE",
	READDIRPLUS:     "READDIRPLUS",
	RENAME2:         "RENAME2",
	LSEEK:           "LSEEK",
	COPY_FILE_RANGE: "COPY_FILE_RANGE",
	SETUPMAPPING:    "SETUPMAPPING",
	REMOVEMAPPING:   "REMOVEMAPPING",
	SYNCFS:          "SYNCFS",
	TMPFILE:         "TMPFILE",
	STATX:           "STATX",
}

func (o Opcode) String() string {
	if s, ok := opcodeNames[o]; ok {
		return s
	}
	return fmt.Sprintf("OPCODE_%d", int32(o))
}

// Owner is the (uid, gid) pair attached to every request header.
type Owner struct {
	Uid uint32
	Gid uint32
}

// Context carries the caller's credentials and process id.
type Context struct {
	Owner
	Pid uint32
}

// InHeader is the fixed prefix every decoded request carries.
type InHeader struct {
	Unique uint64
	NodeId uint64
	Context
}

// Request bundles the common header with an opcode-specific argument.
// Arg is nil for opcodes that carry no body (FLUSH carries a body, but
// e.g. GETATTR's FUSE_GETATTR_FH flag aside, most reads are header-only).
type Request struct {
	Header InHeader
	Opcode Opcode
	Name   string // second pathname component, when applicable (LOOKUP/CREATE/MKDIR/UNLINK/RMDIR/SYMLINK/LINK/RENAME old name)
	Arg    any
}

// LookupIn carries no extra fields beyond Request.Name.

type ForgetIn struct {
	Nlookup uint64
}

type ForgetOne struct {
	NodeId  uint64
	Nlookup uint64
}

type BatchForgetIn struct {
	Forgets []ForgetOne
}

type MkdirIn struct {
	Mode  uint32
	Umask uint32
}

type MknodIn struct {
	Mode  uint32
	Rdev  uint32
	Umask uint32
}

type RenameIn struct {
	NewDir  uint64
	NewName string
	Flags   uint32 // RENAME2 only; 0 for plain RENAME
}

type LinkIn struct {
	OldNodeId uint64
}

// SetAttrIn.Valid bits (FATTR_*), grounded on raw/types.go's
// SetAttrInCommon.Valid bitmask.
const (
	FATTR_MODE      = 1 << 0
	FATTR_UID       = 1 << 1
	FATTR_GID       = 1 << 2
	FATTR_SIZE      = 1 << 3
	FATTR_ATIME     = 1 << 4
	FATTR_MTIME     = 1 << 5
	FATTR_FH        = 1 << 6
	FATTR_ATIME_NOW = 1 << 7
	FATTR_MTIME_NOW = 1 << 8
	FATTR_LOCKOWNER = 1 << 9
)

type SetAttrIn struct {
	Valid     uint32
	Fh        uint64
	Size      uint64
	Atime     int64
	Mtime     int64
	Atimensec uint32
	Mtimensec uint32
	Mode      uint32
	Owner
}

type OpenIn struct {
	Flags uint32
}

// OpenOut.OpenFlags bits.
const (
	FOPEN_DIRECT_IO   = 1 << 0
	FOPEN_KEEP_CACHE  = 1 << 1
	FOPEN_NONSEEKABLE = 1 << 2
)

type OpenOut struct {
	Fh        uint64
	OpenFlags uint32
}

type ReadIn struct {
	Fh     uint64
	Offset uint64
	Size   uint32
	Flags  uint32
}

type WriteIn struct {
	Fh     uint64
	Offset uint64
	Data   []byte
	Flags  uint32
}

type WriteOut struct {
	Size uint32
}

type ReleaseIn struct {
	Fh           uint64
	Flags        uint32
	ReleaseFlags uint32
	LockOwner    uint64
}

type FsyncIn struct {
	Fh         uint64
	FsyncFlags uint32
}

type SetXAttrIn struct {
	Name  string
	Data  []byte
	Flags uint32
}

type GetXAttrIn struct {
	Name string
	Size uint32
}

type GetXAttrOut struct {
	Size uint32
	Data []byte
}

type ListXAttrIn struct {
	Size uint32
}

type RemoveXAttrIn struct {
	Name string
}

type FlushIn struct {
	Fh        uint64
	LockOwner uint64
}

// For AccessIn.Mask.
const (
	X_OK = 1
	W_OK = 2
	R_OK = 4
	F_OK = 0
)

type AccessIn struct {
	Mask uint32
}

type CreateIn struct {
	Flags uint32
	Mode  uint32
	Umask uint32
}

type FileLock struct {
	Start uint64
	End   uint64
	Typ   uint32
	Pid   uint32
}

type LkIn struct {
	Fh      uint64
	Owner   uint64
	Lk      FileLock
	LkFlags uint32
}

type LkOut struct {
	Lk FileLock
}

// To be set in InitIn/InitOut.Flags.
const (
	CAP_ASYNC_READ     = 1 << 0
	CAP_POSIX_LOCKS    = 1 << 1
	CAP_FILE_OPS       = 1 << 2
	CAP_ATOMIC_O_TRUNC = 1 << 3
	CAP_EXPORT_SUPPORT = 1 << 4
	CAP_BIG_WRITES     = 1 << 5
	CAP_DONT_MASK      = 1 << 6
	CAP_SPLICE_WRITE   = 1 << 7
	CAP_SPLICE_MOVE    = 1 << 8
	CAP_SPLICE_READ    = 1 << 9
	CAP_FLOCK_LOCKS    = 1 << 10
	CAP_IOCTL_DIR      = 1 << 11
)

type InitIn struct {
	Major        uint32
	Minor        uint32
	MaxReadAhead uint32
	Flags        uint32
}

type InitOut struct {
	Major               uint32
	Minor                uint32
	MaxReadAhead        uint32
	Flags               uint32
	MaxBackground       uint16
	CongestionThreshold uint16
	MaxWrite            uint32
}

type InterruptIn struct {
	Unique uint64
}

type BmapIn struct {
	Block     uint64
	Blocksize uint32
}

type BmapOut struct {
	Block uint64
}

type IoctlIn struct {
	Fh     uint64
	Flags  uint32
	Cmd    uint32
	Arg    uint64
	InData []byte
}

type IoctlOut struct {
	Result int32
	Flags  uint32
}

type PollIn struct {
	Fh    uint64
	Kh    uint64
	Flags uint32
}

type PollOut struct {
	Revents uint32
}

type StatfsOut struct {
	Blocks  uint64
	Bfree   uint64
	Bavail  uint64
	Files   uint64
	Ffree   uint64
	Bsize   uint32
	NameLen uint32
	Frsize  uint32
}

type Dirent struct {
	Ino  uint64
	Off  uint64
	Name string
	Typ  uint32
}

type FallocateIn struct {
	Fh     uint64
	Offset uint64
	Length uint64
	Mode   uint32
}

type LseekIn struct {
	Fh     uint64
	Offset uint64
	Whence uint32
}

type LseekOut struct {
	Offset uint64
}

type CopyFileRangeIn struct {
	FhIn     uint64
	OffIn    uint64
	NodeOut  uint64
	FhOut    uint64
	OffOut   uint64
	Len      uint64
	Flags    uint64
}

// Attr is the subset of struct stat reported back to the kernel on
// LOOKUP/GETATTR/CREATE, independent of branchio.Stat's on-disk shape.
type Attr struct {
	Ino       uint64
	Size      uint64
	Blocks    uint64
	Atime     uint64
	Mtime     uint64
	Ctime     uint64
	Atimensec uint32
	Mtimensec uint32
	Ctimensec uint32
	Mode      uint32
	Nlink     uint32
	Owner
	Rdev    uint32
	Blksize uint32
}

type EntryOut struct {
	NodeId         uint64
	Generation     uint64
	EntryValid     uint64
	AttrValid      uint64
	EntryValidNsec uint32
	AttrValidNsec  uint32
	Attr           Attr
}

type AttrOut struct {
	AttrValid     uint64
	AttrValidNsec uint32
	Attr          Attr
}

type CreateOut struct {
	EntryOut
	OpenOut
}
