// Package utimens builds the utimensat(2) timestamp pair the branch-I/O
// layer needs for SETATTR, per spec.md §4.4: "Timestamps follow
// UTIMENSAT semantics (UTIME_NOW, UTIME_OMIT)".
//
// Adapted from the teacher's utimens package (originally a darwin-only
// syscall.Timeval builder pinned to the pre-v2 go-fuse import path);
// rewritten against golang.org/x/sys/unix's Timespec/UTIME_NOW/
// UTIME_OMIT, which is what Linux utimensat(2) actually takes.
package utimens

import (
	"time"

	"golang.org/x/sys/unix"
)

// Spec describes one of the two utimensat(2) timestamps.
type Spec struct {
	Time *time.Time // explicit value; ignored if Now or Omit is set
	Now  bool        // UTIME_NOW
	Omit bool        // UTIME_OMIT
}

// AtTime is shorthand for an explicit timestamp.
func AtTime(t time.Time) Spec { return Spec{Time: &t} }

// AtNow is shorthand for UTIME_NOW.
func AtNow() Spec { return Spec{Now: true} }

// AtOmit is shorthand for UTIME_OMIT (leave unchanged).
func AtOmit() Spec { return Spec{Omit: true} }

func (s Spec) timespec() unix.Timespec {
	switch {
	case s.Omit:
		return unix.Timespec{Sec: 0, Nsec: unix.UTIME_OMIT}
	case s.Now:
		return unix.Timespec{Sec: 0, Nsec: unix.UTIME_NOW}
	case s.Time != nil:
		return unix.NsecToTimespec(s.Time.UnixNano())
	default:
		return unix.Timespec{Sec: 0, Nsec: unix.UTIME_OMIT}
	}
}

// Times builds the [2]unix.Timespec{atime, mtime} pair expected by
// unix.UtimesNanoAt.
func Times(atime, mtime Spec) [2]unix.Timespec {
	return [2]unix.Timespec{atime.timespec(), mtime.timespec()}
}
