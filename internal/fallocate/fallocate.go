// Package fallocate wraps posix_fallocate/fallocate(2) for the
// branch-I/O layer's FALLOCATE op and the moveonenospc migration path
// (spec.md §4.6 pre-allocates the destination before copying).
package fallocate

// Fallocate pre-allocates len bytes at off in fd. mode is the
// Linux fallocate(2) FALLOC_FL_* bitmask (ignored on platforms that
// only have posix_fallocate semantics).
func Fallocate(fd int, mode uint32, off, len int64) error {
	return fallocate(fd, mode, off, len)
}
