// Package openat provides a symlink-safe openat(2). branchio's
// OpenNofollow calls it with AT_FDCWD and a full branch path, so that a
// symlink planted in that path is not followed (on Linux in any
// component, elsewhere only in the final one).
package openat

// OpenatNofollow is a symlink-safe syscall.Openat replacement.
//
// On Linux, it calls openat2(2) with RESOLVE_NO_SYMLINKS. This prevents following
// symlinks in any component of the path.
//
// On other platforms, it calls openat(2) with O_NOFOLLOW.
// TODO: This is insecure as O_NOFOLLOW only affects the final path component.
func OpenatNofollow(dirfd int, path string, flags int, mode uint32) (fd int, err error) {
	return openatNofollow(dirfd, path, flags, mode)
}
