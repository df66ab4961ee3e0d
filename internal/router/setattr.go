package router

import (
	"time"

	"github.com/trapexit/mergerfs-sub000/internal/branch"
	"github.com/trapexit/mergerfs-sub000/internal/fserrors"
	"github.com/trapexit/mergerfs-sub000/internal/fuseproto"
	"github.com/trapexit/mergerfs-sub000/internal/policy"
	"github.com/trapexit/mergerfs-sub000/internal/utimens"
)

// Setattr is spec.md §4.4's SETATTR: each requested attribute change
// is applied across every branch the Action policy picks (the same
// fan-out-and-aggregate loop CREATE/UNLINK use), except Size which
// goes through the dedicated Truncate policy per spec.md's own
// "Truncate goes through the Truncate policy" sentence.
func (r *Router) Setattr(nodeid uint64, in fuseproto.SetAttrIn) (*fuseproto.AttrOut, error) {
	relpath, err := r.pathOf(nodeid)
	if err != nil {
		return nil, err
	}

	if in.Valid&fuseproto.FATTR_MODE != 0 {
		if err := r.actionEach(relpath, "chmod", func(full string) error {
			if err := r.IO.Chmod(full, in.Mode); err != nil {
				return fserrors.FromError(err, full)
			}
			return nil
		}); err != nil {
			return nil, err
		}
	}
	if in.Valid&(fuseproto.FATTR_UID|fuseproto.FATTR_GID) != 0 {
		if err := r.actionEach(relpath, "chown", func(full string) error {
			if err := r.IO.Chown(full, in.Uid, in.Gid); err != nil {
				return fserrors.FromError(err, full)
			}
			return nil
		}); err != nil {
			return nil, err
		}
	}
	if in.Valid&fuseproto.FATTR_SIZE != 0 {
		if err := r.truncateEach(relpath, int64(in.Size)); err != nil {
			return nil, err
		}
	}
	if in.Valid&(fuseproto.FATTR_ATIME|fuseproto.FATTR_MTIME|fuseproto.FATTR_ATIME_NOW|fuseproto.FATTR_MTIME_NOW) != 0 {
		atime := utimens.AtOmit()
		mtime := utimens.AtOmit()
		if in.Valid&fuseproto.FATTR_ATIME_NOW != 0 {
			atime = utimens.AtNow()
		} else if in.Valid&fuseproto.FATTR_ATIME != 0 {
			atime = utimens.AtTime(time.Unix(in.Atime, int64(in.Atimensec)))
		}
		if in.Valid&fuseproto.FATTR_MTIME_NOW != 0 {
			mtime = utimens.AtNow()
		} else if in.Valid&fuseproto.FATTR_MTIME != 0 {
			mtime = utimens.AtTime(time.Unix(in.Mtime, int64(in.Mtimensec)))
		}
		if err := r.actionEach(relpath, "utimens", func(full string) error {
			if err := r.IO.Utimens(full, atime, mtime); err != nil {
				return fserrors.FromError(err, full)
			}
			return nil
		}); err != nil {
			return nil, err
		}
	}

	return r.Getattr(nodeid)
}

// actionEach resolves the Action policy for op and applies fn across
// every branch it selects, aggregating per spec.md §4.7.
func (r *Router) actionEach(relpath, op string, fn func(full string) error) error {
	pol, err := r.resolvePolicy(op, policy.Action)
	if err != nil {
		return err
	}
	chosen, err := pol.Select(r.branches(), relpath)
	if err != nil {
		return err
	}
	return r.oneSuccessWins(chosen, relpath, func(b *branch.Branch) error {
		return fn(join(b.Path, relpath))
	})
}

// truncateEach is actionEach specialized to the Truncate policy
// (spec.md §4.4 SETATTR: "Truncate goes through the Truncate policy").
func (r *Router) truncateEach(relpath string, size int64) error {
	pol, err := r.resolvePolicy("truncate", policy.Action)
	if err != nil {
		return err
	}
	chosen, err := pol.Select(r.branches(), relpath)
	if err != nil {
		return err
	}
	return r.oneSuccessWins(chosen, relpath, func(b *branch.Branch) error {
		full := join(b.Path, relpath)
		if err := r.IO.Truncate(full, size); err != nil {
			return fserrors.FromError(err, full)
		}
		return nil
	})
}
