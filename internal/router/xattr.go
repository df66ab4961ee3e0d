package router

import (
	"syscall"

	"github.com/trapexit/mergerfs-sub000/internal/fserrors"
	"github.com/trapexit/mergerfs-sub000/internal/policy"
)

// Getxattr is spec.md §4.4's GETXATTR, with the `/.mergerfs` control
// file intercept (spec.md §4.4: "every xattr operation on the
// reserved control file path /.mergerfs is intercepted: it reads or
// writes one of the runtime configuration keys").
func (r *Router) Getxattr(nodeid uint64, attr string) ([]byte, error) {
	relpath, err := r.pathOf(nodeid)
	if err != nil {
		return nil, err
	}
	if relpath == ControlPath {
		key, ok := r.CtlFile.Lookup(attr)
		if !ok {
			return nil, fserrors.New(fserrors.NotAttr, syscall.ENODATA, attr)
		}
		val, err := key.Get(r.Runtime)
		if err != nil {
			return nil, err
		}
		return []byte(val), nil
	}

	search, err := r.resolvePolicy("getxattr", policy.Search)
	if err != nil {
		return nil, err
	}
	chosen, err := search.Select(r.branches(), relpath)
	if err != nil || len(chosen) == 0 {
		return nil, fserrors.New(fserrors.NotFound, syscall.ENOENT, relpath)
	}
	full := join(chosen[0].Path, relpath)
	data, err := r.IO.GetXAttr(full, attr)
	if err != nil {
		return nil, fserrors.FromError(err, full)
	}
	return data, nil
}

// Setxattr is spec.md §4.4's SETXATTR, with the same control-file
// intercept as Getxattr.
func (r *Router) Setxattr(nodeid uint64, attr string, data []byte, flags int) error {
	relpath, err := r.pathOf(nodeid)
	if err != nil {
		return err
	}
	if relpath == ControlPath {
		key, ok := r.CtlFile.Lookup(attr)
		if !ok {
			return fserrors.New(fserrors.NotAttr, syscall.ENODATA, attr)
		}
		return key.Set(r.Runtime, string(data))
	}

	return r.actionEach(relpath, "setxattr", func(full string) error {
		if err := r.IO.SetXAttr(full, attr, data, flags); err != nil {
			return fserrors.FromError(err, full)
		}
		return nil
	})
}

// Listxattr is spec.md §4.4's LISTXATTR. On the control file it
// reports every registered `user.mergerfs.*` key name.
func (r *Router) Listxattr(nodeid uint64) ([]string, error) {
	relpath, err := r.pathOf(nodeid)
	if err != nil {
		return nil, err
	}
	if relpath == ControlPath {
		return r.CtlFile.Names(), nil
	}

	search, err := r.resolvePolicy("listxattr", policy.Search)
	if err != nil {
		return nil, err
	}
	chosen, err := search.Select(r.branches(), relpath)
	if err != nil || len(chosen) == 0 {
		return nil, fserrors.New(fserrors.NotFound, syscall.ENOENT, relpath)
	}
	full := join(chosen[0].Path, relpath)
	names, err := r.IO.ListXAttr(full)
	if err != nil {
		return nil, fserrors.FromError(err, full)
	}
	return names, nil
}

// Removexattr is spec.md §4.4's REMOVEXATTR; the control file has no
// keys to remove, so that path reports NotAttr.
func (r *Router) Removexattr(nodeid uint64, attr string) error {
	relpath, err := r.pathOf(nodeid)
	if err != nil {
		return err
	}
	if relpath == ControlPath {
		return fserrors.New(fserrors.NotAttr, syscall.ENODATA, attr)
	}

	return r.actionEach(relpath, "removexattr", func(full string) error {
		if err := r.IO.RemoveXAttr(full, attr); err != nil {
			return fserrors.FromError(err, full)
		}
		return nil
	})
}
