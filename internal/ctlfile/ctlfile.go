// Package ctlfile implements the `/.mergerfs` control file (and root
// xattr) key table: a flat `.`-namespaced set of keys that read or
// mutate the live *config.Runtime (spec.md §6).
//
// No direct teacher analogue exists (go-fuse has no control-file
// concept); built in the teacher's general idiom of small
// interface-satisfying value types, the same shape as
// internal/policy's Policy interface -- each Key is a pair of closures
// over *config.Runtime rather than a class hierarchy.
package ctlfile

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/trapexit/mergerfs-sub000/internal/branch"
	"github.com/trapexit/mergerfs-sub000/internal/config"
	"github.com/trapexit/mergerfs-sub000/internal/policy"
)

// Key is one entry of the flat namespace: GET returns its current
// string form, SET parses and applies a new value.
type Key struct {
	Name string
	Get  func(*config.Runtime) (string, error)
	Set  func(*config.Runtime, string) error
}

// Hooks are the side-effecting `user.mergerfs.cmd.*` triggers, wired in
// by whatever owns the node table (cmd/mergerfs builds them around its
// nodetable.Table) so ctlfile itself never imports internal/nodetable.
type Hooks struct {
	GC                 func() error
	GC1                func() error
	InvalidateAllNodes func() error
}

// Registry is the full `/.mergerfs` key table.
type Registry struct {
	keys     map[string]Key
	policies *policy.Registry
	hooks    Hooks
}

// opCategory maps a per-function override's <op> component to the
// category its policy must belong to, so `func.<op>.policy` can
// validate against the right Registry bucket.
var opCategory = map[string]policy.Category{
	"getattr": policy.Search, "readlink": policy.Search, "open": policy.Search,
	"getxattr": policy.Search, "listxattr": policy.Search, "access": policy.Search,
	"create": policy.Create, "mkdir": policy.Create, "mknod": policy.Create,
	"symlink": policy.Create,
	"chmod": policy.Action, "chown": policy.Action, "utimens": policy.Action,
	"truncate": policy.Action, "unlink": policy.Action, "rmdir": policy.Action,
	"rename": policy.Action, "link": policy.Action, "setxattr": policy.Action,
	"removexattr": policy.Action, "fallocate": policy.Action,
}

// New builds the key table bound to reg (for policy-name validation)
// and hooks (for the cmd.* triggers).
func New(reg *policy.Registry, hooks Hooks) *Registry {
	r := &Registry{keys: map[string]Key{}, policies: reg, hooks: hooks}
	r.addBranches()
	r.addCategoryKeys()
	r.addFuncKeys()
	r.addBoolKey("user.mergerfs.moveonenospc", func(c *config.Config) *bool { return &c.MoveOnENOSPC })
	r.addBoolKey("user.mergerfs.symlinkify", func(c *config.Config) *bool { return &c.Symlinkify })
	r.addBoolKey("user.mergerfs.ignorepponrename", func(c *config.Config) *bool { return &c.IgnorePPOnRename })
	r.addEXDEVKey("user.mergerfs.link_exdev", func(c *config.Config) *config.EXDEVMode { return &c.LinkEXDEV })
	r.addEXDEVKey("user.mergerfs.rename_exdev", func(c *config.Config) *config.EXDEVMode { return &c.RenameEXDEV })
	r.addDurationKey("user.mergerfs.cache.attr", func(c *config.Config) *time.Duration { return &c.Cache.AttrTTL })
	r.addDurationKey("user.mergerfs.cache.entry", func(c *config.Config) *time.Duration { return &c.Cache.EntryTTL })
	r.addDurationKey("user.mergerfs.cache.negative_entry", func(c *config.Config) *time.Duration { return &c.Cache.NegativeTTL })
	r.addBoolKey("user.mergerfs.cache.files", func(c *config.Config) *bool { return &c.Cache.Files })
	r.addBoolKey("user.mergerfs.cache.symlinks", func(c *config.Config) *bool { return &c.Cache.Symlinks })
	r.addStatfsKey()
	r.addCommands()
	return r
}

func (r *Registry) add(k Key) { r.keys[k.Name] = k }

// Lookup finds a key by its full `user.mergerfs.*` name.
func (r *Registry) Lookup(name string) (Key, bool) {
	k, ok := r.keys[name]
	return k, ok
}

// Names returns every registered key name, sorted, for LISTXATTR on
// the control file.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.keys))
	for name := range r.keys {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) addBranches() {
	r.add(Key{
		Name: "user.mergerfs.branches",
		Get: func(rt *config.Runtime) (string, error) {
			return rt.Branches.Load().String(), nil
		},
		Set: func(rt *config.Runtime, val string) error {
			snap, err := branch.ParseSpec(val)
			if err != nil {
				return err
			}
			rt.Branches.Store(snap)
			return nil
		},
	})
}

func (r *Registry) addCategoryKeys() {
	for _, cat := range []struct {
		key string
		c   policy.Category
	}{
		{"user.mergerfs.category.action", policy.Action},
		{"user.mergerfs.category.create", policy.Create},
		{"user.mergerfs.category.search", policy.Search},
	} {
		cat := cat
		r.add(Key{
			Name: cat.key,
			Get: func(rt *config.Runtime) (string, error) {
				p := rt.Config.Load().Policies
				switch cat.c {
				case policy.Create:
					return p.Create, nil
				case policy.Search:
					return p.Search, nil
				default:
					return p.Action, nil
				}
			},
			Set: func(rt *config.Runtime, val string) error {
				if _, ok := r.policies.Lookup(cat.c, val); !ok {
					return fmt.Errorf("ctlfile: no %s policy named %q", cat.c, val)
				}
				rt.Config.Mutate(func(c *config.Config) {
					switch cat.c {
					case policy.Create:
						c.Policies.Create = val
					case policy.Search:
						c.Policies.Search = val
					default:
						c.Policies.Action = val
					}
					// A bulk category set wins over any narrower
					// per-function override in the same category.
					next := map[string]string{}
					for op, name := range c.Policies.Override {
						if opCategory[op] != cat.c {
							next[op] = name
						}
					}
					c.Policies.Override = next
				})
				return nil
			},
		})
	}
}

func (r *Registry) addFuncKeys() {
	for op, cat := range opCategory {
		op, cat := op, cat
		r.add(Key{
			Name: "user.mergerfs.func." + op + ".policy",
			Get: func(rt *config.Runtime) (string, error) {
				p := rt.Config.Load().Policies
				if name, ok := p.Override[op]; ok {
					return name, nil
				}
				return p.DefaultFor(cat), nil
			},
			Set: func(rt *config.Runtime, val string) error {
				if _, ok := r.policies.Lookup(cat, val); !ok {
					return fmt.Errorf("ctlfile: no %s policy named %q", cat, val)
				}
				rt.Config.Mutate(func(c *config.Config) {
					next := map[string]string{}
					for k, v := range c.Policies.Override {
						next[k] = v
					}
					next[op] = val
					c.Policies.Override = next
				})
				return nil
			},
		})
	}
}

func (r *Registry) addBoolKey(name string, field func(*config.Config) *bool) {
	r.add(Key{
		Name: name,
		Get: func(rt *config.Runtime) (string, error) {
			return strconv.FormatBool(*field(rt.Config.Load())), nil
		},
		Set: func(rt *config.Runtime, val string) error {
			b, err := strconv.ParseBool(val)
			if err != nil {
				return fmt.Errorf("ctlfile: %s: %w", name, err)
			}
			rt.Config.Mutate(func(c *config.Config) { *field(c) = b })
			return nil
		},
	})
}

func (r *Registry) addEXDEVKey(name string, field func(*config.Config) *config.EXDEVMode) {
	r.add(Key{
		Name: name,
		Get: func(rt *config.Runtime) (string, error) {
			return field(rt.Config.Load()).String(), nil
		},
		Set: func(rt *config.Runtime, val string) error {
			m, err := config.ParseEXDEVMode(val)
			if err != nil {
				return err
			}
			rt.Config.Mutate(func(c *config.Config) { *field(c) = m })
			return nil
		},
	})
}

func (r *Registry) addDurationKey(name string, field func(*config.Config) *time.Duration) {
	r.add(Key{
		Name: name,
		Get: func(rt *config.Runtime) (string, error) {
			return field(rt.Config.Load()).String(), nil
		},
		Set: func(rt *config.Runtime, val string) error {
			d, err := time.ParseDuration(val)
			if err != nil {
				return fmt.Errorf("ctlfile: %s: %w", name, err)
			}
			rt.Config.Mutate(func(c *config.Config) { *field(c) = d })
			return nil
		},
	})
}

func (r *Registry) addStatfsKey() {
	r.add(Key{
		Name: "user.mergerfs.statfs.ignore",
		Get: func(rt *config.Runtime) (string, error) {
			return rt.Config.Load().Statfs.String(), nil
		},
		Set: func(rt *config.Runtime, val string) error {
			m, err := config.ParseStatfsIgnore(val)
			if err != nil {
				return err
			}
			rt.Config.Mutate(func(c *config.Config) { c.Statfs = m })
			return nil
		},
	})
}

func (r *Registry) addCommands() {
	cmd := func(name string, run func() error) {
		r.add(Key{
			Name: name,
			Get: func(*config.Runtime) (string, error) {
				return "", fmt.Errorf("ctlfile: %s is write-only", name)
			},
			Set: func(*config.Runtime, string) error {
				if run == nil {
					return fmt.Errorf("ctlfile: %s has no hook wired", name)
				}
				return run()
			},
		})
	}
	cmd("user.mergerfs.cmd.gc", r.hooks.GC)
	cmd("user.mergerfs.cmd.gc1", r.hooks.GC1)
	cmd("user.mergerfs.cmd.invalidate-all-nodes", r.hooks.InvalidateAllNodes)
	r.add(Key{
		Name: "user.mergerfs.cmd.invalidate-gid-cache",
		Get:  writeOnly("user.mergerfs.cmd.invalidate-gid-cache"),
		Set: func(rt *config.Runtime, val string) error {
			n, err := strconv.ParseUint(strings.TrimSpace(val), 10, 32)
			if err != nil {
				return fmt.Errorf("ctlfile: invalidate-gid-cache: %w", err)
			}
			rt.GIDs.Invalidate(uint32(n))
			return nil
		},
	})
	r.add(Key{
		Name: "user.mergerfs.cmd.clear-gid-cache",
		Get:  writeOnly("user.mergerfs.cmd.clear-gid-cache"),
		Set: func(rt *config.Runtime, _ string) error {
			rt.GIDs.Clear()
			return nil
		},
	})
}

func writeOnly(name string) func(*config.Runtime) (string, error) {
	return func(*config.Runtime) (string, error) {
		return "", fmt.Errorf("ctlfile: %s is write-only", name)
	}
}
