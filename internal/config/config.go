// Package config holds the mount-wide runtime configuration every
// request handler reads: policies, branch set, uid/gid/umask
// overrides, cache/statfs knobs, and the supplementary-group cache.
//
// Grounded on GoogleCloudPlatform-gcsfuse's cmd/ viper-binding pattern
// (TOML + `-o key=val` flag surface bound into one struct) and
// rclone-rclone's flag/config layering, both real pack repos with a
// concrete github.com/spf13/viper + github.com/spf13/cobra dependency.
// Config mutation is an atomic pointer replacement (spec.md §5 "Config
// mutations are atomic replacements of shared pointers"); the branch
// set gets its own independent atomic.Pointer via branch.Holder so a
// `user.mergerfs.branches` rewrite doesn't require rebuilding the rest
// of the configuration.
package config

import (
	"fmt"
	"os/user"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trapexit/mergerfs-sub000/internal/branch"
	"github.com/trapexit/mergerfs-sub000/internal/policy"
)

// LinkEXDEV and RenameEXDEV materialization modes (§6
// user.mergerfs.link_exdev / .rename_exdev).
type EXDEVMode int

const (
	EXDEVPassthrough EXDEVMode = iota // return EXDEV unchanged
	EXDEVRelSymlink                   // materialize a relative symlink
	EXDEVAbsBranchSymlink             // materialize an absolute in-branch symlink
	EXDEVAbsMountSymlink              // materialize an absolute mount-root symlink
)

func ParseEXDEVMode(s string) (EXDEVMode, error) {
	switch s {
	case "", "passthrough":
		return EXDEVPassthrough, nil
	case "rel-symlink":
		return EXDEVRelSymlink, nil
	case "abs-branch-symlink":
		return EXDEVAbsBranchSymlink, nil
	case "abs-mount-symlink":
		return EXDEVAbsMountSymlink, nil
	default:
		return EXDEVPassthrough, fmt.Errorf("config: unknown exdev mode %q", s)
	}
}

func (m EXDEVMode) String() string {
	switch m {
	case EXDEVRelSymlink:
		return "rel-symlink"
	case EXDEVAbsBranchSymlink:
		return "abs-branch-symlink"
	case EXDEVAbsMountSymlink:
		return "abs-mount-symlink"
	default:
		return "passthrough"
	}
}

// StatfsIgnore controls which branch modes contribute zero to
// bavail/favail during STATFS aggregation (§4.4 STATFS).
type StatfsIgnore int

const (
	StatfsIgnoreNone StatfsIgnore = iota
	StatfsIgnoreRO
	StatfsIgnoreNC
)

func ParseStatfsIgnore(s string) (StatfsIgnore, error) {
	switch s {
	case "", "none":
		return StatfsIgnoreNone, nil
	case "ro":
		return StatfsIgnoreRO, nil
	case "nc":
		return StatfsIgnoreNC, nil
	default:
		return StatfsIgnoreNone, fmt.Errorf("config: unknown statfs ignore mode %q", s)
	}
}

func (m StatfsIgnore) String() string {
	switch m {
	case StatfsIgnoreRO:
		return "ro"
	case StatfsIgnoreNC:
		return "nc"
	default:
		return "none"
	}
}

// CacheOptions groups the `user.mergerfs.cache.*` knobs.
type CacheOptions struct {
	AttrTTL     time.Duration
	EntryTTL    time.Duration
	NegativeTTL time.Duration
	Files       bool // cache file contents across opens of the same backend path
	Symlinks    bool
}

// Policies holds the three category defaults plus any per-operation
// override (`user.mergerfs.func.<op>.policy`).
type Policies struct {
	Action   string
	Create   string
	Search   string
	Override map[string]string // op name -> policy name, category implied by op
}

// Resolve picks the policy.Policy for an operation: its override if
// one is set, else the category default.
func (p Policies) Resolve(reg *policy.Registry, op string, cat policy.Category) (policy.Policy, error) {
	name := p.defaultFor(cat)
	if override, ok := p.Override[op]; ok {
		name = override
	}
	pol, ok := reg.Lookup(cat, name)
	if !ok {
		return nil, fmt.Errorf("config: no %s policy named %q", cat, name)
	}
	return pol, nil
}

// DefaultFor returns the category default policy name, ignoring any
// per-operation override.
func (p Policies) DefaultFor(cat policy.Category) string {
	return p.defaultFor(cat)
}

func (p Policies) defaultFor(cat policy.Category) string {
	switch cat {
	case policy.Create:
		return p.Create
	case policy.Search:
		return p.Search
	default:
		return p.Action
	}
}

// Config is the immutable, copy-on-write snapshot every handler reads
// through a *Holder. Branches are held separately (see branch.Holder)
// so reconfiguring the branch set doesn't require rebuilding this
// struct.
type Config struct {
	Policies Policies

	MoveOnENOSPC bool
	LinkEXDEV    EXDEVMode
	RenameEXDEV  EXDEVMode
	Symlinkify   bool
	IgnorePPOnRename bool

	Cache  CacheOptions
	Statfs StatfsIgnore

	UID, GID *uint32 // nil means "don't override"
	Umask    *uint32

	RememberTTL time.Duration
	Debug       bool
	LogPath     string

	ThreadCount  int
	ReaddirPool  int
}

// Default returns the configuration the reference implementation ships
// with out of the box.
func Default() *Config {
	return &Config{
		Policies: Policies{
			Action:   "all",
			Create:   "epmfs",
			Search:   "ff",
			Override: map[string]string{},
		},
		Cache: CacheOptions{
			AttrTTL:  time.Second,
			EntryTTL: time.Second,
		},
		RememberTTL: 0,
		ThreadCount: 4,
		ReaddirPool: 8,
	}
}

// Holder is the atomic.Pointer[Config] swap point (spec.md §5 "Config
// mutations are atomic replacements of shared pointers").
type Holder struct {
	ptr atomic.Pointer[Config]
}

func NewHolder(initial *Config) *Holder {
	h := &Holder{}
	h.ptr.Store(initial)
	return h
}

func (h *Holder) Load() *Config { return h.ptr.Load() }

func (h *Holder) Store(c *Config) { h.ptr.Store(c) }

// Mutate loads the current config, applies fn to a shallow copy, and
// publishes the result. fn must not retain the pointer it's given
// beyond the call.
func (h *Holder) Mutate(fn func(*Config)) {
	cur := h.Load()
	next := *cur
	fn(&next)
	h.Store(&next)
}

// GIDCache resolves a uid's supplementary groups and caches the
// result, so SETATTR/ACCESS's permission checks (internal/access)
// don't hit os/user on every request. Cleared wholesale by the
// `user.mergerfs.cmd.clear-gid-cache` control-file command.
type GIDCache struct {
	mu      sync.RWMutex
	entries map[uint32][]uint32
}

func NewGIDCache() *GIDCache {
	return &GIDCache{entries: make(map[uint32][]uint32)}
}

// Groups returns uid's supplementary group ids, consulting the cache
// first and falling back to a live os/user lookup.
func (c *GIDCache) Groups(uid uint32) []uint32 {
	c.mu.RLock()
	g, ok := c.entries[uid]
	c.mu.RUnlock()
	if ok {
		return g
	}
	g = lookupGroups(uid)
	c.mu.Lock()
	c.entries[uid] = g
	c.mu.Unlock()
	return g
}

func lookupGroups(uid uint32) []uint32 {
	u, err := user.LookupId(strconv.FormatUint(uint64(uid), 10))
	if err != nil {
		return nil
	}
	ids, err := u.GroupIds()
	if err != nil {
		return nil
	}
	out := make([]uint32, 0, len(ids))
	for _, s := range ids {
		n, err := strconv.Atoi(s)
		if err != nil {
			continue
		}
		out = append(out, uint32(n))
	}
	return out
}

// Clear empties the cache (`cmd.clear-gid-cache`).
func (c *GIDCache) Clear() {
	c.mu.Lock()
	c.entries = make(map[uint32][]uint32)
	c.mu.Unlock()
}

// Invalidate drops a single uid's cached entry
// (`cmd.invalidate-gid-cache`, whose value is the uid to drop).
func (c *GIDCache) Invalidate(uid uint32) {
	c.mu.Lock()
	delete(c.entries, uid)
	c.mu.Unlock()
}

// Runtime bundles the branch snapshot holder alongside Config so a
// single value groups everything a request handler needs to read.
type Runtime struct {
	Config   *Holder
	Branches *branch.Holder
	GIDs     *GIDCache
}

func NewRuntime(cfg *Config, branches *branch.Snapshot) *Runtime {
	return &Runtime{
		Config:   NewHolder(cfg),
		Branches: branch.NewHolder(branches),
		GIDs:     NewGIDCache(),
	}
}
