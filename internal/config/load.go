package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Load builds a Config from a TOML file (optional) layered under
// `-o key=val,...` mount options (mandatory per-invocation overrides),
// mirroring gcsfuse's cmd/root.go viper-binding pattern: TOML supplies
// defaults, the flag surface wins ties.
//
// tomlPath may be empty (no file, flags/options only). opts is the
// comma-separated `-o` option string mount(8) passes through
// (e.g. "moveonenospc,category.create=mfs,cache.files=true").
func Load(tomlPath string, opts string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("toml")
	setDefaults(v)

	if tomlPath != "" {
		v.SetConfigFile(tomlPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", tomlPath, err)
		}
	}

	for _, kv := range splitOptions(opts) {
		k, val, err := parseOption(kv)
		if err != nil {
			return nil, err
		}
		v.Set(k, val)
	}

	return fromViper(v)
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("category.action", d.Policies.Action)
	v.SetDefault("category.create", d.Policies.Create)
	v.SetDefault("category.search", d.Policies.Search)
	v.SetDefault("moveonenospc", d.MoveOnENOSPC)
	v.SetDefault("link_exdev", d.LinkEXDEV.String())
	v.SetDefault("rename_exdev", d.RenameEXDEV.String())
	v.SetDefault("symlinkify", d.Symlinkify)
	v.SetDefault("ignorepponrename", d.IgnorePPOnRename)
	v.SetDefault("cache.attr", d.Cache.AttrTTL.String())
	v.SetDefault("cache.entry", d.Cache.EntryTTL.String())
	v.SetDefault("cache.negative_entry", d.Cache.NegativeTTL.String())
	v.SetDefault("cache.files", d.Cache.Files)
	v.SetDefault("cache.symlinks", d.Cache.Symlinks)
	v.SetDefault("statfs_ignore", d.Statfs.String())
	v.SetDefault("remember_ttl", d.RememberTTL.String())
	v.SetDefault("debug", d.Debug)
	v.SetDefault("threads", d.ThreadCount)
	v.SetDefault("readdir_pool", d.ReaddirPool)
}

// splitOptions splits a "-o" value on commas, the way mount(8) option
// strings are conventionally formatted.
func splitOptions(opts string) []string {
	opts = strings.TrimSpace(opts)
	if opts == "" {
		return nil
	}
	return strings.Split(opts, ",")
}

func parseOption(kv string) (key, val string, err error) {
	i := strings.IndexByte(kv, '=')
	if i < 0 {
		// bare boolean option, e.g. "moveonenospc"
		return kv, "true", nil
	}
	return kv[:i], kv[i+1:], nil
}

func fromViper(v *viper.Viper) (*Config, error) {
	c := Default()

	c.Policies.Action = v.GetString("category.action")
	c.Policies.Create = v.GetString("category.create")
	c.Policies.Search = v.GetString("category.search")
	c.Policies.Override = parseFuncOverrides(v)

	c.MoveOnENOSPC = v.GetBool("moveonenospc")
	c.Symlinkify = v.GetBool("symlinkify")
	c.IgnorePPOnRename = v.GetBool("ignorepponrename")
	c.Debug = v.GetBool("debug")
	c.LogPath = v.GetString("log")
	c.ThreadCount = v.GetInt("threads")
	c.ReaddirPool = v.GetInt("readdir_pool")

	var err error
	if c.LinkEXDEV, err = ParseEXDEVMode(v.GetString("link_exdev")); err != nil {
		return nil, err
	}
	if c.RenameEXDEV, err = ParseEXDEVMode(v.GetString("rename_exdev")); err != nil {
		return nil, err
	}
	if c.Statfs, err = ParseStatfsIgnore(v.GetString("statfs_ignore")); err != nil {
		return nil, err
	}

	if c.Cache.AttrTTL, err = time.ParseDuration(withDefaultUnit(v.GetString("cache.attr"))); err != nil {
		return nil, fmt.Errorf("config: cache.attr: %w", err)
	}
	if c.Cache.EntryTTL, err = time.ParseDuration(withDefaultUnit(v.GetString("cache.entry"))); err != nil {
		return nil, fmt.Errorf("config: cache.entry: %w", err)
	}
	if c.Cache.NegativeTTL, err = time.ParseDuration(withDefaultUnit(v.GetString("cache.negative_entry"))); err != nil {
		return nil, fmt.Errorf("config: cache.negative_entry: %w", err)
	}
	c.Cache.Files = v.GetBool("cache.files")
	c.Cache.Symlinks = v.GetBool("cache.symlinks")

	if c.RememberTTL, err = time.ParseDuration(withDefaultUnit(v.GetString("remember_ttl"))); err != nil {
		return nil, fmt.Errorf("config: remember_ttl: %w", err)
	}

	if s := v.GetString("uid"); s != "" {
		n, err := strconv.ParseUint(s, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("config: uid: %w", err)
		}
		u := uint32(n)
		c.UID = &u
	}
	if s := v.GetString("gid"); s != "" {
		n, err := strconv.ParseUint(s, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("config: gid: %w", err)
		}
		g := uint32(n)
		c.GID = &g
	}
	if s := v.GetString("umask"); s != "" {
		n, err := strconv.ParseUint(s, 8, 32)
		if err != nil {
			return nil, fmt.Errorf("config: umask: %w", err)
		}
		m := uint32(n)
		c.Umask = &m
	}

	return c, nil
}

// parseFuncOverrides reads `func.<op>.policy` keys viper picked up
// from the TOML table or an `-o func.rename.policy=epall` option.
func parseFuncOverrides(v *viper.Viper) map[string]string {
	out := map[string]string{}
	funcs, ok := v.Get("func").(map[string]interface{})
	if !ok {
		return out
	}
	for op, raw := range funcs {
		sub, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		if p, ok := sub["policy"].(string); ok {
			out[op] = p
		}
	}
	return out
}

func withDefaultUnit(s string) string {
	if s == "" {
		return "0s"
	}
	if _, err := strconv.Atoi(s); err == nil {
		return s + "s"
	}
	return s
}

// BindFlags registers the mount-option flags onto a pflag.FlagSet, the
// way cobra commands expose `-o` and `--config` (gcsfuse's cmd/flags.go
// shape), for cmd/mergerfs's root command to attach.
func BindFlags(fs *pflag.FlagSet) (tomlPath *string, options *string) {
	tomlPath = fs.String("config", "", "path to a mergerfs TOML configuration file")
	options = fs.StringP("options", "o", "", "comma-separated mount options (key=val,...)")
	return
}
