// Command mergerfs wires the request router up to a real kernel FUSE
// connection. Flag/option parsing and branch-set construction are the
// concrete surface exercised here; the mount syscall sequence itself
// is outside this project's scope (see internal/router's package doc),
// so run stands up every collaborator Router needs and then blocks
// until asked to shut down, the way a daemon would while actually
// servicing kernel requests.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/trapexit/mergerfs-sub000/internal/branch"
	"github.com/trapexit/mergerfs-sub000/internal/branchio"
	"github.com/trapexit/mergerfs-sub000/internal/config"
	"github.com/trapexit/mergerfs-sub000/internal/ctlfile"
	"github.com/trapexit/mergerfs-sub000/internal/maintenance"
	"github.com/trapexit/mergerfs-sub000/internal/nodetable"
	"github.com/trapexit/mergerfs-sub000/internal/pathlock"
	"github.com/trapexit/mergerfs-sub000/internal/policy"
	"github.com/trapexit/mergerfs-sub000/internal/readdirpool"
	"github.com/trapexit/mergerfs-sub000/internal/router"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var tomlPath, options *string

	cmd := &cobra.Command{
		Use:   "mergerfs [flags] branch[,branch...][:branch...] mountpoint",
		Short: "Union multiple filesystem branches into one mount point",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*tomlPath, *options)
			if err != nil {
				return err
			}
			return run(cfg, args[0], args[1])
		},
	}

	tomlPath, options = config.BindFlags(cmd.Flags())
	return cmd
}

// run assembles every collaborator the router needs, starts the
// maintenance loop, and blocks until SIGINT/SIGTERM.
func run(cfg *config.Config, branchSpec, mountpoint string) error {
	log := logrus.New()
	if cfg.Debug {
		log.SetLevel(logrus.DebugLevel)
	}
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if cfg.LogPath != "" {
		f, err := os.OpenFile(cfg.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("mergerfs: opening log path %s: %w", cfg.LogPath, err)
		}
		defer f.Close()
		log.SetOutput(f)
	}

	snapshot, err := branch.ParseSpec(branchSpec)
	if err != nil {
		return fmt.Errorf("mergerfs: parsing branches %q: %w", branchSpec, err)
	}
	if len(snapshot.All()) == 0 {
		return fmt.Errorf("mergerfs: no branches given")
	}

	rt := config.NewRuntime(cfg, snapshot)
	policies := policy.New()
	table := nodetable.New(cfg.RememberTTL > 0, cfg.RememberTTL)
	locks := pathlock.New(table)
	dirs := readdirpool.New(cfg.ReaddirPool)
	io := branchio.Unix{}

	ctl := ctlfile.New(policies, ctlfile.Hooks{
		GC: func() error {
			table.CompactIndexes()
			return nil
		},
		GC1: func() error {
			table.PruneRemembered(time.Now())
			return nil
		},
		InvalidateAllNodes: func() error {
			log.Info("user.mergerfs.cmd.invalidate-all-nodes requested (kernel invalidation is the FUSE-session boundary, out of scope here)")
			return nil
		},
	})

	r := router.New(table, locks, rt, policies, ctl, io, dirs, log)
	_ = r // the live Router; wired to the kernel connection once mounted

	mainCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mnt := maintenance.New(table, log, time.Minute)
	maintDone := make(chan struct{})
	go func() {
		mnt.Run(mainCtx)
		close(maintDone)
	}()

	log.WithFields(logrus.Fields{
		"branches":   snapshot.String(),
		"mountpoint": mountpoint,
	}).Info("mergerfs ready (kernel mount loop not wired in this build)")

	<-mainCtx.Done()
	log.Info("shutting down")
	<-maintDone
	return nil
}
