// Package maintenance runs the background jobs spec.md §5 describes for
// global process state: pruning the remembered set, compacting the node
// table's indexes once they've gone sparse, and periodic metric dumps.
package maintenance

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/trapexit/mergerfs-sub000/internal/nodetable"
)

// Runner owns the ticker loop. Zero value is not usable; construct via New.
type Runner struct {
	table    *nodetable.Table
	log      *logrus.Logger
	interval time.Duration
}

// New builds a Runner that drives table's periodic jobs every interval.
// A non-positive interval falls back to one minute.
func New(table *nodetable.Table, log *logrus.Logger, interval time.Duration) *Runner {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Runner{table: table, log: log, interval: interval}
}

// Run blocks, firing the three jobs every interval until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick()
		}
	}
}

// tick runs the three jobs once. Split out as a method (rather than folded
// into Run) so tests can exercise a single pass without waiting on a timer.
func (r *Runner) tick() {
	dropped := r.table.PruneRemembered(time.Now())
	compacted := r.table.CompactIndexes()
	stats := r.table.Stats()

	if r.log == nil {
		return
	}
	entry := r.log.WithFields(logrus.Fields{
		"remembered_dropped": dropped,
		"compacted":          compacted,
		"name_entries":       stats.NameEntries,
		"id_entries":         stats.IdEntries,
		"remembered":         stats.Remembered,
	})
	if dropped > 0 || compacted {
		entry.Debug("maintenance pass")
	} else {
		entry.Trace("maintenance pass")
	}
}
