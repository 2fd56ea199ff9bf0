package main

import (
	"context"
	"log"
	"time"

	"github.com/oremus-labs/rife-worker/internal/metrics"
	"github.com/oremus-labs/rife-worker/internal/workspace"
)

type staleRecoverer interface {
	RecoverStale(ctx context.Context, staleAfter time.Duration) (int, error)
}

type janitorOptions struct {
	Jobs         staleRecoverer
	Workspaces   *workspace.Manager
	Interval     time.Duration
	WorkspaceTTL time.Duration
	StaleAfter   time.Duration
}

// startJanitor removes job workspaces left by crashed runs and returns
// abandoned running jobs to the queue.
func startJanitor(ctx context.Context, opts janitorOptions) {
	if opts.Interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(opts.Interval)
		defer ticker.Stop()
		sweep(ctx, opts)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sweep(ctx, opts)
			}
		}
	}()
}

func sweep(ctx context.Context, opts janitorOptions) {
	if opts.Jobs != nil && opts.StaleAfter > 0 {
		if n, err := opts.Jobs.RecoverStale(ctx, opts.StaleAfter); err != nil {
			log.Printf("janitor: stale job recovery failed: %v", err)
		} else if n > 0 {
			log.Printf("janitor: re-queued %d abandoned jobs", n)
		}
	}
	if opts.Workspaces == nil {
		return
	}
	if removed, err := opts.Workspaces.PruneOlderThan(opts.WorkspaceTTL); err != nil {
		log.Printf("janitor: workspace prune failed: %v", err)
	} else if len(removed) > 0 {
		log.Printf("janitor: removed %d orphaned workspaces", len(removed))
	}
	if stats, err := opts.Workspaces.Stats(); err == nil {
		metrics.SetStorageUsage("workspaces", stats.UsedBytes)
	}
}
