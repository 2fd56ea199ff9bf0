package main

import (
	"context"
	"log"
	"time"

	"github.com/oremus-labs/rife-worker/internal/metrics"
	"github.com/oremus-labs/rife-worker/internal/store"
	"github.com/oremus-labs/rife-worker/internal/workspace"
)

type automationOptions struct {
	Store      *store.Store
	Outputs    *workspace.Manager
	Interval   time.Duration
	JobTTL     time.Duration
	HistoryTTL time.Duration
	OutputTTL  time.Duration
}

func startAutomation(ctx context.Context, opts automationOptions) {
	if opts.Store == nil || opts.Interval <= 0 {
		return
	}
	log.Printf("Starting automation loop: interval=%s jobTTL=%s historyTTL=%s outputTTL=%s",
		opts.Interval, opts.JobTTL, opts.HistoryTTL, opts.OutputTTL)
	ticker := time.NewTicker(opts.Interval)
	go func() {
		defer ticker.Stop()
		runAutomationSweep(opts)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				runAutomationSweep(opts)
			}
		}
	}()
}

func runAutomationSweep(opts automationOptions) {
	now := time.Now().UTC()
	if opts.JobTTL > 0 {
		before := now.Add(-opts.JobTTL)
		if removed, err := opts.Store.CleanupJobsBefore(before, store.JobDone, store.JobFailed, store.JobCancelled); err != nil {
			log.Printf("automation: job cleanup failed: %v", err)
		} else if removed > 0 {
			log.Printf("automation: purged %d stale jobs", removed)
		}
	}
	if opts.HistoryTTL > 0 {
		before := now.Add(-opts.HistoryTTL)
		if removed, err := opts.Store.CleanupHistoryBefore(before); err != nil {
			log.Printf("automation: history cleanup failed: %v", err)
		} else if removed > 0 {
			log.Printf("automation: purged %d history entries", removed)
		}
	}
	if opts.Outputs == nil {
		return
	}
	if opts.OutputTTL > 0 {
		if removed, err := opts.Outputs.PruneOlderThan(opts.OutputTTL); err == nil && len(removed) > 0 {
			log.Printf("automation: pruned %d output directories", len(removed))
		}
	}
	if stats, err := opts.Outputs.Stats(); err != nil {
		log.Printf("automation: failed to collect output usage: %v", err)
	} else {
		metrics.SetStorageUsage("outputs", stats.UsedBytes)
	}
}
