package worker

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/oremus-labs/rife-worker/internal/jobs"
	"github.com/oremus-labs/rife-worker/internal/logutil"
	"github.com/oremus-labs/rife-worker/internal/queue"
	"github.com/oremus-labs/rife-worker/internal/store"
)

// Processor executes one job by ID.
type Processor interface {
	Process(ctx context.Context, id string) error
}

// Source delivers job messages (a Redis Streams consumer).
type Source interface {
	EnsureGroup(ctx context.Context) error
	Next(ctx context.Context) (*queue.InterpolateMessage, string, error)
	Reclaim(ctx context.Context, minIdle time.Duration) (*queue.InterpolateMessage, string, error)
	Ack(ctx context.Context, id string) error
}

// PendingLister lists jobs waiting for a worker.
type PendingLister interface {
	ListJobsByStatus(status store.JobStatus, limit int) ([]store.Job, error)
}

// Options configure the background worker process.
type Options struct {
	Store       PendingLister
	Jobs        Processor
	Queue       Source
	Logger      *log.Logger
	Interval    time.Duration
	Concurrency int
	// ReclaimIdle is how long a delivered message may stay unacknowledged
	// before another worker takes it over.
	ReclaimIdle time.Duration
}

// Runner pulls jobs from the queue, or polls the datastore when no queue
// is configured, and runs at most Concurrency of them at a time.
type Runner struct {
	store       PendingLister
	jobs        Processor
	queue       Source
	logger      *log.Logger
	interval    time.Duration
	reclaimIdle time.Duration
	slots       chan struct{}
	wg          sync.WaitGroup
}

// New creates a new Runner.
func New(opts Options) *Runner {
	interval := opts.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.ReclaimIdle <= 0 {
		opts.ReclaimIdle = 30 * time.Minute
	}
	return &Runner{
		store:       opts.Store,
		jobs:        opts.Jobs,
		queue:       opts.Queue,
		logger:      opts.Logger,
		interval:    interval,
		reclaimIdle: opts.ReclaimIdle,
		slots:       make(chan struct{}, opts.Concurrency),
	}
}

// Run blocks until ctx is cancelled, then waits for in-flight jobs.
func (r *Runner) Run(ctx context.Context) error {
	defer r.wg.Wait()
	if r.jobs == nil {
		return errors.New("worker: job processor not configured")
	}
	if r.queue != nil {
		if err := r.queue.EnsureGroup(ctx); err != nil {
			return err
		}
		r.logger.Printf("worker started: consuming queue with %d slots", cap(r.slots))
		return r.consume(ctx)
	}
	if r.store == nil {
		return errors.New("worker: neither queue nor datastore configured")
	}
	r.logger.Printf("worker started: polling datastore every %s with %d slots", r.interval, cap(r.slots))
	return r.poll(ctx)
}

func (r *Runner) acquire(ctx context.Context) bool {
	select {
	case r.slots <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

func (r *Runner) release() {
	<-r.slots
}

func (r *Runner) consume(ctx context.Context) error {
	lastReclaim := time.Time{}
	for {
		if !r.acquire(ctx) {
			r.logger.Println("worker shutting down")
			return ctx.Err()
		}

		var (
			msg *queue.InterpolateMessage
			id  string
			err error
		)
		if time.Since(lastReclaim) >= r.interval {
			lastReclaim = time.Now()
			msg, id, err = r.queue.Reclaim(ctx, r.reclaimIdle)
			if err == nil && msg != nil {
				r.logger.Printf("worker: reclaimed stale message %s for job %s", id, msg.JobID)
			}
		}
		if err == nil && msg == nil && id == "" {
			msg, id, err = r.queue.Next(ctx)
		}
		if err != nil {
			r.release()
			if ctx.Err() != nil {
				r.logger.Println("worker shutting down")
				return ctx.Err()
			}
			if id != "" {
				// Undecodable message: drop it so it does not block the group.
				logutil.Warn("queue_message_dropped", err, map[string]interface{}{"messageId": id})
				_ = r.queue.Ack(ctx, id)
				continue
			}
			logutil.Warn("queue_read_failed", err, nil)
			sleep(ctx, r.interval)
			continue
		}
		if msg == nil {
			r.release()
			continue
		}

		r.wg.Add(1)
		go func(jobID, messageID string) {
			defer r.wg.Done()
			defer r.release()
			r.run(ctx, jobID)
			if ctx.Err() != nil {
				// Leave the message pending so another worker reclaims it.
				return
			}
			if err := r.queue.Ack(context.WithoutCancel(ctx), messageID); err != nil {
				r.logger.Printf("worker: failed to ack %s: %v", messageID, err)
			}
		}(msg.JobID, id)
	}
}

func (r *Runner) poll(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		r.dispatchPending(ctx)
		select {
		case <-ctx.Done():
			r.logger.Println("worker shutting down")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (r *Runner) dispatchPending(ctx context.Context) {
	free := cap(r.slots) - len(r.slots)
	if free <= 0 {
		return
	}
	pending, err := r.store.ListJobsByStatus(store.JobPending, free)
	if err != nil {
		r.logger.Printf("worker: failed to list pending jobs: %v", err)
		return
	}
	for _, job := range pending {
		if !r.acquire(ctx) {
			return
		}
		r.wg.Add(1)
		go func(id string) {
			defer r.wg.Done()
			defer r.release()
			r.run(ctx, id)
		}(job.ID)
	}
}

func (r *Runner) run(ctx context.Context, jobID string) {
	start := time.Now()
	err := r.jobs.Process(ctx, jobID)
	switch {
	case err == nil:
		r.logger.Printf("worker: job %s completed in %s", jobID, time.Since(start).Round(time.Millisecond))
	case errors.Is(err, jobs.ErrNotClaimable):
		r.logger.Printf("worker: skipping job %s: %v", jobID, err)
	default:
		r.logger.Printf("worker: job %s attempt failed: %v", jobID, err)
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
