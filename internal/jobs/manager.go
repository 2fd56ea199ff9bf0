package jobs

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oremus-labs/rife-worker/internal/engine"
	"github.com/oremus-labs/rife-worker/internal/events"
	"github.com/oremus-labs/rife-worker/internal/logutil"
	"github.com/oremus-labs/rife-worker/internal/media"
	"github.com/oremus-labs/rife-worker/internal/metrics"
	"github.com/oremus-labs/rife-worker/internal/output"
	"github.com/oremus-labs/rife-worker/internal/store"
)

// JobType is the store type for interpolation jobs.
const JobType = "interpolate"

var (
	// ErrNotConfigured is returned when the manager lacks a datastore.
	ErrNotConfigured = errors.New("job manager not configured")
	// ErrNotClaimable is returned by Process when the job is not pending.
	ErrNotClaimable = errors.New("job is not pending")
	// ErrInvalidState is returned when cancel or retry does not apply.
	ErrInvalidState = errors.New("invalid job state")
)

// MediaTool is the ffmpeg surface a job needs.
type MediaTool interface {
	Probe(ctx context.Context, path string) (*media.VideoInfo, error)
	Deduplicate(ctx context.Context, input, output string) error
	ExtractFrames(ctx context.Context, video, dir string) (int, error)
	Encode(ctx context.Context, req media.EncodeRequest) error
}

// Fetcher downloads job inputs.
type Fetcher interface {
	Download(ctx context.Context, url, dest string) (string, error)
}

// Enqueuer hands a pending job to the worker fleet.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobID string, req Request) error
}

type eventPublisher interface {
	Publish(context.Context, events.Event) error
}

type modelValidator interface {
	ValidModel(name string) error
}

// Manager runs interpolation jobs and records their progress.
type Manager struct {
	store       *store.Store
	media       MediaTool
	engine      engine.FrameInterpolator
	sink        output.Sink
	fetcher     Fetcher
	events      eventPublisher
	queue       Enqueuer
	workRoot    string
	maxAttempts int
	timeout     time.Duration
	model       string
	fps         float64

	mu        sync.Mutex
	running   map[string]context.CancelFunc
	cancelled map[string]bool
}

// Options configures the job manager.
type Options struct {
	Store          *store.Store
	Media          MediaTool
	Engine         engine.FrameInterpolator
	Sink           output.Sink
	Fetcher        Fetcher
	EventPublisher eventPublisher
	Queue          Enqueuer
	WorkRoot       string
	MaxJobAttempts int
	JobTimeout     time.Duration
	DefaultModel   string
	DefaultFPS     float64
}

// New creates a job manager.
func New(opts Options) *Manager {
	if opts.MaxJobAttempts <= 0 {
		opts.MaxJobAttempts = 3
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = 2 * time.Hour
	}
	if opts.DefaultModel == "" {
		opts.DefaultModel = "rife-v4.6"
	}
	if opts.DefaultFPS <= 0 {
		opts.DefaultFPS = 240
	}
	if opts.WorkRoot == "" {
		opts.WorkRoot = "/tmp"
	}
	return &Manager{
		store:       opts.Store,
		media:       opts.Media,
		engine:      opts.Engine,
		sink:        opts.Sink,
		fetcher:     opts.Fetcher,
		events:      opts.EventPublisher,
		queue:       opts.Queue,
		workRoot:    opts.WorkRoot,
		maxAttempts: opts.MaxJobAttempts,
		timeout:     opts.JobTimeout,
		model:       opts.DefaultModel,
		fps:         opts.DefaultFPS,
		running:     make(map[string]context.CancelFunc),
		cancelled:   make(map[string]bool),
	}
}

// Submit validates the request and persists a pending job. When a queue is
// configured the job is also pushed onto it.
func (m *Manager) Submit(ctx context.Context, req Request) (*store.Job, error) {
	if m.store == nil {
		return nil, ErrNotConfigured
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	req = req.withDefaults(m.model, m.fps)
	job := &store.Job{
		ID:          uuid.NewString(),
		Type:        JobType,
		Status:      store.JobPending,
		Stage:       "queued",
		Progress:    0,
		Message:     "Waiting for a worker",
		Payload:     req.payload(),
		MaxAttempts: m.maxAttempts,
	}
	if err := m.store.CreateJob(job); err != nil {
		return nil, err
	}
	m.logJob(job, "info", "queued", "Job submitted")
	m.emitJobEvent(job)
	if err := m.enqueue(ctx, job, req); err != nil {
		return job, err
	}
	return job, nil
}

func (m *Manager) enqueue(ctx context.Context, job *store.Job, req Request) error {
	if m.queue == nil {
		return nil
	}
	if err := m.queue.Enqueue(ctx, job.ID, req); err != nil {
		job.Error = err.Error()
		m.updateJob(job, store.JobFailed, -1, "failed", "Failed to enqueue job")
		return fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}
	return nil
}

// GetJob loads a job by ID.
func (m *Manager) GetJob(id string) (*store.Job, error) {
	if m.store == nil {
		return nil, ErrNotConfigured
	}
	return m.store.GetJob(id)
}

// ListJobs returns the newest jobs.
func (m *Manager) ListJobs(limit int) ([]store.Job, error) {
	if m.store == nil {
		return nil, ErrNotConfigured
	}
	return m.store.ListJobs(limit)
}

// Logs returns a job's log lines.
func (m *Manager) Logs(id string) ([]store.JobLogEntry, error) {
	if m.store == nil {
		return nil, ErrNotConfigured
	}
	if _, err := m.store.GetJob(id); err != nil {
		return nil, err
	}
	return m.store.ListJobLogs(id)
}

// Cancel stops a pending or running job. A job running in another process
// notices at its next stage boundary.
func (m *Manager) Cancel(id string) (*store.Job, error) {
	if m.store == nil {
		return nil, ErrNotConfigured
	}
	job, err := m.store.GetJob(id)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return nil, fmt.Errorf("%w: job %s is %s", ErrInvalidState, id, job.Status)
	}
	changed, err := m.store.TransitionJob(id, job.Status, store.JobCancelled)
	if err != nil {
		return nil, err
	}
	if !changed {
		return nil, fmt.Errorf("%w: job %s changed state concurrently", ErrInvalidState, id)
	}
	m.mu.Lock()
	if cancel, ok := m.running[id]; ok {
		m.cancelled[id] = true
		cancel()
	}
	m.mu.Unlock()

	job, err = m.store.GetJob(id)
	if err != nil {
		return nil, err
	}
	job.Message = "Cancelled by request"
	m.updateJob(job, store.JobCancelled, -1, "cancelled", "")
	m.logJob(job, "warn", "cancelled", "Cancellation requested")
	m.appendHistory(job.ID, "interpolation_cancelled", nil)
	return job, nil
}

// Retry resets a failed or cancelled job with a fresh attempt budget.
func (m *Manager) Retry(ctx context.Context, id string) (*store.Job, error) {
	if m.store == nil {
		return nil, ErrNotConfigured
	}
	job, err := m.store.GetJob(id)
	if err != nil {
		return nil, err
	}
	if job.Status != store.JobFailed && job.Status != store.JobCancelled {
		return nil, fmt.Errorf("%w: only failed or cancelled jobs can be retried (job %s is %s)", ErrInvalidState, id, job.Status)
	}
	req, err := requestFromPayload(job.Payload)
	if err != nil {
		return nil, err
	}
	job.Attempt = 0
	job.Error = ""
	job.Result = nil
	job.Progress = 0
	if !m.updateJob(job, store.JobPending, -1, "queued", "Retry requested") {
		return nil, fmt.Errorf("%w: job %s changed state concurrently", ErrInvalidState, id)
	}
	m.logJob(job, "info", "queued", "Retry requested")
	m.appendHistory(job.ID, "interpolation_retry_requested", nil)
	if err := m.enqueue(ctx, job, req); err != nil {
		return job, err
	}
	return job, nil
}

// RecoverStale returns running jobs that have not been updated within
// staleAfter to pending and re-enqueues them. Such jobs were held by a
// worker that died without settling them.
func (m *Manager) RecoverStale(ctx context.Context, staleAfter time.Duration) (int, error) {
	if m.store == nil {
		return 0, ErrNotConfigured
	}
	running, err := m.store.ListJobsByStatus(store.JobRunning, 0)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-staleAfter)
	recovered := 0
	for i := range running {
		job := &running[i]
		if job.UpdatedAt.After(cutoff) {
			continue
		}
		m.mu.Lock()
		_, local := m.running[job.ID]
		m.mu.Unlock()
		if local {
			continue
		}
		ok, err := m.store.TransitionJob(job.ID, store.JobRunning, store.JobPending)
		if err != nil {
			return recovered, err
		}
		if !ok {
			continue
		}
		job.Status = store.JobPending
		req, err := requestFromPayload(job.Payload)
		if err != nil {
			m.fail(job, err)
			continue
		}
		m.updateJob(job, store.JobPending, 0, "queued", "Recovered after worker loss")
		m.logJob(job, "warn", "queued", fmt.Sprintf("No progress since %s; returned to the queue", job.UpdatedAt.Format(time.RFC3339)))
		m.appendHistory(job.ID, "interpolation_recovered", map[string]interface{}{"attempt": job.Attempt})
		if err := m.enqueue(ctx, job, req); err != nil {
			logutil.Warn("job_recover_enqueue_failed", err, logutil.Fields{"jobId": job.ID})
			continue
		}
		recovered++
	}
	return recovered, nil
}

// Process claims a pending job and executes it synchronously (used by
// workers). A retryable failure with attempts left returns the job to
// pending and re-enqueues it.
func (m *Manager) Process(ctx context.Context, id string) error {
	if m.store == nil {
		return ErrNotConfigured
	}
	claimed, err := m.store.TransitionJob(id, store.JobPending, store.JobRunning)
	if err != nil {
		return err
	}
	if !claimed {
		return fmt.Errorf("%w: %s", ErrNotClaimable, id)
	}
	job, err := m.store.GetJob(id)
	if err != nil {
		return err
	}
	req, err := requestFromPayload(job.Payload)
	if err != nil {
		m.fail(job, err)
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	m.mu.Lock()
	m.running[id] = cancel
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.running, id)
		delete(m.cancelled, id)
		m.mu.Unlock()
	}()

	start := time.Now()
	finalStatus := "failed"
	defer func() {
		metrics.ObserveJobCompletion(job.Type, finalStatus, time.Since(start))
	}()

	job.Attempt++
	m.logJob(job, "info", "queued", fmt.Sprintf("Attempt %d/%d scheduled", job.Attempt, job.MaxAttempts))
	if !m.updateJob(job, store.JobRunning, 5, "queued", fmt.Sprintf("Attempt %d/%d started", job.Attempt, job.MaxAttempts)) {
		finalStatus = m.superseded(job)
		return nil
	}

	result, err := m.interpolate(ctx, job, req)
	if err == nil {
		job.Error = ""
		job.Result = result
		if !m.updateJob(job, store.JobDone, 100, "completed", "Interpolation complete") {
			finalStatus = m.superseded(job)
			return nil
		}
		finalStatus = "success"
		m.logJob(job, "info", "completed", fmt.Sprintf("Output published to %v", result["output_path"]))
		m.appendHistory(job.ID, "interpolation_completed", result)
		logutil.Info("job_completed", map[string]interface{}{
			"jobId":    job.ID,
			"output":   result["output_path"],
			"frames":   result["total_frames"],
			"duration": time.Since(start).String(),
		})
		return nil
	}

	finalStatus = m.settle(ctx, job, req, err)
	return err
}

// settle records a failed attempt and returns the metrics status label.
func (m *Manager) settle(ctx context.Context, job *store.Job, req Request, err error) string {
	if m.cancelRequested(job.ID) {
		job.Error = ""
		m.updateJob(job, store.JobCancelled, -1, "cancelled", "Cancelled by request")
		m.logJob(job, "warn", "cancelled", "Job stopped after cancellation")
		return "cancelled"
	}
	// Worker shutdown rather than user cancellation: give the attempt back.
	if errors.Is(err, context.Canceled) {
		job.Attempt--
		if !m.updateJob(job, store.JobPending, 0, "queued", "Interrupted by worker shutdown") {
			return m.superseded(job)
		}
		m.logJob(job, "warn", "queued", "Interrupted by worker shutdown; job returned to queue")
		return "interrupted"
	}
	if !errors.Is(err, ErrInvalidInput) && job.Attempt < job.MaxAttempts {
		job.Error = err.Error()
		if !m.updateJob(job, store.JobPending, 0, "queued", fmt.Sprintf("Attempt %d/%d failed; retrying", job.Attempt, job.MaxAttempts)) {
			return m.superseded(job)
		}
		m.logJob(job, "warn", "queued", fmt.Sprintf("Attempt %d failed: %v", job.Attempt, err))
		m.appendHistory(job.ID, "interpolation_retry_scheduled", map[string]interface{}{
			"attempt": job.Attempt,
			"error":   err.Error(),
		})
		logutil.Warn("job_retry_scheduled", err, map[string]interface{}{
			"jobId":   job.ID,
			"attempt": job.Attempt,
		})
		if m.queue != nil {
			enqueueCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if qErr := m.queue.Enqueue(enqueueCtx, job.ID, req); qErr != nil {
				log.Printf("jobs: failed to re-enqueue job %s: %v", job.ID, qErr)
			}
		}
		return "retrying"
	}
	if !m.fail(job, err) {
		return m.superseded(job)
	}
	return "failed"
}

func (m *Manager) fail(job *store.Job, err error) bool {
	job.Error = err.Error()
	if !m.updateJob(job, store.JobFailed, -1, "failed", err.Error()) {
		return false
	}
	m.appendHistory(job.ID, "interpolation_failed", map[string]interface{}{
		"error":   err.Error(),
		"attempt": job.Attempt,
	})
	m.logJob(job, "error", "failed", err.Error())
	logutil.Error("job_failed", err, map[string]interface{}{
		"jobId":   job.ID,
		"attempt": job.Attempt,
	})
	return true
}

func (m *Manager) cancelRequested(id string) bool {
	m.mu.Lock()
	local := m.cancelled[id]
	m.mu.Unlock()
	if local {
		return true
	}
	if m.store == nil {
		return false
	}
	job, err := m.store.GetJob(id)
	if err != nil {
		return false
	}
	return job.Status == store.JobCancelled
}

// updateJob applies the changes and persists them only while the stored row
// still has the status job carried in. It returns false when another writer
// (a cancel from the API, a stale-job recovery) got there first; job is then
// reloaded from the store.
func (m *Manager) updateJob(job *store.Job, status store.JobStatus, progress int, stage, message string) bool {
	expected := job.Status
	if status != "" {
		job.Status = status
	}
	if progress >= 0 {
		if progress > 100 {
			progress = 100
		}
		job.Progress = progress
	}
	if stage != "" {
		job.Stage = stage
	}
	if message != "" {
		job.Message = message
	}
	if m.store == nil {
		return true
	}
	ok, err := m.store.UpdateJobIf(job, expected)
	if err != nil {
		log.Printf("jobs: failed to update job %s: %v", job.ID, err)
		return true
	}
	if !ok {
		if current, err := m.store.GetJob(job.ID); err == nil {
			*job = *current
		}
		return false
	}
	m.emitJobEvent(job)
	return true
}

// superseded records that a concurrent writer settled the job and returns
// the metrics label for its current status.
func (m *Manager) superseded(job *store.Job) string {
	m.logJob(job, "warn", job.Stage, fmt.Sprintf("Job became %s while this worker held it; outcome not recorded", job.Status))
	logutil.Info("job_superseded", logutil.Fields{"jobId": job.ID, "status": string(job.Status)})
	return string(job.Status)
}

func (m *Manager) appendHistory(id, event string, meta map[string]interface{}) {
	if m.store == nil {
		return
	}
	_ = m.store.AppendHistory(&store.HistoryEntry{
		Event:    event,
		JobID:    id,
		Metadata: meta,
	})
}

func (m *Manager) emitJobEvent(job *store.Job) {
	if m.events == nil || job == nil {
		return
	}
	payload := *job
	timestamp := job.UpdatedAt
	if timestamp.IsZero() {
		timestamp = time.Now().UTC()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.events.Publish(ctx, events.Event{
		ID:        fmt.Sprintf("%s-%d", job.ID, timestamp.UnixNano()),
		Type:      fmt.Sprintf("job.%s", job.Status),
		Timestamp: timestamp,
		Data:      payload,
	}); err != nil {
		log.Printf("jobs: failed to publish event for job %s: %v", job.ID, err)
	}
}

func (m *Manager) logJob(job *store.Job, level, stage, message string) {
	if job == nil {
		return
	}
	if m.store == nil {
		log.Printf("[%s] %s: %s", level, stage, message)
		return
	}
	entry := store.JobLogEntry{
		Timestamp: time.Now().UTC(),
		Level:     level,
		Stage:     stage,
		Message:   message,
	}
	if err := m.store.AppendJobLog(job.ID, entry); err != nil {
		log.Printf("jobs: failed to append log for job %s: %v", job.ID, err)
		return
	}
	m.emitJobLogEvent(job.ID, entry)
}

func (m *Manager) emitJobLogEvent(jobID string, entry store.JobLogEntry) {
	if m.events == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.events.Publish(ctx, events.Event{
		ID:        fmt.Sprintf("%s-log-%d", jobID, entry.Timestamp.UnixNano()),
		Type:      "job.log",
		Timestamp: entry.Timestamp,
		Data: map[string]interface{}{
			"jobId": jobID,
			"log":   entry,
		},
	}); err != nil {
		log.Printf("jobs: failed to publish log event for job %s: %v", jobID, err)
	}
}
