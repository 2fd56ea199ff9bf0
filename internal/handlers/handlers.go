// Package handlers provides HTTP request handlers for the interpolation API.
package handlers

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/oremus-labs/rife-worker/internal/events"
	"github.com/oremus-labs/rife-worker/internal/jobs"
	"github.com/oremus-labs/rife-worker/internal/recipe"
	"github.com/oremus-labs/rife-worker/internal/store"
	"github.com/oremus-labs/rife-worker/internal/workspace"
)

// Options configures handler runtime behavior.
type Options struct {
	Version         string
	HistoryLimit    int
	JobListLimit    int
	Recipe          *recipe.Recipe
	DefaultVariant  string
	DataStoreDriver string
	OutputSink      string
	QueueEnabled    bool
	// Storage reports usage of the output volume; nil for object sinks.
	Storage storageReporter
}

type jobService interface {
	Submit(context.Context, jobs.Request) (*store.Job, error)
	GetJob(string) (*store.Job, error)
	ListJobs(int) ([]store.Job, error)
	Logs(string) ([]store.JobLogEntry, error)
	Cancel(string) (*store.Job, error)
	Retry(context.Context, string) (*store.Job, error)
}

type historyStore interface {
	ListHistory(int) ([]store.HistoryEntry, error)
}

type eventSource interface {
	Subscribe(context.Context, string) (<-chan events.Event, func(), error)
}

type storageReporter interface {
	Stats() (*workspace.StorageStats, error)
}

type pinger interface {
	Ping() error
}

// Handler encapsulates dependencies for HTTP handlers.
type Handler struct {
	jobs    jobService
	history historyStore
	events  eventSource
	db      pinger
	opts    Options
}

// New creates a new Handler instance. Any dependency may be nil; the
// matching routes then answer 501.
func New(js jobService, history historyStore, bus eventSource, db pinger, opts Options) *Handler {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 100
	}
	if opts.JobListLimit <= 0 {
		opts.JobListLimit = 50
	}
	if opts.Recipe == nil {
		opts.Recipe = recipe.Default()
	}
	if opts.DefaultVariant == "" {
		opts.DefaultVariant = recipe.VariantVulkan
	}
	return &Handler{
		jobs:    js,
		history: history,
		events:  bus,
		db:      db,
		opts:    opts,
	}
}

// submitRequest accepts either a bare job document or one wrapped in
// {"input": {...}}.
type submitRequest struct {
	Input *jobs.Request `json:"input,omitempty"`
	jobs.Request
}

// Health returns the health status of the service.
func (h *Handler) Health(c *gin.Context) {
	resp := gin.H{
		"status":  "ok",
		"version": h.opts.Version,
		"sink":    h.opts.OutputSink,
		"queue":   h.opts.QueueEnabled,
	}
	if h.db != nil {
		if err := h.db.Ping(); err != nil {
			resp["status"] = "degraded"
			resp["datastore"] = err.Error()
			c.JSON(http.StatusServiceUnavailable, resp)
			return
		}
		resp["datastore"] = h.opts.DataStoreDriver
	}
	c.JSON(http.StatusOK, resp)
}

// SubmitJob validates and queues an interpolation job.
func (h *Handler) SubmitJob(c *gin.Context) {
	if h.jobs == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "job submission is disabled"})
		return
	}
	var body submitRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req := body.Request
	if body.Input != nil {
		req = *body.Input
	}

	job, err := h.jobs.Submit(c.Request.Context(), req)
	if err != nil {
		if job != nil {
			log.Printf("Job %s persisted but could not be queued: %v", job.ID, err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error(), "job": job})
			return
		}
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"status": "queued",
		"job":    job,
	})
}

// ListJobs returns recent jobs, optionally filtered by ?status=.
func (h *Handler) ListJobs(c *gin.Context) {
	if h.jobs == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "job store is disabled"})
		return
	}
	limit := queryInt(c, "limit", h.opts.JobListLimit)
	list, err := h.jobs.ListJobs(limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if status := c.Query("status"); status != "" {
		filtered := list[:0]
		for _, job := range list {
			if string(job.Status) == status {
				filtered = append(filtered, job)
			}
		}
		list = filtered
	}
	if list == nil {
		list = []store.Job{}
	}
	c.JSON(http.StatusOK, gin.H{"jobs": list})
}

// GetJob returns a single job.
func (h *Handler) GetJob(c *gin.Context) {
	if h.jobs == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "job store is disabled"})
		return
	}
	job, err := h.jobs.GetJob(c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// JobLogs returns the log lines recorded for a job.
func (h *Handler) JobLogs(c *gin.Context) {
	if h.jobs == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "job store is disabled"})
		return
	}
	logs, err := h.jobs.Logs(c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if logs == nil {
		logs = []store.JobLogEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"jobId": c.Param("id"), "logs": logs})
}

// CancelJob stops a pending or running job.
func (h *Handler) CancelJob(c *gin.Context) {
	if h.jobs == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "job store is disabled"})
		return
	}
	job, err := h.jobs.Cancel(c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// RetryJob re-queues a failed or cancelled job.
func (h *Handler) RetryJob(c *gin.Context) {
	if h.jobs == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "job store is disabled"})
		return
	}
	job, err := h.jobs.Retry(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, job)
}

// ListHistory returns recorded job history.
func (h *Handler) ListHistory(c *gin.Context) {
	if h.history == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "history is disabled"})
		return
	}
	entries, err := h.history.ListHistory(queryInt(c, "limit", h.opts.HistoryLimit))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if entries == nil {
		entries = []store.HistoryEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"events": entries})
}

// Storage reports disk usage of the output volume.
func (h *Handler) Storage(c *gin.Context) {
	if h.opts.Storage == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "storage stats are only available for the volume sink"})
		return
	}
	stats, err := h.opts.Storage.Stats()
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *Handler) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, jobs.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, jobs.ErrInvalidState):
		status = http.StatusConflict
	case errors.Is(err, jobs.ErrNotConfigured):
		status = http.StatusNotImplemented
	}
	if status == http.StatusInternalServerError {
		log.Printf("%s %s failed: %v", c.Request.Method, c.Request.URL.Path, err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func queryInt(c *gin.Context, key string, fallback int) int {
	raw := c.Query(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
