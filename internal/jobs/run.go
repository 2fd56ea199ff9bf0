package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/oremus-labs/rife-worker/internal/engine"
	"github.com/oremus-labs/rife-worker/internal/logutil"
	"github.com/oremus-labs/rife-worker/internal/media"
	"github.com/oremus-labs/rife-worker/internal/metrics"
	"github.com/oremus-labs/rife-worker/internal/output"
	"github.com/oremus-labs/rife-worker/internal/store"
)

// Stage progress markers.
const (
	stageFetching      = "fetching"
	stageProbing       = "probing"
	stageDeduplicating = "deduplicating"
	stageExtracting    = "extracting"
	stageInterpolating = "interpolating"
	stagePadding       = "padding"
	stageEncoding      = "encoding"
	stagePublishing    = "publishing"
)

var stageProgress = map[string]int{
	stageFetching:      10,
	stageProbing:       20,
	stageDeduplicating: 30,
	stageExtracting:    40,
	stageInterpolating: 50,
	stagePadding:       80,
	stageEncoding:      90,
	stagePublishing:    95,
}

var errCancelled = errors.New("job cancelled")

// Run executes a request outside the datastore, for one-off local renders.
// jobID names the workspace and default output file.
func (m *Manager) Run(ctx context.Context, jobID string, req Request) (map[string]interface{}, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	req = req.withDefaults(m.model, m.fps)
	job := &store.Job{ID: jobID, Type: JobType, Status: store.JobRunning, Attempt: 1, MaxAttempts: 1}
	return m.interpolate(ctx, job, req)
}

// interpolate runs fetch, probe, dedupe, extract, interpolate, pad, encode
// and publish inside an ephemeral workspace that is always removed.
func (m *Manager) interpolate(ctx context.Context, job *store.Job, req Request) (map[string]interface{}, error) {
	if m.media == nil || m.engine == nil || m.sink == nil {
		return nil, ErrNotConfigured
	}
	if v, ok := m.engine.(modelValidator); ok {
		if err := v.ValidModel(req.Model); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
	}

	workspace := filepath.Join(m.workRoot, output.JobPrefix(job.ID))
	inputFrames := filepath.Join(workspace, "input_frames")
	outputFrames := filepath.Join(workspace, "output_frames")
	defer m.cleanup(job, workspace)
	for _, dir := range []string{inputFrames, outputFrames} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("prepare workspace: %w", err)
		}
	}

	input := filepath.Join(workspace, "input.mp4")
	if err := m.step(ctx, job, stageFetching, "Fetching input video", func() error {
		return m.fetchInput(ctx, req, input)
	}); err != nil {
		return nil, err
	}

	var info *media.VideoInfo
	if err := m.step(ctx, job, stageProbing, "Probing frame rate and frame count", func() error {
		var err error
		info, err = m.media.Probe(ctx, input)
		return err
	}); err != nil {
		return nil, err
	}
	plan, err := media.PlanInterpolation(info.FPS, info.Frames, req.TargetFPS)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	m.logJob(job, "info", stageProbing, fmt.Sprintf(
		"Source %s fps / %d frames; multiplier %dx; generating %d frames; final %d frames; padding %d",
		FormatFPS(info.FPS), info.Frames, plan.Multiplier, plan.FramesToGenerate, plan.TotalFrames, plan.FramesToPad,
	))

	deduped := filepath.Join(workspace, "input-deduped.mp4")
	if err := m.step(ctx, job, stageDeduplicating, "Removing duplicate frames", func() error {
		return m.media.Deduplicate(ctx, input, deduped)
	}); err != nil {
		return nil, err
	}

	if err := m.step(ctx, job, stageExtracting, "Extracting frames", func() error {
		n, err := m.media.ExtractFrames(ctx, deduped, inputFrames)
		if err == nil {
			m.logJob(job, "info", stageExtracting, fmt.Sprintf("Extracted %d frames", n))
		}
		return err
	}); err != nil {
		return nil, err
	}

	if err := m.step(ctx, job, stageInterpolating, fmt.Sprintf("Interpolating to %d frames with %s", plan.FramesToGenerate, req.Model), func() error {
		return m.engine.InterpolateDir(ctx, engine.DirRequest{
			InputDir:     inputFrames,
			OutputDir:    outputFrames,
			Model:        req.Model,
			TargetFrames: plan.FramesToGenerate,
		})
	}); err != nil {
		return nil, err
	}
	metrics.AddFramesGenerated(plan.FramesToGenerate)

	padMessage := "No padding needed"
	if plan.FramesToPad > 0 {
		padMessage = fmt.Sprintf("Padding %d hold frames", plan.FramesToPad)
	}
	if err := m.step(ctx, job, stagePadding, padMessage, func() error {
		return media.PadFrames(outputFrames, plan.FramesToPad)
	}); err != nil {
		return nil, err
	}

	filename := req.OutputName(job.ID)
	rendered := filepath.Join(workspace, filename)
	if err := m.step(ctx, job, stageEncoding, fmt.Sprintf("Encoding %s at %s fps", filename, FormatFPS(req.TargetFPS)), func() error {
		return m.media.Encode(ctx, media.EncodeRequest{
			FramesDir:   outputFrames,
			FPS:         req.TargetFPS,
			AudioSource: input,
			Output:      rendered,
		})
	}); err != nil {
		return nil, err
	}

	var location string
	if err := m.step(ctx, job, stagePublishing, "Publishing output", func() error {
		var err error
		location, err = m.sink.Publish(ctx, job.ID, rendered, filename)
		return err
	}); err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"status":           "success",
		"output_path":      location,
		"job_id":           job.ID,
		"original_fps":     info.FPS,
		"original_frames":  info.Frames,
		"target_fps":       req.TargetFPS,
		"multiplier":       plan.Multiplier,
		"frames_generated": plan.FramesToGenerate,
		"total_frames":     plan.TotalFrames,
	}, nil
}

// step records the stage, runs fn and times it. Failures are wrapped with
// the stage name.
func (m *Manager) step(ctx context.Context, job *store.Job, stage, message string, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.store != nil && (job.Status != store.JobRunning || m.cancelRequested(job.ID)) {
		return errCancelled
	}
	if !m.updateJob(job, "", stageProgress[stage], stage, message) {
		return errCancelled
	}
	m.logJob(job, "info", stage, message)

	start := time.Now()
	err := fn()
	metrics.ObservePipelineStep(stage, err == nil, time.Since(start))
	if err != nil {
		return fmt.Errorf("%s: %w", stage, err)
	}
	return nil
}

func (m *Manager) fetchInput(ctx context.Context, req Request, dest string) error {
	if req.VideoURL != "" {
		if m.fetcher == nil {
			return errors.New("no downloader configured for video_url inputs")
		}
		_, err := m.fetcher.Download(ctx, req.VideoURL, dest)
		return err
	}
	info, err := os.Stat(req.VideoPath)
	if err != nil || info.IsDir() {
		return fmt.Errorf("%w: provided video_path does not exist: %s", ErrInvalidInput, req.VideoPath)
	}
	return copyFile(req.VideoPath, dest)
}

func (m *Manager) cleanup(job *store.Job, workspace string) {
	if err := os.RemoveAll(workspace); err != nil {
		logutil.Warn("workspace_cleanup_failed", err, map[string]interface{}{
			"jobId":     job.ID,
			"workspace": workspace,
		})
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
