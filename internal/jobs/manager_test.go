package jobs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/oremus-labs/rife-worker/internal/engine"
	"github.com/oremus-labs/rife-worker/internal/media"
	"github.com/oremus-labs/rife-worker/internal/output"
	"github.com/oremus-labs/rife-worker/internal/store"
)

type fakeMedia struct {
	info media.VideoInfo

	mu            sync.Mutex
	encodedFrames int
	audioSource   string
}

func (f *fakeMedia) Probe(ctx context.Context, path string) (*media.VideoInfo, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	info := f.info
	return &info, nil
}

func (f *fakeMedia) Deduplicate(ctx context.Context, input, out string) error {
	return copyFile(input, out)
}

func (f *fakeMedia) ExtractFrames(ctx context.Context, video, dir string) (int, error) {
	if err := writeFrames(dir, f.info.Frames); err != nil {
		return 0, err
	}
	return f.info.Frames, nil
}

func (f *fakeMedia) Encode(ctx context.Context, req media.EncodeRequest) error {
	frames, err := media.ListFrames(req.FramesDir)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.encodedFrames = len(frames)
	f.audioSource = req.AudioSource
	f.mu.Unlock()
	return os.WriteFile(req.Output, []byte("video"), 0o644)
}

type fakeInterpolator struct {
	err   error
	block bool

	mu      sync.Mutex
	calls   int
	targets []int
	started chan struct{}
}

func (f *fakeInterpolator) Interpolate(ctx context.Context, a, b string, factor int, outDir string) ([]string, error) {
	return nil, errors.New("not used")
}

func (f *fakeInterpolator) InterpolateDir(ctx context.Context, req engine.DirRequest) error {
	f.mu.Lock()
	f.calls++
	f.targets = append(f.targets, req.TargetFrames)
	f.mu.Unlock()
	if f.block {
		if f.started != nil {
			close(f.started)
		}
		<-ctx.Done()
		return ctx.Err()
	}
	if f.err != nil {
		return f.err
	}
	return writeFrames(req.OutputDir, req.TargetFrames)
}

type fakeFetcher struct {
	urls []string
}

func (f *fakeFetcher) Download(ctx context.Context, url, dest string) (string, error) {
	f.urls = append(f.urls, url)
	return "digest", os.WriteFile(dest, []byte("remote"), 0o644)
}

type fakeQueue struct {
	mu  sync.Mutex
	ids []string
}

func (q *fakeQueue) Enqueue(ctx context.Context, jobID string, req Request) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ids = append(q.ids, jobID)
	return nil
}

func writeFrames(dir string, n int) error {
	for i := 1; i <= n; i++ {
		if err := os.WriteFile(filepath.Join(dir, fmt.Sprintf(media.FramePattern, i)), []byte{byte(i)}, 0o644); err != nil {
			return err
		}
	}
	return nil
}

type testEnv struct {
	store     *store.Store
	media     *fakeMedia
	engine    *fakeInterpolator
	queue     *fakeQueue
	workRoot  string
	volume    string
	inputPath string
	manager   *Manager
}

func newTestEnv(t *testing.T, interp *fakeInterpolator, maxAttempts int) *testEnv {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "state.db"), "sqlite")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	input := filepath.Join(t.TempDir(), "clip.mp4")
	if err := os.WriteFile(input, []byte("source"), 0o644); err != nil {
		t.Fatalf("write input: %v", err)
	}
	env := &testEnv{
		store:     s,
		media:     &fakeMedia{info: media.VideoInfo{FPS: 30, Frames: 10}},
		engine:    interp,
		queue:     &fakeQueue{},
		workRoot:  t.TempDir(),
		volume:    t.TempDir(),
		inputPath: input,
	}
	env.manager = New(Options{
		Store:          s,
		Media:          env.media,
		Engine:         interp,
		Sink:           output.NewVolumeSink(env.volume),
		Fetcher:        &fakeFetcher{},
		Queue:          env.queue,
		WorkRoot:       env.workRoot,
		MaxJobAttempts: maxAttempts,
		JobTimeout:     time.Minute,
	})
	return env
}

func TestProcessSuccess(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, &fakeInterpolator{}, 3)
	job, err := env.manager.Submit(context.Background(), Request{VideoPath: env.inputPath})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if len(env.queue.ids) != 1 || env.queue.ids[0] != job.ID {
		t.Fatalf("expected job to be enqueued, got %v", env.queue.ids)
	}

	if err := env.manager.Process(context.Background(), job.ID); err != nil {
		t.Fatalf("Process: %v", err)
	}

	stored, err := env.store.GetJob(job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if stored.Status != store.JobDone || stored.Progress != 100 || stored.Attempt != 1 {
		t.Fatalf("unexpected job state: %+v", stored)
	}

	want := filepath.Join(env.volume, "job_"+job.ID, "output_240fps_"+job.ID+".mp4")
	if stored.Result["output_path"] != want {
		t.Fatalf("output_path %v want %s", stored.Result["output_path"], want)
	}
	if _, err := os.Stat(want); err != nil {
		t.Fatalf("expected published output: %v", err)
	}
	// 30 fps x 10 frames to 240 fps: multiplier 8, 73 generated, 80 total.
	checks := map[string]float64{
		"multiplier":       8,
		"frames_generated": 73,
		"total_frames":     80,
		"original_frames":  10,
		"original_fps":     30,
		"target_fps":       240,
	}
	for key, value := range checks {
		if got, ok := stored.Result[key].(float64); !ok || got != value {
			t.Fatalf("result[%s] = %v want %v", key, stored.Result[key], value)
		}
	}
	if env.engine.targets[0] != 73 {
		t.Fatalf("engine target frames %d want 73", env.engine.targets[0])
	}
	if env.media.encodedFrames != 80 {
		t.Fatalf("encoded %d frames want 80 after padding", env.media.encodedFrames)
	}
	if filepath.Base(env.media.audioSource) != "input.mp4" {
		t.Fatalf("audio should come from the original input, got %s", env.media.audioSource)
	}

	if _, err := os.Stat(filepath.Join(env.workRoot, "job_"+job.ID)); !os.IsNotExist(err) {
		t.Fatalf("workspace should be removed, stat err=%v", err)
	}

	logs, err := env.manager.Logs(job.ID)
	if err != nil || len(logs) == 0 {
		t.Fatalf("expected job logs, got %d err=%v", len(logs), err)
	}
	history, err := env.store.ListHistory(5)
	if err != nil || len(history) == 0 || history[0].Event != "interpolation_completed" {
		t.Fatalf("expected completion history, got %+v err=%v", history, err)
	}
}

func TestProcessMissingVideoPathFailsWithoutRetry(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, &fakeInterpolator{}, 3)
	job, err := env.manager.Submit(context.Background(), Request{VideoPath: "/does/not/exist.mp4"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	err = env.manager.Process(context.Background(), job.ID)
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	stored, _ := env.store.GetJob(job.ID)
	if stored.Status != store.JobFailed || stored.Attempt != 1 {
		t.Fatalf("expected failed after one attempt, got %+v", stored)
	}
	if env.engine.calls != 0 {
		t.Fatalf("engine should not run for invalid input")
	}
	if _, err := os.Stat(filepath.Join(env.workRoot, "job_"+job.ID)); !os.IsNotExist(err) {
		t.Fatalf("workspace should be removed on failure")
	}
}

func TestProcessRetriesTransientFailure(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, &fakeInterpolator{err: errors.New("vulkan device lost")}, 2)
	job, err := env.manager.Submit(context.Background(), Request{VideoPath: env.inputPath})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if err := env.manager.Process(context.Background(), job.ID); err == nil {
		t.Fatalf("expected first attempt to fail")
	}
	stored, _ := env.store.GetJob(job.ID)
	if stored.Status != store.JobPending || stored.Attempt != 1 || stored.Error == "" {
		t.Fatalf("expected job back in pending with error, got %+v", stored)
	}
	if len(env.queue.ids) != 2 {
		t.Fatalf("expected job to be re-enqueued, got %v", env.queue.ids)
	}

	if err := env.manager.Process(context.Background(), job.ID); err == nil {
		t.Fatalf("expected second attempt to fail")
	}
	stored, _ = env.store.GetJob(job.ID)
	if stored.Status != store.JobFailed || stored.Attempt != 2 {
		t.Fatalf("expected failed after exhausting attempts, got %+v", stored)
	}
}

func TestCancelPendingJob(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, &fakeInterpolator{}, 1)
	job, err := env.manager.Submit(context.Background(), Request{VideoPath: env.inputPath})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	cancelled, err := env.manager.Cancel(job.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if cancelled.Status != store.JobCancelled {
		t.Fatalf("expected cancelled, got %s", cancelled.Status)
	}
	if err := env.manager.Process(context.Background(), job.ID); !errors.Is(err, ErrNotClaimable) {
		t.Fatalf("expected ErrNotClaimable, got %v", err)
	}
	if _, err := env.manager.Cancel(job.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState for second cancel, got %v", err)
	}
}

func TestCancelRunningJob(t *testing.T) {
	t.Parallel()

	interp := &fakeInterpolator{block: true, started: make(chan struct{})}
	env := newTestEnv(t, interp, 3)
	job, err := env.manager.Submit(context.Background(), Request{VideoPath: env.inputPath})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- env.manager.Process(context.Background(), job.ID)
	}()

	select {
	case <-interp.started:
	case <-time.After(5 * time.Second):
		t.Fatalf("interpolation never started")
	}
	if _, err := env.manager.Cancel(job.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("expected cancelled job to return an error")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("job did not stop after cancel")
	}
	stored, _ := env.store.GetJob(job.ID)
	if stored.Status != store.JobCancelled {
		t.Fatalf("expected cancelled status, got %s", stored.Status)
	}
	if _, err := os.Stat(filepath.Join(env.workRoot, "job_"+job.ID)); !os.IsNotExist(err) {
		t.Fatalf("workspace should be removed after cancel")
	}
}

func TestRetryFailedJob(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, &fakeInterpolator{err: errors.New("boom")}, 1)
	job, err := env.manager.Submit(context.Background(), Request{VideoPath: env.inputPath})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	_ = env.manager.Process(context.Background(), job.ID)

	if _, err := env.manager.Retry(context.Background(), "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	env.engine.err = nil
	retried, err := env.manager.Retry(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if retried.Status != store.JobPending || retried.Attempt != 0 || retried.Error != "" {
		t.Fatalf("unexpected retried job: %+v", retried)
	}
	if err := env.manager.Process(context.Background(), job.ID); err != nil {
		t.Fatalf("Process after retry: %v", err)
	}
	stored, _ := env.store.GetJob(job.ID)
	if stored.Status != store.JobDone {
		t.Fatalf("expected completed after retry, got %s", stored.Status)
	}
	if _, err := env.manager.Retry(context.Background(), job.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("completed jobs cannot be retried, got %v", err)
	}
}

func TestSubmitRejectsMissingInput(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, &fakeInterpolator{}, 1)
	if _, err := env.manager.Submit(context.Background(), Request{}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestRunDownloadsURLWithoutStore(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{}
	volume := t.TempDir()
	m := New(Options{
		Media:    &fakeMedia{info: media.VideoInfo{FPS: 24, Frames: 5}},
		Engine:   &fakeInterpolator{},
		Sink:     output.NewVolumeSink(volume),
		Fetcher:  fetcher,
		WorkRoot: t.TempDir(),
	})
	result, err := m.Run(context.Background(), "local", Request{
		VideoURL:       "https://cdn.example.com/clip.mp4",
		TargetFPS:      48,
		OutputFilename: "smooth.mp4",
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(fetcher.urls) != 1 || fetcher.urls[0] != "https://cdn.example.com/clip.mp4" {
		t.Fatalf("unexpected downloads: %v", fetcher.urls)
	}
	if result["output_path"] != filepath.Join(volume, "job_local", "smooth.mp4") {
		t.Fatalf("unexpected output path %v", result["output_path"])
	}
	if result["multiplier"] != 2 || result["frames_generated"] != 9 || result["total_frames"] != 10 {
		t.Fatalf("unexpected plan in result: %+v", result)
	}
}

func TestRecoverStaleRequeuesAbandonedJobs(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, &fakeInterpolator{}, 3)
	ctx := context.Background()
	job, err := env.manager.Submit(ctx, Request{VideoPath: env.inputPath})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if ok, err := env.store.TransitionJob(job.ID, store.JobPending, store.JobRunning); err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}

	if n, err := env.manager.RecoverStale(ctx, time.Hour); err != nil || n != 0 {
		t.Fatalf("fresh running job must be left alone: n=%d err=%v", n, err)
	}

	time.Sleep(5 * time.Millisecond)
	n, err := env.manager.RecoverStale(ctx, time.Millisecond)
	if err != nil {
		t.Fatalf("RecoverStale: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 recovered job, got %d", n)
	}
	stored, err := env.store.GetJob(job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if stored.Status != store.JobPending {
		t.Fatalf("expected pending after recovery, got %s", stored.Status)
	}
	env.queue.mu.Lock()
	defer env.queue.mu.Unlock()
	if len(env.queue.ids) != 2 || env.queue.ids[1] != job.ID {
		t.Fatalf("expected job re-enqueued, got %v", env.queue.ids)
	}
}

type gatedSink struct {
	entered chan struct{}
	release chan struct{}
}

func (s *gatedSink) Publish(ctx context.Context, jobID, localPath, filename string) (string, error) {
	close(s.entered)
	<-s.release
	return "s3://outputs/job_" + jobID + "/" + filename, nil
}

func TestCancelFromAnotherProcessDuringPublishWins(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, &fakeInterpolator{}, 3)
	sink := &gatedSink{entered: make(chan struct{}), release: make(chan struct{})}
	worker := New(Options{
		Store:          env.store,
		Media:          env.media,
		Engine:         env.engine,
		Sink:           sink,
		WorkRoot:       env.workRoot,
		MaxJobAttempts: 3,
		JobTimeout:     time.Minute,
	})
	api := New(Options{Store: env.store, Queue: env.queue, MaxJobAttempts: 3})

	job, err := api.Submit(context.Background(), Request{VideoPath: env.inputPath})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- worker.Process(context.Background(), job.ID) }()

	select {
	case <-sink.entered:
	case <-time.After(5 * time.Second):
		t.Fatalf("publish never started")
	}
	cancelled, err := api.Cancel(job.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if cancelled.Status != store.JobCancelled {
		t.Fatalf("expected cancelled from Cancel, got %s", cancelled.Status)
	}
	close(sink.release)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Process: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Process did not return")
	}
	stored, err := env.store.GetJob(job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if stored.Status != store.JobCancelled || stored.Stage != "cancelled" {
		t.Fatalf("cancel must not be overwritten, got status=%s stage=%s", stored.Status, stored.Stage)
	}
	history, err := env.store.ListHistory(10)
	if err != nil {
		t.Fatalf("ListHistory: %v", err)
	}
	for _, entry := range history {
		if entry.Event == "interpolation_completed" {
			t.Fatalf("completion recorded for a cancelled job")
		}
	}
}

func TestRetryFailureAfterRemoteCancelStaysCancelled(t *testing.T) {
	t.Parallel()

	interp := &fakeInterpolator{block: true, started: make(chan struct{})}
	env := newTestEnv(t, interp, 3)
	api := New(Options{Store: env.store, MaxJobAttempts: 3})
	job, err := env.manager.Submit(context.Background(), Request{VideoPath: env.inputPath})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	ctx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.manager.Process(ctx, job.ID) }()
	select {
	case <-interp.started:
	case <-time.After(5 * time.Second):
		t.Fatalf("interpolation never started")
	}
	if _, err := api.Cancel(job.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	// Worker shutdown after the remote cancel must not requeue the job.
	stop()
	<-done

	stored, _ := env.store.GetJob(job.ID)
	if stored.Status != store.JobCancelled {
		t.Fatalf("expected cancelled, got %s", stored.Status)
	}
}
