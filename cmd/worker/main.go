// Package main bootstraps the worker that executes queued interpolation jobs.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/oremus-labs/rife-worker/config"
	"github.com/oremus-labs/rife-worker/internal/acquire"
	"github.com/oremus-labs/rife-worker/internal/engine"
	"github.com/oremus-labs/rife-worker/internal/events"
	"github.com/oremus-labs/rife-worker/internal/jobs"
	"github.com/oremus-labs/rife-worker/internal/kube"
	"github.com/oremus-labs/rife-worker/internal/logutil"
	"github.com/oremus-labs/rife-worker/internal/media"
	"github.com/oremus-labs/rife-worker/internal/output"
	"github.com/oremus-labs/rife-worker/internal/queue"
	"github.com/oremus-labs/rife-worker/internal/redisx"
	"github.com/oremus-labs/rife-worker/internal/store"
	"github.com/oremus-labs/rife-worker/internal/verify"
	"github.com/oremus-labs/rife-worker/internal/worker"
	"github.com/oremus-labs/rife-worker/internal/workspace"
)

const workerVersion = "1.2.0-go"

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Printf("Starting RIFE interpolation worker v%s", workerVersion)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg := config.Load()
	logutil.Info("worker_bootstrap", map[string]interface{}{
		"version":        workerVersion,
		"rifeBin":        cfg.RifeBin,
		"sink":           cfg.OutputSink,
		"concurrency":    cfg.WorkerConcurrency,
		"redisAddr":      cfg.RedisAddr,
		"redisJobStream": cfg.RedisJobStream,
		"redisJobGroup":  cfg.RedisJobGroup,
	})

	rife, err := engine.FromConfig(cfg)
	if err != nil {
		log.Fatalf("worker: %v", err)
	}
	sink, err := output.FromConfig(cfg)
	if err != nil {
		log.Fatalf("worker: failed to configure output sink: %v", err)
	}
	if ms, ok := sink.(*output.MinioSink); ok {
		if err := ms.EnsureBucket(ctx); err != nil {
			log.Fatalf("worker: %v", err)
		}
	}

	if cfg.GPUCheckEnabled {
		checkGPU(ctx, cfg)
	}

	stateStore, err := store.Open(cfg.DataStoreDSN, cfg.DataStoreDriver)
	if err != nil {
		log.Fatalf("worker: failed to open datastore: %v", err)
	}
	defer stateStore.Close()

	redisClient, err := redisx.NewClient(ctx, redisx.FromConfig(cfg))
	if err != nil {
		log.Fatalf("worker: failed to connect to redis: %v", err)
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	eventBus := events.NewBus(events.Options{
		Client:  redisClient,
		Logger:  log.Default(),
		Channel: cfg.EventsChannel,
	})
	defer eventBus.Close()

	jobOpts := jobs.Options{
		Store:          stateStore,
		Media:          media.New(),
		Engine:         rife,
		Sink:           sink,
		Fetcher:        acquire.New(acquire.WithAttempts(cfg.DownloadRetries)),
		EventPublisher: eventBus,
		WorkRoot:       cfg.EphemeralRoot,
		MaxJobAttempts: cfg.MaxJobAttempts,
		JobTimeout:     cfg.JobTimeout,
		DefaultModel:   cfg.DefaultModel,
		DefaultFPS:     cfg.DefaultFPS,
	}

	var jobConsumer worker.Source
	if redisClient != nil {
		jobOpts.Queue = queue.NewProducer(redisClient, cfg.RedisJobStream)
		host, _ := os.Hostname()
		consumerName := fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
		jobConsumer = queue.NewConsumer(redisClient, cfg.RedisJobStream, cfg.RedisJobGroup, consumerName)
	}
	jobManager := jobs.New(jobOpts)

	startJanitor(ctx, janitorOptions{
		Jobs:         jobManager,
		Workspaces:   workspace.New(cfg.EphemeralRoot),
		Interval:     cfg.AutomationInterval,
		WorkspaceTTL: cfg.WorkspaceTTL,
		StaleAfter:   cfg.JobTimeout + 5*time.Minute,
	})

	runner := worker.New(worker.Options{
		Store:       stateStore,
		Jobs:        jobManager,
		Logger:      log.Default(),
		Interval:    cfg.PollInterval,
		Concurrency: cfg.WorkerConcurrency,
		ReclaimIdle: cfg.JobTimeout + 5*time.Minute,
		Queue:       jobConsumer,
	})

	if err := runner.Run(ctx); err != nil && err != context.Canceled {
		log.Printf("worker stopped: %v", err)
		os.Exit(1)
	}
	log.Println("worker exited cleanly")
}

// checkGPU logs whether the cluster advertises GPU capacity. It never
// blocks startup: the engine itself fails jobs when no device is usable.
func checkGPU(ctx context.Context, cfg *config.Config) {
	client, err := kube.NewClientset(cfg.Kubeconfig)
	if err != nil {
		logutil.Warn("gpu_check_skipped", err, nil)
		return
	}
	res := verify.New(verify.Options{KubernetesClient: client, GPUResource: cfg.GPUResource}).CheckGPU(ctx)
	fields := logutil.Fields{"status": res.Status, "message": res.Message}
	for k, v := range res.Metadata {
		fields[k] = v
	}
	if res.Status == verify.StatusPass {
		logutil.Info("gpu_check", fields)
		return
	}
	logutil.Warn("gpu_check", nil, fields)
}
