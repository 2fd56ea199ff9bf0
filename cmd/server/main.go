// Package main is the entry point for the interpolation API service.
package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/oremus-labs/rife-worker/config"
	"github.com/oremus-labs/rife-worker/internal/acquire"
	"github.com/oremus-labs/rife-worker/internal/api"
	"github.com/oremus-labs/rife-worker/internal/engine"
	"github.com/oremus-labs/rife-worker/internal/events"
	"github.com/oremus-labs/rife-worker/internal/graphqlapi"
	"github.com/oremus-labs/rife-worker/internal/handlers"
	"github.com/oremus-labs/rife-worker/internal/jobs"
	"github.com/oremus-labs/rife-worker/internal/logutil"
	"github.com/oremus-labs/rife-worker/internal/media"
	"github.com/oremus-labs/rife-worker/internal/output"
	"github.com/oremus-labs/rife-worker/internal/queue"
	"github.com/oremus-labs/rife-worker/internal/recipe"
	"github.com/oremus-labs/rife-worker/internal/redisx"
	"github.com/oremus-labs/rife-worker/internal/store"
	"github.com/oremus-labs/rife-worker/internal/worker"
	"github.com/oremus-labs/rife-worker/internal/workspace"
)

const (
	version         = "1.2.0-go"
	shutdownTimeout = 10 * time.Second
)

func main() {
	// Initialize logging
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Printf("Starting RIFE interpolation API v%s", version)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Load configuration
	cfg := config.Load()
	log.Printf("Configuration loaded - Datastore: %s, Sink: %s, Redis: %t",
		cfg.DataStoreDriver, cfg.OutputSink, cfg.RedisAddr != "")

	buildRecipe, err := recipe.LoadOrDefault(cfg.RecipePath)
	if err != nil {
		log.Fatalf("Failed to load build recipe: %v", err)
	}
	if err := buildRecipe.PinBinary(cfg.BinarySHA256); err != nil {
		log.Fatalf("Invalid RIFE_BINARY_SHA256: %v", err)
	}

	stateStore, err := store.Open(cfg.DataStoreDSN, cfg.DataStoreDriver)
	if err != nil {
		log.Fatalf("Failed to initialize state store: %v", err)
	}
	defer stateStore.Close()

	redisClient, err := redisx.NewClient(ctx, redisx.FromConfig(cfg))
	if err != nil {
		log.Fatalf("Failed to connect to redis: %v", err)
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
		EventPublisher: eventBus,
		WorkRoot:       cfg.EphemeralRoot,
		MaxJobAttempts: cfg.MaxJobAttempts,
		JobTimeout:     cfg.JobTimeout,
		DefaultModel:   cfg.DefaultModel,
		DefaultFPS:     cfg.DefaultFPS,
	}
	if redisClient != nil {
		jobOpts.Queue = queue.NewProducer(redisClient, cfg.RedisJobStream)
	}

	// Without Redis the API runs jobs itself when the engine is installed
	// locally; otherwise pending jobs wait for a polling worker on the same
	// datastore.
	embedded := false
	if redisClient == nil {
		if rife, err := engine.FromConfig(cfg); err != nil {
			log.Printf("Embedded worker disabled: %v", err)
		} else if sink, err := output.FromConfig(cfg); err != nil {
			log.Printf("Embedded worker disabled: %v", err)
		} else {
			jobOpts.Engine = rife
			jobOpts.Media = media.New()
			jobOpts.Sink = sink
			jobOpts.Fetcher = acquire.New(acquire.WithAttempts(cfg.DownloadRetries))
			embedded = true
		}
	}
	jobManager := jobs.New(jobOpts)

	var outputs *workspace.Manager
	handlerOpts := handlers.Options{
		Version:         version,
		HistoryLimit:    100,
		Recipe:          buildRecipe,
		DefaultVariant:  cfg.RecipeVariant,
		DataStoreDriver: cfg.DataStoreDriver,
		OutputSink:      cfg.OutputSink,
		QueueEnabled:    redisClient != nil,
	}
	if cfg.OutputSink == "" || cfg.OutputSink == "volume" {
		outputs = workspace.New(cfg.VolumeRoot)
		handlerOpts.Storage = outputs
	}

	h := handlers.New(jobManager, stateStore, eventBus, stateStore, handlerOpts)

	startAutomation(ctx, automationOptions{
		Store:      stateStore,
		Outputs:    outputs,
		Interval:   cfg.AutomationInterval,
		JobTTL:     cfg.JobRetention,
		HistoryTTL: cfg.HistoryRetention,
		OutputTTL:  cfg.OutputRetention,
	})

	var workerDone chan error
	if embedded {
		workerDone = make(chan error, 1)
		runner := worker.New(worker.Options{
			Store:       stateStore,
			Jobs:        jobManager,
			Logger:      log.Default(),
			Interval:    cfg.PollInterval,
			Concurrency: cfg.WorkerConcurrency,
		})
		go func() { workerDone <- runner.Run(ctx) }()
		log.Printf("Embedded worker polling every %s (concurrency %d)", cfg.PollInterval, cfg.WorkerConcurrency)
	}

	gqlCfg := graphqlapi.Config{
		Jobs:    jobManager,
		History: stateStore,
		Recipe:  buildRecipe,
	}
	if outputs != nil {
		gqlCfg.Storage = outputs
	}
	gqlHandler, err := graphqlapi.NewHandler(gqlCfg)
	if err != nil {
		log.Fatalf("Failed to build GraphQL schema: %v", err)
	}

	// Setup HTTP server
	server := api.NewServer(h, api.Options{APIToken: cfg.APIToken, GraphQLHandler: gqlHandler})
	srv, serveErrs := server.Start(":" + cfg.ServerPort)
	logutil.Info("server_listening", logutil.Fields{
		"version":  version,
		"port":     cfg.ServerPort,
		"embedded": embedded,
		"auth":     cfg.APIToken != "",
	})

	select {
	case <-ctx.Done():
	case err := <-serveErrs:
		if err != nil {
			log.Printf("Server failed: %v", err)
		}
		stop()
	}
	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}
	if workerDone != nil {
		select {
		case <-workerDone:
		case <-shutdownCtx.Done():
			log.Println("Embedded worker did not stop before the shutdown deadline")
		}
	}

	log.Println("Server stopped")
}
