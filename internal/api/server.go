package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/oremus-labs/rife-worker/internal/handlers"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Options configures the HTTP server wiring.
type Options struct {
	APIToken       string
	GraphQLHandler http.Handler
}

// Server wraps the Gin engine and associated configuration.
type Server struct {
	engine *gin.Engine
}

// NewServer constructs a Server with all HTTP routes configured. Reads are
// open; routes that create or change jobs require the API token when one is
// configured.
func NewServer(handler *handlers.Handler, opts Options) *Server {
	gin.SetMode(gin.ReleaseMode)

	engine := gin.New()
	engine.Use(gin.Recovery(), tagRequest(), observeRequest())

	// Health + meta
	engine.GET("/healthz", handler.Health)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	engine.GET("/events", handler.StreamEvents)
	engine.GET("/openapi", handler.OpenAPISpec)

	// Build recipe
	engine.GET("/recipe/dockerfile", handler.RecipeDockerfile)
	engine.GET("/recipe/variants", handler.RecipeVariants)

	// Jobs
	engine.GET("/jobs", handler.ListJobs)
	engine.GET("/jobs/:id", handler.GetJob)
	engine.GET("/jobs/:id/logs", handler.JobLogs)
	engine.GET("/history", handler.ListHistory)
	engine.GET("/storage", handler.Storage)

	if opts.GraphQLHandler != nil {
		engine.GET("/graphql", gin.WrapH(opts.GraphQLHandler))
		engine.POST("/graphql", gin.WrapH(opts.GraphQLHandler))
	}

	protected := engine.Group("/")
	protected.Use(requireToken(opts.APIToken))

	protected.POST("/jobs", handler.SubmitJob)
	protected.POST("/jobs/:id/cancel", handler.CancelJob)
	protected.POST("/jobs/:id/retry", handler.RetryJob)

	return &Server{engine: engine}
}

// Engine exposes the underlying Gin engine for advanced use (testing, etc.).
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Start launches the HTTP server on the provided address. Serve errors are
// delivered on the returned channel.
func (s *Server) Start(addr string) (*http.Server, <-chan error) {
	srv := &http.Server{
		Addr:        addr,
		Handler:     s.engine,
		ReadTimeout: 15 * time.Second,
		// No write timeout: /events streams indefinitely.
		IdleTimeout: 60 * time.Second,
	}
	errs := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errs <- err
		}
		close(errs)
	}()
	return srv, errs
}
