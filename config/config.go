// Package config provides application configuration management.
package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server configuration
	ServerPort string
	APIToken   string

	// Interpolation engine
	RifeBin      string
	RifeModelDir string
	RifeGPUID    int
	RifeThreads  string
	RifeTTA      bool
	RifeUHD      bool
	DefaultModel string
	DefaultFPS   float64

	// Workspace + outputs
	EphemeralRoot string
	VolumeRoot    string
	OutputSink    string

	// MinIO output sink
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioUseSSL    bool
	MinioBucket    string
	MinioRegion    string

	// Build recipe
	RecipePath       string
	RecipeVariant    string
	BinarySHA256     string
	DownloadCacheDir string
	DownloadRetries  int

	// Persistence configuration
	StatePath       string
	DataStoreDriver string
	DataStoreDSN    string

	// Redis / events configuration
	RedisAddr        string
	RedisUsername    string
	RedisPassword    string
	RedisDB          int
	RedisTLSEnabled  bool
	RedisTLSInsecure bool
	EventsChannel    string
	RedisJobStream   string
	RedisJobGroup    string

	// Kubernetes GPU capacity check
	GPUCheckEnabled bool
	GPUResource     string
	Kubeconfig      string

	// Retention sweeps
	AutomationInterval time.Duration
	JobRetention       time.Duration
	HistoryRetention   time.Duration
	OutputRetention    time.Duration
	WorkspaceTTL       time.Duration

	// Worker
	WorkerConcurrency int
	JobTimeout        time.Duration
	MaxJobAttempts    int
	PollInterval      time.Duration
}

// Load loads configuration from environment variables with defaults.
func Load() *Config {
	statePath := getEnv("STATE_PATH", "/app/state")
	dataStoreDriver := getEnv("DATASTORE_DRIVER", "sqlite")
	dataStoreDSN := getEnv("DATASTORE_DSN", "")
	if dataStoreDSN == "" && dataStoreDriver == "postgres" {
		dataStoreDSN = os.Getenv("POSTGRES_DSN")
	}
	if dataStoreDSN == "" {
		dataStoreDSN = filepath.Join(statePath, "rife-worker.db")
	}
	rifeBin := getEnv("RIFE_BIN", "/app/rife-ncnn-vulkan")
	return &Config{
		ServerPort:         getEnv("SERVER_PORT", "8080"),
		APIToken:           os.Getenv("API_TOKEN"),
		RifeBin:            rifeBin,
		RifeModelDir:       getEnv("RIFE_MODEL_DIR", filepath.Dir(rifeBin)),
		RifeGPUID:          getEnvInt("RIFE_GPU_ID", 0),
		RifeThreads:        getEnv("RIFE_THREADS", "4:8:4"),
		RifeTTA:            getEnvBool("RIFE_TTA", true),
		RifeUHD:            getEnvBool("RIFE_UHD", false),
		DefaultModel:       getEnv("RIFE_DEFAULT_MODEL", "rife-v4.6"),
		DefaultFPS:         getEnvFloat("RIFE_DEFAULT_TARGET_FPS", 240),
		EphemeralRoot:      getEnv("EPHEMERAL_ROOT", os.TempDir()),
		VolumeRoot:         getEnv("VOLUME_ROOT", "/workspace/ComfyUI-Storage/rife-workflow"),
		OutputSink:         strings.ToLower(getEnv("OUTPUT_SINK", "volume")),
		MinioEndpoint:      getEnv("MINIO_ENDPOINT", ""),
		MinioAccessKey:     os.Getenv("MINIO_ACCESS_KEY"),
		MinioSecretKey:     os.Getenv("MINIO_SECRET_KEY"),
		MinioUseSSL:        getEnvBool("MINIO_USE_SSL", false),
		MinioBucket:        getEnv("MINIO_BUCKET", "rife-outputs"),
		MinioRegion:        getEnv("MINIO_REGION", ""),
		RecipePath:         getEnv("RECIPE_PATH", ""),
		RecipeVariant:      getEnv("RECIPE_VARIANT", "vulkan"),
		BinarySHA256:       getEnv("RIFE_BINARY_SHA256", ""),
		DownloadCacheDir:   getEnv("DOWNLOAD_CACHE_DIR", ""),
		DownloadRetries:    getEnvInt("DOWNLOAD_RETRIES", 5),
		StatePath:          statePath,
		DataStoreDriver:    dataStoreDriver,
		DataStoreDSN:       dataStoreDSN,
		RedisAddr:          getEnv("REDIS_ADDR", ""),
		RedisUsername:      getEnv("REDIS_USERNAME", ""),
		RedisPassword:      os.Getenv("REDIS_PASSWORD"),
		RedisDB:            getEnvInt("REDIS_DB", 0),
		RedisTLSEnabled:    getEnvBool("REDIS_TLS_ENABLED", false),
		RedisTLSInsecure:   getEnvBool("REDIS_TLS_INSECURE_SKIP_VERIFY", false),
		EventsChannel:      getEnv("EVENTS_CHANNEL", "rife-worker-events"),
		RedisJobStream:     getEnv("REDIS_JOB_STREAM", "rife-worker:jobs"),
		RedisJobGroup:      getEnv("REDIS_JOB_GROUP", "interpolation-workers"),
		GPUCheckEnabled:    getEnvBool("GPU_CHECK_ENABLED", false),
		GPUResource:        getEnv("GPU_RESOURCE", "nvidia.com/gpu"),
		Kubeconfig:         os.Getenv("KUBECONFIG"),
		AutomationInterval: getEnvDuration("AUTOMATION_INTERVAL", time.Hour),
		JobRetention:       getEnvDuration("JOB_RETENTION", 7*24*time.Hour),
		HistoryRetention:   getEnvDuration("HISTORY_RETENTION", 30*24*time.Hour),
		OutputRetention:    getEnvDuration("OUTPUT_RETENTION", 0),
		WorkspaceTTL:       getEnvDuration("WORKSPACE_TTL", 6*time.Hour),
		WorkerConcurrency:  getEnvInt("WORKER_CONCURRENCY", 1),
		JobTimeout:         getEnvDuration("JOB_TIMEOUT", 2*time.Hour),
		MaxJobAttempts:     getEnvInt("MAX_JOB_ATTEMPTS", 3),
		PollInterval:       getEnvDuration("WORKER_POLL_INTERVAL", 5*time.Second),
	}
}

// ErrBinaryMissing is returned by Validate when RifeBin cannot be used.
var ErrBinaryMissing = errors.New("interpolation binary unavailable")

// Validate checks the settings a worker needs before accepting jobs. The
// interpolation binary must exist, be a regular file and be executable.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if !filepath.IsAbs(c.RifeBin) {
		return fmt.Errorf("%w: RIFE_BIN must be absolute, got %q", ErrBinaryMissing, c.RifeBin)
	}
	info, err := os.Stat(c.RifeBin)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBinaryMissing, err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%w: %s is not a regular file", ErrBinaryMissing, c.RifeBin)
	}
	if info.Mode().Perm()&0o111 == 0 {
		return fmt.Errorf("%w: %s is not executable", ErrBinaryMissing, c.RifeBin)
	}
	if c.WorkerConcurrency < 1 {
		return fmt.Errorf("WORKER_CONCURRENCY must be >= 1, got %d", c.WorkerConcurrency)
	}
	switch c.OutputSink {
	case "volume", "":
	case "minio":
		if c.MinioEndpoint == "" {
			return errors.New("MINIO_ENDPOINT is required when OUTPUT_SINK=minio")
		}
	default:
		return fmt.Errorf("unsupported OUTPUT_SINK %q", c.OutputSink)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		log.Printf("Invalid duration for %s: %s, using default %s", key, value, defaultValue)
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
		log.Printf("Invalid float for %s: %s, using default %f", key, value, defaultValue)
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
		log.Printf("Invalid int for %s: %s, using default %d", key, value, defaultValue)
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(value) {
		case "1", "true", "yes", "y":
			return true
		case "0", "false", "no", "n":
			return false
		default:
			log.Printf("Invalid bool for %s: %s, using default %t", key, value, defaultValue)
		}
	}
	return defaultValue
}
