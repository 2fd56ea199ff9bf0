// Package acquire downloads, verifies and installs the pinned interpolation
// binary release into the application directory.
package acquire

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	back "github.com/cenkalti/backoff/v4"

	"github.com/oremus-labs/rife-worker/internal/logutil"
	"github.com/oremus-labs/rife-worker/internal/metrics"
	"github.com/oremus-labs/rife-worker/internal/recipe"
)

var (
	// ErrChecksumMismatch means the downloaded archive does not match the pinned digest.
	ErrChecksumMismatch = errors.New("archive checksum mismatch")
	// ErrLayoutChanged means the archive no longer contains the expected directory or binary.
	ErrLayoutChanged = errors.New("archive layout changed")
	// ErrChecksumRequired is returned when a digest is mandatory but the source has none.
	ErrChecksumRequired = errors.New("binary source has no sha256 digest")
)

const (
	defaultAttempts = 5
	backoffInterval = time.Second
	backoffMax      = 30 * time.Second
)

// Manager acquires the binary archive.
type Manager struct {
	cacheDir        string
	client          *http.Client
	attempts        int
	initialInterval time.Duration
	maxInterval     time.Duration
}

// Option configures a Manager at construction.
type Option func(*Manager)

// WithHTTPClient overrides the HTTP client used for downloads.
func WithHTTPClient(client *http.Client) Option {
	return func(m *Manager) {
		if client != nil {
			m.client = client
		}
	}
}

// WithCacheDir enables the digest-keyed archive cache.
func WithCacheDir(dir string) Option {
	return func(m *Manager) {
		m.cacheDir = strings.TrimSpace(dir)
	}
}

// WithAttempts sets how many times each source is tried.
func WithAttempts(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.attempts = n
		}
	}
}

// WithBackoff overrides the retry intervals (useful for tests).
func WithBackoff(initial, max time.Duration) Option {
	return func(m *Manager) {
		if initial > 0 {
			m.initialInterval = initial
		}
		if max > 0 {
			m.maxInterval = max
		}
	}
}

// Request describes one acquisition.
type Request struct {
	Source          recipe.BinarySource
	AppDir          string
	RequireChecksum bool
	Progress        func(source string, downloaded, total int64)
}

// Result describes the installed binary.
type Result struct {
	BinaryPath   string   `json:"binaryPath"`
	SHA256       string   `json:"sha256"`
	BinaryDigest string   `json:"binaryDigest"`
	Siblings     []string `json:"siblings"`
	Source       string   `json:"source,omitempty"`
	FromCache    bool     `json:"fromCache"`
}

// New creates a new acquisition manager.
func New(opts ...Option) *Manager {
	m := &Manager{
		client:          &http.Client{Timeout: 10 * time.Minute},
		attempts:        defaultAttempts,
		initialInterval: backoffInterval,
		maxInterval:     backoffMax,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Acquire fetches the archive (cache, primary URL, then mirrors), verifies
// it, extracts it into the application directory, flattens the release
// directory, removes the archive and marks the binary executable.
func (m *Manager) Acquire(ctx context.Context, req Request) (*Result, error) {
	src := req.Source
	if !filepath.IsAbs(req.AppDir) {
		return nil, fmt.Errorf("application directory %q must be absolute", req.AppDir)
	}
	if src.ArchiveDir == "" || src.BinaryName == "" {
		return nil, fmt.Errorf("binary source needs archiveDir and binaryName")
	}
	sources := src.Sources()
	if len(sources) == 0 {
		return nil, fmt.Errorf("binary source has no url")
	}
	want := strings.ToLower(src.SHA256)
	if want == "" && (req.RequireChecksum || src.RequireChecksum) {
		return nil, ErrChecksumRequired
	}
	if err := os.MkdirAll(req.AppDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create application directory: %w", err)
	}

	archive := filepath.Join(req.AppDir, src.ArchiveName())
	result := &Result{}

	digest, hit := m.fromCache(want, archive)
	if hit {
		result.FromCache = true
		metrics.ObserveAcquireAttempt("cache_hit")
	} else {
		var err error
		digest, result.Source, err = m.download(ctx, sources, archive, want, req.Progress)
		if err != nil {
			return nil, err
		}
		m.storeInCache(digest, archive)
	}
	result.SHA256 = digest

	siblings, err := install(archive, req.AppDir, src.ArchiveDir, src.BinaryName)
	if err != nil {
		_ = os.Remove(archive)
		return nil, err
	}

	binPath := src.BinaryPath(req.AppDir)
	info, err := os.Stat(binPath)
	if err != nil || !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %s missing after extraction", ErrLayoutChanged, src.BinaryName)
	}
	if err := os.Chmod(binPath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to mark binary executable: %w", err)
	}
	binDigest, err := FileDigest(binPath)
	if err != nil {
		return nil, err
	}

	result.BinaryPath = binPath
	result.BinaryDigest = binDigest
	result.Siblings = siblings
	logutil.Info("binary_acquired", logutil.Fields{
		"binary":     binPath,
		"sha256":     digest,
		"from_cache": result.FromCache,
		"source":     result.Source,
	})
	return result, nil
}

func (m *Manager) retryPolicy(ctx context.Context) back.BackOff {
	bf := back.NewExponentialBackOff()
	bf.InitialInterval = m.initialInterval
	bf.MaxInterval = m.maxInterval
	bf.MaxElapsedTime = 0
	return back.WithContext(back.WithMaxRetries(bf, uint64(m.attempts-1)), ctx)
}

func (m *Manager) download(ctx context.Context, sources []string, archive, want string, progress func(string, int64, int64)) (string, string, error) {
	var errs []error
	for _, source := range sources {
		var digest string
		op := func() error {
			d, err := m.fetch(ctx, source, archive, progress)
			if err != nil {
				return err
			}
			if want != "" && d != want {
				_ = os.Remove(archive)
				metrics.ObserveAcquireAttempt("checksum_mismatch")
				return back.Permanent(fmt.Errorf("%w: %s has %s, want %s", ErrChecksumMismatch, source, d, want))
			}
			digest = d
			return nil
		}
		notify := func(err error, wait time.Duration) {
			metrics.ObserveAcquireAttempt("retry")
			logutil.Warn("acquire_retry", err, logutil.Fields{"source": source, "wait": wait.String()})
		}
		err := back.RetryNotify(op, m.retryPolicy(ctx), notify)
		if err == nil {
			metrics.ObserveAcquireAttempt("success")
			return digest, source, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", "", ctxErr
		}
		if !errors.Is(err, ErrChecksumMismatch) {
			metrics.ObserveAcquireAttempt("permanent")
		}
		logutil.Warn("acquire_source_failed", err, logutil.Fields{"source": source})
		errs = append(errs, fmt.Errorf("%s: %w", source, err))
	}
	return "", "", fmt.Errorf("failed to fetch binary archive: %w", errors.Join(errs...))
}

// Download fetches a single URL to dest with the retry policy and returns
// the SHA-256 of the payload. It is used for job inputs.
func (m *Manager) Download(ctx context.Context, url, dest string) (string, error) {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", err
	}
	var digest string
	op := func() error {
		d, err := m.fetch(ctx, url, dest, nil)
		if err != nil {
			return err
		}
		digest = d
		return nil
	}
	notify := func(err error, wait time.Duration) {
		logutil.Warn("download_retry", err, logutil.Fields{"url": url, "wait": wait.String()})
	}
	if err := back.RetryNotify(op, m.retryPolicy(ctx), notify); err != nil {
		return "", fmt.Errorf("download %s: %w", url, err)
	}
	return digest, nil
}

// fetch downloads url to dest through a .part file and returns its digest.
func (m *Manager) fetch(ctx context.Context, url, dest string, progress func(string, int64, int64)) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", back.Permanent(err)
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		err := fmt.Errorf("download failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		if retryableStatus(resp.StatusCode) {
			return "", err
		}
		return "", back.Permanent(err)
	}

	tmpFile := dest + ".part"
	file, err := os.Create(tmpFile)
	if err != nil {
		return "", back.Permanent(fmt.Errorf("failed to create temp file: %w", err))
	}

	hash := sha256.New()
	var written int64
	total := resp.ContentLength
	buf := make([]byte, 1<<20)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, err := file.Write(buf[:n]); err != nil {
				file.Close()
				_ = os.Remove(tmpFile)
				return "", back.Permanent(fmt.Errorf("failed to write file: %w", err))
			}
			hash.Write(buf[:n])
			written += int64(n)
			if progress != nil {
				progress(url, written, total)
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				break
			}
			file.Close()
			_ = os.Remove(tmpFile)
			return "", fmt.Errorf("failed to download file: %w", readErr)
		}
	}
	metrics.AddAcquireBytes(written)

	if err := file.Close(); err != nil {
		_ = os.Remove(tmpFile)
		return "", fmt.Errorf("failed to close file: %w", err)
	}
	if total > 0 && written != total {
		_ = os.Remove(tmpFile)
		return "", fmt.Errorf("short read: got %d of %d bytes", written, total)
	}
	if err := os.Rename(tmpFile, dest); err != nil {
		_ = os.Remove(tmpFile)
		return "", back.Permanent(fmt.Errorf("failed to finalize file: %w", err))
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

func retryableStatus(code int) bool {
	if code >= 500 {
		return true
	}
	return code == http.StatusRequestTimeout || code == http.StatusTooManyRequests
}

func (m *Manager) cachePath(digest string) string {
	return filepath.Join(m.cacheDir, digest+".zip")
}

// fromCache copies a cached archive matching want to dest. Corrupt entries are dropped.
func (m *Manager) fromCache(want, dest string) (string, bool) {
	if m.cacheDir == "" || want == "" {
		return "", false
	}
	cached := m.cachePath(want)
	digest, err := FileDigest(cached)
	if err != nil {
		return "", false
	}
	if digest != want {
		logutil.Warn("acquire_cache_corrupt", ErrChecksumMismatch, logutil.Fields{"path": cached})
		_ = os.Remove(cached)
		return "", false
	}
	if err := copyFile(cached, dest, 0o644); err != nil {
		return "", false
	}
	return digest, true
}

func (m *Manager) storeInCache(digest, archive string) {
	if m.cacheDir == "" || digest == "" {
		return
	}
	if err := os.MkdirAll(m.cacheDir, 0o755); err != nil {
		logutil.Warn("acquire_cache_store_failed", err, nil)
		return
	}
	if err := copyFile(archive, m.cachePath(digest), 0o644); err != nil {
		logutil.Warn("acquire_cache_store_failed", err, logutil.Fields{"digest": digest})
	}
}

// FileDigest returns the hex SHA-256 of a file.
func FileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	tmp := dst + ".part"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}

func sortedNames(names []string) []string {
	sort.Strings(names)
	return names
}
