// Package output publishes finished videos to persistent storage.
package output

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/oremus-labs/rife-worker/config"
)

// Sink stores a finished file and returns where it ended up.
type Sink interface {
	Publish(ctx context.Context, jobID, localPath, filename string) (string, error)
}

// JobPrefix is the per-job directory or key prefix.
func JobPrefix(jobID string) string {
	return "job_" + jobID
}

// FromConfig selects the sink named by OUTPUT_SINK.
func FromConfig(cfg *config.Config) (Sink, error) {
	switch strings.ToLower(cfg.OutputSink) {
	case "", "volume":
		return NewVolumeSink(cfg.VolumeRoot), nil
	case "minio":
		sink, err := NewMinioSink(MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			UseSSL:    cfg.MinioUseSSL,
			Bucket:    cfg.MinioBucket,
			Region:    cfg.MinioRegion,
		})
		if err != nil {
			return nil, err
		}
		return sink, nil
	default:
		return nil, fmt.Errorf("unsupported output sink %q", cfg.OutputSink)
	}
}

// VolumeSink moves outputs onto a mounted volume.
type VolumeSink struct {
	root string
}

// NewVolumeSink creates a sink rooted at root.
func NewVolumeSink(root string) *VolumeSink {
	return &VolumeSink{root: root}
}

// Publish moves localPath to <root>/job_<id>/<filename>.
func (s *VolumeSink) Publish(ctx context.Context, jobID, localPath, filename string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	name, err := cleanName(filename)
	if err != nil {
		return "", err
	}
	dir := filepath.Join(s.root, JobPrefix(jobID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to prepare output directory: %w", err)
	}
	target := filepath.Join(dir, name)
	if err := os.Rename(localPath, target); err != nil {
		var linkErr *os.LinkError
		if !errors.As(err, &linkErr) || !errors.Is(linkErr.Err, syscall.EXDEV) {
			return "", fmt.Errorf("failed to move output: %w", err)
		}
		if err := copyAcross(localPath, target); err != nil {
			return "", err
		}
	}
	return target, nil
}

func copyAcross(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	tmp := dst + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create output: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to copy output: %w", err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Remove(src)
}

func cleanName(filename string) (string, error) {
	name := filepath.Base(strings.TrimSpace(filename))
	if name == "" || name == "." || name == ".." || name == string(filepath.Separator) {
		return "", fmt.Errorf("invalid output filename %q", filename)
	}
	return name, nil
}
