// Package workspace inspects and prunes the per-job directories
// (job_<id>) kept under an output volume or an ephemeral work root.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/oremus-labs/rife-worker/internal/logutil"
)

const dirPrefix = "job_"

// ErrNotFound is returned when no directory exists for a job.
var ErrNotFound = errors.New("job directory not found")

// Manager handles job directories under one root.
type Manager struct {
	root string
	now  func() time.Time
}

// DirInfo describes one job directory.
type DirInfo struct {
	JobID        string    `json:"jobId"`
	Path         string    `json:"path"`
	SizeBytes    int64     `json:"sizeBytes"`
	SizeHuman    string    `json:"sizeHuman"`
	FileCount    int       `json:"fileCount"`
	ModifiedTime time.Time `json:"modifiedTime"`
}

// StorageStats provides overall storage statistics for the root.
type StorageStats struct {
	Root           string    `json:"root"`
	TotalBytes     int64     `json:"totalBytes"`
	TotalHuman     string    `json:"totalHuman"`
	UsedBytes      int64     `json:"usedBytes"`
	UsedHuman      string    `json:"usedHuman"`
	AvailableBytes int64     `json:"availableBytes"`
	AvailableHuman string    `json:"availableHuman"`
	JobCount       int       `json:"jobCount"`
	Jobs           []DirInfo `json:"jobs"`
}

// New creates a manager rooted at root.
func New(root string) *Manager {
	return &Manager{root: root, now: time.Now}
}

// Root returns the directory the manager operates on.
func (m *Manager) Root() string {
	return m.root
}

// List returns every job directory, newest first. A missing root is empty.
func (m *Manager) List() ([]DirInfo, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []DirInfo{}, nil
		}
		return nil, err
	}
	dirs := make([]DirInfo, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), dirPrefix) {
			continue
		}
		info, err := m.describe(entry.Name())
		if err != nil {
			logutil.Warn("workspace_describe_failed", err, logutil.Fields{"dir": entry.Name()})
			continue
		}
		dirs = append(dirs, *info)
	}
	sort.Slice(dirs, func(i, j int) bool {
		return dirs[i].ModifiedTime.After(dirs[j].ModifiedTime)
	})
	return dirs, nil
}

// Get describes the directory of one job.
func (m *Manager) Get(jobID string) (*DirInfo, error) {
	name, err := dirName(jobID)
	if err != nil {
		return nil, err
	}
	info, err := m.describe(name)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	return info, err
}

// Delete removes the directory of one job.
func (m *Manager) Delete(jobID string) error {
	name, err := dirName(jobID)
	if err != nil {
		return err
	}
	path := filepath.Join(m.root, name)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	return os.RemoveAll(path)
}

// Stats reports usage of the job directories and of the filesystem.
func (m *Manager) Stats() (*StorageStats, error) {
	dirs, err := m.List()
	if err != nil {
		return nil, err
	}

	var totalUsed int64
	for _, d := range dirs {
		totalUsed += d.SizeBytes
	}
	stats := &StorageStats{
		Root:           m.root,
		TotalHuman:     "unknown",
		UsedBytes:      totalUsed,
		UsedHuman:      formatBytes(totalUsed),
		AvailableHuman: "unknown",
		JobCount:       len(dirs),
		Jobs:           dirs,
	}

	var stat filesystemStats
	if err := readFilesystemStats(m.root, &stat); err != nil {
		return stats, nil
	}
	stats.TotalBytes = int64(stat.Blocks) * int64(stat.Bsize)
	stats.TotalHuman = formatBytes(stats.TotalBytes)
	stats.AvailableBytes = int64(stat.Bavail) * int64(stat.Bsize)
	stats.AvailableHuman = formatBytes(stats.AvailableBytes)
	return stats, nil
}

// PruneOlderThan removes job directories whose newest file is older than
// ttl and returns the job IDs removed.
func (m *Manager) PruneOlderThan(ttl time.Duration) ([]string, error) {
	if ttl <= 0 {
		return nil, nil
	}
	dirs, err := m.List()
	if err != nil {
		return nil, err
	}
	cutoff := m.now().Add(-ttl)
	var removed []string
	for _, d := range dirs {
		if d.ModifiedTime.After(cutoff) {
			continue
		}
		if err := os.RemoveAll(d.Path); err != nil {
			logutil.Warn("workspace_prune_failed", err, logutil.Fields{"path": d.Path})
			continue
		}
		removed = append(removed, d.JobID)
	}
	return removed, nil
}

func (m *Manager) describe(name string) (*DirInfo, error) {
	path := filepath.Join(m.root, name)
	root, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !root.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", path)
	}

	var totalSize int64
	var fileCount int
	modTime := root.ModTime()
	err = filepath.Walk(path, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.ModTime().After(modTime) {
			modTime = info.ModTime()
		}
		if !info.IsDir() {
			totalSize += info.Size()
			fileCount++
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}

	return &DirInfo{
		JobID:        strings.TrimPrefix(name, dirPrefix),
		Path:         path,
		SizeBytes:    totalSize,
		SizeHuman:    formatBytes(totalSize),
		FileCount:    fileCount,
		ModifiedTime: modTime,
	}, nil
}

func dirName(jobID string) (string, error) {
	if jobID == "" || jobID == "." || jobID == ".." || strings.ContainsAny(jobID, `/\`) {
		return "", fmt.Errorf("invalid job id %q", jobID)
	}
	return dirPrefix + jobID, nil
}

func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
