// Package engine wraps the frame interpolation binary behind an interface.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/oremus-labs/rife-worker/config"
	"github.com/oremus-labs/rife-worker/internal/command"
	"github.com/oremus-labs/rife-worker/internal/logutil"
)

// ErrUnknownModel is returned when the requested model directory is absent.
var ErrUnknownModel = errors.New("unknown interpolation model")

// FrameInterpolator synthesizes intermediate frames.
type FrameInterpolator interface {
	// Interpolate writes factor-1 frames between frameA and frameB into
	// outDir and returns their paths in temporal order.
	Interpolate(ctx context.Context, frameA, frameB string, factor int, outDir string) ([]string, error)
	// InterpolateDir turns a directory of numbered frames into
	// TargetFrames output frames.
	InterpolateDir(ctx context.Context, req DirRequest) error
}

// DirRequest describes a whole-sequence interpolation.
type DirRequest struct {
	InputDir     string
	OutputDir    string
	Model        string
	TargetFrames int
}

// Options configures the Rife adapter.
type Options struct {
	Binary   string
	ModelDir string
	GPUID    int
	Threads  string
	// SpatialTTA and TemporalTTA map to -x and -z.
	SpatialTTA  bool
	TemporalTTA bool
	UHD         bool
	Model       string
	Runner      command.Runner
}

// Rife invokes rife-ncnn-vulkan as a subprocess.
type Rife struct {
	opts Options
}

// FromConfig validates the configured binary and builds the adapter.
func FromConfig(cfg *config.Config) (*Rife, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return New(Options{
		Binary:      cfg.RifeBin,
		ModelDir:    cfg.RifeModelDir,
		GPUID:       cfg.RifeGPUID,
		Threads:     cfg.RifeThreads,
		SpatialTTA:  cfg.RifeTTA,
		TemporalTTA: cfg.RifeTTA,
		UHD:         cfg.RifeUHD,
		Model:       cfg.DefaultModel,
	})
}

// New builds an adapter without touching the filesystem.
func New(opts Options) (*Rife, error) {
	if opts.Binary == "" {
		return nil, errors.New("interpolation binary path is required")
	}
	if opts.ModelDir == "" {
		opts.ModelDir = filepath.Dir(opts.Binary)
	}
	if opts.Threads == "" {
		opts.Threads = "4:8:4"
	}
	if opts.Model == "" {
		opts.Model = "rife-v4.6"
	}
	if opts.Runner == nil {
		opts.Runner = command.Exec{}
	}
	return &Rife{opts: opts}, nil
}

// ValidModel reports whether name is a model directory next to the binary.
func (r *Rife) ValidModel(name string) error {
	if name == "" || name != filepath.Base(name) {
		return fmt.Errorf("%w: %q", ErrUnknownModel, name)
	}
	info, err := os.Stat(filepath.Join(r.opts.ModelDir, name))
	if err != nil || !info.IsDir() {
		return fmt.Errorf("%w: %s not found in %s", ErrUnknownModel, name, r.opts.ModelDir)
	}
	return nil
}

// Models lists the available model directories.
func (r *Rife) Models() []string {
	entries, err := os.ReadDir(r.opts.ModelDir)
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out
}

func (r *Rife) common(model string) []string {
	args := []string{
		"-m", filepath.Join(r.opts.ModelDir, model),
		"-g", strconv.Itoa(r.opts.GPUID),
		"-j", r.opts.Threads,
	}
	if r.opts.SpatialTTA {
		args = append(args, "-x")
	}
	if r.opts.TemporalTTA {
		args = append(args, "-z")
	}
	if r.opts.UHD {
		args = append(args, "-u")
	}
	return args
}

// Interpolate runs the binary once per timestep i/factor for i in 1..factor-1.
func (r *Rife) Interpolate(ctx context.Context, frameA, frameB string, factor int, outDir string) ([]string, error) {
	if factor < 2 {
		return nil, fmt.Errorf("factor must be at least 2, got %d", factor)
	}
	if err := r.ValidModel(r.opts.Model); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, err
	}
	out := make([]string, 0, factor-1)
	for i := 1; i < factor; i++ {
		target := filepath.Join(outDir, fmt.Sprintf("%08d.png", i))
		timestep := strconv.FormatFloat(float64(i)/float64(factor), 'f', 6, 64)
		args := append([]string{"-0", frameA, "-1", frameB, "-o", target, "-s", timestep}, r.common(r.opts.Model)...)
		if _, err := r.opts.Runner.Run(ctx, r.opts.Binary, args...); err != nil {
			return nil, fmt.Errorf("interpolate timestep %s: %w", timestep, err)
		}
		out = append(out, target)
	}
	return out, nil
}

// InterpolateDir runs the binary in directory mode.
func (r *Rife) InterpolateDir(ctx context.Context, req DirRequest) error {
	model := req.Model
	if model == "" {
		model = r.opts.Model
	}
	if err := r.ValidModel(model); err != nil {
		return err
	}
	if req.TargetFrames < 1 {
		return fmt.Errorf("target frame count must be positive, got %d", req.TargetFrames)
	}
	if err := os.MkdirAll(req.OutputDir, 0o755); err != nil {
		return err
	}
	args := append([]string{
		"-i", req.InputDir,
		"-o", req.OutputDir,
		"-n", strconv.Itoa(req.TargetFrames),
	}, r.common(model)...)
	logutil.Info("rife_started", logutil.Fields{"cmd": command.Shell(r.opts.Binary, args...)})
	if _, err := r.opts.Runner.Run(ctx, r.opts.Binary, args...); err != nil {
		return fmt.Errorf("rife interpolation: %w", err)
	}
	return nil
}
