// Package pipeline realizes a resolved recipe on the local machine: base
// environment check, system packages, binary acquisition and application
// layer, in that order, stopping at the first failure.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/oremus-labs/rife-worker/internal/acquire"
	"github.com/oremus-labs/rife-worker/internal/logutil"
	"github.com/oremus-labs/rife-worker/internal/metrics"
	"github.com/oremus-labs/rife-worker/internal/provision"
	"github.com/oremus-labs/rife-worker/internal/recipe"
)

// Failure classes. Every step error wraps exactly one of them.
var (
	ErrBaseImage = errors.New("base environment unavailable")
	ErrPackages  = errors.New("system package installation failed")
	ErrBinary    = errors.New("binary acquisition failed")
	ErrManifest  = errors.New("application layer installation failed")
)

// Step names, in execution order.
const (
	StepBaseImage = "base-image"
	StepPackages  = "system-packages"
	StepBinary    = "binary"
	StepAppLayer  = "app-layer"
)

// StartupFile records the declared startup command inside the app dir.
const StartupFile = ".startup.json"

// PackageInstaller installs OS packages.
type PackageInstaller interface {
	Install(ctx context.Context, pkgs []string) (*provision.InstallReport, error)
}

// ManifestInstaller installs a Python requirements manifest.
type ManifestInstaller interface {
	Install(ctx context.Context, manifest string) error
}

// Acquirer installs the binary release.
type Acquirer interface {
	Acquire(ctx context.Context, req acquire.Request) (*acquire.Result, error)
}

// Pipeline holds the collaborators for each step.
type Pipeline struct {
	Packages PackageInstaller
	Manifest ManifestInstaller
	Binary   Acquirer
	// SourceDir holds the requirements manifest and handler to install.
	SourceDir       string
	OSRelease       string
	RequireChecksum bool
}

// StepReport describes one executed step.
type StepReport struct {
	Name     string        `json:"name"`
	Status   string        `json:"status"`
	Duration time.Duration `json:"duration"`
	Warnings []string      `json:"warnings,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// Report summarizes a run.
type Report struct {
	Recipe   string                   `json:"recipe"`
	Variant  string                   `json:"variant"`
	Steps    []StepReport             `json:"steps"`
	Packages *provision.InstallReport `json:"packages,omitempty"`
	Binary   *acquire.Result          `json:"binary,omitempty"`
	Command  []string                 `json:"command,omitempty"`
}

// Succeeded reports whether every step passed.
func (r *Report) Succeeded() bool {
	if len(r.Steps) != 4 {
		return false
	}
	for _, s := range r.Steps {
		if s.Status != "success" {
			return false
		}
	}
	return true
}

type step struct {
	name  string
	class error
	run   func(ctx context.Context, p *recipe.Plan, rep *Report) ([]string, error)
}

// Run executes the plan. The returned report is non-nil even on failure.
func (pl *Pipeline) Run(ctx context.Context, p *recipe.Plan) (*Report, error) {
	rep := &Report{Recipe: p.Recipe, Variant: p.Variant}
	steps := []step{
		{name: StepBaseImage, class: ErrBaseImage, run: pl.checkBase},
		{name: StepPackages, class: ErrPackages, run: pl.installPackages},
		{name: StepBinary, class: ErrBinary, run: pl.acquireBinary},
		{name: StepAppLayer, class: ErrManifest, run: pl.installApp},
	}
	for _, s := range steps {
		if err := ctx.Err(); err != nil {
			return rep, fmt.Errorf("%s: %w: %w", s.name, s.class, err)
		}
		start := time.Now()
		warnings, err := s.run(ctx, p, rep)
		sr := StepReport{Name: s.name, Status: "success", Duration: time.Since(start), Warnings: warnings}
		metrics.ObservePipelineStep(s.name, err == nil, sr.Duration)
		for _, w := range warnings {
			logutil.Warn("pipeline_warning", nil, logutil.Fields{"step": s.name, "warning": w})
		}
		if err != nil {
			sr.Status = "failed"
			sr.Error = err.Error()
			rep.Steps = append(rep.Steps, sr)
			logutil.Error("pipeline_step_failed", err, logutil.Fields{"step": s.name, "variant": p.Variant})
			return rep, fmt.Errorf("%s: %w: %w", s.name, s.class, err)
		}
		rep.Steps = append(rep.Steps, sr)
		logutil.Info("pipeline_step_completed", logutil.Fields{"step": s.name, "duration_ms": sr.Duration.Milliseconds()})
	}
	return rep, nil
}

func (pl *Pipeline) checkBase(ctx context.Context, p *recipe.Plan, _ *Report) ([]string, error) {
	if err := p.Base.Validate(); err != nil {
		return nil, err
	}
	path := pl.OSRelease
	if path == "" {
		path = "/etc/os-release"
	}
	osr, err := ReadOSRelease(path)
	if err != nil {
		return []string{fmt.Sprintf("cannot read %s: %v", path, err)}, nil
	}
	return CompareBase(p.Base, osr), nil
}

func (pl *Pipeline) installPackages(ctx context.Context, p *recipe.Plan, rep *Report) ([]string, error) {
	if pl.Packages == nil {
		return nil, errors.New("no package installer configured")
	}
	report, err := pl.Packages.Install(ctx, p.Packages)
	if err != nil {
		return nil, err
	}
	rep.Packages = report
	return nil, nil
}

func (pl *Pipeline) acquireBinary(ctx context.Context, p *recipe.Plan, rep *Report) ([]string, error) {
	if pl.Binary == nil {
		return nil, errors.New("no binary acquirer configured")
	}
	var warnings []string
	if p.Binary.SHA256 == "" {
		warnings = append(warnings, "binary archive has no pinned sha256")
	}
	res, err := pl.Binary.Acquire(ctx, acquire.Request{
		Source:          p.Binary,
		AppDir:          p.AppDir,
		RequireChecksum: pl.RequireChecksum,
	})
	if err != nil {
		return warnings, err
	}
	if res.BinaryPath != p.BinaryPath {
		return warnings, fmt.Errorf("binary installed at %s, expected %s", res.BinaryPath, p.BinaryPath)
	}
	rep.Binary = res
	return warnings, nil
}

func (pl *Pipeline) installApp(ctx context.Context, p *recipe.Plan, rep *Report) ([]string, error) {
	if pl.Manifest == nil {
		return nil, errors.New("no manifest installer configured")
	}
	srcReq := filepath.Join(pl.SourceDir, filepath.Base(p.Requirements))
	if err := CopyVerbatim(srcReq, p.Requirements); err != nil {
		return nil, err
	}
	if err := pl.Manifest.Install(ctx, p.Requirements); err != nil {
		return nil, err
	}
	srcHandler := filepath.Join(pl.SourceDir, filepath.Base(p.Handler))
	if err := CopyVerbatim(srcHandler, p.Handler); err != nil {
		return nil, err
	}
	if err := WriteStartup(p.AppDir, p.Command); err != nil {
		return nil, err
	}
	rep.Command = append([]string(nil), p.Command...)
	return nil, nil
}

// WriteStartup records the startup command for the app directory.
func WriteStartup(appDir string, cmd []string) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(appDir, StartupFile), data, 0o644)
}

// ReadStartup returns the recorded startup command.
func ReadStartup(appDir string) ([]string, error) {
	data, err := os.ReadFile(filepath.Join(appDir, StartupFile))
	if err != nil {
		return nil, err
	}
	var cmd []string
	if err := json.Unmarshal(data, &cmd); err != nil {
		return nil, fmt.Errorf("invalid startup file: %w", err)
	}
	return cmd, nil
}
