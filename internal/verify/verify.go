// Package verify inspects a provisioned application directory and reports
// whether it satisfies the build contract of a resolved recipe.
package verify

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"time"

	"k8s.io/client-go/kubernetes"

	"github.com/oremus-labs/rife-worker/internal/acquire"
	"github.com/oremus-labs/rife-worker/internal/pipeline"
	"github.com/oremus-labs/rife-worker/internal/provision"
	"github.com/oremus-labs/rife-worker/internal/recipe"
)

type Status string

const (
	StatusPass Status = "pass"
	StatusWarn Status = "warn"
	StatusFail Status = "fail"
)

// PackageQuerier answers whether an OS package is installed.
type PackageQuerier interface {
	Query(ctx context.Context, pkg string) (bool, error)
}

// RequirementChecker resolves manifest entries in the Python environment.
type RequirementChecker interface {
	Check(ctx context.Context, manifest string) ([]provision.RequirementStatus, error)
}

type Options struct {
	Packages             PackageQuerier
	Requirements         RequirementChecker
	KubernetesClient     kubernetes.Interface
	GPUResource          string
	NodeSelector         map[string]string
	ExpectedBinaryDigest string
	// DockerfilePath, when set, is linted for the entrypoint check instead
	// of reading the recorded startup command.
	DockerfilePath string
	SkipGPU        bool
}

type Verifier struct {
	opts Options
}

type Result struct {
	Valid       bool          `json:"valid"`
	Checks      []CheckResult `json:"checks"`
	GeneratedAt time.Time     `json:"generatedAt"`
}

type CheckResult struct {
	Name     string            `json:"name"`
	Status   Status            `json:"status"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func New(opts Options) *Verifier {
	if opts.GPUResource == "" {
		opts.GPUResource = "nvidia.com/gpu"
	}
	return &Verifier{opts: opts}
}

// Run executes every check against the plan.
func (v *Verifier) Run(ctx context.Context, p *recipe.Plan) Result {
	result := Result{Valid: true, GeneratedAt: time.Now()}
	result.Checks = append(result.Checks,
		v.checkBinary(p),
		v.checkArchiveRemoved(p),
		v.checkPackages(ctx, p),
		v.checkRequirements(ctx, p),
		v.checkEntrypoint(p),
		v.checkDigest(p),
	)
	if !v.opts.SkipGPU {
		result.Checks = append(result.Checks, v.CheckGPU(ctx))
	}
	for _, c := range result.Checks {
		if c.Status == StatusFail {
			result.Valid = false
		}
	}
	return result
}

func (v *Verifier) checkBinary(p *recipe.Plan) CheckResult {
	info, err := os.Stat(p.BinaryPath)
	if err != nil {
		return CheckResult{Name: "rife-binary", Status: StatusFail, Message: fmt.Sprintf("binary missing: %v", err)}
	}
	if !info.Mode().IsRegular() {
		return CheckResult{Name: "rife-binary", Status: StatusFail, Message: fmt.Sprintf("%s is not a regular file", p.BinaryPath)}
	}
	if info.Mode().Perm()&0o111 == 0 {
		return CheckResult{Name: "rife-binary", Status: StatusFail, Message: fmt.Sprintf("%s is not executable (mode %s)", p.BinaryPath, info.Mode())}
	}
	models := ModelDirs(filepath.Dir(p.BinaryPath))
	meta := map[string]string{"path": p.BinaryPath, "mode": info.Mode().String(), "models": strings.Join(models, ",")}
	if len(models) == 0 {
		return CheckResult{Name: "rife-binary", Status: StatusWarn, Message: "binary present but no model directories next to it", Metadata: meta}
	}
	return CheckResult{Name: "rife-binary", Status: StatusPass, Message: fmt.Sprintf("%s is executable with %d models", p.BinaryPath, len(models)), Metadata: meta}
}

// ModelDirs lists the rife model directories in dir.
func ModelDirs(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), "rife") {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out
}

func (v *Verifier) checkArchiveRemoved(p *recipe.Plan) CheckResult {
	var leftovers []string
	matches, _ := filepath.Glob(filepath.Join(p.AppDir, "*.zip"))
	leftovers = append(leftovers, matches...)
	partials, _ := filepath.Glob(filepath.Join(p.AppDir, "*.part"))
	leftovers = append(leftovers, partials...)
	if _, err := os.Stat(filepath.Join(p.AppDir, p.Binary.ArchiveDir)); err == nil {
		leftovers = append(leftovers, filepath.Join(p.AppDir, p.Binary.ArchiveDir))
	}
	if len(leftovers) > 0 {
		return CheckResult{Name: "archive-removed", Status: StatusFail, Message: "leftover archive artifacts: " + strings.Join(leftovers, ", ")}
	}
	return CheckResult{Name: "archive-removed", Status: StatusPass, Message: "no archive artifacts in " + p.AppDir}
}

func (v *Verifier) checkPackages(ctx context.Context, p *recipe.Plan) CheckResult {
	if v.opts.Packages == nil {
		return CheckResult{Name: "system-packages", Status: StatusWarn, Message: "package manager query not configured"}
	}
	var missing []string
	for _, pkg := range p.Packages {
		ok, err := v.opts.Packages.Query(ctx, pkg)
		if err != nil {
			return CheckResult{Name: "system-packages", Status: StatusWarn, Message: fmt.Sprintf("failed to query %s: %v", pkg, err)}
		}
		if !ok {
			missing = append(missing, pkg)
		}
	}
	if len(missing) > 0 {
		return CheckResult{Name: "system-packages", Status: StatusFail, Message: "packages not installed: " + strings.Join(missing, ", ")}
	}
	return CheckResult{Name: "system-packages", Status: StatusPass, Message: fmt.Sprintf("%d packages installed", len(p.Packages))}
}

func (v *Verifier) checkRequirements(ctx context.Context, p *recipe.Plan) CheckResult {
	if v.opts.Requirements == nil {
		return CheckResult{Name: "python-requirements", Status: StatusWarn, Message: "python environment query not configured"}
	}
	statuses, err := v.opts.Requirements.Check(ctx, p.Requirements)
	if err != nil {
		return CheckResult{Name: "python-requirements", Status: StatusFail, Message: fmt.Sprintf("failed to check %s: %v", p.Requirements, err)}
	}
	if missing := provision.MissingRequirements(statuses); len(missing) > 0 {
		return CheckResult{Name: "python-requirements", Status: StatusFail, Message: "requirements not resolvable: " + strings.Join(missing, ", ")}
	}
	return CheckResult{Name: "python-requirements", Status: StatusPass, Message: fmt.Sprintf("%d requirements resolve", len(statuses))}
}

func (v *Verifier) checkEntrypoint(p *recipe.Plan) CheckResult {
	if _, err := os.Stat(p.Handler); err != nil {
		return CheckResult{Name: "entrypoint", Status: StatusFail, Message: fmt.Sprintf("handler missing: %v", err)}
	}
	if v.opts.DockerfilePath != "" {
		data, err := os.ReadFile(v.opts.DockerfilePath)
		if err != nil {
			return CheckResult{Name: "entrypoint", Status: StatusFail, Message: fmt.Sprintf("failed to read dockerfile: %v", err)}
		}
		report, err := recipe.Lint(string(data), p)
		if err != nil {
			return CheckResult{Name: "entrypoint", Status: StatusFail, Message: err.Error()}
		}
		for _, f := range report.Errors() {
			if f.Rule == "entrypoint" {
				return CheckResult{Name: "entrypoint", Status: StatusFail, Message: f.Message}
			}
		}
		return CheckResult{Name: "entrypoint", Status: StatusPass, Message: fmt.Sprintf("CMD launches %s", strings.Join(p.Command, " "))}
	}
	cmd, err := pipeline.ReadStartup(p.AppDir)
	if err != nil {
		return CheckResult{Name: "entrypoint", Status: StatusFail, Message: fmt.Sprintf("no startup command recorded: %v", err)}
	}
	if !reflect.DeepEqual(cmd, p.Command) {
		return CheckResult{Name: "entrypoint", Status: StatusFail, Message: fmt.Sprintf("startup command %v does not launch %v", cmd, p.Command)}
	}
	return CheckResult{Name: "entrypoint", Status: StatusPass, Message: fmt.Sprintf("startup launches %s", strings.Join(cmd, " "))}
}

func (v *Verifier) checkDigest(p *recipe.Plan) CheckResult {
	digest, err := acquire.FileDigest(p.BinaryPath)
	if err != nil {
		return CheckResult{Name: "binary-digest", Status: StatusFail, Message: fmt.Sprintf("failed to hash binary: %v", err)}
	}
	meta := map[string]string{"sha256": digest}
	want := strings.ToLower(v.opts.ExpectedBinaryDigest)
	if want == "" {
		return CheckResult{Name: "binary-digest", Status: StatusWarn, Message: "no expected binary digest configured", Metadata: meta}
	}
	if digest != want {
		return CheckResult{Name: "binary-digest", Status: StatusFail, Message: fmt.Sprintf("binary digest %s, want %s", digest, want), Metadata: meta}
	}
	return CheckResult{Name: "binary-digest", Status: StatusPass, Message: "binary digest matches", Metadata: meta}
}
