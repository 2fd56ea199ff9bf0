package provision

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/oremus-labs/rife-worker/internal/command"
	"github.com/oremus-labs/rife-worker/internal/logutil"
)

// Pip drives pip through the configured interpreter.
type Pip struct {
	Runner command.Runner
	Python string
}

// NewPip returns a Pip that calls python3 -m pip.
func NewPip() *Pip {
	return &Pip{Runner: command.Exec{Env: []string{"PIP_DISABLE_PIP_VERSION_CHECK=1"}}, Python: "python3"}
}

// RequirementStatus is the installed state of one requirement. Mismatch is
// set when the installed version falls outside the specifier.
type RequirementStatus struct {
	Requirement
	Installed bool   `json:"installed"`
	Version   string `json:"version,omitempty"`
	Mismatch  bool   `json:"mismatch,omitempty"`
}

// specifierCheck evaluates a PEP 440 specifier with the packaging library
// pip itself vendors. It prints "ok" or "mismatch".
const specifierCheck = `import sys
try:
    from packaging.specifiers import SpecifierSet
except ImportError:
    from pip._vendor.packaging.specifiers import SpecifierSet
print("ok" if SpecifierSet(sys.argv[1]).contains(sys.argv[2], prereleases=True) else "mismatch")
`

func (p *Pip) python() string {
	if p.Python == "" {
		return "python3"
	}
	return p.Python
}

// Install installs the manifest with the pip cache disabled.
func (p *Pip) Install(ctx context.Context, manifest string) error {
	if _, err := p.Runner.Run(ctx, p.python(), "-m", "pip", "install", "--no-cache-dir", "-r", manifest); err != nil {
		return fmt.Errorf("pip install -r %s: %w", manifest, err)
	}
	logutil.Info("pip_install_completed", logutil.Fields{"manifest": manifest})
	return nil
}

// Check resolves every manifest entry against the installed environment.
func (p *Pip) Check(ctx context.Context, manifest string) ([]RequirementStatus, error) {
	m, err := LoadRequirements(manifest)
	if err != nil {
		return nil, err
	}
	for _, skipped := range m.Skipped {
		logutil.Warn("requirement_not_checked", nil, logutil.Fields{"manifest": manifest, "line": skipped})
	}
	statuses := make([]RequirementStatus, 0, len(m.Requirements))
	for _, req := range m.Requirements {
		st := RequirementStatus{Requirement: req}
		out, err := p.Runner.Run(ctx, p.python(), "-m", "pip", "show", req.Name)
		if err != nil {
			var exitErr *command.ExitError
			if !errors.As(err, &exitErr) {
				return nil, fmt.Errorf("pip show %s: %w", req.Name, err)
			}
		} else {
			st.Installed = true
			st.Version = showField(out, "Version")
			if req.Specifier != "" {
				ok, err := p.satisfies(ctx, req.Specifier, st.Version)
				if err != nil {
					return nil, fmt.Errorf("check %s%s: %w", req.Name, req.Specifier, err)
				}
				st.Mismatch = !ok
			}
		}
		statuses = append(statuses, st)
	}
	return statuses, nil
}

func (p *Pip) satisfies(ctx context.Context, specifier, version string) (bool, error) {
	if version == "" {
		return false, nil
	}
	out, err := p.Runner.Run(ctx, p.python(), "-c", specifierCheck, specifier, version)
	if err != nil {
		return false, err
	}
	switch strings.TrimSpace(string(out)) {
	case "ok":
		return true, nil
	case "mismatch":
		return false, nil
	default:
		return false, fmt.Errorf("unexpected specifier check output %q", strings.TrimSpace(string(out)))
	}
}

// MissingRequirements returns the names from statuses that are not installed
// or whose installed version does not satisfy the manifest. Mismatches are
// reported as name plus specifier and installed version.
func MissingRequirements(statuses []RequirementStatus) []string {
	var out []string
	for _, st := range statuses {
		switch {
		case !st.Installed:
			out = append(out, st.Name)
		case st.Mismatch:
			out = append(out, fmt.Sprintf("%s%s (installed %s)", st.Name, st.Specifier, st.Version))
		}
	}
	return out
}

func showField(out []byte, key string) string {
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		k, v, ok := strings.Cut(scanner.Text(), ":")
		if ok && strings.EqualFold(strings.TrimSpace(k), key) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
