// Package provision installs OS packages and Python requirements into the
// running environment and answers whether they are present.
package provision

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/oremus-labs/rife-worker/internal/command"
	"github.com/oremus-labs/rife-worker/internal/logutil"
)

var packageName = regexp.MustCompile(`^[a-z0-9][a-z0-9+.-]+$`)

// Apt drives apt-get and dpkg-query.
type Apt struct {
	Runner command.Runner
}

// NewApt returns an Apt backed by os/exec in non-interactive mode.
func NewApt() *Apt {
	return &Apt{Runner: command.Exec{Env: []string{"DEBIAN_FRONTEND=noninteractive"}}}
}

// InstallReport lists what an Install call did.
type InstallReport struct {
	Installed []string `json:"installed"`
	Skipped   []string `json:"skipped"`
}

// Query reports whether pkg is installed according to dpkg metadata.
func (a *Apt) Query(ctx context.Context, pkg string) (bool, error) {
	out, err := a.Runner.Run(ctx, "dpkg-query", "-W", "-f=${Status}", pkg)
	if err != nil {
		var exitErr *command.ExitError
		if errors.As(err, &exitErr) {
			return false, nil
		}
		return false, fmt.Errorf("dpkg-query %s: %w", pkg, err)
	}
	return strings.Contains(string(out), "install ok installed"), nil
}

// Missing returns the packages that are not installed, in input order.
func (a *Apt) Missing(ctx context.Context, pkgs []string) ([]string, error) {
	var missing []string
	for _, pkg := range pkgs {
		ok, err := a.Query(ctx, pkg)
		if err != nil {
			return nil, err
		}
		if !ok {
			missing = append(missing, pkg)
		}
	}
	return missing, nil
}

// Install installs the missing packages in one shell step that refreshes the
// index, installs without recommends and prunes the index cache. When every
// package is already present nothing runs.
func (a *Apt) Install(ctx context.Context, pkgs []string) (*InstallReport, error) {
	for _, pkg := range pkgs {
		if !packageName.MatchString(pkg) {
			return nil, fmt.Errorf("invalid package name %q", pkg)
		}
	}
	missing, err := a.Missing(ctx, pkgs)
	if err != nil {
		return nil, err
	}
	report := &InstallReport{Installed: missing}
	for _, pkg := range pkgs {
		if !contains(missing, pkg) {
			report.Skipped = append(report.Skipped, pkg)
		}
	}
	if len(missing) == 0 {
		logutil.Info("apt_install_skipped", logutil.Fields{"packages": pkgs})
		return report, nil
	}

	script := strings.Join([]string{
		"apt-get update",
		"apt-get install -y --no-install-recommends " + strings.Join(missing, " "),
		"apt-get clean",
		"rm -rf /var/lib/apt/lists/*",
	}, " && ")
	if _, err := a.Runner.Run(ctx, "sh", "-c", script); err != nil {
		return nil, fmt.Errorf("apt install %s: %w", strings.Join(missing, " "), err)
	}

	still, err := a.Missing(ctx, missing)
	if err != nil {
		return nil, err
	}
	if len(still) > 0 {
		return nil, fmt.Errorf("packages not installed after apt-get: %s", strings.Join(still, ", "))
	}
	logutil.Info("apt_install_completed", logutil.Fields{"installed": missing, "skipped": report.Skipped})
	return report, nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
