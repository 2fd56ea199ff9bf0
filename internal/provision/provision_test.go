package provision

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/oremus-labs/rife-worker/internal/command"
)

// fakeRunner answers dpkg-query and pip show from an installed set and
// records every other invocation.
type fakeRunner struct {
	mu        sync.Mutex
	installed map[string]string
	calls     []string
	failShell bool
	// installOnShell marks packages installed when the apt shell step runs.
	installOnShell []string
	// rejected lists "specifier version" pairs the specifier check refuses.
	rejected map[string]bool
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	line := name + " " + strings.Join(args, " ")
	switch {
	case name == "dpkg-query":
		pkg := args[len(args)-1]
		if _, ok := f.installed[pkg]; ok {
			return []byte("install ok installed"), nil
		}
		return []byte("dpkg-query: no packages found matching " + pkg), &command.ExitError{Name: name, Args: args, Err: errors.New("exit status 1")}
	case len(args) >= 3 && args[1] == "pip" && args[2] == "show":
		pkg := args[3]
		if v, ok := f.installed[pkg]; ok {
			return []byte("Name: " + pkg + "\nVersion: " + v + "\n"), nil
		}
		return nil, &command.ExitError{Name: name, Args: args, Err: errors.New("exit status 1")}
	case len(args) == 4 && args[0] == "-c":
		if f.rejected[args[2]+" "+args[3]] {
			return []byte("mismatch\n"), nil
		}
		return []byte("ok\n"), nil
	}
	f.calls = append(f.calls, line)
	if name == "sh" {
		if f.failShell {
			return []byte("E: Unable to locate package"), &command.ExitError{Name: name, Args: args, Err: errors.New("exit status 100")}
		}
		for _, pkg := range f.installOnShell {
			f.installed[pkg] = "1"
		}
	}
	return nil, nil
}

func TestAptInstallsOnlyMissingPackages(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{
		installed:      map[string]string{"wget": "1", "unzip": "1"},
		installOnShell: []string{"ffmpeg", "libvulkan1"},
	}
	apt := &Apt{Runner: runner}

	report, err := apt.Install(context.Background(), []string{"wget", "unzip", "ffmpeg", "libvulkan1"})
	if err != nil {
		t.Fatalf("Install() error = %v", err)
	}
	if !reflect.DeepEqual(report.Installed, []string{"ffmpeg", "libvulkan1"}) {
		t.Fatalf("unexpected installed %v", report.Installed)
	}
	if !reflect.DeepEqual(report.Skipped, []string{"wget", "unzip"}) {
		t.Fatalf("unexpected skipped %v", report.Skipped)
	}
	if len(runner.calls) != 1 {
		t.Fatalf("expected one shell step, got %v", runner.calls)
	}
	want := "sh -c apt-get update && apt-get install -y --no-install-recommends ffmpeg libvulkan1 && apt-get clean && rm -rf /var/lib/apt/lists/*"
	if runner.calls[0] != want {
		t.Fatalf("got %q\nwant %q", runner.calls[0], want)
	}
}

func TestAptInstallIsIdempotent(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{installed: map[string]string{"wget": "1", "ffmpeg": "1"}}
	apt := &Apt{Runner: runner}
	report, err := apt.Install(context.Background(), []string{"wget", "ffmpeg"})
	if err != nil {
		t.Fatalf("Install() error = %v", err)
	}
	if len(report.Installed) != 0 || len(runner.calls) != 0 {
		t.Fatalf("expected no-op, got report=%+v calls=%v", report, runner.calls)
	}
}

func TestAptInstallFailure(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{installed: map[string]string{}, failShell: true}
	_, err := (&Apt{Runner: runner}).Install(context.Background(), []string{"ffmpeg"})
	var exitErr *command.ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected ExitError, got %v", err)
	}
}

func TestAptInstallDetectsSilentFailure(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{installed: map[string]string{}}
	_, err := (&Apt{Runner: runner}).Install(context.Background(), []string{"ffmpeg"})
	if err == nil || !strings.Contains(err.Error(), "ffmpeg") {
		t.Fatalf("expected post-install verification error, got %v", err)
	}
}

func TestAptRejectsInvalidNames(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{installed: map[string]string{}}
	if _, err := (&Apt{Runner: runner}).Install(context.Background(), []string{"ffmpeg; rm -rf /"}); err == nil {
		t.Fatalf("expected invalid package name error")
	}
	if len(runner.calls) != 0 {
		t.Fatalf("nothing should run, got %v", runner.calls)
	}
}

func TestParseRequirements(t *testing.T) {
	t.Parallel()

	manifest := `# runtime
runpod>=1.5.0
requests[socks, security] == 2.31.0  # http
Pillow
opencv_python-headless; python_version >= "3.8"
-r extra.txt
--extra-index-url https://download.pytorch.org/whl/cu118
git+https://github.com/example/pkg.git
numpy \
  <2
`
	m, err := ParseRequirements(strings.NewReader(manifest))
	if err != nil {
		t.Fatalf("ParseRequirements() error = %v", err)
	}
	var names []string
	for _, r := range m.Requirements {
		names = append(names, r.Name)
	}
	wantNames := []string{"runpod", "requests", "pillow", "opencv-python-headless", "numpy"}
	if !reflect.DeepEqual(names, wantNames) {
		t.Fatalf("names: got %v want %v", names, wantNames)
	}
	req := m.Requirements[1]
	if !reflect.DeepEqual(req.Extras, []string{"socks", "security"}) || req.Specifier != "==2.31.0" || req.Line != 3 {
		t.Fatalf("unexpected requirement %+v", req)
	}
	if m.Requirements[3].Marker != `python_version >= "3.8"` {
		t.Fatalf("unexpected marker %q", m.Requirements[3].Marker)
	}
	if m.Requirements[4].Specifier != "<2" || m.Requirements[4].Line != 9 {
		t.Fatalf("continuation not joined: %+v", m.Requirements[4])
	}
	if len(m.Skipped) != 3 {
		t.Fatalf("expected 3 skipped lines, got %v", m.Skipped)
	}
}

func TestPipInstallAndCheck(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	manifest := filepath.Join(dir, "requirements.txt")
	if err := os.WriteFile(manifest, []byte("runpod\nrequests==2.31.0\n"), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	runner := &fakeRunner{installed: map[string]string{"runpod": "1.6.2"}}
	pip := &Pip{Runner: runner, Python: "python3"}

	if err := pip.Install(context.Background(), manifest); err != nil {
		t.Fatalf("Install() error = %v", err)
	}
	want := "python3 -m pip install --no-cache-dir -r " + manifest
	if len(runner.calls) != 1 || runner.calls[0] != want {
		t.Fatalf("unexpected calls %v", runner.calls)
	}

	statuses, err := pip.Check(context.Background(), manifest)
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if len(statuses) != 2 || !statuses[0].Installed || statuses[0].Version != "1.6.2" || statuses[1].Installed {
		t.Fatalf("unexpected statuses %+v", statuses)
	}
	if missing := MissingRequirements(statuses); !reflect.DeepEqual(missing, []string{"requests"}) {
		t.Fatalf("unexpected missing %v", missing)
	}
}

func TestPipCheckReportsVersionMismatch(t *testing.T) {
	t.Parallel()

	manifest := filepath.Join(t.TempDir(), "requirements.txt")
	if err := os.WriteFile(manifest, []byte("runpod>=2.0\nrequests>=2.0\n"), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	runner := &fakeRunner{
		installed: map[string]string{"runpod": "1.0.0", "requests": "2.31.0"},
		rejected:  map[string]bool{">=2.0 1.0.0": true},
	}
	pip := &Pip{Runner: runner, Python: "python3"}

	statuses, err := pip.Check(context.Background(), manifest)
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if !statuses[0].Installed || !statuses[0].Mismatch {
		t.Fatalf("runpod 1.0.0 must be flagged against >=2.0: %+v", statuses[0])
	}
	if statuses[1].Mismatch {
		t.Fatalf("requests 2.31.0 satisfies >=2.0: %+v", statuses[1])
	}
	missing := MissingRequirements(statuses)
	if !reflect.DeepEqual(missing, []string{"runpod>=2.0 (installed 1.0.0)"}) {
		t.Fatalf("unexpected missing %v", missing)
	}
}
