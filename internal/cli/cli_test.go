package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append(args, "--config", filepath.Join(t.TempDir(), "config.yaml")))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestConfigRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig on missing file: %v", err)
	}
	setContext(cfg, Context{Name: "lab", Server: "http://lab:8080", Token: "t"}, false)
	setContext(cfg, Context{Name: "prod", Server: "https://prod"}, false)
	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected 0600 config, got %v", info.Mode().Perm())
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if loaded.CurrentContext != "lab" {
		t.Fatalf("first context should become current, got %q", loaded.CurrentContext)
	}
	if loaded.Contexts["lab"].Token != "t" || loaded.Contexts["prod"].Server != "https://prod" {
		t.Fatalf("unexpected contexts: %+v", loaded.Contexts)
	}
}

func TestRenderPrintsDockerfile(t *testing.T) {
	out, err := runCLI(t, "render", "--variant", "vulkan", "--lint", "--binary-sha256", strings.Repeat("0f", 32))
	if err != nil {
		t.Fatalf("render: %v\n%s", err, out)
	}
	if !strings.Contains(out, "sha256sum -c") {
		t.Fatalf("pinned digest not verified in render:\n%s", out)
	}
	if !strings.Contains(out, "FROM ") || !strings.Contains(out, "rife-ncnn-vulkan") {
		t.Fatalf("unexpected render output:\n%s", out)
	}
}

func TestRenderLintRejectsUnpinnedBinary(t *testing.T) {
	out, err := runCLI(t, "render", "--variant", "vulkan", "--lint", "--binary-sha256", "")
	if err == nil {
		t.Fatalf("expected unpinned binary to fail lint, got:\n%s", out)
	}
	if !strings.Contains(out, "checksum") {
		t.Fatalf("expected checksum finding, got:\n%s", out)
	}
}

func TestLintRejectsForeignDockerfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "Dockerfile")
	if err := os.WriteFile(path, []byte("FROM alpine:3.19\nCMD [\"sh\"]\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	out, err := runCLI(t, "lint", path)
	if err == nil {
		t.Fatalf("expected lint errors, got output:\n%s", out)
	}
	if !strings.Contains(out, "error") {
		t.Fatalf("expected findings table, got:\n%s", out)
	}
}

func TestUnknownVariantFails(t *testing.T) {
	if _, err := runCLI(t, "render", "--variant", "nope"); err == nil {
		t.Fatalf("expected unknown variant error")
	}
}

func TestSubmitRequiresInput(t *testing.T) {
	if _, err := runCLI(t, "submit", "--server", "http://127.0.0.1:1"); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestJobsListAgainstServer(t *testing.T) {
	var gotAuth, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"jobs":[{"id":"0123456789abcdef","status":"running","stage":"interpolating","progress":50,"attempt":1,"maxAttempts":3}]}`))
	}))
	defer srv.Close()

	out, err := runCLI(t, "jobs", "list", "--server", srv.URL, "--token", "secret", "--status", "running")
	if err != nil {
		t.Fatalf("jobs list: %v", err)
	}
	if gotAuth != "Bearer secret" {
		t.Fatalf("expected bearer token, got %q", gotAuth)
	}
	if !strings.Contains(gotQuery, "status=running") {
		t.Fatalf("expected status filter, got %q", gotQuery)
	}
	if !strings.Contains(out, "01234567") || !strings.Contains(out, "50%") {
		t.Fatalf("unexpected table:\n%s", out)
	}
}

func TestClientSurfacesAPIError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "video_url or video_path is required"})
	}))
	defer srv.Close()

	client := &Client{BaseURL: srv.URL}
	err := client.PostJSON(context.Background(), "/jobs", map[string]string{}, nil)
	if err == nil || !strings.Contains(err.Error(), "video_url or video_path is required") {
		t.Fatalf("expected API error message, got %v", err)
	}
}

func TestReadEventsParsesStream(t *testing.T) {
	t.Parallel()

	stream := ": keep-alive\n\n" +
		"event:job.running\ndata:{\"id\":\"e1\",\"type\":\"job.running\",\"data\":{\"id\":\"j1\",\"status\":\"running\"}}\n\n" +
		"event:job.completed\ndata:{\"id\":\"e2\",\"data\":{\"id\":\"j1\",\"status\":\"completed\"}}\n\n" +
		"event:job.log\ndata:{\"id\":\"e3\",\"type\":\"job.log\"}\n\n"

	var seen []string
	err := readEvents(context.Background(), strings.NewReader(stream), func(ev EventEnvelope) bool {
		seen = append(seen, ev.Type)
		var job Job
		_ = json.Unmarshal(ev.Data, &job)
		return !job.Terminal()
	})
	if err != nil {
		t.Fatalf("readEvents: %v", err)
	}
	if len(seen) != 2 || seen[0] != "job.running" || seen[1] != "job.completed" {
		t.Fatalf("unexpected events %v", seen)
	}
}

func TestHumanDuration(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"0s":    humanDuration(0),
		"1h 2m": humanDuration(3723e9),
		"45s":   humanDuration(45e9),
		"250ms": humanDuration(250e6),
	}
	for want, got := range cases {
		if want != got {
			t.Fatalf("expected %q, got %q", want, got)
		}
	}
}

func TestInterpolatePairWritesIntermediateFrames(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, "rife-ncnn-vulkan")
	script := `#!/bin/sh
while [ $# -gt 0 ]; do
  case "$1" in
    -o) out="$2"; shift ;;
    -s) step="$2"; shift ;;
  esac
  shift
done
echo "$step" > "$out"
`
	if err := os.WriteFile(bin, []byte(script), 0o755); err != nil {
		t.Fatalf("write binary: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "rife-v4.6"), 0o755); err != nil {
		t.Fatalf("mkdir model: %v", err)
	}
	frameA := filepath.Join(dir, "a.png")
	frameB := filepath.Join(dir, "b.png")
	for _, f := range []string{frameA, frameB} {
		if err := os.WriteFile(f, []byte("png"), 0o644); err != nil {
			t.Fatalf("write frame: %v", err)
		}
	}
	t.Setenv("RIFE_BIN", bin)
	t.Setenv("RIFE_MODEL_DIR", dir)

	outDir := filepath.Join(dir, "frames")
	out, err := runCLI(t, "interpolate", "--pair", frameA, frameB, "--factor", "4", "--output-dir", outDir)
	if err != nil {
		t.Fatalf("interpolate --pair: %v\n%s", err, out)
	}
	want := []string{"0.250000", "0.500000", "0.750000"}
	for i, step := range want {
		path := filepath.Join(outDir, fmt.Sprintf("%08d.png", i+1))
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("frame %d: %v", i+1, err)
		}
		if strings.TrimSpace(string(data)) != step {
			t.Fatalf("frame %d timestep = %q, want %s", i+1, data, step)
		}
		if !strings.Contains(out, path) {
			t.Fatalf("output does not list %s:\n%s", path, out)
		}
	}

	if _, err := runCLI(t, "interpolate", "--pair", frameA); err == nil {
		t.Fatalf("expected --pair with one frame to fail")
	}
}
