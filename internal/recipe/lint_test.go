package recipe

import (
	"strings"
	"testing"
)

const testDigest = "0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f"

func renderDefault(t *testing.T) (string, *Plan) {
	t.Helper()
	r := Default()
	if err := r.PinBinary(testDigest); err != nil {
		t.Fatalf("PinBinary: %v", err)
	}
	plan := resolve(t, r, VariantVulkan)
	out, err := Generator{}.Dockerfile(plan)
	if err != nil {
		t.Fatalf("Dockerfile: %v", err)
	}
	return out, plan
}

func TestLintGeneratedDockerfile(t *testing.T) {
	t.Parallel()

	out, plan := renderDefault(t)
	report, err := Lint(out, plan)
	if err != nil {
		t.Fatalf("Lint: %v", err)
	}
	if len(report.Findings) != 0 {
		t.Fatalf("expected no findings, got %+v", report.Findings)
	}
}

func TestLintRejectsUnpinnedDefaultBinary(t *testing.T) {
	t.Parallel()

	plan := resolve(t, Default(), VariantVulkan)
	out, err := Generator{}.Dockerfile(plan)
	if err != nil {
		t.Fatalf("Dockerfile: %v", err)
	}
	report, err := Lint(out, plan)
	if err != nil {
		t.Fatalf("Lint: %v", err)
	}
	errs := report.Errors()
	if len(errs) != 1 || errs[0].Rule != "checksum" {
		t.Fatalf("expected a single checksum error, got %+v", report.Findings)
	}

	optional := Default()
	optional.Binary.RequireChecksum = false
	plan = resolve(t, optional, VariantVulkan)
	if report, _ = Lint(out, plan); !report.OK() || len(report.Findings) != 1 || report.Findings[0].Severity != SeverityWarning {
		t.Fatalf("opted-out recipe should only warn, got %+v", report.Findings)
	}
}

func TestLintPinnedChecksumIsClean(t *testing.T) {
	t.Parallel()

	r := Default()
	r.Binary.SHA256 = strings.Repeat("0f", 32)
	plan := resolve(t, r, VariantSlim)
	out, err := Generator{}.Dockerfile(plan)
	if err != nil {
		t.Fatalf("Dockerfile: %v", err)
	}
	report, err := Lint(out, plan)
	if err != nil {
		t.Fatalf("Lint: %v", err)
	}
	if len(report.Findings) != 0 {
		t.Fatalf("expected no findings, got %+v", report.Findings)
	}
}

func TestLintDetectsBrokenDockerfiles(t *testing.T) {
	t.Parallel()

	out, plan := renderDefault(t)
	cases := []struct {
		name   string
		mutate func(string) string
		rule   string
	}{
		{
			name: "env mismatch",
			mutate: func(s string) string {
				return strings.Replace(s, "ENV RIFE_BIN=/app/rife-ncnn-vulkan", "ENV RIFE_BIN=/opt/rife", 1)
			},
			rule: "rife-bin-env",
		},
		{
			name: "shell form cmd",
			mutate: func(s string) string {
				return strings.Replace(s, `CMD ["python3","-u","/app/handler.py"]`, "CMD python3 -u /app/handler.py", 1)
			},
			rule: "entrypoint",
		},
		{
			name: "archive kept",
			mutate: func(s string) string {
				return strings.Replace(s, "    && rm -f /app/rife-ncnn-vulkan-20221029-ubuntu.zip \\\n", "", 1)
			},
			rule: "archive-cleanup",
		},
		{
			name: "apt cache kept",
			mutate: func(s string) string {
				return strings.Replace(s, "    && apt-get clean \\\n    && rm -rf /var/lib/apt/lists/*", "    && apt-get clean", 1)
			},
			rule: "apt-cache",
		},
		{
			name: "missing package",
			mutate: func(s string) string {
				return strings.Replace(s, "    ffmpeg \\\n", "", 1)
			},
			rule: "system-packages",
		},
		{
			name: "pip cache",
			mutate: func(s string) string {
				return strings.Replace(s, "pip install --no-cache-dir", "pip install", 1)
			},
			rule: "pip-no-cache",
		},
		{
			name: "entrypoint wrapper",
			mutate: func(s string) string {
				return s + `ENTRYPOINT ["/bin/sh", "-c"]` + "\n"
			},
			rule: "entrypoint",
		},
		{
			name: "wrong base",
			mutate: func(s string) string {
				return strings.Replace(s, "FROM runpod/pytorch:2.1.0-py3.10-cuda11.8.0-devel-ubuntu22.04", "FROM ubuntu:22.04", 1)
			},
			rule: "base-image",
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			broken := tc.mutate(out)
			if broken == out {
				t.Fatalf("mutation did not apply")
			}
			report, err := Lint(broken, plan)
			if err != nil {
				t.Fatalf("Lint: %v", err)
			}
			if report.OK() {
				t.Fatalf("expected errors")
			}
			found := false
			for _, f := range report.Errors() {
				if f.Rule == tc.rule {
					found = true
				}
			}
			if !found {
				t.Fatalf("expected rule %s, got %+v", tc.rule, report.Errors())
			}
		})
	}
}

func TestLintAcceptsLegacyEnvForm(t *testing.T) {
	t.Parallel()

	out, plan := renderDefault(t)
	legacy := strings.Replace(out, "ENV RIFE_BIN=/app/rife-ncnn-vulkan", "ENV RIFE_BIN /app/rife-ncnn-vulkan", 1)
	report, err := Lint(legacy, plan)
	if err != nil {
		t.Fatalf("Lint: %v", err)
	}
	if !report.OK() {
		t.Fatalf("legacy ENV form rejected: %+v", report.Errors())
	}
}
