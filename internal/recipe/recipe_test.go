package recipe

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func TestDefaultRecipeResolvesBothVariants(t *testing.T) {
	t.Parallel()

	r := Default()
	vulkan, err := r.Resolve(VariantVulkan)
	if err != nil {
		t.Fatalf("Resolve(vulkan): %v", err)
	}
	slim, err := r.Resolve(VariantSlim)
	if err != nil {
		t.Fatalf("Resolve(slim): %v", err)
	}

	wantSlim := []string{"python3-pip", "wget", "unzip", "ffmpeg"}
	if !reflect.DeepEqual(slim.Packages, wantSlim) {
		t.Fatalf("slim packages: got %v want %v", slim.Packages, wantSlim)
	}
	wantVulkan := append(append([]string(nil), wantSlim...), "libvulkan1")
	if !reflect.DeepEqual(vulkan.Packages, wantVulkan) {
		t.Fatalf("vulkan packages: got %v want %v", vulkan.Packages, wantVulkan)
	}

	if vulkan.BinaryPath != "/app/rife-ncnn-vulkan" {
		t.Fatalf("unexpected binary path %s", vulkan.BinaryPath)
	}
	wantCmd := []string{"python3", "-u", "/app/handler.py"}
	if !reflect.DeepEqual(vulkan.Command, wantCmd) {
		t.Fatalf("command: got %v want %v", vulkan.Command, wantCmd)
	}
}

func TestResolveUnknownVariant(t *testing.T) {
	t.Parallel()

	_, err := Default().Resolve("rocm")
	if err == nil || !strings.Contains(err.Error(), "slim, vulkan") {
		t.Fatalf("expected unknown variant error listing variants, got %v", err)
	}
}

func TestResolveDeduplicatesPackages(t *testing.T) {
	t.Parallel()

	r := Default()
	r.Variants = append(r.Variants, Variant{Name: "dup", ExtraPackages: []string{"ffmpeg", "libvulkan1", "ffmpeg"}})
	plan, err := r.Resolve("dup")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	want := []string{"python3-pip", "wget", "unzip", "ffmpeg", "libvulkan1"}
	if !reflect.DeepEqual(plan.Packages, want) {
		t.Fatalf("got %v want %v", plan.Packages, want)
	}
}

func TestValidateRejectsFloatingInputs(t *testing.T) {
	t.Parallel()

	cases := map[string]func(r *Recipe){
		"latest tag":      func(r *Recipe) { r.Base.Tag = "latest" },
		"missing tag":     func(r *Recipe) { r.Base.Tag = "" },
		"latest release":  func(r *Recipe) { r.Binary.URL = "https://github.com/nihui/rife-ncnn-vulkan/releases/latest/download/x.zip" },
		"nested dir":      func(r *Recipe) { r.Binary.ArchiveDir = "a/b" },
		"bad digest":      func(r *Recipe) { r.Binary.SHA256 = "abc" },
		"bad package":     func(r *Recipe) { r.Packages = []string{"Bad Name"} },
		"no variants":     func(r *Recipe) { r.Variants = nil },
		"dup variant":     func(r *Recipe) { r.Variants = append(r.Variants, Variant{Name: VariantSlim}) },
		"missing handler": func(r *Recipe) { r.App.Handler = "" },
	}
	for name, mutate := range cases {
		name, mutate := name, mutate
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			r := Default()
			mutate(r)
			if err := r.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestSourcesOrdersPrimaryFirst(t *testing.T) {
	t.Parallel()

	b := BinarySource{URL: "https://a/x.zip", Mirrors: []string{"https://b/x.zip", "https://a/x.zip", " "}}
	want := []string{"https://a/x.zip", "https://b/x.zip"}
	if got := b.Sources(); !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
	if b.ArchiveName() != "x.zip" {
		t.Fatalf("unexpected archive name %s", b.ArchiveName())
	}
}

func TestParseYAMLRecipe(t *testing.T) {
	t.Parallel()

	doc := `
name: custom
base:
  name: nvidia/cuda
  tag: 12.1.1-runtime-ubuntu22.04
packages: [python3-pip, wget, unzip, ffmpeg]
binary:
  url: https://example.com/releases/20221029/rife.zip
  sha256: 0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef
  archiveDir: rife-ncnn-vulkan-20221029-ubuntu
  binaryName: rife-ncnn-vulkan
  mirrors: [https://mirror.example.com/rife.zip]
app:
  requirements: requirements.txt
  handler: handler.py
  unbuffered: true
variants:
  - name: vulkan
    extraPackages: [libvulkan1]
`
	r, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	plan, err := r.Resolve("vulkan")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if plan.Base.String() != "nvidia/cuda:12.1.1-runtime-ubuntu22.04" {
		t.Fatalf("unexpected base %s", plan.Base)
	}
	if len(plan.Binary.Sources()) != 2 {
		t.Fatalf("expected mirror to be kept: %v", plan.Binary.Sources())
	}
}

func TestParseReportsSchemaViolations(t *testing.T) {
	t.Parallel()

	doc := `
name: broken
base: {name: nvidia/cuda}
packages: []
binary: {url: ftp://example.com/x.zip, archiveDir: x, binaryName: y}
app: {requirements: r.txt, handler: h.py}
variants: [{name: a, surprise: true}]
`
	_, err := Parse([]byte(doc))
	var schemaErr *SchemaError
	if !errors.As(err, &schemaErr) {
		t.Fatalf("expected SchemaError, got %v", err)
	}
	if len(schemaErr.Violations) < 3 {
		t.Fatalf("expected several violations, got %v", schemaErr.Violations)
	}
}

func TestLoadRoundTripsDefault(t *testing.T) {
	t.Parallel()

	data, err := Marshal(Default())
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	path := filepath.Join(t.TempDir(), "recipe.yaml")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !reflect.DeepEqual(loaded, Default()) {
		t.Fatalf("loaded recipe differs:\n got %+v\nwant %+v", loaded, Default())
	}
}

func TestLoadOrDefault(t *testing.T) {
	t.Parallel()

	r, err := LoadOrDefault("  ")
	if err != nil || r.Name != "rife-worker" {
		t.Fatalf("expected default recipe, got %+v err=%v", r, err)
	}
	if _, err := LoadOrDefault(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestDefaultRequiresPinnedBinary(t *testing.T) {
	t.Parallel()

	r := Default()
	if !r.Binary.RequireChecksum {
		t.Fatalf("default recipe must require a binary checksum")
	}
	if err := r.PinBinary("not-a-digest"); err == nil {
		t.Fatalf("expected error for malformed digest")
	}
	if err := r.PinBinary(""); err != nil || r.Binary.SHA256 != "" {
		t.Fatalf("empty digest should be a no-op, got %q err=%v", r.Binary.SHA256, err)
	}
	upper := strings.Repeat("AB", 32)
	if err := r.PinBinary(upper); err != nil {
		t.Fatalf("PinBinary: %v", err)
	}
	if r.Binary.SHA256 != strings.ToLower(upper) {
		t.Fatalf("digest not normalised: %q", r.Binary.SHA256)
	}
	if err := r.Validate(); err != nil {
		t.Fatalf("pinned recipe should validate: %v", err)
	}
}
