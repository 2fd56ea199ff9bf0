// Package recipe describes the image build for the interpolation worker: the
// pinned base image, the OS packages, the vendored interpolation binary and
// the application layer. A recipe carries named variants that differ only in
// extra OS packages, and renders to a Dockerfile or runs locally through the
// pipeline package.
package recipe

import (
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
)

// DefaultAppDir is the application root inside the image.
const DefaultAppDir = "/app"

// BinaryEnvVar names the environment variable holding the binary path.
const BinaryEnvVar = "RIFE_BIN"

// ImageRef pins a base image by name and tag.
type ImageRef struct {
	Name string `json:"name"`
	Tag  string `json:"tag"`
}

// String renders the reference as name:tag.
func (r ImageRef) String() string {
	return r.Name + ":" + r.Tag
}

// Validate rejects empty and floating references.
func (r ImageRef) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return errors.New("base image name is required")
	}
	if strings.TrimSpace(r.Tag) == "" {
		return fmt.Errorf("base image %s must be pinned to a tag", r.Name)
	}
	if r.Tag == "latest" {
		return fmt.Errorf("base image %s must not use the floating tag \"latest\"", r.Name)
	}
	return nil
}

// BinarySource locates the release archive of the interpolation binary.
//
// ArchiveDir is the top-level directory inside the archive. It is fixed per
// release; a vendor layout change surfaces as an acquisition error and must be
// fixed here together with the URL.
type BinarySource struct {
	URL        string   `json:"url"`
	SHA256     string   `json:"sha256,omitempty"`
	ArchiveDir string   `json:"archiveDir"`
	BinaryName string   `json:"binaryName"`
	Mirrors    []string `json:"mirrors,omitempty"`
	// RequireChecksum refuses to build or install the archive unless SHA256
	// is set.
	RequireChecksum bool `json:"requireChecksum,omitempty"`
}

// PinBinary sets the expected SHA-256 digest of the binary archive.
func (r *Recipe) PinBinary(digest string) error {
	digest = strings.ToLower(strings.TrimSpace(digest))
	if digest == "" {
		return nil
	}
	if !isHexDigest(digest) {
		return fmt.Errorf("binary sha256 %q is not a 64 character hex digest", digest)
	}
	r.Binary.SHA256 = digest
	return nil
}

// Sources returns the primary URL followed by the mirrors, without duplicates.
func (b BinarySource) Sources() []string {
	seen := map[string]struct{}{}
	var out []string
	for _, u := range append([]string{b.URL}, b.Mirrors...) {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}

// ArchiveName is the file name the archive is stored under while extracting.
func (b BinarySource) ArchiveName() string {
	name := path.Base(b.URL)
	if name == "." || name == "/" || name == "" {
		return "rife.zip"
	}
	return name
}

// BinaryPath is where the binary lands once the archive is flattened into appDir.
func (b BinarySource) BinaryPath(appDir string) string {
	return path.Join(appDir, b.BinaryName)
}

// AppLayer describes the Python layer and the startup command.
type AppLayer struct {
	Requirements string   `json:"requirements"`
	Handler      string   `json:"handler"`
	Interpreter  string   `json:"interpreter,omitempty"`
	Unbuffered   bool     `json:"unbuffered"`
	Command      []string `json:"command,omitempty"`
}

// Variant names an environment-specific package set.
type Variant struct {
	Name          string   `json:"name"`
	Description   string   `json:"description,omitempty"`
	ExtraPackages []string `json:"extraPackages,omitempty"`
}

// Recipe is the full build description.
type Recipe struct {
	Name     string       `json:"name"`
	AppDir   string       `json:"appDir,omitempty"`
	Base     ImageRef     `json:"base"`
	Packages []string     `json:"packages"`
	Binary   BinarySource `json:"binary"`
	App      AppLayer     `json:"app"`
	Variants []Variant    `json:"variants"`
}

// Plan is a recipe resolved for one variant. All paths are absolute.
type Plan struct {
	Recipe       string
	Variant      string
	AppDir       string
	Base         ImageRef
	Packages     []string
	Binary       BinarySource
	BinaryPath   string
	Requirements string
	Handler      string
	Command      []string
}

// Validate checks the recipe for structural problems.
func (r *Recipe) Validate() error {
	if r == nil {
		return errors.New("recipe is nil")
	}
	if err := r.Base.Validate(); err != nil {
		return err
	}
	if len(r.Packages) == 0 {
		return errors.New("recipe must list at least one system package")
	}
	for _, pkg := range r.Packages {
		if !validPackageName(pkg) {
			return fmt.Errorf("invalid package name %q", pkg)
		}
	}
	if r.Binary.URL == "" {
		return errors.New("binary url is required")
	}
	if strings.Contains(r.Binary.URL, "/latest/") {
		return fmt.Errorf("binary url %s must pin a release", r.Binary.URL)
	}
	if r.Binary.ArchiveDir == "" || strings.Contains(r.Binary.ArchiveDir, "/") {
		return fmt.Errorf("binary archiveDir %q must be a single directory name", r.Binary.ArchiveDir)
	}
	if r.Binary.BinaryName == "" || strings.Contains(r.Binary.BinaryName, "/") {
		return fmt.Errorf("binary name %q must be a plain file name", r.Binary.BinaryName)
	}
	if r.Binary.SHA256 != "" && !isHexDigest(r.Binary.SHA256) {
		return fmt.Errorf("binary sha256 %q is not a hex SHA-256 digest", r.Binary.SHA256)
	}
	if r.App.Handler == "" {
		return errors.New("app handler is required")
	}
	if r.App.Requirements == "" {
		return errors.New("app requirements manifest is required")
	}
	if len(r.Variants) == 0 {
		return errors.New("recipe must declare at least one variant")
	}
	names := map[string]struct{}{}
	for _, v := range r.Variants {
		if v.Name == "" {
			return errors.New("variant name is required")
		}
		if _, dup := names[v.Name]; dup {
			return fmt.Errorf("duplicate variant %q", v.Name)
		}
		names[v.Name] = struct{}{}
		for _, pkg := range v.ExtraPackages {
			if !validPackageName(pkg) {
				return fmt.Errorf("variant %s: invalid package name %q", v.Name, pkg)
			}
		}
	}
	return nil
}

// VariantNames lists the declared variants in sorted order.
func (r *Recipe) VariantNames() []string {
	names := make([]string, 0, len(r.Variants))
	for _, v := range r.Variants {
		names = append(names, v.Name)
	}
	sort.Strings(names)
	return names
}

// Resolve produces the plan for the named variant.
func (r *Recipe) Resolve(variant string) (*Plan, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	var selected *Variant
	for i := range r.Variants {
		if r.Variants[i].Name == variant {
			selected = &r.Variants[i]
			break
		}
	}
	if selected == nil {
		return nil, fmt.Errorf("unknown variant %q (available: %s)", variant, strings.Join(r.VariantNames(), ", "))
	}

	appDir := r.AppDir
	if appDir == "" {
		appDir = DefaultAppDir
	}
	appDir = path.Clean(appDir)
	if !path.IsAbs(appDir) {
		return nil, fmt.Errorf("appDir %q must be absolute", r.AppDir)
	}

	plan := &Plan{
		Recipe:       r.Name,
		Variant:      selected.Name,
		AppDir:       appDir,
		Base:         r.Base,
		Packages:     mergePackages(r.Packages, selected.ExtraPackages),
		Binary:       r.Binary,
		BinaryPath:   r.Binary.BinaryPath(appDir),
		Requirements: path.Join(appDir, path.Base(r.App.Requirements)),
		Handler:      path.Join(appDir, path.Base(r.App.Handler)),
	}
	plan.Command = r.App.command(plan.Handler)
	return plan, nil
}

func (a AppLayer) command(handlerPath string) []string {
	if len(a.Command) > 0 {
		return append([]string(nil), a.Command...)
	}
	interp := a.Interpreter
	if interp == "" {
		interp = "python3"
	}
	cmd := []string{interp}
	if a.Unbuffered {
		cmd = append(cmd, "-u")
	}
	return append(cmd, handlerPath)
}

func mergePackages(base, extra []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(base)+len(extra))
	for _, list := range [][]string{base, extra} {
		for _, pkg := range list {
			pkg = strings.TrimSpace(pkg)
			if _, ok := seen[pkg]; ok || pkg == "" {
				continue
			}
			seen[pkg] = struct{}{}
			out = append(out, pkg)
		}
	}
	return out
}

// Debian package names: lowercase alphanumerics plus + - . and at least two characters.
func validPackageName(name string) bool {
	if len(name) < 2 {
		return false
	}
	for i, c := range name {
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		case (c == '+' || c == '-' || c == '.') && i > 0:
		default:
			return false
		}
	}
	return true
}

func isHexDigest(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, c := range s {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}
