package recipe

import (
	"encoding/json"
	"fmt"
	"path"
	"strings"
)

// Generator renders a Plan into Dockerfile text.
type Generator struct {
	// DownloadTries is passed to wget --tries. Zero means 5.
	DownloadTries int
}

// Dockerfile renders the four build components in order: base image, system
// packages, binary acquisition and the application layer.
func (g Generator) Dockerfile(p *Plan) (string, error) {
	if p == nil {
		return "", fmt.Errorf("plan is nil")
	}
	cmd, err := g.cmd(p)
	if err != nil {
		return "", err
	}
	return strings.Join(filterEmpty([]string{
		"# syntax=docker/dockerfile:1",
		fmt.Sprintf("# recipe %q, variant %q", p.Recipe, p.Variant),
		"FROM " + p.Base.String(),
		g.preamble(p),
		g.aptInstalls(p),
		g.binaryInstall(p),
		g.pipInstalls(p),
		fmt.Sprintf("COPY %s %s", path.Base(p.Handler), p.Handler),
		cmd,
	}), "\n") + "\n", nil
}

func (g Generator) preamble(p *Plan) string {
	return strings.Join([]string{
		"ENV DEBIAN_FRONTEND=noninteractive",
		"ENV PYTHONUNBUFFERED=1",
		fmt.Sprintf("ENV %s=%s", BinaryEnvVar, p.BinaryPath),
		"WORKDIR " + p.AppDir,
	}, "\n")
}

func (g Generator) aptInstalls(p *Plan) string {
	if len(p.Packages) == 0 {
		return ""
	}
	lines := []string{"RUN apt-get update && apt-get install -y --no-install-recommends \\"}
	for _, pkg := range p.Packages {
		lines = append(lines, "    "+pkg+" \\")
	}
	lines = append(lines, "    && apt-get clean \\", "    && rm -rf /var/lib/apt/lists/*")
	return strings.Join(lines, "\n")
}

func (g Generator) binaryInstall(p *Plan) string {
	tries := g.DownloadTries
	if tries <= 0 {
		tries = 5
	}
	archive := path.Join(p.AppDir, p.Binary.ArchiveName())
	extracted := path.Join(p.AppDir, p.Binary.ArchiveDir)

	var fetches []string
	for _, src := range p.Binary.Sources() {
		fetches = append(fetches, fmt.Sprintf("wget -q --tries=%d --waitretry=2 --retry-connrefused -O %s %q", tries, archive, src))
	}
	lines := []string{"RUN (" + strings.Join(fetches, " || ") + ") \\"}
	if p.Binary.SHA256 != "" {
		lines = append(lines, fmt.Sprintf("    && echo \"%s  %s\" | sha256sum -c - \\", p.Binary.SHA256, archive))
	}
	lines = append(lines,
		fmt.Sprintf("    && unzip -q %s -d %s \\", archive, p.AppDir),
		fmt.Sprintf("    && mv %s/* %s/ \\", extracted, p.AppDir),
		fmt.Sprintf("    && rmdir %s \\", extracted),
		fmt.Sprintf("    && rm -f %s \\", archive),
		fmt.Sprintf("    && chmod +x %s", p.BinaryPath),
	)
	return strings.Join(lines, "\n")
}

func (g Generator) pipInstalls(p *Plan) string {
	return strings.Join([]string{
		fmt.Sprintf("COPY %s %s", path.Base(p.Requirements), p.Requirements),
		"RUN pip install --no-cache-dir -r " + p.Requirements,
	}, "\n")
}

func (g Generator) cmd(p *Plan) (string, error) {
	if len(p.Command) == 0 {
		return "", fmt.Errorf("plan has no startup command")
	}
	data, err := json.Marshal(p.Command)
	if err != nil {
		return "", err
	}
	return "CMD " + string(data), nil
}

func filterEmpty(list []string) []string {
	filtered := []string{}
	for _, s := range list {
		if s != "" {
			filtered = append(filtered, s)
		}
	}
	return filtered
}
