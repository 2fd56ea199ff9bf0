package provision

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Requirement is one entry of a pip requirements manifest.
type Requirement struct {
	Name      string   `json:"name"`
	Extras    []string `json:"extras,omitempty"`
	Specifier string   `json:"specifier,omitempty"`
	Marker    string   `json:"marker,omitempty"`
	Line      int      `json:"line"`
}

// Manifest is a parsed requirements file.
type Manifest struct {
	Requirements []Requirement `json:"requirements"`
	// Skipped holds lines that are not plain requirements (includes,
	// options, URLs, editable installs).
	Skipped []string `json:"skipped,omitempty"`
}

// LoadRequirements parses a requirements file from disk.
func LoadRequirements(path string) (*Manifest, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open manifest: %w", err)
	}
	defer f.Close()
	return ParseRequirements(f)
}

// ParseRequirements reads requirement lines, dropping comments and joining
// backslash continuations.
func ParseRequirements(r io.Reader) (*Manifest, error) {
	m := &Manifest{}
	scanner := bufio.NewScanner(r)
	var (
		lineNo  int
		pending string
		start   int
	)
	for scanner.Scan() {
		lineNo++
		text := scanner.Text()
		if pending == "" {
			start = lineNo
		}
		if strings.HasSuffix(text, `\`) {
			pending += strings.TrimSuffix(text, `\`)
			continue
		}
		text = pending + text
		pending = ""

		text = stripComment(text)
		if text == "" {
			continue
		}
		if strings.HasPrefix(text, "-") || strings.Contains(text, "://") {
			m.Skipped = append(m.Skipped, text)
			continue
		}
		req, err := parseRequirement(text)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", start, err)
		}
		req.Line = start
		m.Requirements = append(m.Requirements, req)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return m, nil
}

func stripComment(line string) string {
	if idx := strings.Index(line, "#"); idx == 0 {
		return ""
	} else if idx > 0 && (line[idx-1] == ' ' || line[idx-1] == '\t') {
		line = line[:idx]
	}
	return strings.TrimSpace(line)
}

func parseRequirement(text string) (Requirement, error) {
	var req Requirement
	if spec, marker, ok := strings.Cut(text, ";"); ok {
		text = strings.TrimSpace(spec)
		req.Marker = strings.TrimSpace(marker)
	}
	end := strings.IndexAny(text, "[<>=!~ @")
	name := text
	rest := ""
	if end >= 0 {
		name, rest = text[:end], strings.TrimSpace(text[end:])
	}
	if name == "" {
		return req, fmt.Errorf("missing package name in %q", text)
	}
	if strings.HasPrefix(rest, "[") {
		closing := strings.Index(rest, "]")
		if closing < 0 {
			return req, fmt.Errorf("unterminated extras in %q", text)
		}
		for _, extra := range strings.Split(rest[1:closing], ",") {
			if extra = strings.TrimSpace(extra); extra != "" {
				req.Extras = append(req.Extras, extra)
			}
		}
		rest = strings.TrimSpace(rest[closing+1:])
	}
	req.Name = NormalizeName(name)
	req.Specifier = strings.ReplaceAll(rest, " ", "")
	return req, nil
}

// NormalizeName applies the PEP 503 normalization pip uses for lookups.
func NormalizeName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	var b strings.Builder
	lastDash := false
	for _, r := range name {
		if r == '-' || r == '_' || r == '.' {
			if !lastDash {
				b.WriteByte('-')
			}
			lastDash = true
			continue
		}
		b.WriteRune(r)
		lastDash = false
	}
	return b.String()
}
