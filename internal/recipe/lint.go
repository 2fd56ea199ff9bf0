package recipe

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/moby/buildkit/frontend/dockerfile/parser"
)

// Severity grades a lint finding.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Finding is one lint result.
type Finding struct {
	Rule     string   `json:"rule"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	Line     int      `json:"line,omitempty"`
}

// LintReport collects findings for one Dockerfile.
type LintReport struct {
	Findings []Finding `json:"findings"`
}

// OK reports whether the Dockerfile has no error-level findings.
func (r *LintReport) OK() bool {
	for _, f := range r.Findings {
		if f.Severity == SeverityError {
			return false
		}
	}
	return true
}

// Errors returns only the error-level findings.
func (r *LintReport) Errors() []Finding {
	var out []Finding
	for _, f := range r.Findings {
		if f.Severity == SeverityError {
			out = append(out, f)
		}
	}
	return out
}

func (r *LintReport) add(rule string, sev Severity, line int, format string, args ...interface{}) {
	r.Findings = append(r.Findings, Finding{Rule: rule, Severity: sev, Line: line, Message: fmt.Sprintf(format, args...)})
}

// Lint parses a Dockerfile and checks it against the plan it should realize.
// It accepts Dockerfiles written by hand as well as generated ones.
func Lint(dockerfile string, p *Plan) (*LintReport, error) {
	res, err := parser.Parse(strings.NewReader(dockerfile))
	if err != nil {
		return nil, fmt.Errorf("parse dockerfile: %w", err)
	}
	report := &LintReport{}
	nodes := res.AST.Children
	if len(nodes) == 0 {
		report.add("base-image", SeverityError, 0, "dockerfile has no instructions")
		return report, nil
	}

	var (
		froms    []*parser.Node
		cmds     []*parser.Node
		runs     []*parser.Node
		envBin   string
		envLine  int
		copiedTo = map[string]int{}
	)
	for _, n := range nodes {
		switch n.Value {
		case "from":
			froms = append(froms, n)
		case "cmd":
			cmds = append(cmds, n)
		case "entrypoint":
			report.add("entrypoint", SeverityError, n.StartLine, "ENTRYPOINT would wrap the handler command; use CMD only")
		case "run":
			runs = append(runs, n)
		case "env":
			if v, ok := envValue(n, BinaryEnvVar); ok {
				envBin, envLine = v, n.StartLine
			}
		case "copy":
			if args := nodeArgs(n); len(args) >= 2 {
				copiedTo[args[len(args)-1]] = n.StartLine
			}
		}
	}

	lintBase(report, nodes[0], froms, p)
	lintBinary(report, runs, envBin, envLine, p)
	lintPackages(report, runs, p)
	lintPip(report, runs, p)
	if _, ok := copiedTo[p.Handler]; !ok {
		report.add("handler-copy", SeverityError, 0, "handler is not copied to %s", p.Handler)
	}
	if _, ok := copiedTo[p.Requirements]; !ok {
		report.add("requirements-copy", SeverityError, 0, "requirements manifest is not copied to %s", p.Requirements)
	}
	lintCmd(report, cmds, p)
	return report, nil
}

func lintBase(report *LintReport, first *parser.Node, froms []*parser.Node, p *Plan) {
	if first.Value != "from" {
		report.add("base-image", SeverityError, first.StartLine, "first instruction must be FROM, got %s", strings.ToUpper(first.Value))
	}
	if len(froms) != 1 {
		report.add("base-image", SeverityError, 0, "expected exactly one FROM, found %d", len(froms))
	}
	if len(froms) == 0 {
		return
	}
	args := nodeArgs(froms[0])
	if len(args) == 0 || args[0] != p.Base.String() {
		report.add("base-image", SeverityError, froms[0].StartLine, "base image must be %s", p.Base.String())
	}
}

func lintBinary(report *LintReport, runs []*parser.Node, envBin string, envLine int, p *Plan) {
	if envBin == "" {
		report.add("rife-bin-env", SeverityError, 0, "%s is not set", BinaryEnvVar)
	} else if envBin != p.BinaryPath {
		report.add("rife-bin-env", SeverityError, envLine, "%s=%s does not match the extracted binary %s", BinaryEnvVar, envBin, p.BinaryPath)
	}

	chmodTargets := []string{p.BinaryPath, "$" + BinaryEnvVar, "${" + BinaryEnvVar + "}"}
	archive := p.AppDir + "/" + p.Binary.ArchiveName()
	var download *parser.Node
	chmodFound := false
	for _, run := range runs {
		text := runText(run)
		for _, target := range chmodTargets {
			if containsWord(text, "chmod +x "+target) {
				chmodFound = true
			}
		}
		if strings.Contains(text, archive) && (strings.Contains(text, "wget ") || strings.Contains(text, "curl ")) {
			download = run
		}
	}
	if !chmodFound {
		report.add("binary-executable", SeverityError, 0, "no RUN marks %s executable", p.BinaryPath)
	}
	if download == nil {
		report.add("archive-cleanup", SeverityError, 0, "no RUN downloads %s", archive)
		return
	}
	text := runText(download)
	if !strings.Contains(text, "rm -f "+archive) && !strings.Contains(text, "rm "+archive) {
		report.add("archive-cleanup", SeverityError, download.StartLine, "archive %s is not removed in the layer that downloads it", archive)
	}
	for _, src := range p.Binary.Sources() {
		if !strings.Contains(text, src) {
			report.add("binary-source", SeverityError, download.StartLine, "download does not reference pinned source %s", src)
		}
	}
	if p.Binary.SHA256 == "" {
		severity := SeverityWarning
		if p.Binary.RequireChecksum {
			severity = SeverityError
		}
		report.add("checksum", severity, download.StartLine, "binary archive is not verified against a SHA-256 digest")
	} else if !strings.Contains(text, p.Binary.SHA256) || !strings.Contains(text, "sha256sum -c") {
		report.add("checksum", SeverityError, download.StartLine, "archive checksum %s is not verified", p.Binary.SHA256)
	}
}

func lintPackages(report *LintReport, runs []*parser.Node, p *Plan) {
	for _, run := range runs {
		text := runText(run)
		if !strings.Contains(text, "apt-get install") {
			continue
		}
		if !strings.Contains(text, "rm -rf /var/lib/apt/lists") {
			report.add("apt-cache", SeverityError, run.StartLine, "apt lists are not pruned in the install layer")
		}
		if !strings.Contains(text, " -y") {
			report.add("apt-noninteractive", SeverityError, run.StartLine, "apt-get install must run with -y")
		}
		fields := strings.Fields(text)
		for _, pkg := range p.Packages {
			if !contains(fields, pkg) {
				report.add("system-packages", SeverityError, run.StartLine, "package %s is not installed", pkg)
			}
		}
		return
	}
	report.add("system-packages", SeverityError, 0, "no RUN installs system packages")
}

func lintPip(report *LintReport, runs []*parser.Node, p *Plan) {
	for _, run := range runs {
		text := runText(run)
		if !strings.Contains(text, "pip install") {
			continue
		}
		if !strings.Contains(text, "--no-cache-dir") {
			report.add("pip-no-cache", SeverityError, run.StartLine, "pip install must disable its cache")
		}
		if !strings.Contains(text, "-r "+p.Requirements) {
			report.add("pip-manifest", SeverityError, run.StartLine, "pip install does not use %s", p.Requirements)
		}
		return
	}
	report.add("pip-manifest", SeverityError, 0, "no RUN installs the requirements manifest")
}

func lintCmd(report *LintReport, cmds []*parser.Node, p *Plan) {
	if len(cmds) != 1 {
		report.add("entrypoint", SeverityError, 0, "expected exactly one CMD, found %d", len(cmds))
		if len(cmds) == 0 {
			return
		}
	}
	cmd := cmds[len(cmds)-1]
	if !cmd.Attributes["json"] {
		report.add("entrypoint", SeverityError, cmd.StartLine, "CMD must use exec form so the handler is the only process")
		return
	}
	if got := nodeArgs(cmd); !reflect.DeepEqual(got, p.Command) {
		report.add("entrypoint", SeverityError, cmd.StartLine, "CMD %v does not launch %v", got, p.Command)
	}
}

func nodeArgs(n *parser.Node) []string {
	var out []string
	for next := n.Next; next != nil; next = next.Next {
		out = append(out, next.Value)
	}
	return out
}

// envValue reads key from an ENV instruction in either k=v or legacy "k v" form.
func envValue(n *parser.Node, key string) (string, bool) {
	text := strings.TrimSpace(n.Original)
	if len(text) < 4 || !strings.EqualFold(text[:4], "env ") {
		return "", false
	}
	fields := strings.Fields(text[4:])
	if len(fields) == 2 && !strings.Contains(fields[0], "=") && fields[0] == key {
		return strings.Trim(fields[1], `"`), true
	}
	for _, f := range fields {
		k, v, ok := strings.Cut(f, "=")
		if ok && k == key {
			return strings.Trim(v, `"`), true
		}
	}
	return "", false
}

func runText(n *parser.Node) string {
	text := strings.ReplaceAll(n.Original, "\\\n", " ")
	return strings.Join(strings.Fields(text), " ")
}

func containsWord(text, phrase string) bool {
	idx := strings.Index(text, phrase)
	for idx >= 0 {
		end := idx + len(phrase)
		if end == len(text) || text[end] == ' ' || text[end] == ';' || text[end] == '&' {
			return true
		}
		next := strings.Index(text[end:], phrase)
		if next < 0 {
			return false
		}
		idx = end + next
	}
	return false
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
