// Package command runs external tools (apt, pip, ffmpeg, the interpolation
// binary) behind a small interface so callers can be tested with fakes.
package command

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// Runner executes a program and returns its standard output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// Exec runs programs with os/exec.
type Exec struct {
	// Env is appended to the current process environment.
	Env []string
	Dir string
}

// Run executes name with args and returns stdout. Stderr is kept only for
// the *ExitError returned on a non-zero exit.
func (e Exec) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = e.Dir
	if len(e.Env) > 0 {
		cmd.Env = append(os.Environ(), e.Env...)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return stdout.Bytes(), ctx.Err()
		}
		diag := stderr.String()
		if strings.TrimSpace(diag) == "" {
			diag = stdout.String()
		}
		return stdout.Bytes(), &ExitError{Name: name, Args: args, Output: tail(diag, 2048), Err: err}
	}
	return stdout.Bytes(), nil
}

// ExitError describes a failed invocation.
type ExitError struct {
	Name   string
	Args   []string
	Output string
	Err    error
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s %s: %v", e.Name, strings.Join(e.Args, " "), e.Err)
	if e.Output != "" {
		msg += ": " + e.Output
	}
	return msg
}

func (e *ExitError) Unwrap() error { return e.Err }

// Shell joins a command line for logging.
func Shell(name string, args ...string) string {
	parts := append([]string{name}, args...)
	for i, p := range parts {
		if p == "" || strings.ContainsAny(p, " \t'\"$&|;<>*?") {
			parts[i] = "'" + strings.ReplaceAll(p, "'", `'\''`) + "'"
		}
	}
	return strings.Join(parts, " ")
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
