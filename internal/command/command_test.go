package command

import (
	"context"
	"errors"
	"testing"
)

func TestExecReturnsStdoutOnly(t *testing.T) {
	t.Parallel()

	out, err := Exec{Env: []string{"RIFE_TEST_VALUE=hello"}}.Run(context.Background(), "sh", "-c", "echo $RIFE_TEST_VALUE; echo oops >&2")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if string(out) != "hello\n" {
		t.Fatalf("stderr leaked into output: %q", out)
	}
}

func TestExecExitErrorCarriesStderr(t *testing.T) {
	t.Parallel()

	_, err := Exec{}.Run(context.Background(), "sh", "-c", "echo partial; echo 'no such file' >&2; exit 1")
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected ExitError, got %v", err)
	}
	if exitErr.Output != "no such file" {
		t.Fatalf("expected stderr in error output, got %q", exitErr.Output)
	}
}

func TestExecReportsExitError(t *testing.T) {
	t.Parallel()

	_, err := Exec{}.Run(context.Background(), "sh", "-c", "echo broken; exit 3")
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected ExitError, got %v", err)
	}
	if exitErr.Output != "broken" || exitErr.Name != "sh" {
		t.Fatalf("unexpected error %+v", exitErr)
	}
}

func TestShellQuotes(t *testing.T) {
	t.Parallel()

	got := Shell("ffmpeg", "-i", "my video.mp4", "-map", "1:a:0?")
	want := "ffmpeg -i 'my video.mp4' -map '1:a:0?'"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}
