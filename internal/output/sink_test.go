package output

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/oremus-labs/rife-worker/config"
)

func TestVolumeSinkMovesOutput(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	src := filepath.Join(t.TempDir(), "render.mp4")
	if err := os.WriteFile(src, []byte("video"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	location, err := NewVolumeSink(root).Publish(context.Background(), "abc", src, "output_240fps_abc.mp4")
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	want := filepath.Join(root, "job_abc", "output_240fps_abc.mp4")
	if location != want {
		t.Fatalf("location %s want %s", location, want)
	}
	if data, err := os.ReadFile(want); err != nil || string(data) != "video" {
		t.Fatalf("unexpected output %q err=%v", data, err)
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Fatalf("source should be moved away")
	}
}

func TestVolumeSinkStripsDirectories(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	src := filepath.Join(t.TempDir(), "render.mp4")
	if err := os.WriteFile(src, []byte("video"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	location, err := NewVolumeSink(root).Publish(context.Background(), "abc", src, "../../etc/out.mp4")
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if location != filepath.Join(root, "job_abc", "out.mp4") {
		t.Fatalf("unexpected location %s", location)
	}
	if _, err := NewVolumeSink(root).Publish(context.Background(), "abc", src, ".."); err == nil {
		t.Fatalf("expected invalid filename error")
	}
}

func TestFromConfig(t *testing.T) {
	t.Parallel()

	sink, err := FromConfig(&config.Config{OutputSink: "volume", VolumeRoot: "/data"})
	if err != nil {
		t.Fatalf("FromConfig(volume): %v", err)
	}
	if _, ok := sink.(*VolumeSink); !ok {
		t.Fatalf("expected VolumeSink, got %T", sink)
	}
	sink, err = FromConfig(&config.Config{OutputSink: "minio", MinioEndpoint: "minio.local:9000", MinioBucket: "out"})
	if err != nil {
		t.Fatalf("FromConfig(minio): %v", err)
	}
	if _, ok := sink.(*MinioSink); !ok {
		t.Fatalf("expected MinioSink, got %T", sink)
	}
	if _, err := FromConfig(&config.Config{OutputSink: "ftp"}); err == nil {
		t.Fatalf("expected unsupported sink error")
	}
}
