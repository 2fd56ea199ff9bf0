package media

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/oremus-labs/rife-worker/internal/command"
)

type scriptedRunner struct {
	responses map[string]string
	calls     [][]string
}

func (s *scriptedRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	s.calls = append(s.calls, append([]string{name}, args...))
	for key, resp := range s.responses {
		if strings.Contains(strings.Join(args, " "), key) {
			return []byte(resp), nil
		}
	}
	return nil, nil
}

func TestPlanInterpolation(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		fps    float64
		frames int
		target float64
		want   Plan
	}{
		{"30 to 240", 30, 300, 240, Plan{Multiplier: 8, FramesToGenerate: 2393, TotalFrames: 2400, FramesToPad: 7}},
		{"half rounds to even", 96, 10, 240, Plan{Multiplier: 2, FramesToGenerate: 19, TotalFrames: 25, FramesToPad: 6}},
		{"ntsc overshoot", 24000.0 / 1001.0, 100, 60, Plan{Multiplier: 3, FramesToGenerate: 298, TotalFrames: 250, FramesToPad: -48}},
		{"same rate", 60, 120, 60, Plan{Multiplier: 1, FramesToGenerate: 120, TotalFrames: 120, FramesToPad: 0}},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := PlanInterpolation(tc.fps, tc.frames, tc.target)
			if err != nil {
				t.Fatalf("PlanInterpolation() error = %v", err)
			}
			if got != tc.want {
				t.Fatalf("got %+v want %+v", got, tc.want)
			}
		})
	}
}

func TestPlanInterpolationRejectsBadInput(t *testing.T) {
	t.Parallel()

	for _, in := range []struct {
		fps    float64
		frames int
		target float64
	}{{0, 10, 240}, {30, 0, 240}, {30, 10, 0}, {240, 10, 30}} {
		if _, err := PlanInterpolation(in.fps, in.frames, in.target); err == nil {
			t.Fatalf("expected error for %+v", in)
		}
	}
}

func TestParseFrameRate(t *testing.T) {
	t.Parallel()

	if fps, err := ParseFrameRate("30000/1001"); err != nil || fmt.Sprintf("%.3f", fps) != "29.970" {
		t.Fatalf("got %v %v", fps, err)
	}
	if fps, err := ParseFrameRate("25"); err != nil || fps != 25 {
		t.Fatalf("got %v %v", fps, err)
	}
	if _, err := ParseFrameRate("30/0"); err == nil {
		t.Fatalf("expected zero denominator error")
	}
}

func TestProbeReadsHeaderCount(t *testing.T) {
	t.Parallel()

	runner := &scriptedRunner{responses: map[string]string{
		"stream=r_frame_rate,nb_frames": `{"streams":[{"r_frame_rate":"30/1","nb_frames":"300"}]}`,
	}}
	tool := &Tool{Runner: runner, FFmpeg: "ffmpeg", FFprobe: "ffprobe"}
	info, err := tool.Probe(context.Background(), "in.mp4")
	if err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if info.FPS != 30 || info.Frames != 300 || len(runner.calls) != 1 {
		t.Fatalf("unexpected info %+v calls %v", info, runner.calls)
	}
}

func TestProbeCountsFramesWhenHeaderMissing(t *testing.T) {
	t.Parallel()

	runner := &scriptedRunner{responses: map[string]string{
		"stream=r_frame_rate,nb_frames": `{"streams":[{"r_frame_rate":"25/1","nb_frames":"N/A"}]}`,
		"stream=nb_read_frames":         `{"streams":[{"nb_read_frames":"125"}]}`,
	}}
	tool := &Tool{Runner: runner, FFmpeg: "ffmpeg", FFprobe: "ffprobe"}
	info, err := tool.Probe(context.Background(), "in.webm")
	if err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if info.Frames != 125 || len(runner.calls) != 2 {
		t.Fatalf("unexpected info %+v calls %v", info, runner.calls)
	}
}

func TestEncodeArguments(t *testing.T) {
	t.Parallel()

	runner := &scriptedRunner{}
	tool := &Tool{Runner: runner, FFmpeg: "ffmpeg", FFprobe: "ffprobe"}
	if err := tool.Encode(context.Background(), EncodeRequest{FramesDir: "/w/out", FPS: 240, AudioSource: "/w/input.mp4", Output: "/w/final.mp4"}); err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	want := []string{"ffmpeg", "-framerate", "240", "-i", "/w/out/%08d.png", "-i", "/w/input.mp4", "-c:v", "libx264", "-pix_fmt", "yuv420p", "-c:a", "copy", "-map", "0:v:0", "-map", "1:a:0?", "/w/final.mp4", "-y"}
	if !reflect.DeepEqual(runner.calls[0], want) {
		t.Fatalf("got %v\nwant %v", runner.calls[0], want)
	}
}

func TestDeduplicateArguments(t *testing.T) {
	t.Parallel()

	runner := &scriptedRunner{}
	tool := &Tool{Runner: runner, FFmpeg: "ffmpeg", FFprobe: "ffprobe"}
	if err := tool.Deduplicate(context.Background(), "in.mp4", "dedup.mp4"); err != nil {
		t.Fatalf("Deduplicate() error = %v", err)
	}
	want := []string{"ffmpeg", "-i", "in.mp4", "-vf", "mpdecimate,setpts=N/FRAME_RATE/TB", "-an", "dedup.mp4", "-y"}
	if !reflect.DeepEqual(runner.calls[0], want) {
		t.Fatalf("got %v want %v", runner.calls[0], want)
	}
}

func TestPadFramesContinuesNumbering(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	for i, body := range []string{"one", "two", "last"} {
		if err := os.WriteFile(filepath.Join(dir, fmt.Sprintf(FramePattern, i+1)), []byte(body), 0o644); err != nil {
			t.Fatalf("write frame: %v", err)
		}
	}
	if err := PadFrames(dir, 2); err != nil {
		t.Fatalf("PadFrames() error = %v", err)
	}
	frames, err := ListFrames(dir)
	if err != nil {
		t.Fatalf("ListFrames: %v", err)
	}
	if len(frames) != 5 || filepath.Base(frames[4]) != "00000005.png" {
		t.Fatalf("unexpected frames %v", frames)
	}
	data, _ := os.ReadFile(frames[4])
	if string(data) != "last" {
		t.Fatalf("padding should copy the last frame, got %q", data)
	}
	if err := PadFrames(dir, 0); err != nil {
		t.Fatalf("zero padding must be a no-op: %v", err)
	}
	if err := PadFrames(t.TempDir(), 1); err == nil {
		t.Fatalf("expected error for empty directory")
	}
}

func TestProbeIgnoresFFprobeDiagnostics(t *testing.T) {
	t.Parallel()

	ffprobe := filepath.Join(t.TempDir(), "ffprobe")
	script := `#!/bin/sh
echo "[h264 @ 0x55d0] error while decoding MB 12 7" >&2
case "$*" in
*count_frames*) echo '{"streams":[{"nb_read_frames":"48"}]}' ;;
*) echo '{"streams":[{"r_frame_rate":"24000/1001","nb_frames":"N/A"}]}' ;;
esac
`
	if err := os.WriteFile(ffprobe, []byte(script), 0o755); err != nil {
		t.Fatalf("write ffprobe: %v", err)
	}
	tool := &Tool{Runner: command.Exec{}, FFmpeg: "ffmpeg", FFprobe: ffprobe}

	info, err := tool.Probe(context.Background(), "damaged.mp4")
	if err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if info.Frames != 48 || fmt.Sprintf("%.3f", info.FPS) != "23.976" {
		t.Fatalf("unexpected info %+v", info)
	}
}
