// Package media drives ffmpeg and ffprobe for the interpolation job: probing,
// duplicate-frame removal, frame extraction, padding and final encoding.
package media

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/oremus-labs/rife-worker/internal/command"
)

// FramePattern is the numbering used for extracted and interpolated frames.
const FramePattern = "%08d.png"

// VideoInfo holds the probed properties of the first video stream.
type VideoInfo struct {
	FPS    float64 `json:"fps"`
	Frames int     `json:"frames"`
}

// Tool runs ffmpeg and ffprobe.
type Tool struct {
	Runner  command.Runner
	FFmpeg  string
	FFprobe string
}

// New returns a Tool using the binaries on PATH.
func New() *Tool {
	return &Tool{Runner: command.Exec{}, FFmpeg: "ffmpeg", FFprobe: "ffprobe"}
}

type probeOutput struct {
	Streams []struct {
		RFrameRate   string `json:"r_frame_rate"`
		NbFrames     string `json:"nb_frames"`
		NbReadFrames string `json:"nb_read_frames"`
	} `json:"streams"`
}

// Probe reads the frame rate and frame count of the first video stream.
// Containers without a frame count in the header are decoded to count.
func (t *Tool) Probe(ctx context.Context, path string) (*VideoInfo, error) {
	out, err := t.probe(ctx, "-show_entries", "stream=r_frame_rate,nb_frames", path)
	if err != nil {
		return nil, err
	}
	if len(out.Streams) == 0 {
		return nil, fmt.Errorf("no video stream in %s", path)
	}
	fps, err := ParseFrameRate(out.Streams[0].RFrameRate)
	if err != nil {
		return nil, err
	}
	frames, err := strconv.Atoi(strings.TrimSpace(out.Streams[0].NbFrames))
	if err != nil || frames <= 0 {
		counted, cerr := t.probe(ctx, "-count_frames", "-show_entries", "stream=nb_read_frames", path)
		if cerr != nil {
			return nil, cerr
		}
		if len(counted.Streams) == 0 {
			return nil, fmt.Errorf("no video stream in %s", path)
		}
		frames, err = strconv.Atoi(strings.TrimSpace(counted.Streams[0].NbReadFrames))
		if err != nil {
			return nil, fmt.Errorf("parse frame count: %w", err)
		}
	}
	return &VideoInfo{FPS: fps, Frames: frames}, nil
}

func (t *Tool) probe(ctx context.Context, extra ...string) (*probeOutput, error) {
	args := append([]string{"-v", "error", "-select_streams", "v:0", "-of", "json"}, extra...)
	raw, err := t.Runner.Run(ctx, t.FFprobe, args...)
	if err != nil {
		return nil, fmt.Errorf("ffprobe: %w", err)
	}
	var out probeOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("parse ffprobe output: %w", err)
	}
	return &out, nil
}

// ParseFrameRate parses "num/den" or a plain decimal.
func ParseFrameRate(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if num, den, ok := strings.Cut(s, "/"); ok {
		n, err := strconv.ParseFloat(num, 64)
		if err != nil {
			return 0, fmt.Errorf("parse frame rate %q: %w", s, err)
		}
		d, err := strconv.ParseFloat(den, 64)
		if err != nil {
			return 0, fmt.Errorf("parse frame rate %q: %w", s, err)
		}
		if d == 0 {
			return 0, fmt.Errorf("frame rate %q has zero denominator", s)
		}
		return n / d, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parse frame rate %q: %w", s, err)
	}
	return f, nil
}

// Deduplicate drops repeated frames and the audio track.
func (t *Tool) Deduplicate(ctx context.Context, input, output string) error {
	_, err := t.Runner.Run(ctx, t.FFmpeg, "-i", input, "-vf", "mpdecimate,setpts=N/FRAME_RATE/TB", "-an", output, "-y")
	if err != nil {
		return fmt.Errorf("deduplicate: %w", err)
	}
	return nil
}

// ExtractFrames writes every frame of video into dir and returns the count.
func (t *Tool) ExtractFrames(ctx context.Context, video, dir string) (int, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, err
	}
	if _, err := t.Runner.Run(ctx, t.FFmpeg, "-i", video, filepath.Join(dir, FramePattern)); err != nil {
		return 0, fmt.Errorf("extract frames: %w", err)
	}
	frames, err := ListFrames(dir)
	if err != nil {
		return 0, err
	}
	if len(frames) == 0 {
		return 0, fmt.Errorf("no frames extracted from %s", video)
	}
	return len(frames), nil
}

// EncodeRequest describes the final encode.
type EncodeRequest struct {
	FramesDir string
	FPS       float64
	// AudioSource is optional; its first audio stream is copied when present.
	AudioSource string
	Output      string
}

// Encode builds an H.264 video from numbered frames.
func (t *Tool) Encode(ctx context.Context, req EncodeRequest) error {
	args := []string{
		"-framerate", strconv.FormatFloat(req.FPS, 'f', -1, 64),
		"-i", filepath.Join(req.FramesDir, FramePattern),
	}
	if req.AudioSource != "" {
		args = append(args, "-i", req.AudioSource)
	}
	args = append(args, "-c:v", "libx264", "-pix_fmt", "yuv420p")
	if req.AudioSource != "" {
		args = append(args, "-c:a", "copy", "-map", "0:v:0", "-map", "1:a:0?")
	}
	args = append(args, req.Output, "-y")
	if _, err := t.Runner.Run(ctx, t.FFmpeg, args...); err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	return nil
}

// ListFrames returns the numbered PNG frames in dir, sorted.
func ListFrames(dir string) ([]string, error) {
	frames, err := filepath.Glob(filepath.Join(dir, "*.png"))
	if err != nil {
		return nil, fmt.Errorf("glob frames: %w", err)
	}
	sort.Strings(frames)
	return frames, nil
}

// PadFrames appends n copies of the last frame, continuing its numbering.
func PadFrames(dir string, n int) error {
	if n <= 0 {
		return nil
	}
	frames, err := ListFrames(dir)
	if err != nil {
		return err
	}
	if len(frames) == 0 {
		return fmt.Errorf("no output frames found for padding in %s", dir)
	}
	last := frames[len(frames)-1]
	number, err := strconv.Atoi(strings.TrimSuffix(filepath.Base(last), ".png"))
	if err != nil {
		return fmt.Errorf("frame %s is not numbered: %w", last, err)
	}
	for i := 1; i <= n; i++ {
		target := filepath.Join(dir, fmt.Sprintf(FramePattern, number+i))
		if err := copyFile(last, target); err != nil {
			return fmt.Errorf("pad frame %d: %w", number+i, err)
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Chtimes(dst, info.ModTime(), info.ModTime())
}
