package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidInput marks failures caused by the request itself. They are
// never retried.
var ErrInvalidInput = errors.New("invalid input")

// Request describes one interpolation job. Field names follow the public
// job input document.
type Request struct {
	VideoURL       string  `json:"video_url,omitempty"`
	VideoPath      string  `json:"video_path,omitempty"`
	TargetFPS      float64 `json:"target_fps,omitempty"`
	Model          string  `json:"ai_model,omitempty"`
	OutputFilename string  `json:"output_filename,omitempty"`
}

// Validate checks that an input source is present and numeric fields are sane.
// When both sources are set the URL wins.
func (r Request) Validate() error {
	if strings.TrimSpace(r.VideoURL) == "" && strings.TrimSpace(r.VideoPath) == "" {
		return fmt.Errorf("%w: either video_url or video_path must be provided", ErrInvalidInput)
	}
	if r.TargetFPS < 0 {
		return fmt.Errorf("%w: target_fps must be positive", ErrInvalidInput)
	}
	if strings.ContainsAny(r.Model, `/\`) || r.Model == ".." {
		return fmt.Errorf("%w: invalid ai_model %q", ErrInvalidInput, r.Model)
	}
	if name := strings.TrimSpace(r.OutputFilename); name != "" && strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: output_filename must not contain path separators", ErrInvalidInput)
	}
	if name := strings.TrimSpace(r.OutputFilename); name == "." || name == ".." {
		return fmt.Errorf("%w: output_filename %q is not a file name", ErrInvalidInput, name)
	}
	return nil
}

func (r Request) withDefaults(model string, fps float64) Request {
	if r.TargetFPS == 0 {
		r.TargetFPS = fps
	}
	if r.Model == "" {
		r.Model = model
	}
	r.VideoURL = strings.TrimSpace(r.VideoURL)
	r.VideoPath = strings.TrimSpace(r.VideoPath)
	r.OutputFilename = strings.TrimSpace(r.OutputFilename)
	return r
}

// OutputName returns the requested filename or output_<fps>fps_<id>.mp4.
func (r Request) OutputName(jobID string) string {
	if r.OutputFilename != "" {
		return r.OutputFilename
	}
	return fmt.Sprintf("output_%sfps_%s.mp4", FormatFPS(r.TargetFPS), jobID)
}

// FormatFPS renders a frame rate without trailing zeros (240, 59.94).
func FormatFPS(fps float64) string {
	return strconv.FormatFloat(fps, 'f', -1, 64)
}

func (r Request) payload() map[string]interface{} {
	data, _ := json.Marshal(r)
	var out map[string]interface{}
	_ = json.Unmarshal(data, &out)
	return out
}

func requestFromPayload(payload map[string]interface{}) (Request, error) {
	var req Request
	data, err := json.Marshal(payload)
	if err != nil {
		return req, err
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return req, fmt.Errorf("%w: decode job payload: %v", ErrInvalidInput, err)
	}
	return req, nil
}
