package media

import (
	"fmt"
	"math"
)

// Plan is the frame arithmetic for one interpolation job.
type Plan struct {
	Multiplier       int `json:"multiplier"`
	FramesToGenerate int `json:"frames_generated"`
	TotalFrames      int `json:"total_frames"`
	// FramesToPad is negative when the engine produces more frames than the
	// target duration needs; no padding happens then.
	FramesToPad int `json:"frames_to_pad"`
}

// PlanInterpolation derives the multiplier and frame counts. Halves round to
// even, so 2.5 becomes 2.
func PlanInterpolation(fps float64, frames int, targetFPS float64) (Plan, error) {
	if fps <= 0 || math.IsNaN(fps) || math.IsInf(fps, 0) {
		return Plan{}, fmt.Errorf("source frame rate must be positive, got %v", fps)
	}
	if frames <= 0 {
		return Plan{}, fmt.Errorf("source frame count must be positive, got %d", frames)
	}
	if targetFPS <= 0 {
		return Plan{}, fmt.Errorf("target frame rate must be positive, got %v", targetFPS)
	}
	m := int(math.RoundToEven(targetFPS / fps))
	if m < 1 {
		return Plan{}, fmt.Errorf("target %v fps is below half the source rate %v fps", targetFPS, fps)
	}
	gen := frames*m - (m - 1)
	total := int(math.RoundToEven(float64(frames) / fps * targetFPS))
	return Plan{
		Multiplier:       m,
		FramesToGenerate: gen,
		TotalFrames:      total,
		FramesToPad:      total - gen,
	}, nil
}
