package scheduler

import (
	"fmt"
	"time"
)

// State is the scheduler lifecycle state.
type State int

const (
	// Idle: no model attached, or torn down.
	Idle State = iota
	// WarmingUp: model attached, warm-up cycle pending or running.
	WarmingUp
	// Steady: cycles contribute to stats.
	Steady
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case WarmingUp:
		return "warming_up"
	case Steady:
		return "steady"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText renders the state name in JSON and YAML.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// VideoInfo describes the video being played. The scheduler only reads
// FrameRate; the rest is carried for reporting.
type VideoInfo struct {
	IsPlayable bool          `json:"is_playable"`
	FrameRate  float64       `json:"frame_rate"`
	Duration   time.Duration `json:"duration_ns"`
	Width      int           `json:"width"`
	Height     int           `json:"height"`
}

// Metrics is a point-in-time snapshot of the scheduler state.
type Metrics struct {
	State             State         `json:"state"`
	LastLatency       time.Duration `json:"last_latency_ns"`
	WarmupCompleted   bool          `json:"warmup_completed"`
	DroppedFrames     uint64        `json:"dropped_frames"`
	StateFrameCounter uint64        `json:"state_frame_counter"`
	Cycles            uint64        `json:"cycles"`
	ModelAttached     bool          `json:"model_attached"`
	Epoch             uint64        `json:"epoch"`
	Video             VideoInfo     `json:"video"`
}
