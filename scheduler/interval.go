package scheduler

import (
	"math"
	"time"
)

const (
	// MinRepeatInterval is the floor of the latency-adjusted repeat interval.
	MinRepeatInterval = 20 * time.Millisecond

	// DefaultLatencyBudget is used by IsWithinLatencyBudget for budget <= 0.
	DefaultLatencyBudget = 50 * time.Millisecond
)

// ComputeRepeatInterval returns the delay before the next detection cycle.
//
// With subtractLatency the result is max(MinRepeatInterval, 1/frameRate −
// latency). Without it the result is the frame period 1/frameRate, unclamped.
// A frame rate that is not a positive finite number yields MinRepeatInterval.
func ComputeRepeatInterval(frameRate float64, latency time.Duration, subtractLatency bool) time.Duration {
	if frameRate <= 0 || math.IsNaN(frameRate) || math.IsInf(frameRate, 0) {
		return MinRepeatInterval
	}

	period := time.Duration(math.MaxInt64)
	if ns := float64(time.Second) / frameRate; ns < math.MaxInt64 {
		period = time.Duration(ns)
	}
	if !subtractLatency {
		return period
	}

	if d := period - latency; d > MinRepeatInterval {
		return d
	}
	return MinRepeatInterval
}
