package gstsource

import (
	"math"
	"sync"
	"time"
)

const (
	// cadenceWindow is the number of delivered frames measured after Play.
	cadenceWindow = 60

	// A delivery is stable when the FPS standard deviation stays under 15% of
	// the mean and the mean jitter under 20% of the expected interval.
	fpsStabilityThreshold    = 0.15
	jitterStabilityThreshold = 0.20
)

// Cadence describes how regularly the appsink delivered frames during the
// first seconds of playback.
type Cadence struct {
	Frames     int           `json:"frames"`
	Duration   time.Duration `json:"duration"`
	FPSMean    float64       `json:"fps_mean"`
	FPSStdDev  float64       `json:"fps_stddev"`
	FPSMin     float64       `json:"fps_min"`
	FPSMax     float64       `json:"fps_max"`
	JitterMean time.Duration `json:"jitter_mean"`
	JitterMax  time.Duration `json:"jitter_max"`
	IsStable   bool          `json:"is_stable"`
}

// measureCadence computes delivery statistics from frame arrival times.
func measureCadence(times []time.Time) Cadence {
	n := len(times)
	if n < 2 {
		return Cadence{Frames: n}
	}

	total := times[n-1].Sub(times[0])
	c := Cadence{Frames: n, Duration: total}
	if total <= 0 {
		return c
	}

	// n frames span n-1 intervals.
	c.FPSMean = float64(n-1) / total.Seconds()

	intervals := make([]float64, 0, n-1)
	for i := 1; i < n; i++ {
		intervals = append(intervals, times[i].Sub(times[i-1]).Seconds())
	}

	var sumSquares float64
	first := true
	for _, iv := range intervals {
		if iv <= 0 {
			continue
		}
		fps := 1 / iv
		if first || fps < c.FPSMin {
			c.FPSMin = fps
		}
		if first || fps > c.FPSMax {
			c.FPSMax = fps
		}
		first = false
		diff := fps - c.FPSMean
		sumSquares += diff * diff
	}
	c.FPSStdDev = math.Sqrt(sumSquares / float64(len(intervals)))

	expected := 1 / c.FPSMean
	var jitterSum, jitterMax float64
	for _, iv := range intervals {
		j := math.Abs(iv - expected)
		jitterSum += j
		if j > jitterMax {
			jitterMax = j
		}
	}
	jitterMean := jitterSum / float64(len(intervals))
	c.JitterMean = time.Duration(jitterMean * float64(time.Second))
	c.JitterMax = time.Duration(jitterMax * float64(time.Second))

	c.IsStable = c.FPSStdDev < c.FPSMean*fpsStabilityThreshold &&
		jitterMean < expected*jitterStabilityThreshold
	return c
}

// cadenceMeter collects arrival times until the window is full.
type cadenceMeter struct {
	mu     sync.Mutex
	window int
	times  []time.Time
	result *Cadence
}

func newCadenceMeter(window int) *cadenceMeter {
	return &cadenceMeter{window: window, times: make([]time.Time, 0, window)}
}

// observe records one arrival. It returns the measurement exactly once, when
// the window fills.
func (m *cadenceMeter) observe(t time.Time) (Cadence, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.result != nil {
		return Cadence{}, false
	}
	m.times = append(m.times, t)
	if len(m.times) < m.window {
		return Cadence{}, false
	}

	c := measureCadence(m.times)
	m.result = &c
	m.times = nil
	return c, true
}

func (m *cadenceMeter) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.result = nil
	m.times = make([]time.Time, 0, m.window)
}

// measured returns the measurement, or nil while the window is filling.
func (m *cadenceMeter) measured() *Cadence {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.result == nil {
		return nil
	}
	c := *m.result
	return &c
}
