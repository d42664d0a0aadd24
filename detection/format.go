package detection

import (
	"fmt"
	"strconv"
	"time"
)

// FormatConfidence renders a primary confidence (3 decimals).
func FormatConfidence(c float32) string {
	return fmt.Sprintf("%.3f", c)
}

// FormatLabelConfidence renders a candidate-label confidence (4 decimals).
func FormatLabelConfidence(c float32) string {
	return fmt.Sprintf("%.4f", c)
}

// FormatClassificationLabel renders "identifier (confidence)" using the
// shortest representation of the confidence, e.g. "cat (0.8)".
func FormatClassificationLabel(identifier string, confidence float32) string {
	return fmt.Sprintf("%s (%s)", identifier, strconv.FormatFloat(float64(confidence), 'g', -1, 32))
}

// FormatDuration renders d in a compact seconds+milliseconds form:
//
//	12ms, 1s, 1s 250ms
//
// Milliseconds are rounded to the nearest whole value.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	ms := d.Round(time.Millisecond).Milliseconds()
	secs := ms / 1000
	ms %= 1000

	switch {
	case secs == 0:
		return fmt.Sprintf("%dms", ms)
	case ms == 0:
		return fmt.Sprintf("%ds", secs)
	default:
		return fmt.Sprintf("%ds %dms", secs, ms)
	}
}

// FormatFPS renders 1/d with no decimals. A non-positive duration has no
// meaningful rate and renders as "0".
func FormatFPS(d time.Duration) string {
	if d <= 0 {
		return "0"
	}
	return fmt.Sprintf("%.0f", float64(time.Second)/float64(d))
}
