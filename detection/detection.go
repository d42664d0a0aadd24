// Package detection defines the immutable result values produced by one
// inference call: detected or classified objects plus the formatted timing
// of the call that produced them.
package detection

import (
	"github.com/google/uuid"
)

// ClassificationBox is the synthetic bounding box given to whole-image
// classification results so the overlay can still draw a frame around them.
var ClassificationBox = BoundingBox{X: 0.05, Y: 0.05, Width: 0.9, Height: 0.85}

// BoundingBox is a rectangle in normalized image coordinates (0.0 - 1.0).
// X/Y are the upper-left corner relative to the image's upper-left origin.
type BoundingBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// InUnitSquare reports whether every component lies in [0, 1].
func (b BoundingBox) InUnitSquare() bool {
	for _, v := range [...]float64{b.X, b.Y, b.Width, b.Height} {
		if v < 0 || v > 1 {
			return false
		}
	}
	return true
}

// Label is one candidate class for an object, with its confidence already
// formatted for display.
type Label struct {
	Label      string `json:"label"`
	Confidence string `json:"confidence"`
}

// Result describes one detected or classified object.
//
// A Result is built once per raw model observation and never modified
// afterwards; it is safe to share between goroutines.
type Result struct {
	ID uuid.UUID `json:"id"`

	// Label is the highest-confidence class. For classification results it
	// also carries the numeric confidence, e.g. "cat (0.8)".
	Label string `json:"label"`

	// Confidence is the primary confidence formatted with 3 decimals.
	Confidence string `json:"confidence"`

	// OtherLabels lists every candidate class, confidence formatted with 4
	// decimals, in model order.
	OtherLabels []Label `json:"other_labels"`

	Box BoundingBox `json:"box"`

	// IsClassification marks whole-image results that use ClassificationBox.
	IsClassification bool `json:"is_classification"`
}

// Output is the triple returned by one inference call.
type Output struct {
	Objects []Result `json:"objects"`
	// Time is the elapsed inference time, e.g. "12ms" or "1s 250ms".
	Time string `json:"time"`
	// FPS is 1/elapsed rendered without decimals, e.g. "84".
	FPS string `json:"fps"`
}

// Empty returns the output used when there was nothing to run inference on.
func Empty() Output {
	return Output{Objects: []Result{}}
}

// IsEmpty reports whether the output carries no objects and no timing.
func (o Output) IsEmpty() bool {
	return len(o.Objects) == 0 && o.Time == "" && o.FPS == ""
}
