package inference

import (
	"time"

	"github.com/google/uuid"

	"github.com/e7canasta/orion-player/detection"
)

// Observations is the raw output of one model call. It is one of:
//
//	ObjectObservations  per-object detections with real boxes
//	Classifications     whole-image class scores
//	nil                 nothing recognized
type Observations interface {
	observations()
}

// ObjectObservations is the detection-shaped model output.
type ObjectObservations []ObjectObservation

// Classifications is the classification-shaped model output.
type Classifications []Classification

func (ObjectObservations) observations() {}
func (Classifications) observations()    {}

// Classification is one class score.
type Classification struct {
	ID         uuid.UUID
	Identifier string
	Confidence float32
}

// ObjectObservation is one detected object.
type ObjectObservation struct {
	ID uuid.UUID
	// Labels holds every candidate class in model order.
	Labels     []Classification
	Confidence float32
	// Box is normalized, top-left origin.
	Box detection.BoundingBox
}

// Convert decodes raw observations into a detection.Output. Time and FPS are
// always rendered from elapsed.
func Convert(obs Observations, elapsed time.Duration) detection.Output {
	out := detection.Output{
		Objects: []detection.Result{},
		Time:    detection.FormatDuration(elapsed),
		FPS:     detection.FormatFPS(elapsed),
	}

	switch o := obs.(type) {
	case ObjectObservations:
		for _, obj := range o {
			if r, ok := objectResult(obj); ok {
				out.Objects = append(out.Objects, r)
			}
		}
	case Classifications:
		if r, ok := classificationResult(o); ok {
			out.Objects = append(out.Objects, r)
		}
	}

	return out
}

// objectResult skips observations without labels so every result carries at
// least one candidate label.
func objectResult(obj ObjectObservation) (detection.Result, bool) {
	if len(obj.Labels) == 0 {
		return detection.Result{}, false
	}

	top := obj.Labels[topIndex(obj.Labels)]
	return detection.Result{
		ID:          idOrNew(obj.ID),
		Label:       top.Identifier,
		Confidence:  detection.FormatConfidence(obj.Confidence),
		OtherLabels: otherLabels(obj.Labels),
		Box:         obj.Box,
	}, true
}

func classificationResult(cs Classifications) (detection.Result, bool) {
	if len(cs) == 0 {
		return detection.Result{}, false
	}

	top := cs[topIndex(cs)]
	return detection.Result{
		ID:               idOrNew(top.ID),
		Label:            detection.FormatClassificationLabel(top.Identifier, top.Confidence),
		Confidence:       detection.FormatConfidence(top.Confidence),
		OtherLabels:      otherLabels(cs),
		Box:              detection.ClassificationBox,
		IsClassification: true,
	}, true
}

// topIndex returns the index of the highest confidence; ties go to the
// earliest entry.
func topIndex(cs []Classification) int {
	best := 0
	for i := 1; i < len(cs); i++ {
		if cs[i].Confidence > cs[best].Confidence {
			best = i
		}
	}
	return best
}

func otherLabels(cs []Classification) []detection.Label {
	labels := make([]detection.Label, len(cs))
	for i, c := range cs {
		labels[i] = detection.Label{
			Label:      c.Identifier,
			Confidence: detection.FormatLabelConfidence(c.Confidence),
		}
	}
	return labels
}

func idOrNew(id uuid.UUID) uuid.UUID {
	if id == uuid.Nil {
		return uuid.New()
	}
	return id
}
