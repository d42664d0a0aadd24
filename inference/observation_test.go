package inference

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/e7canasta/orion-player/detection"
)

func TestConvertClassification(t *testing.T) {
	obs := Classifications{
		{Identifier: "cat", Confidence: 0.8},
		{Identifier: "dog", Confidence: 0.15},
	}

	out := Convert(obs, 10*time.Millisecond)

	if out.FPS != "100" {
		t.Errorf("FPS = %q, want 100", out.FPS)
	}
	if out.Time != "10ms" {
		t.Errorf("Time = %q, want 10ms", out.Time)
	}
	if len(out.Objects) != 1 {
		t.Fatalf("len(Objects) = %d, want 1", len(out.Objects))
	}

	got := out.Objects[0]
	if !got.IsClassification {
		t.Error("IsClassification = false, want true")
	}
	if got.Box != (detection.BoundingBox{X: 0.05, Y: 0.05, Width: 0.9, Height: 0.85}) {
		t.Errorf("Box = %+v, want synthetic classification box", got.Box)
	}
	if got.Label != "cat (0.8)" {
		t.Errorf("Label = %q, want %q", got.Label, "cat (0.8)")
	}
	if got.Confidence != "0.800" {
		t.Errorf("Confidence = %q, want 0.800", got.Confidence)
	}
	wantLabels := []detection.Label{{Label: "cat", Confidence: "0.8000"}, {Label: "dog", Confidence: "0.1500"}}
	if len(got.OtherLabels) != len(wantLabels) {
		t.Fatalf("OtherLabels = %v, want %v", got.OtherLabels, wantLabels)
	}
	for i := range wantLabels {
		if got.OtherLabels[i] != wantLabels[i] {
			t.Errorf("OtherLabels[%d] = %v, want %v", i, got.OtherLabels[i], wantLabels[i])
		}
	}
	if got.ID == uuid.Nil {
		t.Error("ID should be assigned")
	}
}

func TestConvertClassificationPicksTopClass(t *testing.T) {
	obs := Classifications{
		{Identifier: "dog", Confidence: 0.1},
		{Identifier: "cat", Confidence: 0.7},
	}

	out := Convert(obs, 20*time.Millisecond)
	if out.Objects[0].Label != "cat (0.7)" {
		t.Errorf("Label = %q, want %q", out.Objects[0].Label, "cat (0.7)")
	}
	// Candidate labels stay in model order.
	if out.Objects[0].OtherLabels[0].Label != "dog" {
		t.Errorf("OtherLabels[0] = %v, want dog first", out.Objects[0].OtherLabels[0])
	}
}

func TestConvertObjectsPreservesBox(t *testing.T) {
	box := detection.BoundingBox{X: 0.125, Y: 0.3, Width: 0.4, Height: 0.55}
	id := uuid.New()
	obs := ObjectObservations{
		{
			ID:         id,
			Confidence: 0.91234,
			Box:        box,
			Labels: []Classification{
				{Identifier: "person", Confidence: 0.9},
				{Identifier: "dog", Confidence: 0.05},
			},
		},
	}

	out := Convert(obs, 40*time.Millisecond)
	if len(out.Objects) != 1 {
		t.Fatalf("len(Objects) = %d, want 1", len(out.Objects))
	}

	got := out.Objects[0]
	if got.Box != box {
		t.Errorf("Box = %+v, want %+v", got.Box, box)
	}
	if got.IsClassification {
		t.Error("IsClassification = true, want false")
	}
	if got.ID != id {
		t.Errorf("ID = %v, want %v", got.ID, id)
	}
	if got.Label != "person" {
		t.Errorf("Label = %q, want person", got.Label)
	}
	if got.Confidence != "0.912" {
		t.Errorf("Confidence = %q, want 0.912", got.Confidence)
	}
	if len(got.OtherLabels) != 2 || got.OtherLabels[1] != (detection.Label{Label: "dog", Confidence: "0.0500"}) {
		t.Errorf("OtherLabels = %v", got.OtherLabels)
	}
	if out.FPS != "25" {
		t.Errorf("FPS = %q, want 25", out.FPS)
	}
}

func TestConvertEmptyCases(t *testing.T) {
	tests := []struct {
		name string
		obs  Observations
	}{
		{"nil observations", nil},
		{"no objects", ObjectObservations{}},
		{"no classes", Classifications{}},
		{"object without labels", ObjectObservations{{Confidence: 0.9}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := Convert(tt.obs, 5*time.Millisecond)
			if len(out.Objects) != 0 {
				t.Errorf("Objects = %v, want none", out.Objects)
			}
			if out.Objects == nil {
				t.Error("Objects should be non-nil")
			}
			if out.Time != "5ms" || out.FPS != "200" {
				t.Errorf("Time/FPS = %q/%q, want 5ms/200", out.Time, out.FPS)
			}
		})
	}
}
