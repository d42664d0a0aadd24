package inference

import (
	"context"
	"errors"
	"image"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/e7canasta/orion-player/detection"
)

// fakeModel records the last request and returns canned observations.
type fakeModel struct {
	mu       sync.Mutex
	obs      Observations
	err      error
	delay    time.Duration
	ideal    *IdealFormat
	lastReq  Request
	calls    int
	stateful bool
}

func (m *fakeModel) Perform(ctx context.Context, img image.Image, req Request) (Observations, error) {
	m.mu.Lock()
	m.lastReq = req
	m.calls++
	m.mu.Unlock()

	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	return m.obs, m.err
}

func (m *fakeModel) Stateful() bool            { return m.stateful }
func (m *fakeModel) IdealFormat() *IdealFormat { return m.ideal }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testImage() image.Image {
	return image.NewRGBA(image.Rect(0, 0, 4, 4))
}

func TestRunWithoutImageOrModel(t *testing.T) {
	a := NewAdapter(AdapterConfig{Logger: quietLogger()})
	m := &fakeModel{obs: Classifications{{Identifier: "cat", Confidence: 0.8}}}

	if out := a.Run(context.Background(), nil, m, Options{}); !out.IsEmpty() {
		t.Errorf("Run(nil image) = %+v, want empty", out)
	}
	if out := a.Run(context.Background(), testImage(), nil, Options{}); !out.IsEmpty() {
		t.Errorf("Run(nil model) = %+v, want empty", out)
	}
	if m.calls != 0 {
		t.Errorf("model called %d times, want 0", m.calls)
	}
}

func TestRunPassesRequest(t *testing.T) {
	a := NewAdapter(AdapterConfig{Logger: quietLogger()})
	m := &fakeModel{obs: Classifications{{Identifier: "cat", Confidence: 0.8}}}

	out := a.Run(context.Background(), testImage(), m, Options{
		FunctionName: "detect_small",
		Orientation:  OrientationRight,
	})

	if len(out.Objects) != 1 || !out.Objects[0].IsClassification {
		t.Fatalf("Run() objects = %+v, want one classification", out.Objects)
	}
	if out.Time == "" || out.FPS == "" {
		t.Errorf("Run() Time/FPS = %q/%q, want both set", out.Time, out.FPS)
	}
	if m.lastReq.FunctionName != "detect_small" {
		t.Errorf("FunctionName = %q, want detect_small", m.lastReq.FunctionName)
	}
	if m.lastReq.Orientation != OrientationRight {
		t.Errorf("Orientation = %v, want right", m.lastReq.Orientation)
	}
	// No ideal format: stretch.
	if m.lastReq.CropAndScale != ScaleFill {
		t.Errorf("CropAndScale = %v, want scale_fill", m.lastReq.CropAndScale)
	}
}

func TestRunDefaultsInvalidOrientationToUp(t *testing.T) {
	a := NewAdapter(AdapterConfig{Logger: quietLogger()})
	m := &fakeModel{}

	a.Run(context.Background(), testImage(), m, Options{})
	if m.lastReq.Orientation != OrientationUp {
		t.Errorf("Orientation = %v, want up", m.lastReq.Orientation)
	}
}

func TestRunCropPolicy(t *testing.T) {
	tests := []struct {
		name  string
		ideal *IdealFormat
		opt   CropAndScale
		want  CropAndScale
	}{
		{"unknown format", nil, CropAuto, ScaleFill},
		{"square format", &IdealFormat{Width: 224, Height: 224}, CropAuto, CenterCrop},
		{"wide format", &IdealFormat{Width: 640, Height: 384}, CropAuto, ScaleFit},
		{"explicit override", &IdealFormat{Width: 224, Height: 224}, ScaleFill, ScaleFill},
	}

	a := NewAdapter(AdapterConfig{Logger: quietLogger()})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &fakeModel{ideal: tt.ideal}
			a.Run(context.Background(), testImage(), m, Options{CropAndScale: tt.opt})
			if m.lastReq.CropAndScale != tt.want {
				t.Errorf("CropAndScale = %v, want %v", m.lastReq.CropAndScale, tt.want)
			}
		})
	}
}

func TestRunSwallowsErrors(t *testing.T) {
	var got []Diagnostic
	a := NewAdapter(AdapterConfig{
		Logger:      quietLogger(),
		Diagnostics: func(d Diagnostic) { got = append(got, d) },
	})

	m := &fakeModel{
		err:   errors.New("tensor shape mismatch"),
		delay: 2 * time.Millisecond,
		obs: ObjectObservations{{
			Confidence: 0.5,
			Labels:     []Classification{{Identifier: "person", Confidence: 0.5}},
			Box:        detection.BoundingBox{X: 0.1, Y: 0.1, Width: 0.2, Height: 0.2},
		}},
	}

	out := a.Run(context.Background(), testImage(), m, Options{FunctionName: "f1", Orientation: OrientationDown})

	// Partial results survive the error.
	if len(out.Objects) != 1 {
		t.Errorf("len(Objects) = %d, want 1 partial result", len(out.Objects))
	}
	if out.Time == "" {
		t.Error("elapsed time should still be recorded on failure")
	}

	if len(got) != 1 {
		t.Fatalf("diagnostics calls = %d, want 1", len(got))
	}
	d := got[0]
	if d.Err == nil || !strings.Contains(d.Err.Error(), "tensor shape mismatch") {
		t.Errorf("Diagnostic.Err = %v, want wrapped model error", d.Err)
	}
	if d.FunctionName != "f1" || d.Orientation != OrientationDown {
		t.Errorf("Diagnostic = %+v, want function f1 orientation down", d)
	}
	if d.Elapsed < 2*time.Millisecond {
		t.Errorf("Diagnostic.Elapsed = %v, want >= 2ms", d.Elapsed)
	}
}

func TestRunWithoutDiagnosticsHook(t *testing.T) {
	a := NewAdapter(AdapterConfig{Logger: quietLogger()})
	m := &fakeModel{err: errors.New("boom")}

	out := a.Run(context.Background(), testImage(), m, Options{})
	if len(out.Objects) != 0 {
		t.Errorf("Objects = %v, want none", out.Objects)
	}
}

func TestValidateIO(t *testing.T) {
	tests := []struct {
		name string
		desc Description
		want error
	}{
		{
			name: "detector",
			desc: Description{
				Inputs:  []Feature{{"image", FeatureImage}},
				Outputs: []Feature{{"coordinates", FeatureMultiArray}, {"confidence", FeatureMultiArray}},
			},
		},
		{
			name: "classifier",
			desc: Description{
				Inputs:  []Feature{{"image", FeatureImage}},
				Outputs: []Feature{{"classLabel", FeatureString}, {"classLabelProbs", FeatureDictionary}},
			},
		},
		{
			name: "text model",
			desc: Description{
				Inputs:  []Feature{{"tokens", FeatureMultiArray}},
				Outputs: []Feature{{"logits", FeatureMultiArray}},
			},
			want: ErrNoImageInput,
		},
		{
			name: "image to scalar",
			desc: Description{
				Inputs:  []Feature{{"image", FeatureImage}},
				Outputs: []Feature{{"score", FeatureDouble}},
			},
			want: ErrUnsupportedOutput,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ValidateIO(tt.desc); !errors.Is(err, tt.want) {
				t.Errorf("ValidateIO() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestSession(t *testing.T) {
	var nilSession *Session
	if nilSession.FunctionName() != "" {
		t.Error("nil session should have no function")
	}

	s := NewSession("")
	s.SelectFunction("detect_large")
	if got := s.FunctionName(); got != "detect_large" {
		t.Errorf("FunctionName() = %q, want detect_large", got)
	}
	s.SelectFunction("")
	if got := s.FunctionName(); got != "" {
		t.Errorf("FunctionName() = %q, want empty", got)
	}
}

func TestDetectReturnsLatencyAndError(t *testing.T) {
	a := NewAdapter(AdapterConfig{Logger: quietLogger()})

	m := &fakeModel{delay: 3 * time.Millisecond}
	_, elapsed, err := a.Detect(context.Background(), testImage(), m, Options{})
	if err != nil {
		t.Errorf("Detect() err = %v, want nil", err)
	}
	if elapsed < 3*time.Millisecond {
		t.Errorf("Detect() elapsed = %v, want >= 3ms", elapsed)
	}

	m = &fakeModel{err: errors.New("session closed")}
	if _, _, err := a.Detect(context.Background(), testImage(), m, Options{}); err == nil {
		t.Error("Detect() err = nil, want model error")
	}

	out, elapsed, err := a.Detect(context.Background(), nil, m, Options{})
	if !out.IsEmpty() || elapsed != 0 || err != nil {
		t.Errorf("Detect(nil image) = %+v, %v, %v, want empty", out, elapsed, err)
	}
}
