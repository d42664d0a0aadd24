package server

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/e7canasta/orion-player/detection"
	"github.com/e7canasta/orion-player/inference"
	"github.com/e7canasta/orion-player/internal/cyclebus"
	"github.com/e7canasta/orion-player/internal/history"
	"github.com/e7canasta/orion-player/scheduler"
)

type catModel struct{}

func (catModel) Perform(context.Context, image.Image, inference.Request) (inference.Observations, error) {
	return inference.ObjectObservations{{
		Labels:     []inference.Classification{{Identifier: "cat", Confidence: 0.9}},
		Confidence: 0.9,
		Box:        detection.BoundingBox{X: 0, Y: 0, Width: 0.5, Height: 0.5},
	}}, nil
}

func (catModel) Stateful() bool                      { return false }
func (catModel) IdealFormat() *inference.IdealFormat { return nil }

type fakeHistory struct {
	records []history.Record
	err     error
	limit   int
}

func (f *fakeHistory) Recent(limit int) ([]history.Record, error) {
	f.limit = limit
	return f.records, f.err
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// steadyScheduler returns a scheduler that has run its warm-up and one
// steady cycle against a 200x100 video.
func steadyScheduler(t *testing.T) *scheduler.Scheduler {
	t.Helper()

	frame := image.NewRGBA(image.Rect(0, 0, 200, 100))
	sched := scheduler.New(scheduler.Config{
		Source: scheduler.FrameSourceFunc(func() image.Image { return frame }),
		Logger: quietLogger(),
	})
	sched.AttachModel(catModel{})
	sched.StartPlayback(scheduler.VideoInfo{IsPlayable: true, FrameRate: 25, Width: 200, Height: 100})

	sched.DetectFrame(context.Background(), nil)
	sched.DetectFrame(context.Background(), nil)

	if sched.State() != scheduler.Steady {
		t.Fatalf("State() = %v, want steady", sched.State())
	}
	return sched
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestHealth(t *testing.T) {
	s := New(Config{InstanceID: "lab-01", Scheduler: steadyScheduler(t), Logger: quietLogger()})

	rec := get(t, s.Handler(), "/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if body["status"] != "alive" || body["state"] != "steady" || body["instance_id"] != "lab-01" {
		t.Errorf("body = %v", body)
	}
}

func TestStats(t *testing.T) {
	s := New(Config{Scheduler: steadyScheduler(t), Logger: quietLogger()})

	rec := get(t, s.Handler(), "/stats")
	var entries []struct{ Key, Value string }
	if err := json.NewDecoder(rec.Body).Decode(&entries); err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	keys := map[string]string{}
	for _, e := range entries {
		keys[e.Key] = e.Value
	}
	if keys[scheduler.KeyDetObjects] != "1" {
		t.Errorf("%q = %q, want 1", scheduler.KeyDetObjects, keys[scheduler.KeyDetObjects])
	}
	if _, ok := keys[scheduler.KeyDetTime]; !ok {
		t.Errorf("missing %q in %v", scheduler.KeyDetTime, entries)
	}
}

func TestDetections(t *testing.T) {
	s := New(Config{Scheduler: steadyScheduler(t), Logger: quietLogger()})

	tests := []struct {
		name   string
		target string
		want   int
	}{
		{"video size by default", "/detections", 1},
		{"explicit viewport", "/detections?width=200&height=100", 1},
		{"point inside", "/detections?width=200&height=100&x=10&y=60", 1},
		{"point outside", "/detections?width=200&height=100&x=150&y=10", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := get(t, s.Handler(), tt.target)
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200", rec.Code)
			}

			var resp DetectionsResponse
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatalf("decode failed: %v", err)
			}
			if len(resp.Objects) != tt.want {
				t.Fatalf("len(Objects) = %d, want %d", len(resp.Objects), tt.want)
			}
			if tt.want == 0 {
				return
			}

			got := resp.Objects[0]
			if got.Label != "cat" {
				t.Errorf("Label = %q, want cat", got.Label)
			}
			if got.Rect.X != 0 || got.Rect.Y != 50 || got.Rect.Width != 100 || got.Rect.Height != 50 {
				t.Errorf("Rect = %+v, want {0 50 100 50}", got.Rect)
			}
		})
	}
}

func TestDetectionsBadParams(t *testing.T) {
	s := New(Config{Scheduler: steadyScheduler(t), Logger: quietLogger()})

	for _, target := range []string{
		"/detections?width=abc",
		"/detections?width=0&height=10",
		"/detections?width=10&height=-1",
		"/detections?x=1",
	} {
		if rec := get(t, s.Handler(), target); rec.Code != http.StatusBadRequest {
			t.Errorf("GET %s status = %d, want 400", target, rec.Code)
		}
	}
}

func TestMetrics(t *testing.T) {
	s := New(Config{
		Scheduler:       steadyScheduler(t),
		SubtractLatency: true,
		LatencyBudget:   time.Hour,
		Components: map[string]func() any{
			"emitter": func() any { return map[string]int{"published": 3} },
		},
		Logger: quietLogger(),
	})

	rec := get(t, s.Handler(), "/metrics")
	var resp MetricsResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	if !resp.WithinBudget {
		t.Error("WithinBudget = false with a one hour budget")
	}
	if resp.LatencyBudgetMS != float64(time.Hour/time.Millisecond) {
		t.Errorf("LatencyBudgetMS = %v", resp.LatencyBudgetMS)
	}
	if resp.RepeatIntervalMS < 20 || resp.RepeatIntervalMS > 40 {
		t.Errorf("RepeatIntervalMS = %v, want within [20, 40] at 25 fps", resp.RepeatIntervalMS)
	}
	if !resp.Scheduler.WarmupCompleted || resp.Scheduler.Video.Width != 200 {
		t.Errorf("Scheduler = %+v", resp.Scheduler)
	}
	if resp.Components["emitter"] == nil {
		t.Error("missing emitter component")
	}
}

func TestHistory(t *testing.T) {
	sched := steadyScheduler(t)

	disabled := New(Config{Scheduler: sched, Logger: quietLogger()})
	if rec := get(t, disabled.Handler(), "/history"); rec.Code != http.StatusNotFound {
		t.Errorf("disabled history status = %d, want 404", rec.Code)
	}

	h := &fakeHistory{records: []history.Record{{Seq: 2}, {Seq: 1}}}
	s := New(Config{Scheduler: sched, History: h, Logger: quietLogger()})

	rec := get(t, s.Handler(), "/history?limit=2")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if h.limit != 2 {
		t.Errorf("Recent called with %d, want 2", h.limit)
	}
	var records []history.Record
	if err := json.NewDecoder(rec.Body).Decode(&records); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(records) != 2 || records[0].Seq != 2 {
		t.Errorf("records = %+v", records)
	}

	get(t, s.Handler(), "/history")
	if h.limit != history.DefaultLimit {
		t.Errorf("default limit = %d, want %d", h.limit, history.DefaultLimit)
	}

	if rec := get(t, s.Handler(), "/history?limit=x"); rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d, want 400", rec.Code)
	}

	h.err = errors.New("disk gone")
	if rec := get(t, s.Handler(), "/history"); rec.Code != http.StatusInternalServerError {
		t.Errorf("failing history status = %d, want 500", rec.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	s := New(Config{Scheduler: steadyScheduler(t), Logger: quietLogger()})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/stats", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST /stats status = %d, want 405", rec.Code)
	}
}

func TestLatestCycle(t *testing.T) {
	sched := steadyScheduler(t)

	disabled := New(Config{Scheduler: sched, Logger: quietLogger()})
	if rec := get(t, disabled.Handler(), "/cycles/latest"); rec.Code != http.StatusNotFound {
		t.Errorf("disabled status = %d, want 404", rec.Code)
	}

	bus := cyclebus.New()
	defer bus.Close()
	latest, err := bus.SubscribeLatest("server")
	if err != nil {
		t.Fatalf("SubscribeLatest failed: %v", err)
	}
	s := New(Config{Scheduler: sched, Latest: latest, Logger: quietLogger()})

	if rec := get(t, s.Handler(), "/cycles/latest"); rec.Code != http.StatusNotFound {
		t.Errorf("empty status = %d, want 404", rec.Code)
	}
	if rec := get(t, s.Handler(), "/cycles/latest?wait_ms=-5"); rec.Code != http.StatusBadRequest {
		t.Errorf("bad wait status = %d, want 400", rec.Code)
	}

	bus.Publish(scheduler.CycleReport{Seq: 42, FunctionName: "main"})

	rec := get(t, s.Handler(), "/cycles/latest")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var got scheduler.CycleReport
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if got.Seq != 42 || got.FunctionName != "main" {
		t.Errorf("report = %+v, want seq 42", got)
	}

	// Already read: a short long-poll times out without a newer cycle.
	if rec := get(t, s.Handler(), "/cycles/latest?wait_ms=20"); rec.Code != http.StatusNoContent {
		t.Errorf("long-poll timeout status = %d, want 204", rec.Code)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		bus.Publish(scheduler.CycleReport{Seq: 43})
	}()
	rec = get(t, s.Handler(), "/cycles/latest?wait_ms=2000")
	if rec.Code != http.StatusOK {
		t.Fatalf("long-poll status = %d, want 200", rec.Code)
	}
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil || got.Seq != 43 {
		t.Errorf("long-poll report = %+v, %v; want seq 43", got, err)
	}

	// An oversized wait is capped, not wrapped into a negative timeout.
	go func() {
		time.Sleep(20 * time.Millisecond)
		bus.Publish(scheduler.CycleReport{Seq: 44})
	}()
	rec = get(t, s.Handler(), "/cycles/latest?wait_ms=9223372036854775807")
	if rec.Code != http.StatusOK {
		t.Fatalf("oversized wait status = %d, want 200", rec.Code)
	}
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil || got.Seq != 44 {
		t.Errorf("oversized wait report = %+v, %v; want seq 44", got, err)
	}
}
