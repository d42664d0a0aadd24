package scheduler

import (
	"context"
	"image"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/e7canasta/orion-player/detection"
	"github.com/e7canasta/orion-player/inference"
	"github.com/e7canasta/orion-player/stats"
)

// DefaultClearDelay is the debounce between teardown and clearing the sink.
const DefaultClearDelay = 100 * time.Millisecond

// Published stat keys.
const (
	KeyDetTime       = "Det. Time"
	KeyDetObjects    = "Det. Objects"
	KeyDroppedFrames = "Dropped Frames"
	KeyDetFPS        = "Det. FPS"
)

// FrameSource yields the frame to analyze on each cycle.
type FrameSource interface {
	// CurrentFrame returns the newest frame, or nil when no new frame is
	// available (paused video, decoder not ready).
	CurrentFrame() image.Image
}

// FrameSourceFunc adapts a function to FrameSource.
type FrameSourceFunc func() image.Image

func (f FrameSourceFunc) CurrentFrame() image.Image { return f() }

// CycleObserver is notified after each steady cycle has been published.
// ObserveCycle runs on the DetectFrame goroutine, outside the scheduler lock;
// it must not block.
type CycleObserver interface {
	ObserveCycle(CycleReport)
}

// CycleObserverFunc adapts a function to CycleObserver.
type CycleObserverFunc func(CycleReport)

func (f CycleObserverFunc) ObserveCycle(r CycleReport) { f(r) }

// CycleReport describes one published (post warm-up) cycle.
type CycleReport struct {
	Seq               uint64           `json:"seq" msgpack:"seq"`
	Timestamp         time.Time        `json:"timestamp" msgpack:"timestamp"`
	Latency           time.Duration    `json:"latency_ns" msgpack:"latency_ns"`
	FunctionName      string           `json:"function_name,omitempty" msgpack:"function_name,omitempty"`
	Output            detection.Output `json:"output" msgpack:"output"`
	DroppedFrames     uint64           `json:"dropped_frames" msgpack:"dropped_frames"`
	StateFrameCounter uint64           `json:"state_frame_counter" msgpack:"state_frame_counter"`
}

// Config configures a Scheduler. Only Source is required.
type Config struct {
	Source FrameSource

	// Adapter runs the model. Default: inference.NewAdapter with Logger.
	Adapter *inference.Adapter

	// Sink receives steady-cycle stats. Default: a fresh stats.Sink.
	Sink *stats.Sink

	// Session provides the selected model function. Default: no selection.
	Session *inference.Session

	Logger *slog.Logger

	// ClearDelay defers the sink clear after Disappearing.
	// 0 means DefaultClearDelay; negative clears synchronously.
	ClearDelay time.Duration

	Observers []CycleObserver
}

// Scheduler owns the per-playback timing state and runs detection cycles.
//
// Thread-safety: all methods are safe for concurrent use, but DetectFrame
// and DetectBuffer must not overlap for the same scheduler; the caller paces
// them with RepeatInterval.
type Scheduler struct {
	source     FrameSource
	adapter    *inference.Adapter
	sink       *stats.Sink
	session    *inference.Session
	logger     *slog.Logger
	clearDelay time.Duration
	observers  []CycleObserver

	mu sync.Mutex

	// --- Attachment ---
	model       inference.Model
	video       VideoInfo
	orientation inference.Orientation

	// --- Lifecycle ---
	state           State
	epoch           uint64 // bumped by attach, playback start, teardown
	warmupPending   bool   // next invocation with a model is the warm-up cycle
	warmupCompleted bool

	// --- Timing & counters ---
	lastLatency       time.Duration
	droppedFrames     uint64
	stateFrameCounter uint64
	cycleSeq          uint64

	frameObjects []detection.Result

	// --- Deferred clear ---
	clearGen   uint64 // the pending clear fires only if still current
	clearTimer *time.Timer
}

// New creates an idle scheduler.
func New(cfg Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	adapter := cfg.Adapter
	if adapter == nil {
		adapter = inference.NewAdapter(inference.AdapterConfig{Logger: logger})
	}

	sink := cfg.Sink
	if sink == nil {
		sink = stats.New()
	}

	session := cfg.Session
	if session == nil {
		session = inference.NewSession("")
	}

	clearDelay := cfg.ClearDelay
	if clearDelay == 0 {
		clearDelay = DefaultClearDelay
	}

	return &Scheduler{
		source:        cfg.Source,
		adapter:       adapter,
		sink:          sink,
		session:       session,
		logger:        logger,
		clearDelay:    clearDelay,
		observers:     append([]CycleObserver(nil), cfg.Observers...),
		orientation:   inference.OrientationUp,
		state:         Idle,
		warmupPending: true,
	}
}

// Sink returns the stats sink the scheduler publishes into.
func (s *Scheduler) Sink() *stats.Sink {
	return s.sink
}

// Session returns the session consulted for the model function.
func (s *Scheduler) Session() *inference.Session {
	return s.session
}

// AttachModel swaps the model (nil detaches). The stateful frame counter is
// reset to 0 and the next cycle becomes the warm-up cycle. Results of cycles
// in flight are discarded. A pending deferred clear is cancelled.
func (s *Scheduler) AttachModel(m inference.Model) {
	s.mu.Lock()
	s.cancelPendingClearLocked()
	s.model = m
	s.stateFrameCounter = 0
	s.epoch++
	s.armWarmupLocked()
	if m == nil {
		s.state = Idle
		s.frameObjects = nil
	} else {
		s.state = WarmingUp
	}
	epoch := s.epoch
	s.mu.Unlock()

	if r, ok := m.(inference.StateResetter); ok {
		r.ResetState()
	}

	s.logger.Info("scheduler: model attached",
		"attached", m != nil,
		"epoch", epoch,
	)
}

// SetVideoInfo updates the video descriptor without touching cycle state.
func (s *Scheduler) SetVideoInfo(info VideoInfo) {
	s.mu.Lock()
	s.video = info
	s.mu.Unlock()
}

// StartPlayback begins a new playback session: stores info, resets the
// dropped-frame count and re-arms warm-up. A pending deferred clear is
// cancelled.
func (s *Scheduler) StartPlayback(info VideoInfo) {
	s.mu.Lock()
	s.cancelPendingClearLocked()
	s.video = info
	s.epoch++
	s.armWarmupLocked()
	s.droppedFrames = 0
	s.cycleSeq = 0
	s.frameObjects = nil
	if s.model != nil {
		s.state = WarmingUp
	} else {
		s.state = Idle
	}
	epoch := s.epoch
	s.mu.Unlock()

	s.logger.Info("scheduler: playback started",
		"epoch", epoch,
		"playable", info.IsPlayable,
		"frame_rate", info.FrameRate,
		"width", info.Width,
		"height", info.Height,
	)
}

// SetOrientation sets the orientation passed to the model on every cycle.
func (s *Scheduler) SetOrientation(o inference.Orientation) {
	if !o.Valid() {
		o = inference.OrientationUp
	}
	s.mu.Lock()
	s.orientation = o
	s.mu.Unlock()
}

// RepeatInterval returns the delay the external timer should wait before the
// next cycle. See ComputeRepeatInterval.
func (s *Scheduler) RepeatInterval(subtractLastLatency bool) time.Duration {
	s.mu.Lock()
	frameRate := s.video.FrameRate
	latency := s.lastLatency
	s.mu.Unlock()

	return ComputeRepeatInterval(frameRate, latency, subtractLastLatency)
}

// IsWithinLatencyBudget reports whether the last recorded latency is at most
// budget. A budget <= 0 means DefaultLatencyBudget.
func (s *Scheduler) IsWithinLatencyBudget(budget time.Duration) bool {
	if budget <= 0 {
		budget = DefaultLatencyBudget
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastLatency <= budget
}

// DetectFrame runs one detection cycle. onComplete (may be nil) is always
// invoked once the cycle has finished, including warm-up, dropped and stale
// cycles.
//
// Cycle outcomes:
//   - No frame: dropped-frame count +1, nothing published
//   - No model: frame objects cleared, nothing published
//   - Warm-up: latency and frame objects recorded, nothing published
//   - Steady: latency and frame objects recorded, stateful counter +1 on
//     success, stats published, observers notified
//   - Stale (epoch changed while running): results discarded
func (s *Scheduler) DetectFrame(ctx context.Context, onComplete func()) {
	if onComplete != nil {
		defer onComplete()
	}

	s.mu.Lock()
	s.cancelPendingClearLocked()
	epoch := s.epoch
	model := s.model
	opts := s.optionsLocked()
	warmup := false
	if model != nil && s.warmupPending {
		warmup = true
		s.warmupPending = false
		s.state = WarmingUp
	}
	s.mu.Unlock()

	var frame image.Image
	if s.source != nil {
		frame = s.source.CurrentFrame()
	}

	if frame == nil {
		s.recordDroppedFrame(epoch, warmup)
		return
	}

	if model == nil {
		s.mu.Lock()
		if s.epoch == epoch {
			s.frameObjects = nil
		}
		s.mu.Unlock()
		return
	}

	out, latency, err := s.adapter.Detect(ctx, frame, model, opts)

	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		s.logger.Debug("scheduler: discarding stale cycle",
			"cycle_epoch", epoch,
		)
		return
	}

	s.lastLatency = latency
	s.frameObjects = out.Objects

	if warmup {
		s.warmupCompleted = true
		s.state = Steady
		s.mu.Unlock()

		s.logger.Info("scheduler: warm-up cycle complete",
			"latency", latency,
			"objects", len(out.Objects),
		)
		return
	}

	s.state = Steady
	if err == nil && model.Stateful() {
		s.stateFrameCounter++
	}
	s.cycleSeq++
	s.sink.Publish(s.statEntriesLocked(out)...)

	report := CycleReport{
		Seq:               s.cycleSeq,
		Timestamp:         time.Now(),
		Latency:           latency,
		FunctionName:      opts.FunctionName,
		Output:            out,
		DroppedFrames:     s.droppedFrames,
		StateFrameCounter: s.stateFrameCounter,
	}
	s.mu.Unlock()

	s.logger.Debug("scheduler: cycle published",
		"seq", report.Seq,
		"latency", latency,
		"objects", len(out.Objects),
		"dropped_frames", report.DroppedFrames,
	)

	for _, o := range s.observers {
		o.ObserveCycle(report)
	}
}

// DetectBuffer runs the attached model on img directly, outside the cycle
// bookkeeping: no warm-up, no stats. It records the latency, advances the
// stateful frame counter on success, and returns the counter.
func (s *Scheduler) DetectBuffer(ctx context.Context, img image.Image) (detection.Output, uint64) {
	s.mu.Lock()
	epoch := s.epoch
	model := s.model
	opts := s.optionsLocked()
	s.mu.Unlock()

	out, latency, err := s.adapter.Detect(ctx, img, model, opts)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.epoch == epoch && model != nil && img != nil {
		s.lastLatency = latency
		if err == nil && model.Stateful() {
			s.stateFrameCounter++
		}
	}
	return out, s.stateFrameCounter
}

// Disappearing tears the session down: state becomes Idle, frame objects are
// cleared immediately, the stateful counter resets, and cycles in flight are
// invalidated. The stats sink is cleared after ClearDelay unless an attach,
// playback start or new cycle comes first.
func (s *Scheduler) Disappearing() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.epoch++
	s.state = Idle
	s.frameObjects = nil
	s.stateFrameCounter = 0
	s.armWarmupLocked()

	s.cancelPendingClearLocked()
	if s.clearDelay < 0 {
		s.sink.Clear()
		return
	}

	gen := s.clearGen
	s.clearTimer = time.AfterFunc(s.clearDelay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		if s.clearGen != gen {
			return
		}
		s.clearTimer = nil
		s.sink.Clear()
		s.logger.Debug("scheduler: stats cleared after teardown")
	})

	s.logger.Info("scheduler: disappearing",
		"epoch", s.epoch,
		"clear_delay", s.clearDelay,
	)
}

// FrameObjects returns the detections of the last completed cycle.
func (s *Scheduler) FrameObjects() []detection.Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]detection.Result, len(s.frameObjects))
	copy(out, s.frameObjects)
	return out
}

// State returns the lifecycle state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Metrics returns a snapshot of the scheduler state.
func (s *Scheduler) Metrics() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Metrics{
		State:             s.state,
		LastLatency:       s.lastLatency,
		WarmupCompleted:   s.warmupCompleted,
		DroppedFrames:     s.droppedFrames,
		StateFrameCounter: s.stateFrameCounter,
		Cycles:            s.cycleSeq,
		ModelAttached:     s.model != nil,
		Epoch:             s.epoch,
		Video:             s.video,
	}
}

func (s *Scheduler) recordDroppedFrame(epoch uint64, warmup bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.epoch != epoch {
		return
	}
	s.droppedFrames++
	// A warm-up invocation is consumed even when it had no frame.
	if warmup {
		s.warmupCompleted = true
		s.state = Steady
	}
	s.logger.Debug("scheduler: frame dropped",
		"dropped_frames", s.droppedFrames,
		"warmup", warmup,
	)
}

func (s *Scheduler) optionsLocked() inference.Options {
	return inference.Options{
		FunctionName: s.session.FunctionName(),
		Orientation:  s.orientation,
	}
}

func (s *Scheduler) statEntriesLocked(out detection.Output) []stats.Entry {
	entries := []stats.Entry{
		{Key: KeyDetTime, Value: out.Time},
		{Key: KeyDetObjects, Value: strconv.Itoa(len(out.Objects))},
		{Key: KeyDroppedFrames, Value: strconv.FormatUint(s.droppedFrames, 10)},
	}
	if out.FPS != "" {
		entries = append(entries, stats.Entry{Key: KeyDetFPS, Value: out.FPS})
	}
	return entries
}

func (s *Scheduler) armWarmupLocked() {
	s.warmupPending = true
	s.warmupCompleted = false
}

// cancelPendingClearLocked supersedes any deferred sink clear. Bumping the
// generation covers a timer that already fired and is waiting on s.mu.
func (s *Scheduler) cancelPendingClearLocked() {
	s.clearGen++
	if s.clearTimer != nil {
		s.clearTimer.Stop()
		s.clearTimer = nil
	}
}
