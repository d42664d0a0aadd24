// Package gstsource decodes a video file with GStreamer and exposes the most
// recent frame to the detection scheduler.
//
// Pipeline:
//
//	filesrc → decodebin → videoconvert → videoscale → capsfilter(RGBA) → appsink
//
// Frames are delivered through a single-slot mailbox: the appsink callback
// overwrites, CurrentFrame consumes. A frame the scheduler never saw is
// counted as dropped by the source; a pull that finds no new frame is counted
// as dropped by the scheduler.
package gstsource

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/e7canasta/orion-player/inference"
	"github.com/e7canasta/orion-player/scheduler"
)

// prerollTimeout bounds how long Open waits for the first frame to settle caps.
const prerollTimeout = 10 * time.Second

// Config configures a Source.
type Config struct {
	Path string

	// Width/Height request a frame size; zero keeps the decoded size.
	// Ideal, when set, overrides them (model-preferred input size).
	Width  int
	Height int
	Ideal  *inference.IdealFormat

	Logger *slog.Logger
}

// Stats reports frame delivery counters.
type Stats struct {
	FramesReceived uint64 `json:"frames_received"`
	FramesDropped  uint64 `json:"frames_dropped"`

	// Cadence is nil until the first frames after Play have been measured.
	Cadence *Cadence `json:"cadence,omitempty"`
}

// pipelineElements holds the elements we need after construction.
type pipelineElements struct {
	pipeline  *gst.Pipeline
	decodebin *gst.Element
	convert   *gst.Element
	appsink   *app.Sink
}

// Source is a GStreamer-backed scheduler.FrameSource.
type Source struct {
	cfg    Config
	logger *slog.Logger
	box    mailbox
	meter  *cadenceMeter

	mu       sync.Mutex
	elements *pipelineElements
	info     scheduler.VideoInfo
	size     negotiated
	err      error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}
	once   sync.Once
}

// New creates an unopened Source.
func New(cfg Config) *Source {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{
		cfg:    cfg,
		logger: logger,
		meter:  newCadenceMeter(cadenceWindow),
		done:   make(chan struct{}),
	}
}

// Open builds the pipeline and prerolls it (PAUSED) so the negotiated caps
// and duration are known before playback starts.
func (s *Source) Open(ctx context.Context) (scheduler.VideoInfo, error) {
	caps := CapsForIdealFormat(s.cfg.Ideal, s.cfg.Width, s.cfg.Height)

	elements, err := createPipeline(s.cfg.Path, caps)
	if err != nil {
		return scheduler.VideoInfo{}, err
	}

	elements.appsink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: s.onNewSample,
	})
	elements.decodebin.Connect("pad-added", func(self *gst.Element, srcPad *gst.Pad) {
		s.onPadAdded(srcPad, elements.convert)
	})

	s.mu.Lock()
	s.elements = elements
	s.mu.Unlock()

	if err := elements.pipeline.SetState(gst.StatePaused); err != nil {
		return scheduler.VideoInfo{}, fmt.Errorf("failed to preroll pipeline: %w", err)
	}
	if err := waitPreroll(ctx, elements.pipeline); err != nil {
		elements.pipeline.SetState(gst.StateNull)
		return scheduler.VideoInfo{}, err
	}

	info, err := s.describe(elements)
	if err != nil {
		elements.pipeline.SetState(gst.StateNull)
		return scheduler.VideoInfo{}, err
	}

	s.logger.Info("gstsource: video opened",
		"path", s.cfg.Path,
		"caps", caps,
		"resolution", fmt.Sprintf("%dx%d", info.Width, info.Height),
		"frame_rate", info.FrameRate,
		"duration", info.Duration,
	)
	return info, nil
}

// Play starts playback and the bus monitor. Frames arrive asynchronously.
func (s *Source) Play() error {
	s.mu.Lock()
	elements := s.elements
	s.mu.Unlock()
	if elements == nil {
		return ErrNotStarted
	}

	s.box.reset()
	s.meter.reset()
	s.ctx, s.cancel = context.WithCancel(context.Background())

	if err := elements.pipeline.SetState(gst.StatePlaying); err != nil {
		return fmt.Errorf("failed to start pipeline: %w", err)
	}

	s.wg.Add(1)
	go s.monitorBus(s.ctx, elements.pipeline)

	s.logger.Info("gstsource: playback started", "path", s.cfg.Path)
	return nil
}

// CurrentFrame implements scheduler.FrameSource: the frame decoded since the
// last call, or nil.
func (s *Source) CurrentFrame() image.Image {
	if f := s.box.take(); f != nil {
		return f
	}
	return nil
}

// VideoInfo returns the descriptor captured by Open.
func (s *Source) VideoInfo() scheduler.VideoInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

// Stats returns delivery counters.
func (s *Source) Stats() Stats {
	received, drops := s.box.counters()
	return Stats{
		FramesReceived: received,
		FramesDropped:  drops,
		Cadence:        s.meter.measured(),
	}
}

// Done is closed when playback ends (end of stream or pipeline error).
func (s *Source) Done() <-chan struct{} {
	return s.done
}

// Err reports why Done was closed.
func (s *Source) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close stops the pipeline and releases it. Safe to call more than once.
func (s *Source) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	s.mu.Lock()
	elements := s.elements
	s.elements = nil
	s.mu.Unlock()

	s.box.reset()
	if elements == nil {
		return nil
	}
	if err := elements.pipeline.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("failed to set pipeline to NULL: %w", err)
	}
	s.logger.Debug("gstsource: pipeline released", "path", s.cfg.Path)
	return nil
}

// createPipeline creates the pipeline in NULL state. decodebin pads are
// dynamic and get linked in the pad-added callback.
func createPipeline(path, capsStr string) (*pipelineElements, error) {
	gst.Init(nil)

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}

	filesrc, err := gst.NewElement("filesrc")
	if err != nil {
		return nil, fmt.Errorf("failed to create filesrc: %w", err)
	}
	filesrc.SetProperty("location", path)

	decodebin, err := gst.NewElement("decodebin")
	if err != nil {
		return nil, fmt.Errorf("failed to create decodebin: %w", err)
	}

	convert, err := gst.NewElement("videoconvert")
	if err != nil {
		return nil, fmt.Errorf("failed to create videoconvert: %w", err)
	}
	convert.SetProperty("n-threads", 0)

	scale, err := gst.NewElement("videoscale")
	if err != nil {
		return nil, fmt.Errorf("failed to create videoscale: %w", err)
	}

	capsfilter, err := gst.NewElement("capsfilter")
	if err != nil {
		return nil, fmt.Errorf("failed to create capsfilter: %w", err)
	}
	capsfilter.SetProperty("caps", gst.NewCapsFromString(capsStr))

	appsink, err := app.NewAppSink()
	if err != nil {
		return nil, fmt.Errorf("failed to create appsink: %w", err)
	}
	// Files play at presentation rate; the slot only ever holds the newest frame.
	appsink.SetProperty("sync", true)
	appsink.SetProperty("max-buffers", 1)
	appsink.SetProperty("drop", true)

	if err := pipeline.AddMany(filesrc, decodebin, convert, scale, capsfilter, appsink.Element); err != nil {
		return nil, fmt.Errorf("failed to add pipeline elements: %w", err)
	}
	if err := filesrc.Link(decodebin); err != nil {
		return nil, fmt.Errorf("failed to link filesrc: %w", err)
	}
	if err := gst.ElementLinkMany(convert, scale, capsfilter, appsink.Element); err != nil {
		return nil, fmt.Errorf("failed to link pipeline elements: %w", err)
	}

	return &pipelineElements{
		pipeline:  pipeline,
		decodebin: decodebin,
		convert:   convert,
		appsink:   appsink,
	}, nil
}

// onPadAdded links the first video pad decodebin exposes. Audio pads are
// left unlinked.
func (s *Source) onPadAdded(srcPad *gst.Pad, convert *gst.Element) {
	caps := srcPad.GetCurrentCaps()
	if caps == nil || !strings.HasPrefix(caps.String(), "video/") {
		s.logger.Debug("gstsource: ignoring non-video pad", "pad", srcPad.GetName())
		return
	}

	sinkPad := convert.GetStaticPad("sink")
	if sinkPad == nil {
		s.logger.Error("gstsource: failed to get sink pad from videoconvert")
		return
	}
	if sinkPad.IsLinked() {
		return
	}

	if ret := srcPad.Link(sinkPad); ret != gst.PadLinkOK {
		s.logger.Error("gstsource: failed to link pads",
			"src_pad", srcPad.GetName(),
			"ret", ret,
		)
		return
	}
	s.logger.Debug("gstsource: video pad linked", "pad", srcPad.GetName())
}

// onNewSample copies the decoded frame into the mailbox.
func (s *Source) onNewSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		s.logger.Warn("gstsource: failed to pull sample, skipping frame")
		return gst.FlowOK
	}

	buffer := sample.GetBuffer()
	if buffer == nil {
		s.logger.Warn("gstsource: sample without buffer, skipping frame")
		return gst.FlowOK
	}

	size := s.frameSize(sample)

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	frame, ok := frameFromRGBA(data, size.width, size.height)
	buffer.Unmap()

	if !ok {
		s.logger.Warn("gstsource: buffer does not match negotiated size",
			"bytes", len(data),
			"width", size.width,
			"height", size.height,
		)
		return gst.FlowOK
	}

	s.box.put(frame)

	if c, ok := s.meter.observe(time.Now()); ok {
		s.logger.Info("gstsource: delivery cadence measured",
			"frames", c.Frames,
			"fps_mean", fmt.Sprintf("%.2f", c.FPSMean),
			"fps_stddev", fmt.Sprintf("%.2f", c.FPSStdDev),
			"jitter_mean", c.JitterMean,
			"stable", c.IsStable,
		)
	}
	return gst.FlowOK
}

func (s *Source) frameSize(sample *gst.Sample) negotiated {
	s.mu.Lock()
	size := s.size
	s.mu.Unlock()
	if size.width > 0 && size.height > 0 {
		return size
	}

	if caps := sample.GetCaps(); caps != nil {
		if n, err := parseCaps(caps.String()); err == nil {
			s.mu.Lock()
			s.size = n
			s.mu.Unlock()
			return n
		}
	}
	return size
}

// describe reads the negotiated caps from the appsink pad and queries the
// stream duration.
func (s *Source) describe(elements *pipelineElements) (scheduler.VideoInfo, error) {
	pad := elements.appsink.GetStaticPad("sink")
	if pad == nil {
		return scheduler.VideoInfo{}, fmt.Errorf("appsink has no sink pad")
	}
	caps := pad.GetCurrentCaps()
	if caps == nil {
		return scheduler.VideoInfo{}, fmt.Errorf("appsink caps not negotiated")
	}

	n, err := parseCaps(caps.String())
	if err != nil {
		return scheduler.VideoInfo{}, err
	}

	info := scheduler.VideoInfo{
		IsPlayable: true,
		FrameRate:  n.frameRate,
		Width:      n.width,
		Height:     n.height,
	}
	if ok, dur := elements.pipeline.QueryDuration(gst.FormatTime); ok && dur > 0 {
		info.Duration = time.Duration(dur)
	}

	s.mu.Lock()
	s.size = n
	s.info = info
	s.mu.Unlock()

	return info, nil
}

// waitPreroll polls the bus until the pipeline finishes its async transition
// to PAUSED.
func waitPreroll(ctx context.Context, pipeline *gst.Pipeline) error {
	bus := pipeline.GetPipelineBus()
	deadline := time.Now().Add(prerollTimeout)

	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return err
		}

		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageAsyncDone:
			return nil
		case gst.MessageError:
			gerr := msg.ParseError()
			return fmt.Errorf("failed to open video [%s]: %s",
				classifyError(gerr.Error(), gerr.DebugString()), gerr.Error())
		case gst.MessageEOS:
			return fmt.Errorf("failed to open video: %w", ErrEndOfStream)
		}
	}
	return fmt.Errorf("failed to open video: preroll timed out after %v", prerollTimeout)
}

// monitorBus watches the bus until playback ends or ctx is cancelled.
func (s *Source) monitorBus(ctx context.Context, pipeline *gst.Pipeline) {
	defer s.wg.Done()

	bus := pipeline.GetPipelineBus()
	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("gstsource: context cancelled, stopping bus monitor")
			return
		default:
		}

		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageEOS:
			received, drops := s.box.counters()
			s.logger.Info("gstsource: end of stream",
				"path", s.cfg.Path,
				"frames_received", received,
				"frames_dropped", drops,
			)
			s.finish(ErrEndOfStream)
			return

		case gst.MessageError:
			gerr := msg.ParseError()
			category := classifyError(gerr.Error(), gerr.DebugString())
			s.logger.Error("gstsource: pipeline error",
				"error", gerr.Error(),
				"debug", gerr.DebugString(),
				"category", category.String(),
				"path", s.cfg.Path,
			)
			s.finish(fmt.Errorf("pipeline error [%s]: %s", category, gerr.Error()))
			return

		case gst.MessageStateChanged:
			if msg.Source() == pipeline.GetName() {
				old, now := msg.ParseStateChanged()
				s.logger.Debug("gstsource: pipeline state changed", "from", old, "to", now)
			}
		}
	}
}

func (s *Source) finish(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
	})
}
