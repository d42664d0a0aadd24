// Package core wires the player together: model, scheduler, frame source,
// and the optional outputs (MQTT emitter, cycle history, status server).
package core

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/disintegration/imaging"

	"github.com/e7canasta/orion-player/config"
	"github.com/e7canasta/orion-player/detection"
	"github.com/e7canasta/orion-player/inference"
	"github.com/e7canasta/orion-player/internal/cyclebus"
	"github.com/e7canasta/orion-player/internal/emitter"
	"github.com/e7canasta/orion-player/internal/gstsource"
	"github.com/e7canasta/orion-player/internal/history"
	"github.com/e7canasta/orion-player/internal/player"
	"github.com/e7canasta/orion-player/internal/server"
	"github.com/e7canasta/orion-player/scheduler"
)

// Options configures a Service.
type Options struct {
	Config *config.Config
	Model  inference.Model

	// Function overrides the model's default function. Empty keeps it.
	Function string

	Logger *slog.Logger
}

// Service is the player orchestrator.
type Service struct {
	cfg    *config.Config
	model  inference.Model
	logger *slog.Logger

	sched   *scheduler.Scheduler
	session *inference.Session
	bus     *cyclebus.Bus
	history *history.Store
	emitter *emitter.MQTTEmitter
	server  *server.Server

	historyCh chan scheduler.CycleReport
	wg        sync.WaitGroup

	mu     sync.RWMutex
	source *gstsource.Source

	failures atomic.Uint64
	started  time.Time
}

// historyBuffer bounds the reports waiting for the SQLite writer.
const historyBuffer = 64

// functionDefaulter is implemented by multi-function models.
type functionDefaulter interface {
	DefaultFunction() string
}

// New builds the service. Outputs that are enabled in cfg are created here
// but only started by Start.
func New(opts Options) (*Service, error) {
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Service{
		cfg:    cfg,
		model:  opts.Model,
		logger: logger,
		bus:    cyclebus.New(),
	}

	function := opts.Function
	if function == "" {
		if d, ok := opts.Model.(functionDefaulter); ok {
			function = d.DefaultFunction()
		}
	}
	s.session = inference.NewSession(function)

	adapter := inference.NewAdapter(inference.AdapterConfig{
		Logger:      logger,
		Diagnostics: s.onDiagnostic,
	})

	if cfg.History.Enabled {
		store, err := history.Open(cfg.History.Path, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open history: %w", err)
		}
		s.history = store
		s.historyCh = make(chan scheduler.CycleReport, historyBuffer)
		if err := s.bus.Subscribe("history", s.historyCh); err != nil {
			s.closeHistory()
			return nil, err
		}
		s.wg.Add(1)
		go s.recordHistory(s.historyCh)
	}

	// The emitter queues internally, so it observes the scheduler directly.
	observers := []scheduler.CycleObserver{s.bus}
	if cfg.MQTT.Enabled {
		s.emitter = emitter.New(emitter.Config{
			MQTT:       cfg.MQTT,
			InstanceID: cfg.InstanceID,
			Logger:     logger,
		})
		observers = append(observers, s.emitter)
	}

	s.sched = scheduler.New(scheduler.Config{
		Source:     scheduler.FrameSourceFunc(s.currentFrame),
		Adapter:    adapter,
		Session:    s.session,
		Logger:     logger,
		ClearDelay: cfg.Scheduler.ClearDelay(),
		Observers:  observers,
	})
	s.sched.AttachModel(opts.Model)

	if cfg.Server.Enabled {
		srvCfg := server.Config{
			Addr:            cfg.Server.Addr,
			InstanceID:      cfg.InstanceID,
			Scheduler:       s.sched,
			LatencyBudget:   cfg.Scheduler.LatencyBudget(),
			SubtractLatency: cfg.Scheduler.SubtractLastLatency(),
			Components:      s.components(),
			Logger:          logger,
		}
		// A nil *history.Store must not become a non-nil interface.
		if s.history != nil {
			srvCfg.History = s.history
		}
		latest, err := s.bus.SubscribeLatest("server")
		if err != nil {
			s.closeHistory()
			return nil, err
		}
		srvCfg.Latest = latest
		s.server = server.New(srvCfg)
	}

	logger.Info("core: service configured",
		"instance_id", cfg.InstanceID,
		"function", function,
		"history", cfg.History.Enabled,
		"mqtt", cfg.MQTT.Enabled,
		"server", cfg.Server.Enabled,
	)

	return s, nil
}

// Scheduler returns the detection scheduler.
func (s *Service) Scheduler() *scheduler.Scheduler {
	return s.sched
}

// Start connects the emitter and starts the status server.
func (s *Service) Start(ctx context.Context) error {
	s.started = time.Now()

	if s.emitter != nil {
		if err := s.emitter.Connect(ctx); err != nil {
			return fmt.Errorf("failed to connect mqtt: %w", err)
		}
	}
	if s.server != nil {
		s.server.Start()
	}
	return nil
}

// PlayVideo opens path and runs detection cycles until the video ends or ctx
// is cancelled.
func (s *Service) PlayVideo(ctx context.Context, path string) error {
	src := gstsource.New(gstsource.Config{
		Path:   path,
		Width:  s.cfg.Video.FrameWidth,
		Height: s.cfg.Video.FrameHeight,
		Ideal:  s.model.IdealFormat(),
		Logger: s.logger,
	})
	defer src.Close()

	info, err := src.Open(ctx)
	if err != nil {
		return fmt.Errorf("failed to open video: %w", err)
	}

	s.mu.Lock()
	s.source = src
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.source = nil
		s.mu.Unlock()
	}()

	s.sched.SetOrientation(inference.Orientation(s.cfg.Video.Orientation))

	p := player.New(player.Config{
		Scheduler:       s.sched,
		Playback:        src,
		Video:           info,
		SubtractLatency: s.cfg.Scheduler.SubtractLastLatency(),
		LatencyBudget:   s.cfg.Scheduler.LatencyBudget(),
		Logger:          s.logger,
	})
	return p.Run(ctx)
}

// DetectImage runs the model once on the image file at path. EXIF
// orientation is applied on decode.
func (s *Service) DetectImage(ctx context.Context, path string) (detection.Output, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return detection.Output{}, fmt.Errorf("failed to open image: %w", err)
	}

	s.sched.SetOrientation(inference.OrientationUp)

	p := player.New(player.Config{Scheduler: s.sched, Logger: s.logger})
	return p.DetectImage(ctx, img), nil
}

// Shutdown stops the outputs. The caller cancels any running PlayVideo first.
func (s *Service) Shutdown(ctx context.Context) error {
	s.logger.Info("core: shutting down")

	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			s.logger.Error("core: failed to stop status server", "error", err)
		}
	}
	if s.emitter != nil {
		if err := s.emitter.Disconnect(); err != nil {
			s.logger.Error("core: failed to disconnect mqtt", "error", err)
		}
	}

	s.closeHistory()

	s.logger.Info("core: shutdown complete",
		"uptime", time.Since(s.started),
		"inference_failures", s.failures.Load(),
	)
	return nil
}

// VideoPath returns the configured default video.
func (s *Service) VideoPath() string {
	return s.cfg.Video.Path
}

// ShutdownTimeout returns the configured graceful shutdown timeout.
func (s *Service) ShutdownTimeout() time.Duration {
	return s.cfg.ShutdownTimeout()
}

func (s *Service) currentFrame() image.Image {
	s.mu.RLock()
	src := s.source
	s.mu.RUnlock()
	if src == nil {
		return nil
	}
	return src.CurrentFrame()
}

// closeHistory closes the bus, drains the history writer and closes the
// store. Safe to call more than once.
func (s *Service) closeHistory() {
	s.bus.Close()
	if s.historyCh != nil {
		close(s.historyCh)
		s.historyCh = nil
	}
	s.wg.Wait()

	if s.history != nil {
		if err := s.history.Close(); err != nil {
			s.logger.Error("core: failed to close history", "error", err)
		}
		s.history = nil
	}
}

// recordHistory drains the history subscription until Shutdown.
func (s *Service) recordHistory(ch <-chan scheduler.CycleReport) {
	defer s.wg.Done()
	for r := range ch {
		s.history.ObserveCycle(r)
	}
}

func (s *Service) onDiagnostic(inference.Diagnostic) {
	s.failures.Add(1)
}

// components feeds the status server's /metrics.
func (s *Service) components() map[string]func() any {
	c := map[string]func() any{
		"inference": func() any {
			return map[string]any{
				"failures": s.failures.Load(),
				"function": s.session.FunctionName(),
			}
		},
		"source": func() any {
			s.mu.RLock()
			src := s.source
			s.mu.RUnlock()
			if src == nil {
				return nil
			}
			return src.Stats()
		},
	}
	c["bus"] = func() any { return s.bus.Stats() }
	if s.emitter != nil {
		c["emitter"] = func() any { return s.emitter.Stats() }
	}
	return c
}
