// Package player is the external timer around the detection scheduler: it
// starts playback, runs one cycle per tick, and waits the scheduler's repeat
// interval between ticks so inference never outpaces the video.
package player

import (
	"context"
	"image"
	"log/slog"
	"time"

	"github.com/e7canasta/orion-player/detection"
	"github.com/e7canasta/orion-player/scheduler"
)

// Playback is the transport of a video source.
type Playback interface {
	Play() error
	// Done is closed when the video ends.
	Done() <-chan struct{}
}

// Config configures a Player. Scheduler is required.
type Config struct {
	Scheduler *scheduler.Scheduler

	// Playback is started after the scheduler's playback start. Optional.
	Playback Playback
	Video    scheduler.VideoInfo

	SubtractLatency bool
	LatencyBudget   time.Duration

	Logger *slog.Logger
}

// Player drives detection cycles.
type Player struct {
	cfg    Config
	sched  *scheduler.Scheduler
	logger *slog.Logger
}

// New creates a player.
func New(cfg Config) *Player {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Player{cfg: cfg, sched: cfg.Scheduler, logger: logger}
}

// Run plays the video until ctx is cancelled or the video ends, then tears
// the scheduler down. The first cycle runs immediately.
func (p *Player) Run(ctx context.Context) error {
	p.sched.StartPlayback(p.cfg.Video)
	defer p.sched.Disappearing()

	var done <-chan struct{}
	if p.cfg.Playback != nil {
		if err := p.cfg.Playback.Play(); err != nil {
			return err
		}
		done = p.cfg.Playback.Done()
	}

	p.logger.Info("player: playback started",
		"frame_rate", p.cfg.Video.FrameRate,
		"subtract_latency", p.cfg.SubtractLatency,
		"interval", p.sched.RepeatInterval(p.cfg.SubtractLatency),
	)

	timer := time.NewTimer(0)
	defer timer.Stop()

	var overBudget uint64
	for {
		select {
		case <-ctx.Done():
			p.logStopped("context cancelled", overBudget)
			return nil
		case <-done:
			p.logStopped("end of video", overBudget)
			return nil
		case <-timer.C:
		}

		p.sched.DetectFrame(ctx, nil)

		if !p.sched.IsWithinLatencyBudget(p.cfg.LatencyBudget) {
			overBudget++
			p.logger.Debug("player: cycle over latency budget",
				"latency", p.sched.Metrics().LastLatency,
				"budget", p.cfg.LatencyBudget,
			)
		}

		timer.Reset(p.sched.RepeatInterval(p.cfg.SubtractLatency))
	}
}

func (p *Player) logStopped(reason string, overBudget uint64) {
	m := p.sched.Metrics()
	p.logger.Info("player: playback stopped",
		"reason", reason,
		"cycles", m.Cycles,
		"dropped_frames", m.DroppedFrames,
		"over_budget", overBudget,
	)
}

// DetectImage runs the attached model once on a still image.
func (p *Player) DetectImage(ctx context.Context, img image.Image) detection.Output {
	out, counter := p.sched.DetectBuffer(ctx, img)
	p.logger.Debug("player: image detected",
		"objects", len(out.Objects),
		"time", out.Time,
		"state_frame_counter", counter,
	)
	return out
}
