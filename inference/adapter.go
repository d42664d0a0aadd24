package inference

import (
	"context"
	"image"
	"log/slog"
	"time"

	"github.com/mdobak/go-xerrors"

	"github.com/e7canasta/orion-player/detection"
)

// Diagnostic describes one failed model call.
type Diagnostic struct {
	// Err carries a stack trace (go-xerrors).
	Err          error
	FunctionName string
	Orientation  Orientation
	CropAndScale CropAndScale
	Elapsed      time.Duration
}

// DiagnosticsFunc receives every inference failure. It is called on the
// goroutine that ran the model and must not block.
type DiagnosticsFunc func(Diagnostic)

// Options are the per-call knobs of Adapter.Run.
type Options struct {
	FunctionName string
	Orientation  Orientation
	// CropAndScale defaults to CropAuto, which derives the mode from the
	// model's ideal format.
	CropAndScale CropAndScale
}

// AdapterConfig configures an Adapter.
type AdapterConfig struct {
	Logger      *slog.Logger
	Diagnostics DiagnosticsFunc
}

// Adapter runs models and converts their output. Safe for concurrent use.
type Adapter struct {
	logger      *slog.Logger
	diagnostics DiagnosticsFunc
}

// NewAdapter creates an adapter.
func NewAdapter(cfg AdapterConfig) *Adapter {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		logger:      logger,
		diagnostics: cfg.Diagnostics,
	}
}

// Run executes model on img and returns the converted output.
//
// A nil image or model yields detection.Empty(). Errors from the model are
// reported to the diagnostics hook and logged, never returned: the output
// then holds whatever partial observations the model produced, timed with
// the elapsed wall clock.
func (a *Adapter) Run(ctx context.Context, img image.Image, model Model, opts Options) detection.Output {
	out, _, _ := a.Detect(ctx, img, model, opts)
	return out
}

// Detect is Run for callers that keep their own bookkeeping: it also returns
// the measured latency and the model error. The error has already been
// reported by the time Detect returns.
func (a *Adapter) Detect(ctx context.Context, img image.Image, model Model, opts Options) (detection.Output, time.Duration, error) {
	if img == nil || model == nil {
		return detection.Empty(), 0, nil
	}

	req := Request{
		FunctionName: opts.FunctionName,
		Orientation:  opts.Orientation,
		CropAndScale: opts.CropAndScale,
	}
	if req.CropAndScale == CropAuto {
		req.CropAndScale = CropForIdealFormat(model.IdealFormat())
	}
	if !req.Orientation.Valid() {
		req.Orientation = OrientationUp
	}

	start := time.Now()
	obs, err := model.Perform(ctx, img, req)
	elapsed := time.Since(start)

	if err != nil {
		err = a.report(ctx, err, req, elapsed)
	}

	return Convert(obs, elapsed), elapsed, err
}

func (a *Adapter) report(ctx context.Context, err error, req Request, elapsed time.Duration) error {
	err = xerrors.New(err)

	a.logger.WarnContext(ctx, "inference: model perform failed",
		slog.Any("error", err),
		slog.String("function", req.FunctionName),
		slog.String("orientation", req.Orientation.String()),
		slog.String("crop_and_scale", req.CropAndScale.String()),
		slog.Duration("elapsed", elapsed),
	)

	if a.diagnostics != nil {
		a.diagnostics(Diagnostic{
			Err:          err,
			FunctionName: req.FunctionName,
			Orientation:  req.Orientation,
			CropAndScale: req.CropAndScale,
			Elapsed:      elapsed,
		})
	}

	return err
}
