package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/e7canasta/orion-player/config"
	"github.com/e7canasta/orion-player/internal/core"
	"github.com/e7canasta/orion-player/internal/onnx"
)

const defaultConfigPath = "config/orion-player.yaml"

var (
	configPath string
	debug      bool
	function   string
)

func main() {
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:           "orion-player",
		Short:         "Run an ONNX vision model on video playback or still images",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			setupLogger(debug)
		},
	}

	defaultConfig := os.Getenv("ORION_PLAYER_CONFIG")
	if defaultConfig == "" {
		defaultConfig = defaultConfigPath
	}
	root.PersistentFlags().StringVar(&configPath, "config", defaultConfig, "Path to configuration file")
	root.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&function, "function", "", "Model function to run (default: model default)")

	root.AddCommand(videoCommand(), imageCommand())

	if err := root.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func setupLogger(debug bool) {
	logLevel := slog.LevelInfo
	if debug {
		logLevel = slog.LevelDebug
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)
}

func videoCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "video [path]",
		Short: "Play a video file and run detection cycles while it plays",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, cleanup, err := newService()
			if err != nil {
				return err
			}
			defer cleanup()

			path := svc.VideoPath()
			if len(args) == 1 {
				path = args[0]
			}
			if path == "" {
				return fmt.Errorf("no video path given and video.path is not configured")
			}

			slog.Info("starting orion player",
				"config", configPath,
				"video", path,
				"debug", debug,
			)

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			if err := svc.Start(ctx); err != nil {
				return err
			}

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigChan)

			errChan := make(chan error, 1)
			go func() {
				errChan <- svc.PlayVideo(ctx, path)
			}()

			var runErr error
			select {
			case sig := <-sigChan:
				slog.Info("received shutdown signal", "signal", sig)
				cancel()
				runErr = <-errChan
			case runErr = <-errChan:
				if runErr == nil {
					slog.Info("video finished")
				}
			}

			shutdownTimeout := svc.ShutdownTimeout()
			slog.Info("shutting down gracefully", "timeout", shutdownTimeout)

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer shutdownCancel()

			if err := svc.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("shutdown failed: %w", err)
			}
			return runErr
		},
	}
}

func imageCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "image <path>",
		Short: "Run the model once on an image file and print the detections as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, cleanup, err := newService()
			if err != nil {
				return err
			}
			defer cleanup()

			out, err := svc.DetectImage(cmd.Context(), args[0])
			if shutdownErr := svc.Shutdown(cmd.Context()); shutdownErr != nil {
				slog.Error("shutdown failed", "error", shutdownErr)
			}
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
}

// newService loads the configuration and the model. cleanup releases the
// model and the onnxruntime environment.
func newService() (*core.Service, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}

	model, err := onnx.Load(cfg.Model, slog.Default())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load model: %w", err)
	}

	cleanup := func() {
		model.Destroy()
		if err := onnx.DestroyRuntime(); err != nil {
			slog.Error("failed to destroy onnxruntime", "error", err)
		}
	}

	svc, err := core.New(core.Options{
		Config:   cfg,
		Model:    model,
		Function: function,
		Logger:   slog.Default(),
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("failed to create orion player: %w", err)
	}

	return svc, cleanup, nil
}
