// Package cmd holds the deepfake-check command line.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/example/deepfake-check/internal/config"
	"github.com/example/deepfake-check/internal/logging"
)

// Version is the application version.
const Version = "0.1.0"

var (
	cfg    config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:           "deepfake-check",
	Short:         "Real/fake face classification for uploaded videos and live screen frames",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load()
		if err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		applyFlagOverrides(cmd, &loaded)
		if err := loaded.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		cfg = loaded

		logger, err = logging.NewLogger(cfg.LogLevel)
		if err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// flag values; only flags the user set override the environment
var flagValues struct {
	logLevel      string
	inferenceAddr string
	models        []string
	strategy      string
	topK          int
	numWorkers    int
	frames        int
	inputSize     int
}

func applyFlagOverrides(cmd *cobra.Command, c *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("log-level") {
		c.LogLevel = flagValues.logLevel
	}
	if flags.Changed("inference-addr") {
		c.InferenceAddr = flagValues.inferenceAddr
	}
	if flags.Changed("models") {
		c.Models = flagValues.models
	}
	if flags.Changed("strategy") {
		c.Strategy = flagValues.strategy
	}
	if flags.Changed("top-k") {
		c.TopK = flagValues.topK
	}
	if flags.Changed("workers") {
		c.NumWorkers = flagValues.numWorkers
	}
	if flags.Changed("frames") {
		c.FramesPerVideo = flagValues.frames
	}
	if flags.Changed("input-size") {
		c.InputSize = flagValues.inputSize
	}
}

// Execute runs the root command with a context cancelled on SIGINT or SIGTERM.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	defaults := config.Default()
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagValues.logLevel, "log-level", defaults.LogLevel, "Log level (debug, info, warn, error)")
	pf.StringVar(&flagValues.inferenceAddr, "inference-addr", defaults.InferenceAddr, "gRPC address of the inference service")
	pf.StringSliceVar(&flagValues.models, "models", defaults.Models, "Ensemble model names served by the inference service")
	pf.StringVar(&flagValues.strategy, "strategy", defaults.Strategy, "Aggregation strategy: confident, mean, max, median, threshold")
	pf.IntVar(&flagValues.topK, "top-k", defaults.TopK, "Frames kept per model by the confident strategy")
	pf.IntVar(&flagValues.numWorkers, "workers", defaults.NumWorkers, "Videos predicted in parallel")
	pf.IntVar(&flagValues.frames, "frames", defaults.FramesPerVideo, "Frames sampled per video")
	pf.IntVar(&flagValues.inputSize, "input-size", defaults.InputSize, "Classifier input size in pixels")
}
