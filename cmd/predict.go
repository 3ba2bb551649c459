package cmd

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/example/deepfake-check/internal/config"
	"github.com/example/deepfake-check/internal/inference"
	"github.com/example/deepfake-check/internal/predict"
)

var predictOutput string

var predictCmd = &cobra.Command{
	Use:   "predict VIDEO...",
	Short: "Score local video files with the model ensemble",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out := io.Writer(os.Stdout)
		if predictOutput != "" {
			f, err := os.Create(predictOutput)
			if err != nil {
				return err
			}
			defer f.Close()
			out = f
		}
		return runPredict(cmd.Context(), cfg, logger, args, out)
	},
}

func init() {
	predictCmd.Flags().StringVarP(&predictOutput, "output", "o", "", "Write CSV results to this file instead of stdout")
	rootCmd.AddCommand(predictCmd)
}

func runPredict(ctx context.Context, c config.Config, logger *zap.Logger, videos []string, out io.Writer) error {
	eng, err := newEngine(ctx, c, logger)
	if err != nil {
		return err
	}
	defer eng.Close()

	start := time.Now()
	bar := progressbar.NewOptions(len(videos),
		progressbar.OptionSetDescription("Scoring videos"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
	)
	results := eng.predictor.Predict(ctx, videos, func(predict.Result) {
		_ = bar.Add(1)
	})
	_ = bar.Finish()
	fmt.Fprintln(os.Stderr)

	var failed int
	for _, r := range results {
		if r.Err != nil && !errors.Is(r.Err, inference.ErrNoFace) {
			failed++
		}
	}
	logger.Info("batch prediction finished",
		zap.Int("videos", len(videos)),
		zap.Int("failed", failed),
		zap.Duration("elapsed", time.Since(start)),
	)
	return writeResults(out, results)
}

// writeResults emits one CSV row per video in input order.
func writeResults(out io.Writer, results []predict.Result) error {
	w := csv.NewWriter(out)
	if err := w.Write([]string{"filename", "label", "score", "faces", "error"}); err != nil {
		return err
	}
	for _, r := range results {
		label := inference.DecisionFromScore(r.Score).Label
		errText := ""
		switch {
		case errors.Is(r.Err, inference.ErrNoFace):
			label = inference.LabelNoFace
		case r.Err != nil:
			label = inference.LabelError
			errText = r.Err.Error()
		}
		row := []string{
			filepath.Base(r.Video),
			label,
			strconv.FormatFloat(r.Score, 'f', 6, 64),
			strconv.Itoa(r.Faces),
			errText,
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}
