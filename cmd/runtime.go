package cmd

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/example/deepfake-check/internal/config"
	"github.com/example/deepfake-check/internal/grpcclient"
	"github.com/example/deepfake-check/internal/inference"
	"github.com/example/deepfake-check/internal/predict"
	"github.com/example/deepfake-check/internal/strategy"
	"github.com/example/deepfake-check/internal/video"
)

// engine is the inference side shared by serve and predict.
type engine struct {
	conn      *grpc.ClientConn
	models    []inference.Classifier
	extractor inference.FaceExtractor
	predictor *predict.Predictor
}

func newEngine(ctx context.Context, c config.Config, logger *zap.Logger) (*engine, error) {
	conn, err := grpcclient.DialInference(ctx, c.InferenceAddr, logger)
	if err != nil {
		return nil, err
	}

	models := make([]inference.Classifier, len(c.Models))
	for i, name := range c.Models {
		models[i] = grpcclient.NewClassifier(conn, name, logger)
	}
	// the first model is shared with the stream worker
	models[0] = inference.Exclusive(models[0])

	extractor := inference.NewDetectorExtractor(grpcclient.NewDetector(conn, logger))

	strat, err := strategy.ByName(c.Strategy, c.TopK)
	if err != nil {
		conn.Close()
		return nil, err
	}
	predictor, err := predict.New(models, extractor, strat, video.NewFFmpegReader(logger), predict.Config{
		FramesPerVideo: c.FramesPerVideo,
		NumWorkers:     c.NumWorkers,
		InputSize:      c.InputSize,
	}, logger)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("build predictor: %w", err)
	}

	logger.Info("inference engine ready",
		zap.String("addr", c.InferenceAddr),
		zap.Strings("models", c.Models),
		zap.String("strategy", c.Strategy),
	)
	return &engine{conn: conn, models: models, extractor: extractor, predictor: predictor}, nil
}

func (e *engine) Close() error {
	return e.conn.Close()
}
