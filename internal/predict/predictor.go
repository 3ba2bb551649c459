// Package predict scores whole videos with an ensemble of classifiers.
package predict

import (
	"context"
	"errors"
	"fmt"
	"image"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/example/deepfake-check/internal/inference"
	"github.com/example/deepfake-check/internal/logging"
	"github.com/example/deepfake-check/internal/preprocess"
	"github.com/example/deepfake-check/internal/strategy"
)

const (
	DefaultFramesPerVideo = 32
	DefaultNumWorkers     = 1
)

// FrameReader samples n frames at a uniform stride from the video at path.
type FrameReader interface {
	ReadFrames(ctx context.Context, path string, n int) ([]image.Image, error)
}

// Config holds the batch tunables. Zero values fall back to defaults.
type Config struct {
	FramesPerVideo int
	NumWorkers     int
	InputSize      int
	// BatchSize caps the tensors per Classify call; 0 means one call per
	// model per video.
	BatchSize int
}

// Result is the outcome for one video. Score is 0.5 whenever Err is set.
// A video without any face carries an Err wrapping inference.ErrNoFace.
type Result struct {
	Video    string
	Score    float64
	Faces    int
	Err      error
	Duration time.Duration
}

// Predictor runs the batch pipeline: sample frames, extract faces,
// normalize, classify with every model and aggregate per video.
type Predictor struct {
	models    []inference.Classifier
	extractor inference.FaceExtractor
	strategy  strategy.Strategy
	reader    FrameReader
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Predictor. At least one model is required.
func New(models []inference.Classifier, extractor inference.FaceExtractor, strat strategy.Strategy, reader FrameReader, cfg Config, logger *zap.Logger) (*Predictor, error) {
	if len(models) == 0 {
		return nil, errors.New("predict: at least one model is required")
	}
	if extractor == nil || reader == nil {
		return nil, errors.New("predict: extractor and reader are required")
	}
	if strat == nil {
		strat = strategy.PerModel(strategy.Confident(strategy.DefaultTopK))
	}
	if cfg.FramesPerVideo <= 0 {
		cfg.FramesPerVideo = DefaultFramesPerVideo
	}
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = DefaultNumWorkers
	}
	if cfg.InputSize <= 0 {
		cfg.InputSize = preprocess.DefaultInputSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Predictor{
		models:    append([]inference.Classifier(nil), models...),
		extractor: extractor,
		strategy:  strat,
		reader:    reader,
		cfg:       cfg,
		logger:    logger.Named("batch_predictor"),
	}, nil
}

// Run returns one score per video, in input order.
func (p *Predictor) Run(ctx context.Context, videos []string) []float64 {
	results := p.Predict(ctx, videos, nil)
	scores := make([]float64, len(results))
	for i, r := range results {
		scores[i] = r.Score
	}
	return scores
}

// Predict scores every video with at most NumWorkers videos in flight.
// Failures stay local to their video. onDone, when set, is called once per
// finished video from the worker goroutines.
func (p *Predictor) Predict(ctx context.Context, videos []string, onDone func(Result)) []Result {
	results := make([]Result, len(videos))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.NumWorkers)
	for i, video := range videos {
		i, video := i, video
		g.Go(func() error {
			results[i] = p.predictVideo(gctx, video)
			if onDone != nil {
				onDone(results[i])
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (p *Predictor) predictVideo(ctx context.Context, path string) (res Result) {
	start := time.Now()
	id := filepath.Base(path)
	opLogger := logging.WithOperation(p.logger, "predict.video", id)

	res = Result{Video: path, Score: inference.NeutralScore}
	defer func() {
		if r := recover(); r != nil {
			res.Score = inference.NeutralScore
			res.Err = logging.NewOperationError("predict.video", id, fmt.Errorf("%w: panic: %v", inference.ErrProcessing, r))
			opLogger.Error("video prediction panicked", zap.Error(res.Err))
		}
		res.Duration = time.Since(start)
	}()

	if err := ctx.Err(); err != nil {
		res.Err = err
		return res
	}

	frames, err := p.reader.ReadFrames(ctx, path, p.cfg.FramesPerVideo)
	if err != nil {
		if !errors.Is(err, inference.ErrDecode) {
			err = fmt.Errorf("%w: %w", inference.ErrDecode, err)
		}
		res.Err = logging.NewOperationError("predict.read_frames", id, err)
		opLogger.Warn("failed to read video", zap.Error(res.Err))
		return res
	}

	crops, err := p.extractor.Extract(ctx, frames)
	if err != nil {
		res.Err = logging.NewOperationError("predict.extract_faces", id, fmt.Errorf("%w: %w", inference.ErrProcessing, err))
		opLogger.Warn("face extraction failed", zap.Error(res.Err))
		return res
	}

	var tensors []inference.Tensor
	for _, frameCrops := range crops {
		tensors = append(tensors, preprocess.NormalizeAll(frameCrops, p.cfg.InputSize)...)
	}
	res.Faces = len(tensors)
	if len(tensors) == 0 {
		res.Err = logging.NewOperationError("predict.extract_faces", id, inference.ErrNoFace)
		opLogger.Info("no faces found, using neutral score", zap.Int("frames", len(frames)))
		return res
	}

	ensemble := strategy.EnsembleResult{PerModel: make([][]float64, len(p.models))}
	for m, model := range p.models {
		scores, err := p.classifyAll(ctx, model, tensors)
		if err != nil {
			res.Err = logging.NewOperationError("predict.classify", id, fmt.Errorf("%w: model %d: %w", inference.ErrProcessing, m, err))
			opLogger.Warn("classification failed", zap.Int("model", m), zap.Error(res.Err))
			return res
		}
		ensemble.PerModel[m] = scores
	}

	res.Score = p.strategy.Aggregate(ensemble)
	opLogger.Info("video scored",
		zap.Float64("score", res.Score),
		zap.Int("frames", len(frames)),
		zap.Int("faces", res.Faces),
		zap.Int("models", len(p.models)),
	)
	return res
}

func (p *Predictor) classifyAll(ctx context.Context, model inference.Classifier, tensors []inference.Tensor) ([]float64, error) {
	size := p.cfg.BatchSize
	if size <= 0 {
		size = len(tensors)
	}
	out := make([]float64, 0, len(tensors))
	for lo := 0; lo < len(tensors); lo += size {
		hi := min(lo+size, len(tensors))
		scores, err := model.Classify(ctx, tensors[lo:hi])
		if err != nil {
			return nil, err
		}
		if len(scores) != hi-lo {
			return nil, fmt.Errorf("classifier returned %d scores for %d inputs", len(scores), hi-lo)
		}
		out = append(out, scores...)
	}
	return out, nil
}
