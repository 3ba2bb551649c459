// Package usecase holds the upload flow, the decision feed and the
// service counters behind the HTTP handlers.
package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"
	"unicode"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/deepfake-check/internal/inference"
	"github.com/example/deepfake-check/internal/logging"
	"github.com/example/deepfake-check/internal/predict"
)

// VideoPredictor scores stored videos.
type VideoPredictor interface {
	Predict(ctx context.Context, videos []string, onDone func(predict.Result)) []predict.Result
}

// UploadResult is the outcome of one uploaded video.
type UploadResult struct {
	RequestID  string
	Identifier string
	Faces      int
	inference.Decision
}

// DetectionUseCase encapsulates the upload flow: store, predict, clean up.
type DetectionUseCase struct {
	predictor VideoPredictor
	feed      *DecisionFeed
	uploadDir string
	logger    *zap.Logger

	uploads      atomic.Int64
	decodeErrors atomic.Int64
	itemErrors   atomic.Int64
	latencyNanos atomic.Int64
}

// NewDetectionUseCase constructs a new use case instance. feed may be nil.
func NewDetectionUseCase(predictor VideoPredictor, feed *DecisionFeed, uploadDir string, logger *zap.Logger) *DetectionUseCase {
	return &DetectionUseCase{
		predictor: predictor,
		feed:      feed,
		uploadDir: uploadDir,
		logger:    logger.Named("detection_usecase"),
	}
}

// DetectUpload stores src under the upload directory, scores it and removes
// it again. Unreadable videos return an error wrapping inference.ErrDecode;
// other item-level failures come back as an Error decision.
func (uc *DetectionUseCase) DetectUpload(ctx context.Context, filename string, src io.Reader) (*UploadResult, error) {
	start := time.Now()
	requestID := uuid.NewString()
	identifier := SanitizeFilename(filename)
	opLogger := logging.WithOperation(uc.logger, "usecase.detect_upload", requestID)
	uc.uploads.Add(1)
	defer func() { uc.latencyNanos.Add(int64(time.Since(start))) }()

	path, err := uc.store(requestID, identifier, src)
	if err != nil {
		wrapped := logging.NewOperationError("usecase.store_upload", requestID, err)
		opLogger.Error("failed to store upload", zap.Error(wrapped))
		return nil, wrapped
	}
	defer func() {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			opLogger.Warn("failed to remove upload", zap.String("path", path), zap.Error(err))
		}
	}()

	res := uc.predictor.Predict(ctx, []string{path}, nil)[0]
	out := &UploadResult{RequestID: requestID, Identifier: identifier, Faces: res.Faces}
	switch {
	case errors.Is(res.Err, inference.ErrDecode):
		uc.decodeErrors.Add(1)
		wrapped := logging.NewOperationError("usecase.decode_upload", requestID, res.Err)
		opLogger.Warn("upload could not be decoded", zap.String("identifier", identifier), zap.Error(wrapped))
		return nil, wrapped
	case errors.Is(res.Err, inference.ErrNoFace), res.Err == nil && res.Faces == 0:
		out.Decision = inference.NoFaceDecision()
	case res.Err != nil:
		uc.itemErrors.Add(1)
		out.Decision = inference.ErrorDecision(res.Err)
	default:
		out.Decision = inference.DecisionFromScore(res.Score)
	}

	opLogger.Info("upload scored",
		zap.String("identifier", identifier),
		zap.String("label", out.Label),
		zap.Float64("confidence", out.Confidence),
		zap.Int("faces", out.Faces),
		zap.Duration("duration", time.Since(start)),
	)
	uc.feed.Offer(DecisionEvent{
		Source:     "upload",
		ID:         requestID,
		Label:      out.Label,
		Confidence: out.Confidence,
	})
	return out, nil
}

func (uc *DetectionUseCase) store(requestID, identifier string, src io.Reader) (string, error) {
	if err := os.MkdirAll(uc.uploadDir, 0o755); err != nil {
		return "", fmt.Errorf("create upload dir: %w", err)
	}
	path := filepath.Join(uc.uploadDir, requestID+"_"+identifier)
	dst, err := os.Create(path)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(path)
		return "", err
	}
	if err := dst.Close(); err != nil {
		os.Remove(path)
		return "", err
	}
	return path, nil
}

// SanitizeFilename reduces name to a safe base name made of letters,
// digits, dots, dashes and underscores.
func SanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)), r == '.', r == '-', r == '_':
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteByte('_')
		}
	}
	clean := strings.Trim(b.String(), "._")
	if clean == "" {
		return "upload"
	}
	return clean
}
