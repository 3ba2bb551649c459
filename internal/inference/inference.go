// Package inference defines decisions, tensors and the face and model
// collaborators shared by the live and batch paths.
package inference

import (
	"context"
	"errors"
	"fmt"
	"image"
)

// Labels emitted in a Decision.
const (
	LabelReal   = "Real"
	LabelFake   = "Fake"
	LabelNoFace = "No Face"
	LabelError  = "Error"
)

// NeutralScore is returned when there is no evidence either way.
const NeutralScore = 0.5

var (
	// ErrInvalidCrop marks a zero-area face region.
	ErrInvalidCrop = errors.New("invalid crop")
	// ErrNoFace marks a frame or video without any detected face.
	ErrNoFace = errors.New("no face detected")
	// ErrProcessing marks an unexpected extraction or classification failure.
	ErrProcessing = errors.New("processing error")
	// ErrQueueFull is the backpressure signal of the stream pipeline.
	ErrQueueFull = errors.New("queue full")
	// ErrDecode marks an unreadable input file or frame.
	ErrDecode = errors.New("decode error")
)

// Frame is a single decoded image. Ordering is implied by arrival.
type Frame struct {
	Seq   uint64
	Image image.Image
}

// FaceCrop is a rectangular face region in RGB channel order.
type FaceCrop struct {
	Image *image.NRGBA
}

// Empty reports whether the crop has zero width or height.
func (c FaceCrop) Empty() bool {
	return c.Image == nil || c.Image.Rect.Dx() <= 0 || c.Image.Rect.Dy() <= 0
}

// Tensor is a Size x Size image in CHW layout, BGR channel order, scaled to [0,1].
type Tensor struct {
	Size int
	Data []float32
}

// At returns the value of channel c at row y, column x.
func (t Tensor) At(c, y, x int) float32 {
	return t.Data[c*t.Size*t.Size+y*t.Size+x]
}

// Classifier maps normalized tensors to fake-probabilities, one per input.
// Implementations are read-only after construction. Concurrent use is only
// safe when the implementation says so; wrap with Exclusive otherwise.
type Classifier interface {
	Classify(ctx context.Context, batch []Tensor) ([]float64, error)
}

// FaceDetector returns face bounding boxes in the coordinate space of img.
type FaceDetector interface {
	Detect(ctx context.Context, img image.Image) ([]image.Rectangle, error)
}

// FaceExtractor returns zero or more face crops for each input frame.
// The outer slice has one entry per frame, in input order.
type FaceExtractor interface {
	Extract(ctx context.Context, frames []image.Image) ([][]FaceCrop, error)
}

// Decision is the per-frame or per-video verdict delivered to a caller.
type Decision struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	Score      float64 `json:"-"`
	Err        error   `json:"-"`
}

// DecisionFromScore applies the 0.5 threshold. Confidence is max(score, 1-score).
func DecisionFromScore(score float64) Decision {
	if score > 0.5 {
		return Decision{Label: LabelFake, Confidence: score, Score: score}
	}
	return Decision{Label: LabelReal, Confidence: 1 - score, Score: score}
}

// NoFaceDecision is a valid outcome, not an error.
func NoFaceDecision() Decision {
	return Decision{Label: LabelNoFace, Confidence: 0, Score: NeutralScore}
}

// ErrorDecision surfaces an item-level failure without stopping the stream.
func ErrorDecision(err error) Decision {
	if err != nil && !errors.Is(err, ErrProcessing) {
		err = fmt.Errorf("%w: %w", ErrProcessing, err)
	}
	return Decision{Label: LabelError, Confidence: 0, Score: NeutralScore, Err: err}
}

// ClassifyOne runs a single tensor through c and validates the reply length.
func ClassifyOne(ctx context.Context, c Classifier, t Tensor) (float64, error) {
	scores, err := c.Classify(ctx, []Tensor{t})
	if err != nil {
		return 0, err
	}
	if len(scores) != 1 {
		return 0, fmt.Errorf("%w: classifier returned %d scores for 1 input", ErrProcessing, len(scores))
	}
	return scores[0], nil
}
