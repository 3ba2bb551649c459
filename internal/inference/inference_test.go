package inference

import (
	"context"
	"errors"
	"image"
	"image/color"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubDetector struct {
	boxes []image.Rectangle
	err   error
	calls int
}

func (s *stubDetector) Detect(ctx context.Context, img image.Image) ([]image.Rectangle, error) {
	s.calls++
	return s.boxes, s.err
}

func solidFrame(w, h int, c color.NRGBA) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}

func TestDecisionFromScore(t *testing.T) {
	tests := []struct {
		name       string
		score      float64
		label      string
		confidence float64
	}{
		{name: "fake", score: 0.8, label: LabelFake, confidence: 0.8},
		{name: "real", score: 0.1, label: LabelReal, confidence: 0.9},
		{name: "boundary is real", score: 0.5, label: LabelReal, confidence: 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := DecisionFromScore(tt.score)
			assert.Equal(t, tt.label, d.Label)
			assert.InDelta(t, tt.confidence, d.Confidence, 1e-9)
			assert.GreaterOrEqual(t, d.Confidence, 0.5)
		})
	}
}

func TestNoFaceAndErrorDecisions(t *testing.T) {
	nf := NoFaceDecision()
	assert.Equal(t, LabelNoFace, nf.Label)
	assert.Zero(t, nf.Confidence)
	assert.NoError(t, nf.Err)

	ed := ErrorDecision(errors.New("boom"))
	assert.Equal(t, LabelError, ed.Label)
	assert.ErrorIs(t, ed.Err, ErrProcessing)
}

func TestDetectorExtractorCropsWithMargin(t *testing.T) {
	frame := solidFrame(100, 100, color.NRGBA{R: 200, G: 10, B: 10, A: 255})
	det := &stubDetector{boxes: []image.Rectangle{image.Rect(30, 30, 60, 60)}}
	ex := NewDetectorExtractor(det)

	crops, err := ex.Extract(context.Background(), []image.Image{frame})
	require.NoError(t, err)
	require.Len(t, crops, 1)
	require.Len(t, crops[0], 1)

	// 30px box padded by 10px on each side.
	assert.Equal(t, 50, crops[0][0].Image.Rect.Dx())
	assert.Equal(t, 50, crops[0][0].Image.Rect.Dy())
	assert.Equal(t, uint8(200), crops[0][0].Image.Pix[0])
}

func TestDetectorExtractorClampsAndSkipsEmptyBoxes(t *testing.T) {
	frame := solidFrame(40, 40, color.NRGBA{A: 255})
	det := &stubDetector{boxes: []image.Rectangle{
		image.Rect(0, 0, 30, 30),
		image.Rect(100, 100, 120, 120),
		image.Rect(5, 5, 5, 5),
	}}
	ex := &DetectorExtractor{Detector: det, Margin: 0.5}

	crops, err := ex.Extract(context.Background(), []image.Image{frame, nil})
	require.NoError(t, err)
	require.Len(t, crops, 2)
	require.Len(t, crops[0], 1)
	assert.Equal(t, 40, crops[0][0].Image.Rect.Dx())
	assert.Empty(t, crops[1])
	assert.Equal(t, 1, det.calls)
}

func TestDetectorExtractorPropagatesDetectorError(t *testing.T) {
	det := &stubDetector{err: errors.New("detector down")}
	ex := NewDetectorExtractor(det)

	_, err := ex.Extract(context.Background(), []image.Image{solidFrame(4, 4, color.NRGBA{})})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "detector down")
}

type countingClassifier struct {
	inFlight int32
	maxSeen  int32
}

func (c *countingClassifier) Classify(ctx context.Context, batch []Tensor) ([]float64, error) {
	n := atomic.AddInt32(&c.inFlight, 1)
	for {
		seen := atomic.LoadInt32(&c.maxSeen)
		if n <= seen || atomic.CompareAndSwapInt32(&c.maxSeen, seen, n) {
			break
		}
	}
	time.Sleep(2 * time.Millisecond)
	atomic.AddInt32(&c.inFlight, -1)
	return make([]float64, len(batch)), nil
}

func TestExclusiveSerializesCalls(t *testing.T) {
	inner := &countingClassifier{}
	c := Exclusive(inner)
	assert.Same(t, c, Exclusive(c))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = c.Classify(context.Background(), []Tensor{{}})
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&inner.maxSeen))
}

type fixedClassifier struct{ scores []float64 }

func (f fixedClassifier) Classify(ctx context.Context, batch []Tensor) ([]float64, error) {
	return f.scores, nil
}

func TestClassifyOneRejectsLengthMismatch(t *testing.T) {
	_, err := ClassifyOne(context.Background(), fixedClassifier{scores: []float64{0.1, 0.2}}, Tensor{})
	assert.ErrorIs(t, err, ErrProcessing)

	score, err := ClassifyOne(context.Background(), fixedClassifier{scores: []float64{0.7}}, Tensor{})
	require.NoError(t, err)
	assert.Equal(t, 0.7, score)
}
