package inference

import (
	"context"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
)

// DefaultMargin pads each detected box by a third of its size on every side.
const DefaultMargin = 1.0 / 3.0

// DetectorExtractor turns a FaceDetector into a FaceExtractor by cropping
// every detected box, padded by Margin, out of the frame.
type DetectorExtractor struct {
	Detector FaceDetector
	Margin   float64
}

// NewDetectorExtractor returns an extractor with the default margin.
func NewDetectorExtractor(detector FaceDetector) *DetectorExtractor {
	return &DetectorExtractor{Detector: detector, Margin: DefaultMargin}
}

// Extract detects and crops faces frame by frame. Boxes that end up empty
// after clamping to the frame are skipped.
func (e *DetectorExtractor) Extract(ctx context.Context, frames []image.Image) ([][]FaceCrop, error) {
	out := make([][]FaceCrop, len(frames))
	for i, frame := range frames {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if frame == nil {
			continue
		}
		boxes, err := e.Detector.Detect(ctx, frame)
		if err != nil {
			return nil, fmt.Errorf("detect faces in frame %d: %w", i, err)
		}
		for _, box := range boxes {
			crop, ok := CropFace(frame, box, e.Margin)
			if !ok {
				continue
			}
			out[i] = append(out[i], crop)
		}
	}
	return out, nil
}

// CropFace pads box by margin, clamps it to the frame bounds and returns
// the region as an RGB crop. ok is false when the region is empty.
func CropFace(frame image.Image, box image.Rectangle, margin float64) (FaceCrop, bool) {
	box = box.Canon()
	if margin > 0 {
		padX := int(float64(box.Dx()) * margin)
		padY := int(float64(box.Dy()) * margin)
		box = image.Rect(box.Min.X-padX, box.Min.Y-padY, box.Max.X+padX, box.Max.Y+padY)
	}
	region := box.Intersect(frame.Bounds())
	if region.Empty() {
		return FaceCrop{}, false
	}
	return FaceCrop{Image: imaging.Crop(frame, region)}, true
}
