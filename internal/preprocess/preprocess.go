// Package preprocess converts face crops into the tensor layout the
// classifier was trained against.
package preprocess

import (
	"fmt"

	"github.com/disintegration/imaging"

	"github.com/example/deepfake-check/internal/inference"
)

// DefaultInputSize is the side length expected by the EfficientNet-B7 weights.
const DefaultInputSize = 380

const scale = 1.0 / 255.0

// Normalize resizes crop to size x size, swaps RGB to BGR and scales every
// channel value into [0,1]. The output is CHW with channel 0 = blue.
//
// The order resize -> channel swap -> scale must not change: the classifier
// expects BGR input and silently produces wrong scores otherwise.
func Normalize(crop inference.FaceCrop, size int) (inference.Tensor, error) {
	if crop.Empty() {
		return inference.Tensor{}, inference.ErrInvalidCrop
	}
	if size <= 0 {
		return inference.Tensor{}, fmt.Errorf("%w: target size %d", inference.ErrInvalidCrop, size)
	}

	resized := imaging.Resize(crop.Image, size, size, imaging.Linear)

	plane := size * size
	data := make([]float32, 3*plane)
	for y := 0; y < size; y++ {
		row := resized.Pix[y*resized.Stride:]
		for x := 0; x < size; x++ {
			px := row[x*4 : x*4+3]
			i := y*size + x
			data[i] = float32(float64(px[2]) * scale)
			data[plane+i] = float32(float64(px[1]) * scale)
			data[2*plane+i] = float32(float64(px[0]) * scale)
		}
	}
	return inference.Tensor{Size: size, Data: data}, nil
}

// NormalizeAll normalizes every crop, dropping the invalid ones.
func NormalizeAll(crops []inference.FaceCrop, size int) []inference.Tensor {
	out := make([]inference.Tensor, 0, len(crops))
	for _, crop := range crops {
		t, err := Normalize(crop, size)
		if err != nil {
			continue
		}
		out = append(out, t)
	}
	return out
}
