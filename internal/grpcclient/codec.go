// Package grpcclient talks to the remote inference service that hosts the
// face detector and the classifier models.
package grpcclient

import (
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"math"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/deepfake-check/internal/inference"
)

const tensorHeader = 8

// EncodeTensors packs a batch as little-endian uint32 count, uint32 size,
// then count*3*size*size float32 values.
func EncodeTensors(batch []inference.Tensor) ([]byte, error) {
	if len(batch) == 0 {
		return nil, errors.New("empty batch")
	}
	size := batch[0].Size
	plane := 3 * size * size
	out := make([]byte, tensorHeader, tensorHeader+4*plane*len(batch))
	binary.LittleEndian.PutUint32(out[0:], uint32(len(batch)))
	binary.LittleEndian.PutUint32(out[4:], uint32(size))
	for i, t := range batch {
		if t.Size != size || len(t.Data) != plane {
			return nil, fmt.Errorf("tensor %d: want %dx%d, got size %d with %d values", i, size, size, t.Size, len(t.Data))
		}
		for _, v := range t.Data {
			out = binary.LittleEndian.AppendUint32(out, math.Float32bits(v))
		}
	}
	return out, nil
}

// DecodeTensors is the inverse of EncodeTensors.
func DecodeTensors(raw []byte) ([]inference.Tensor, error) {
	if len(raw) < tensorHeader {
		return nil, errors.New("short tensor payload")
	}
	count := int(binary.LittleEndian.Uint32(raw[0:]))
	size := int(binary.LittleEndian.Uint32(raw[4:]))
	plane := 3 * size * size
	if len(raw)-tensorHeader != 4*plane*count {
		return nil, fmt.Errorf("tensor payload has %d bytes, want %d", len(raw)-tensorHeader, 4*plane*count)
	}
	out := make([]inference.Tensor, count)
	off := tensorHeader
	for i := range out {
		data := make([]float32, plane)
		for j := range data {
			data[j] = math.Float32frombits(binary.LittleEndian.Uint32(raw[off:]))
			off += 4
		}
		out[i] = inference.Tensor{Size: size, Data: data}
	}
	return out, nil
}

// DecodeScores reads a list of numbers.
func DecodeScores(list *structpb.ListValue) ([]float64, error) {
	values := list.GetValues()
	out := make([]float64, len(values))
	for i, v := range values {
		n, ok := v.GetKind().(*structpb.Value_NumberValue)
		if !ok {
			return nil, fmt.Errorf("score %d is not a number", i)
		}
		out[i] = n.NumberValue
	}
	return out, nil
}

// DecodeBoxes reads a list of [x0, y0, x1, y1] lists in pixel coordinates.
func DecodeBoxes(list *structpb.ListValue) ([]image.Rectangle, error) {
	values := list.GetValues()
	out := make([]image.Rectangle, 0, len(values))
	for i, v := range values {
		coords := v.GetListValue().GetValues()
		if len(coords) != 4 {
			return nil, fmt.Errorf("box %d has %d coordinates", i, len(coords))
		}
		var p [4]int
		for j, c := range coords {
			n, ok := c.GetKind().(*structpb.Value_NumberValue)
			if !ok {
				return nil, fmt.Errorf("box %d coordinate %d is not a number", i, j)
			}
			p[j] = int(math.Round(n.NumberValue))
		}
		out = append(out, image.Rect(p[0], p[1], p[2], p[3]))
	}
	return out, nil
}
