package grpcclient

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"time"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/example/deepfake-check/internal/inference"
	"github.com/example/deepfake-check/internal/logging"
)

// Full method names served by the inference service.
const (
	ClassifyMethod = "/deepfake.inference.v1.Inference/Classify"
	DetectMethod   = "/deepfake.inference.v1.Inference/DetectFaces"
)

// ModelHeader selects the ensemble member on the server.
const ModelHeader = "x-model"

// DialInference returns a ready-to-use connection to the inference service.
func DialInference(ctx context.Context, addr string, logger *zap.Logger) (*grpc.ClientConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	conn, err := grpc.DialContext(
		dialCtx,
		addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	)
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.dial_inference", addr, err)
		logger.Error("failed to dial inference service", zap.Error(wrapped), zap.String("addr", addr))
		return nil, wrapped
	}
	return conn, nil
}

// Classifier scores tensors with one named model of the remote service.
type Classifier struct {
	conn   grpc.ClientConnInterface
	model  string
	logger *zap.Logger
}

// NewClassifier binds a model name to conn.
func NewClassifier(conn grpc.ClientConnInterface, model string, logger *zap.Logger) *Classifier {
	return &Classifier{conn: conn, model: model, logger: logger.Named("inference_client")}
}

// Classify implements inference.Classifier.
func (c *Classifier) Classify(ctx context.Context, batch []inference.Tensor) ([]float64, error) {
	if len(batch) == 0 {
		return nil, nil
	}
	payload, err := EncodeTensors(batch)
	if err != nil {
		return nil, err
	}

	ctx = metadata.AppendToOutgoingContext(ctx, ModelHeader, c.model)
	resp := &structpb.ListValue{}
	if err := c.conn.Invoke(ctx, ClassifyMethod, wrapperspb.Bytes(payload), resp); err != nil {
		wrapped := logging.NewOperationError("grpcclient.classify", c.model, err)
		c.logger.Error("classify call failed", zap.Error(wrapped), zap.Int("batch", len(batch)))
		return nil, wrapped
	}

	scores, err := DecodeScores(resp)
	if err != nil {
		return nil, logging.NewOperationError("grpcclient.classify", c.model, err)
	}
	if len(scores) != len(batch) {
		return nil, logging.NewOperationError("grpcclient.classify", c.model,
			fmt.Errorf("got %d scores for %d inputs", len(scores), len(batch)))
	}
	return scores, nil
}

// Detector finds faces by sending JPEG-encoded frames to the remote service.
type Detector struct {
	conn    grpc.ClientConnInterface
	quality int
	logger  *zap.Logger
}

// NewDetector returns a detector over conn.
func NewDetector(conn grpc.ClientConnInterface, logger *zap.Logger) *Detector {
	return &Detector{conn: conn, quality: 90, logger: logger.Named("detector_client")}
}

// Detect implements inference.FaceDetector.
func (d *Detector) Detect(ctx context.Context, img image.Image) ([]image.Rectangle, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(d.quality)); err != nil {
		return nil, logging.NewOperationError("grpcclient.encode_frame", "", err)
	}

	resp := &structpb.ListValue{}
	if err := d.conn.Invoke(ctx, DetectMethod, wrapperspb.Bytes(buf.Bytes()), resp); err != nil {
		wrapped := logging.NewOperationError("grpcclient.detect_faces", "", err)
		d.logger.Error("detect call failed", zap.Error(wrapped))
		return nil, wrapped
	}
	boxes, err := DecodeBoxes(resp)
	if err != nil {
		return nil, logging.NewOperationError("grpcclient.detect_faces", "", err)
	}
	return boxes, nil
}
