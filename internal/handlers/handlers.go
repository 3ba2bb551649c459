// Package handlers exposes the detection service over HTTP and websockets.
package handlers

import (
	"context"
	"errors"
	"image"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/deepfake-check/internal/config"
	"github.com/example/deepfake-check/internal/inference"
	"github.com/example/deepfake-check/internal/stream"
	"github.com/example/deepfake-check/internal/usecase"
)

// MaxUploadSize is the default ceiling for an uploaded video.
const MaxUploadSize = config.MaxUploadSize

// Error codes returned in the "error" field of failed requests and events.
const (
	ErrCodeNoFile        = "NoFile"
	ErrCodeEmptyFilename = "EmptyFilename"
	ErrCodeFileTooLarge  = "FileTooLarge"
	ErrCodeDecode        = "DecodeError"
	ErrCodeProcessing    = "ProcessingError"
)

const uploadField = "video"

// Detector runs the upload flow and reports service counters.
type Detector interface {
	DetectUpload(ctx context.Context, filename string, src io.Reader) (*usecase.UploadResult, error)
	GetMetricsSummary(src usecase.StreamStats) *usecase.MetricsSummary
}

// FramePipeline accepts live frames and hands back per-connection results.
type FramePipeline interface {
	Connect() *stream.Conn
	Enqueue(conn *stream.Conn, img image.Image) bool
	Stats() stream.Stats
}

// CompanionLauncher starts the desktop shell.
type CompanionLauncher interface {
	Launch(ctx context.Context) bool
}

// Dependencies are the collaborators the routes need.
type Dependencies struct {
	Detector       Detector
	Pipeline       FramePipeline
	Companion      CompanionLauncher
	AuthMiddleware gin.HandlerFunc
	MaxUploadSize  int64
	Logger         *zap.Logger
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, deps Dependencies) {
	if deps.MaxUploadSize <= 0 {
		deps.MaxUploadSize = MaxUploadSize
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.AuthMiddleware == nil {
		deps.AuthMiddleware = func(c *gin.Context) { c.Next() }
	}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.POST("/upload", deps.AuthMiddleware, uploadHandler(deps.Detector, deps.MaxUploadSize))

	ws := &frameSocket{pipeline: deps.Pipeline, logger: deps.Logger.Named("ws"), writeTimeout: defaultWriteTimeout}
	router.GET("/ws", ws.serve)

	router.POST("/start-companion", deps.AuthMiddleware, func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"success": deps.Companion.Launch(c.Request.Context())})
	})

	router.GET("/metrics", func(c *gin.Context) {
		c.JSON(http.StatusOK, deps.Detector.GetMetricsSummary(deps.Pipeline))
	})
}

func uploadHandler(detector Detector, maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxSize {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": ErrCodeFileTooLarge})
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)

		file, err := c.FormFile(uploadField)
		if err != nil {
			var tooLarge *http.MaxBytesError
			switch {
			case errors.As(err, &tooLarge):
				c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": ErrCodeFileTooLarge})
			case c.Request.MultipartForm != nil && len(c.Request.MultipartForm.Value[uploadField]) > 0:
				// a part without a filename is parsed as a plain value
				c.JSON(http.StatusBadRequest, gin.H{"error": ErrCodeEmptyFilename})
			default:
				c.JSON(http.StatusBadRequest, gin.H{"error": ErrCodeNoFile})
			}
			return
		}
		if file.Filename == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": ErrCodeEmptyFilename})
			return
		}

		src, err := file.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": ErrCodeNoFile})
			return
		}
		defer src.Close()

		res, err := detector.DetectUpload(c.Request.Context(), file.Filename, src)
		if err != nil {
			if errors.Is(err, inference.ErrDecode) {
				c.JSON(http.StatusUnprocessableEntity, gin.H{"error": ErrCodeDecode})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": ErrCodeProcessing})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"result":     res.Label,
			"confidence": res.Confidence,
			"identifier": res.Identifier,
			"request_id": res.RequestID,
		})
	}
}
