package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/example/deepfake-check/internal/auth"
	"github.com/example/deepfake-check/internal/inference"
	"github.com/example/deepfake-check/internal/stream"
	"github.com/example/deepfake-check/internal/usecase"
)

const (
	testJWTSecret     = "test-secret"
	testMaxUploadSize = 1024
)

type stubDetector struct {
	result    *usecase.UploadResult
	err       error
	filenames []string
	bodies    []string
}

func (s *stubDetector) DetectUpload(ctx context.Context, filename string, src io.Reader) (*usecase.UploadResult, error) {
	data, _ := io.ReadAll(src)
	s.filenames = append(s.filenames, filename)
	s.bodies = append(s.bodies, string(data))
	return s.result, s.err
}

func (s *stubDetector) GetMetricsSummary(src usecase.StreamStats) *usecase.MetricsSummary {
	summary := &usecase.MetricsSummary{Uploads: int64(len(s.filenames))}
	if src != nil {
		summary.Stream = src.Stats()
	}
	return summary
}

type stubLauncher struct {
	ok    bool
	calls int
}

func (s *stubLauncher) Launch(ctx context.Context) bool {
	s.calls++
	return s.ok
}

type idlePipeline struct{}

func (idlePipeline) Connect() *stream.Conn { return nil }

func (idlePipeline) Enqueue(*stream.Conn, image.Image) bool { return false }

func (idlePipeline) Stats() stream.Stats { return stream.Stats{State: "idle", Capacity: 32} }

func newTestRouter(detector Detector, launcher CompanionLauncher, authMiddleware gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.MaxMultipartMemory = testMaxUploadSize
	RegisterRoutes(router, Dependencies{
		Detector:       detector,
		Pipeline:       idlePipeline{},
		Companion:      launcher,
		AuthMiddleware: authMiddleware,
		MaxUploadSize:  testMaxUploadSize,
	})
	return router
}

func postUpload(router *gin.Engine, body *bytes.Buffer, contentType, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set("Content-Type", contentType)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	return resp
}

func decodeBody(t *testing.T, resp *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid json %q: %v", resp.Body.String(), err)
	}
	return body
}

func TestUploadRejectsLargeUpload(t *testing.T) {
	detector := &stubDetector{}
	router := newTestRouter(detector, &stubLauncher{}, nil)

	body, contentType := buildMultipartBody(t, "video", "clip.mp4", bytes.Repeat([]byte("a"), testMaxUploadSize+1))
	resp := postUpload(router, body, contentType, "")

	if resp.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected status %d, got %d", http.StatusRequestEntityTooLarge, resp.Code)
	}
	if len(detector.filenames) != 0 {
		t.Fatal("pipeline must not run for oversized uploads")
	}
}

func TestUploadRejectsLargeUploadWithoutContentLength(t *testing.T) {
	detector := &stubDetector{}
	router := newTestRouter(detector, &stubLauncher{}, nil)

	body, contentType := buildMultipartBody(t, "video", "clip.mp4", bytes.Repeat([]byte("a"), 4*testMaxUploadSize))
	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set("Content-Type", contentType)
	req.ContentLength = -1
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected status %d, got %d", http.StatusRequestEntityTooLarge, resp.Code)
	}
}

func TestUploadRequestErrors(t *testing.T) {
	tests := []struct {
		name     string
		field    string
		filename string
		status   int
		code     string
	}{
		{"missing part", "image", "clip.mp4", http.StatusBadRequest, ErrCodeNoFile},
		{"empty filename", "video", "", http.StatusBadRequest, ErrCodeEmptyFilename},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newTestRouter(&stubDetector{}, &stubLauncher{}, nil)
			body, contentType := buildMultipartBody(t, tt.field, tt.filename, []byte("data"))
			resp := postUpload(router, body, contentType, "")

			if resp.Code != tt.status {
				t.Fatalf("expected status %d, got %d", tt.status, resp.Code)
			}
			if got := decodeBody(t, resp)["error"]; got != tt.code {
				t.Fatalf("expected error %s, got %v", tt.code, got)
			}
		})
	}
}

func TestUploadDecodeErrorIsUnprocessable(t *testing.T) {
	detector := &stubDetector{err: fmt.Errorf("usecase.decode_upload: %w", inference.ErrDecode)}
	router := newTestRouter(detector, &stubLauncher{}, nil)

	body, contentType := buildMultipartBody(t, "video", "broken.mp4", []byte("not a video"))
	resp := postUpload(router, body, contentType, "")

	if resp.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected status %d, got %d", http.StatusUnprocessableEntity, resp.Code)
	}
	if got := decodeBody(t, resp)["error"]; got != ErrCodeDecode {
		t.Fatalf("expected DecodeError, got %v", got)
	}
}

func TestUploadInternalFailure(t *testing.T) {
	router := newTestRouter(&stubDetector{err: errors.New("disk full")}, &stubLauncher{}, nil)

	body, contentType := buildMultipartBody(t, "video", "clip.mp4", []byte("data"))
	resp := postUpload(router, body, contentType, "")

	if resp.Code != http.StatusInternalServerError {
		t.Fatalf("expected status %d, got %d", http.StatusInternalServerError, resp.Code)
	}
}

func TestUploadReturnsDecision(t *testing.T) {
	detector := &stubDetector{result: &usecase.UploadResult{
		RequestID:  "req-1",
		Identifier: "clip.mp4",
		Decision:   inference.DecisionFromScore(0.9),
	}}
	router := newTestRouter(detector, &stubLauncher{}, nil)

	body, contentType := buildMultipartBody(t, "video", "clip.mp4", []byte("video-bytes"))
	resp := postUpload(router, body, contentType, "")

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", resp.Code, resp.Body.String())
	}
	got := decodeBody(t, resp)
	if got["result"] != inference.LabelFake || got["confidence"] != 0.9 || got["identifier"] != "clip.mp4" || got["request_id"] != "req-1" {
		t.Fatalf("unexpected body %v", got)
	}
	if detector.filenames[0] != "clip.mp4" || detector.bodies[0] != "video-bytes" {
		t.Fatalf("detector received %v %v", detector.filenames, detector.bodies)
	}
}

func TestUploadRequiresTokenWhenConfigured(t *testing.T) {
	detector := &stubDetector{result: &usecase.UploadResult{Decision: inference.DecisionFromScore(0.1)}}
	router := newTestRouter(detector, &stubLauncher{}, auth.JWTMiddleware(testJWTSecret, ""))

	body, contentType := buildMultipartBody(t, "video", "clip.mp4", []byte("data"))
	if resp := postUpload(router, body, contentType, ""); resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", resp.Code)
	}

	body, contentType = buildMultipartBody(t, "video", "clip.mp4", []byte("data"))
	if resp := postUpload(router, body, contentType, buildTestToken(t, "user-123")); resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}
}

func TestStartCompanion(t *testing.T) {
	for _, ok := range []bool{true, false} {
		launcher := &stubLauncher{ok: ok}
		router := newTestRouter(&stubDetector{}, launcher, nil)

		req := httptest.NewRequest(http.MethodPost, "/start-companion", nil)
		resp := httptest.NewRecorder()
		router.ServeHTTP(resp, req)

		if resp.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", resp.Code)
		}
		if got := decodeBody(t, resp)["success"]; got != ok {
			t.Fatalf("expected success=%t, got %v", ok, got)
		}
		if launcher.calls != 1 {
			t.Fatalf("expected one launch, got %d", launcher.calls)
		}
	}
}

func TestHealthAndMetrics(t *testing.T) {
	router := newTestRouter(&stubDetector{}, &stubLauncher{}, nil)

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/health", nil))
	if resp.Code != http.StatusOK || decodeBody(t, resp)["status"] != "ok" {
		t.Fatalf("unexpected health response %d %s", resp.Code, resp.Body.String())
	}

	resp = httptest.NewRecorder()
	router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}
	streamStats, ok := decodeBody(t, resp)["stream"].(map[string]any)
	if !ok || streamStats["capacity"] != float64(32) {
		t.Fatalf("unexpected metrics %s", resp.Body.String())
	}
}

func buildMultipartBody(t *testing.T, field, filename string, payload []byte) (*bytes.Buffer, string) {
	t.Helper()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, filename))
	header.Set("Content-Type", "video/mp4")

	part, err := writer.CreatePart(header)
	if err != nil {
		t.Fatalf("failed to create multipart part: %v", err)
	}
	if _, err := part.Write(payload); err != nil {
		t.Fatalf("failed to write payload: %v", err)
	}

	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close writer: %v", err)
	}

	return body, writer.FormDataContentType()
}

func buildTestToken(t *testing.T, subject string) string {
	t.Helper()

	claims := jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}
