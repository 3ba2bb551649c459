package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/deepfake-check/internal/inference"
	"github.com/example/deepfake-check/internal/stream"
	"github.com/example/deepfake-check/internal/video"
)

const (
	screenFrameEvent     = "screen_frame"
	detectionResultEvent = "detection_result"
	errorEvent           = "error"

	maxFrameBytes   = 16 << 20
	errorEventQueue = 8

	defaultWriteTimeout = 5 * time.Second
)

type clientEvent struct {
	Event string `json:"event"`
	Data  string `json:"data"`
}

type detectionEvent struct {
	Event      string  `json:"event"`
	Seq        uint64  `json:"seq"`
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

type errorEventMessage struct {
	Event string `json:"event"`
	Error string `json:"error"`
}

// eventWriter sends one JSON message to the client.
type eventWriter func(ctx context.Context, v any) error

// frameSocket feeds websocket screen frames into the stream pipeline and
// writes decisions back on the same socket. A write that does not finish
// within writeTimeout ends the session.
type frameSocket struct {
	pipeline     FramePipeline
	logger       *zap.Logger
	writeTimeout time.Duration
}

func (s *frameSocket) serve(c *gin.Context) {
	// the desktop shell connects from a file:// origin
	ws, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	ws.SetReadLimit(maxFrameBytes)

	conn := s.pipeline.Connect()
	defer conn.Close()
	logger := s.logger.With(zap.String("conn_id", conn.ID()), zap.String("remote", c.Request.RemoteAddr))
	logger.Info("client connected")

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	errs := make(chan errorEventMessage, errorEventQueue)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		defer cancel()
		write := func(ctx context.Context, v any) error { return wsjson.Write(ctx, ws, v) }
		if err := s.writeLoop(ctx, write, conn, errs); err != nil {
			ws.CloseNow()
			if !isClosed(err) {
				logger.Warn("websocket write failed", zap.Error(err))
			}
		}
	}()

	var dropped int64
	err = s.readLoop(ctx, ws, conn, errs, &dropped)
	cancel()
	<-writerDone

	if err != nil && !isClosed(err) {
		logger.Warn("websocket read failed", zap.Error(err))
		ws.Close(websocket.StatusInternalError, "read failed")
	} else {
		ws.Close(websocket.StatusNormalClosure, "")
	}
	logger.Info("client disconnected", zap.Int64("dropped_frames", dropped))
}

func (s *frameSocket) readLoop(ctx context.Context, ws *websocket.Conn, conn *stream.Conn, errs chan<- errorEventMessage, dropped *int64) error {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return err
		}

		var ev clientEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			sendError(errs, ErrCodeDecode)
			continue
		}
		if ev.Event != screenFrameEvent {
			s.logger.Debug("ignoring websocket event", zap.String("event", ev.Event))
			continue
		}

		img, err := video.DecodeFrame(ev.Data)
		if err != nil {
			s.logger.Debug("undecodable frame", zap.String("conn_id", conn.ID()), zap.Error(err))
			sendError(errs, ErrCodeDecode)
			continue
		}
		if !s.pipeline.Enqueue(conn, img) {
			*dropped++
			s.logger.Debug("frame dropped", zap.String("conn_id", conn.ID()), zap.Error(inference.ErrQueueFull))
		}
	}
}

func (s *frameSocket) writeLoop(ctx context.Context, write eventWriter, conn *stream.Conn, errs <-chan errorEventMessage) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-conn.Done():
			return nil
		case r := <-conn.Results():
			msg := detectionEvent{
				Event:      detectionResultEvent,
				Seq:        r.Seq,
				Label:      r.Label,
				Confidence: r.Confidence,
			}
			if err := s.send(ctx, write, conn, msg); err != nil {
				return err
			}
		case msg := <-errs:
			if err := s.send(ctx, write, conn, msg); err != nil {
				return err
			}
		}
	}
}

// send bounds a single write by writeTimeout. A failed write detaches conn
// so the pipeline stops producing results for it.
func (s *frameSocket) send(ctx context.Context, write eventWriter, conn *stream.Conn, v any) error {
	timeout := s.writeTimeout
	if timeout <= 0 {
		timeout = defaultWriteTimeout
	}
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := write(wctx, v); err != nil {
		conn.Close()
		return err
	}
	return nil
}

func sendError(errs chan<- errorEventMessage, code string) {
	select {
	case errs <- errorEventMessage{Event: errorEvent, Error: code}:
	default:
	}
}

func isClosed(err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway, websocket.StatusNoStatusRcvd:
		return true
	}
	return false
}
