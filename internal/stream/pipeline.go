// Package stream runs live frames through a bounded queue and a single
// classification worker.
package stream

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/example/deepfake-check/internal/inference"
	"github.com/example/deepfake-check/internal/logging"
	"github.com/example/deepfake-check/internal/preprocess"
)

const (
	DefaultCapacity     = 32
	DefaultPollInterval = 10 * time.Millisecond
)

// State is the lifecycle position of a Pipeline.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// ErrAlreadyStarted is returned by Start on anything but an idle pipeline.
var ErrAlreadyStarted = errors.New("stream pipeline already started")

// Result is one decision delivered to a connection, tagged with the
// sequence number of the frame that produced it.
type Result struct {
	Seq uint64
	inference.Decision
}

// Observer is notified of every delivered result. It runs on the worker
// goroutine and must not block.
type Observer func(connID string, r Result)

// Config holds the tunables of a Pipeline.
type Config struct {
	Capacity     int
	PollInterval time.Duration
	InputSize    int
}

type job struct {
	conn  *Conn
	frame inference.Frame
}

// Pipeline owns the frame queue and the worker that drains it. Exactly one
// classification is in flight at a time; decisions for a connection are
// delivered in the order its frames were accepted.
//
// Only the first detected face of a frame is classified (single-subject
// assumption). The classifier is a single model even when the batch path
// runs an ensemble.
type Pipeline struct {
	extractor  inference.FaceExtractor
	classifier inference.Classifier
	inputSize  int
	poll       time.Duration
	logger     *zap.Logger
	observer   Observer

	queue chan job

	mu    sync.Mutex
	state State
	stop  chan struct{}
	done  chan struct{}

	enqueued  atomic.Int64
	rejected  atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	discarded atomic.Int64
	dropped   atomic.Int64
}

// New builds an idle pipeline. Zero config values fall back to defaults.
func New(extractor inference.FaceExtractor, classifier inference.Classifier, cfg Config, logger *zap.Logger) *Pipeline {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.InputSize <= 0 {
		cfg.InputSize = preprocess.DefaultInputSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		extractor:  extractor,
		classifier: classifier,
		inputSize:  cfg.InputSize,
		poll:       cfg.PollInterval,
		logger:     logger.Named("stream_pipeline"),
		queue:      make(chan job, cfg.Capacity),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// SetObserver installs fn as the result observer. Call before Start.
func (p *Pipeline) SetObserver(fn Observer) {
	p.observer = fn
}

// Capacity returns the fixed queue capacity.
func (p *Pipeline) Capacity() int { return cap(p.queue) }

// Len returns the number of frames currently queued.
func (p *Pipeline) Len() int { return len(p.queue) }

// State returns the current lifecycle state.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Start spawns the worker. A pipeline is started at most once.
func (p *Pipeline) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateIdle {
		return ErrAlreadyStarted
	}
	p.state = StateRunning
	go p.run()
	p.logger.Info("stream worker started", zap.Int("capacity", cap(p.queue)), zap.Duration("poll_interval", p.poll))
	return nil
}

// Stop rejects further frames, lets the worker finish the frame it is
// working on and waits for it to exit. Frames still queued are discarded.
// Stop returns ctx.Err() if ctx ends first; the worker still exits later.
func (p *Pipeline) Stop(ctx context.Context) error {
	p.mu.Lock()
	switch p.state {
	case StateIdle:
		p.state = StateStopped
		close(p.done)
		p.mu.Unlock()
		return nil
	case StateRunning:
		p.state = StateDraining
		close(p.stop)
	}
	p.mu.Unlock()

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connect registers a new result consumer.
func (p *Pipeline) Connect() *Conn {
	return newConn(cap(p.queue))
}

// Enqueue tries to queue frame for conn without blocking. It returns false
// when the queue is full or the pipeline is not running; the caller decides
// whether to drop the frame.
func (p *Pipeline) Enqueue(conn *Conn, img image.Image) bool {
	if conn == nil || img == nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateRunning {
		p.rejected.Add(1)
		return false
	}
	seq := conn.seq + 1
	select {
	case p.queue <- job{conn: conn, frame: inference.Frame{Seq: seq, Image: img}}:
		conn.seq = seq
		p.enqueued.Add(1)
		return true
	default:
		p.rejected.Add(1)
		return false
	}
}

func (p *Pipeline) run() {
	defer func() {
		p.mu.Lock()
		p.state = StateStopped
		p.mu.Unlock()
		close(p.done)
		p.logger.Info("stream worker stopped")
	}()

	ctx := context.Background()
	for {
		select {
		case <-p.stop:
			p.discardQueued()
			return
		default:
		}

		select {
		case j := <-p.queue:
			p.handle(ctx, j)
		case <-p.stop:
		case <-time.After(p.poll):
		}
	}
}

func (p *Pipeline) handle(ctx context.Context, j job) {
	if j.conn.closed() {
		p.discarded.Add(1)
		return
	}
	decision := p.evaluate(ctx, j)
	p.processed.Add(1)
	if decision.Label == inference.LabelError {
		p.failed.Add(1)
	}

	result := Result{Seq: j.frame.Seq, Decision: decision}
	if !j.conn.deliver(result) {
		p.dropped.Add(1)
		p.logger.Debug("result dropped", zap.String("conn_id", j.conn.ID()), zap.Uint64("seq", j.frame.Seq))
		return
	}
	if p.observer != nil {
		p.observer(j.conn.ID(), result)
	}
}

func (p *Pipeline) evaluate(ctx context.Context, j job) (decision inference.Decision) {
	opLogger := logging.WithOperation(p.logger, "stream.process_frame", j.conn.ID())
	defer func() {
		if r := recover(); r != nil {
			err := logging.NewOperationError("stream.process_frame", j.conn.ID(), fmt.Errorf("panic: %v", r))
			opLogger.Error("frame processing panicked", zap.Uint64("seq", j.frame.Seq), zap.Error(err))
			decision = inference.ErrorDecision(err)
		}
	}()

	crops, err := p.extractor.Extract(ctx, []image.Image{j.frame.Image})
	if err != nil {
		wrapped := logging.NewOperationError("stream.extract_faces", j.conn.ID(), err)
		opLogger.Warn("face extraction failed", zap.Uint64("seq", j.frame.Seq), zap.Error(wrapped))
		return inference.ErrorDecision(wrapped)
	}
	if len(crops) == 0 || len(crops[0]) == 0 {
		return inference.NoFaceDecision()
	}

	tensor, err := preprocess.Normalize(crops[0][0], p.inputSize)
	if err != nil {
		opLogger.Debug("skipping invalid crop", zap.Uint64("seq", j.frame.Seq), zap.Error(err))
		return inference.NoFaceDecision()
	}

	score, err := inference.ClassifyOne(ctx, p.classifier, tensor)
	if err != nil {
		wrapped := logging.NewOperationError("stream.classify", j.conn.ID(), err)
		opLogger.Warn("classification failed", zap.Uint64("seq", j.frame.Seq), zap.Error(wrapped))
		return inference.ErrorDecision(wrapped)
	}
	return inference.DecisionFromScore(score)
}

func (p *Pipeline) discardQueued() {
	for {
		select {
		case <-p.queue:
			p.discarded.Add(1)
		default:
			return
		}
	}
}
