package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/deepfake-check/internal/logging"
	"github.com/example/deepfake-check/internal/stream"
)

// Publisher abstracts the Redis operation used by the feed to make testing easier.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) error
}

// RedisPublisher is a concrete implementation backed by go-redis.
type RedisPublisher struct {
	client *redis.Client
}

// NewRedisPublisher constructs a Redis-backed publisher adapter.
func NewRedisPublisher(client *redis.Client) *RedisPublisher {
	return &RedisPublisher{client: client}
}

// Publish sends message to every subscriber of channel.
func (p *RedisPublisher) Publish(ctx context.Context, channel string, message interface{}) error {
	return p.client.Publish(ctx, channel, message).Err()
}

// DecisionEvent is the message fanned out for every decision.
type DecisionEvent struct {
	Source     string    `json:"source"`
	ID         string    `json:"id"`
	Seq        uint64    `json:"seq,omitempty"`
	Label      string    `json:"label"`
	Confidence float64   `json:"confidence"`
	At         time.Time `json:"at"`
}

// FeedStats are the publish counters of a DecisionFeed.
type FeedStats struct {
	Published int64 `json:"published"`
	Failed    int64 `json:"failed"`
	Dropped   int64 `json:"dropped"`
}

// DecisionFeed publishes decisions in the background. Offering never
// blocks: when the buffer is full the event is dropped. Publishing failures
// are logged and never reach the caller that produced the decision.
type DecisionFeed struct {
	publisher      Publisher
	channel        string
	events         chan DecisionEvent
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration

	published atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

// NewDecisionFeed constructs a feed with room for buffer pending events.
func NewDecisionFeed(publisher Publisher, channel string, buffer int, logger *zap.Logger) *DecisionFeed {
	if buffer <= 0 {
		buffer = 64
	}
	return &DecisionFeed{
		publisher:      publisher,
		channel:        channel,
		events:         make(chan DecisionEvent, buffer),
		logger:         logger.Named("decision_feed"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// Offer queues ev for publishing and reports whether it was accepted.
func (f *DecisionFeed) Offer(ev DecisionEvent) bool {
	if f == nil {
		return false
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	select {
	case f.events <- ev:
		return true
	default:
		f.dropped.Add(1)
		return false
	}
}

// ObserveStream is a stream.Observer that forwards live decisions.
func (f *DecisionFeed) ObserveStream(connID string, r stream.Result) {
	f.Offer(DecisionEvent{
		Source:     "stream",
		ID:         connID,
		Seq:        r.Seq,
		Label:      r.Label,
		Confidence: r.Confidence,
	})
}

// Run publishes queued events until ctx is done.
func (f *DecisionFeed) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-f.events:
			f.publish(ctx, ev)
		}
	}
}

// Stats returns the current counters.
func (f *DecisionFeed) Stats() FeedStats {
	if f == nil {
		return FeedStats{}
	}
	return FeedStats{
		Published: f.published.Load(),
		Failed:    f.failed.Load(),
		Dropped:   f.dropped.Load(),
	}
}

func (f *DecisionFeed) publish(ctx context.Context, ev DecisionEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		f.failed.Add(1)
		logging.WithOperation(f.logger, "feed.encode", ev.ID).Error("failed to encode decision", zap.Error(err))
		return
	}
	if err := f.withRedisRetry(ctx, ev.ID, "redis.publish.decision", func() error {
		return f.publisher.Publish(ctx, f.channel, payload)
	}); err != nil {
		f.failed.Add(1)
		return
	}
	f.published.Add(1)
}

func (f *DecisionFeed) withRedisRetry(ctx context.Context, id, operation string, fn func() error) error {
	if f.retryAttempts <= 1 {
		if err := fn(); err != nil {
			return logging.NewOperationError(operation, id, err)
		}
		return nil
	}

	backoff := f.initialBackoff
	opLogger := logging.WithOperation(f.logger, operation, id)
	var err error
	for attempt := 0; attempt < f.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, id, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= f.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("redis operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !isTransientError(err) || attempt == f.retryAttempts-1 {
			opLogger.Error("redis operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, id, err)
		}

		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, id, err)
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}
