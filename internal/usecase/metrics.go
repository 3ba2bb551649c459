package usecase

import (
	"time"

	"github.com/example/deepfake-check/internal/stream"
)

// StreamStats is the part of the stream pipeline the summary reads.
type StreamStats interface {
	Stats() stream.Stats
}

// MetricsSummary represents in-memory service counters. Nothing is persisted.
type MetricsSummary struct {
	Uploads          int64        `json:"uploads"`
	DecodeErrors     int64        `json:"decode_errors"`
	ProcessingErrors int64        `json:"processing_errors"`
	AverageLatencyMs float64      `json:"average_latency_ms"`
	Stream           stream.Stats `json:"stream"`
	Feed             FeedStats    `json:"feed"`
}

// GetMetricsSummary aggregates upload counters with the stream and feed stats.
func (uc *DetectionUseCase) GetMetricsSummary(src StreamStats) *MetricsSummary {
	summary := &MetricsSummary{
		Uploads:          uc.uploads.Load(),
		DecodeErrors:     uc.decodeErrors.Load(),
		ProcessingErrors: uc.itemErrors.Load(),
		Feed:             uc.feed.Stats(),
	}
	if summary.Uploads > 0 {
		avg := time.Duration(uc.latencyNanos.Load() / summary.Uploads)
		summary.AverageLatencyMs = float64(avg) / float64(time.Millisecond)
	}
	if src != nil {
		summary.Stream = src.Stats()
	}
	return summary
}
