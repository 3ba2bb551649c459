package stream

// Stats is a point-in-time snapshot of pipeline counters.
type Stats struct {
	State     string `json:"state"`
	Capacity  int    `json:"capacity"`
	Queued    int    `json:"queued"`
	Enqueued  int64  `json:"enqueued"`
	Rejected  int64  `json:"rejected"`
	Processed int64  `json:"processed"`
	Failed    int64  `json:"failed"`
	Discarded int64  `json:"discarded"`
	Dropped   int64  `json:"dropped"`
}

// Stats returns the current counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		State:     p.State().String(),
		Capacity:  cap(p.queue),
		Queued:    len(p.queue),
		Enqueued:  p.enqueued.Load(),
		Rejected:  p.rejected.Load(),
		Processed: p.processed.Load(),
		Failed:    p.failed.Load(),
		Discarded: p.discarded.Load(),
		Dropped:   p.dropped.Load(),
	}
}
