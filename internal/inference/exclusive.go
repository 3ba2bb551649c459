package inference

import (
	"context"
	"sync"
)

type exclusiveClassifier struct {
	mu    sync.Mutex
	inner Classifier
}

// Exclusive serializes calls to c so that at most one classification is in
// flight at a time, regardless of how many pipelines share it.
func Exclusive(c Classifier) Classifier {
	if c == nil {
		return nil
	}
	if _, ok := c.(*exclusiveClassifier); ok {
		return c
	}
	return &exclusiveClassifier{inner: c}
}

func (e *exclusiveClassifier) Classify(ctx context.Context, batch []Tensor) ([]float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return e.inner.Classify(ctx, batch)
}
