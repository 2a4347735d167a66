package importer

import "context"

// Limiter is a counting semaphore bounding how many deep-fetch operations run at
// once. Callers past the limit block until a permit frees up; admission order is
// not guaranteed, only that every caller eventually runs.
type Limiter struct {
	permits chan struct{}
}

func NewLimiter(limit int) *Limiter {
	if limit < 1 {
		limit = 1
	}

	return &Limiter{permits: make(chan struct{}, limit)}
}

// Run executes fn under a permit, or returns the context error if cancelled
// while waiting.
func (l *Limiter) Run(ctx context.Context, fn func()) error {
	select {
	case l.permits <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-l.permits }()

	fn()
	return nil
}
