package importer

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestLimiterBoundsConcurrency(t *testing.T) {
	const limit = 4
	const tasks = 50

	limiter := NewLimiter(limit)

	var running, peak, done atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < tasks; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := limiter.Run(context.Background(), func() {
				n := running.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				running.Add(-1)
				done.Add(1)
			})
			if err != nil {
				t.Errorf("Run() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if got := peak.Load(); got > limit {
		t.Errorf("observed %d concurrent tasks, limit is %d", got, limit)
	}
	if got := done.Load(); got != tasks {
		t.Errorf("%d tasks completed, want %d", got, tasks)
	}
}

func TestLimiterRespectsCancellation(t *testing.T) {
	limiter := NewLimiter(1)

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = limiter.Run(context.Background(), func() {
			close(started)
			<-release
		})
	}()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := limiter.Run(ctx, func() {
		t.Error("fn ran despite cancelled context")
	})
	if err == nil {
		t.Error("Run() error = nil, want context error")
	}

	close(release)
}
