// Copyright 2025 James Ross

// Package fanout bounds the parallelism of a batch of tasks.
package fanout

import (
	"context"
	"sync"
)

// InParallel runs tasks with at most limit in flight and returns the first
// error observed. All tasks run regardless of earlier failures; the DB-side
// locking makes partial progress safe to retry.
func InParallel(ctx context.Context, limit int, tasks []func(ctx context.Context) error) error {
	if limit < 1 {
		limit = 1
	}
	sem := make(chan struct{}, limit)
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	for _, task := range tasks {
		task := task
		wg.Add(1)
		go func() {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			if err := task(ctx); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return firstErr
}
