package scheduler

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// slots bounds how many sessions execute at once.
type slots struct {
	sem   *semaphore.Weighted
	size  int
	inUse atomic.Int64
}

func newSlots(n int) *slots {
	return &slots{sem: semaphore.NewWeighted(int64(n)), size: n}
}

// acquire blocks until a slot is free or ctx ends.
func (s *slots) acquire(ctx context.Context) error {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	s.inUse.Add(1)
	return nil
}

func (s *slots) release() {
	s.inUse.Add(-1)
	s.sem.Release(1)
}

func (s *slots) busy() int {
	return int(s.inUse.Load())
}
