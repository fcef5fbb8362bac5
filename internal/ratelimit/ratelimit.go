// Package ratelimit counts submissions per requester over a cooldown window.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter decides whether a requester may submit another run.
type Limiter interface {
	Allow(ctx context.Context, requesterID string, now time.Time) (bool, error)
}

type window struct {
	count int
	start time.Time
}

// Memory is an in-process Limiter. The window for a requester restarts once
// more than cooldown has passed since it opened.
type Memory struct {
	cooldown time.Duration
	ceiling  int

	mu      sync.Mutex
	windows map[string]*window
}

// NewMemory creates a limiter admitting ceiling requests per cooldown window.
func NewMemory(ceiling int, cooldown time.Duration) *Memory {
	return &Memory{
		cooldown: cooldown,
		ceiling:  ceiling,
		windows:  make(map[string]*window),
	}
}

func (m *Memory) Allow(_ context.Context, requesterID string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.windows[requesterID]
	if !ok || now.Sub(w.start) > m.cooldown {
		w = &window{start: now}
		m.windows[requesterID] = w
	}
	w.count++
	return w.count <= m.ceiling, nil
}

// Sweep drops windows that have expired by now.
func (m *Memory) Sweep(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id, w := range m.windows {
		if now.Sub(w.start) > m.cooldown {
			delete(m.windows, id)
			n++
		}
	}
	return n
}
