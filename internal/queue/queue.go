// Package queue implements the FIFO of pending runs, keyed by requester.
package queue

import (
	"container/list"
	"context"
	"errors"
	"sync"
)

// ErrDuplicate is returned by Push when the key is already queued.
var ErrDuplicate = errors.New("already queued")

type entry[T any] struct {
	key   string
	value T
}

// Queue is an unbounded FIFO holding at most one item per key. It is safe
// for concurrent use; Ready lets a consumer wait without holding a lock.
type Queue[T any] struct {
	mu    sync.Mutex
	items *list.List
	index map[string]*list.Element
	ready chan struct{}
}

// New creates an empty queue.
func New[T any]() *Queue[T] {
	return &Queue[T]{
		items: list.New(),
		index: make(map[string]*list.Element),
		ready: make(chan struct{}, 1),
	}
}

// Push appends value under key and returns its 1-based position.
func (q *Queue[T]) Push(key string, value T) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.index[key]; ok {
		return 0, ErrDuplicate
	}
	q.index[key] = q.items.PushBack(entry[T]{key: key, value: value})
	q.signal()
	return q.items.Len(), nil
}

// TryPop removes and returns the head without blocking.
func (q *Queue[T]) TryPop() (string, T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	front := q.items.Front()
	if front == nil {
		var zero T
		return "", zero, false
	}
	e := q.items.Remove(front).(entry[T])
	delete(q.index, e.key)
	if q.items.Len() > 0 {
		q.signal()
	}
	return e.key, e.value, true
}

// Pop blocks until an item is available or ctx is done.
func (q *Queue[T]) Pop(ctx context.Context) (string, T, error) {
	for {
		if key, v, ok := q.TryPop(); ok {
			return key, v, nil
		}
		select {
		case <-q.ready:
		case <-ctx.Done():
			var zero T
			return "", zero, ctx.Err()
		}
	}
}

// Ready is signalled whenever items may be available.
func (q *Queue[T]) Ready() <-chan struct{} {
	return q.ready
}

// Remove drops key from the queue and returns its value, if it was present.
func (q *Queue[T]) Remove(key string) (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	el, ok := q.index[key]
	if !ok {
		var zero T
		return zero, false
	}
	e := q.items.Remove(el).(entry[T])
	delete(q.index, key)
	return e.value, true
}

// Contains reports whether key is queued.
func (q *Queue[T]) Contains(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.index[key]
	return ok
}

// PositionOf returns the 1-based position of key, or 0 and false.
func (q *Queue[T]) PositionOf(key string) (int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	target, ok := q.index[key]
	if !ok {
		return 0, false
	}
	pos := 1
	for el := q.items.Front(); el != target; el = el.Next() {
		pos++
	}
	return pos, true
}

// Keys returns queued keys in FIFO order.
func (q *Queue[T]) Keys() []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	keys := make([]string, 0, q.items.Len())
	for el := q.items.Front(); el != nil; el = el.Next() {
		keys = append(keys, el.Value.(entry[T]).key)
	}
	return keys
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

func (q *Queue[T]) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
