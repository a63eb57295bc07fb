package utils

import (
	"sync"
	"time"
)

type Hit[T any] struct {
	At    time.Time
	Value T
}

// SlidingWindow keeps insertion-ordered hits and drops those older than the
// window whenever it is read. A non-positive window keeps everything.
type SlidingWindow[T any] struct {
	mu     sync.Mutex
	window time.Duration
	hits   []Hit[T]
}

func NewSlidingWindow[T any](window time.Duration) *SlidingWindow[T] {
	return &SlidingWindow[T]{window: window}
}

func (w *SlidingWindow[T]) SetWindow(window time.Duration) {
	w.mu.Lock()
	w.window = window
	w.mu.Unlock()
}

// Add appends a hit at now and returns the pruned contents.
func (w *SlidingWindow[T]) Add(now time.Time, value T) []Hit[T] {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.hits = append(w.hits, Hit[T]{At: now, Value: value})
	w.pruneLocked(now, w.window)
	return w.snapshotLocked()
}

// Hits prunes against the configured window and returns what is left.
func (w *SlidingWindow[T]) Hits(now time.Time) []Hit[T] {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pruneLocked(now, w.window)
	return w.snapshotLocked()
}

// Within returns the hits no older than window without pruning.
func (w *SlidingWindow[T]) Within(now time.Time, window time.Duration) []Hit[T] {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := now.Add(-window)
	out := make([]Hit[T], 0, len(w.hits))
	for _, hit := range w.hits {
		if !hit.At.Before(cutoff) {
			out = append(out, hit)
		}
	}
	return out
}

func (w *SlidingWindow[T]) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.hits)
}

func (w *SlidingWindow[T]) pruneLocked(now time.Time, window time.Duration) {
	if window <= 0 {
		return
	}
	cutoff := now.Add(-window)
	idx := 0
	for _, hit := range w.hits {
		if !hit.At.Before(cutoff) {
			break
		}
		idx++
	}
	w.hits = w.hits[idx:]
}

func (w *SlidingWindow[T]) snapshotLocked() []Hit[T] {
	return append([]Hit[T](nil), w.hits...)
}
