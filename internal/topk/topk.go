// Package topk selects the highest-scoring items of a collection with a
// bounded min-heap, so memory stays at O(k) no matter how large the input is.
package topk

import (
	"github.com/emirpasic/gods/trees/binaryheap"
)

type entry[T any] struct {
	item  T
	score float64
}

// Heap is a min-heap of items ordered by score.
type Heap[T any] struct {
	h *binaryheap.Heap
}

// NewHeap returns an empty heap.
func NewHeap[T any]() *Heap[T] {
	return &Heap[T]{
		h: binaryheap.NewWith(func(a, b interface{}) int {
			sa, sb := a.(entry[T]).score, b.(entry[T]).score
			switch {
			case sa < sb:
				return -1
			case sa > sb:
				return 1
			default:
				return 0
			}
		}),
	}
}

// Insert adds item with the given score.
func (h *Heap[T]) Insert(item T, score float64) {
	h.h.Push(entry[T]{item: item, score: score})
}

// PeekMin returns the lowest-scoring item without removing it.
func (h *Heap[T]) PeekMin() (T, float64, bool) {
	v, ok := h.h.Peek()
	if !ok {
		var zero T
		return zero, 0, false
	}
	e := v.(entry[T])
	return e.item, e.score, true
}

// ExtractMin removes and returns the lowest-scoring item.
func (h *Heap[T]) ExtractMin() (T, float64, bool) {
	v, ok := h.h.Pop()
	if !ok {
		var zero T
		return zero, 0, false
	}
	e := v.(entry[T])
	return e.item, e.score, true
}

// Size returns the number of items in the heap.
func (h *Heap[T]) Size() int {
	return h.h.Size()
}

// Items returns the heap contents in no particular order.
func (h *Heap[T]) Items() []T {
	vals := h.h.Values()
	out := make([]T, 0, len(vals))
	for _, v := range vals {
		out = append(out, v.(entry[T]).item)
	}
	return out
}

// FindTopK returns the k items with the highest score. The result is
// unordered; callers needing a stable order must sort it themselves.
// When len(items) <= k a copy of items is returned.
func FindTopK[T any](items []T, k int, score func(T) float64) []T {
	if k <= 0 {
		return []T{}
	}
	if len(items) <= k {
		out := make([]T, len(items))
		copy(out, items)
		return out
	}

	h := NewHeap[T]()
	for _, it := range items {
		s := score(it)
		if h.Size() < k {
			h.Insert(it, s)
			continue
		}
		if _, minScore, _ := h.PeekMin(); s > minScore {
			h.ExtractMin()
			h.Insert(it, s)
		}
	}
	return h.Items()
}
