//                           _       _
// __      _____  __ ___   ___  __ _| |_ ___
// \ \ /\ / / _ \/ _` \ \ / / |/ _` | __/ _ \
//  \ V  V /  __/ (_| |\ V /| | (_| | ||  __/
//   \_/\_/ \___|\__,_| \_/ |_|\__,_|\__\___|
//
//  Copyright © 2016 - 2025 Weaviate B.V. All rights reserved.
//
//  CONTACT: hello@weaviate.io
//

package priorityqueue

// Item is a single result candidate, optionally carrying a payload.
type Item[T any] struct {
	ID    uint64
	Dist  float32
	Value T
}

// Queue is a binary-heap priority queue over Items. Equal distances are
// ordered by ID so result sets are reproducible across runs.
type Queue[T any] struct {
	items []Item[T]
	less  func(a, b Item[T]) bool
}

// NewMin constructs a min-heap queue with the specified initial capacity
// (initial length is always 0).
func NewMin[T any](capacity int) *Queue[T] {
	return &Queue[T]{
		items: make([]Item[T], 0, capacity),
		less: func(a, b Item[T]) bool {
			if a.Dist != b.Dist {
				return a.Dist < b.Dist
			}
			return a.ID < b.ID
		},
	}
}

// NewMax constructs a max-heap queue with the specified initial capacity
// (initial length is always 0).
func NewMax[T any](capacity int) *Queue[T] {
	return &Queue[T]{
		items: make([]Item[T], 0, capacity),
		less: func(a, b Item[T]) bool {
			if a.Dist != b.Dist {
				return a.Dist > b.Dist
			}
			return a.ID > b.ID
		},
	}
}

// Pop removes the next item in the queue and returns it.
func (q *Queue[T]) Pop() Item[T] {
	if len(q.items) == 0 {
		panic("priority queue is empty")
	}
	out := q.items[0]
	q.items[0] = q.items[len(q.items)-1]
	q.items = q.items[:len(q.items)-1]
	q.heapify(0)
	return out
}

// Top peeks at the next item in the queue.
func (q *Queue[T]) Top() Item[T] {
	return q.items[0]
}

// Len returns the length of the queue.
func (q *Queue[T]) Len() int {
	return len(q.items)
}

// Cap returns the remaining capacity of the queue.
func (q *Queue[T]) Cap() int {
	return cap(q.items)
}

// Reset clears all items from the queue.
func (q *Queue[T]) Reset() {
	q.items = q.items[:0]
}

// ResetCap drops existing queue items, and allocates a new queue with the
// given capacity.
func (q *Queue[T]) ResetCap(capacity int) {
	q.items = make([]Item[T], 0, capacity)
}

// Insert adds an item without a payload to the queue.
func (q *Queue[T]) Insert(id uint64, dist float32) int {
	var zero T
	return q.InsertWithValue(id, dist, zero)
}

// InsertWithValue adds the provided item to the queue.
func (q *Queue[T]) InsertWithValue(id uint64, dist float32, v T) int {
	q.items = append(q.items, Item[T]{ID: id, Dist: dist, Value: v})
	i := len(q.items) - 1
	for i != 0 && q.less(q.items[i], q.items[q.parent(i)]) {
		q.swap(i, q.parent(i))
		i = q.parent(i)
	}
	return i
}

func (q *Queue[T]) left(i int) int { return 2*i + 1 }

func (q *Queue[T]) right(i int) int { return 2*i + 2 }

func (q *Queue[T]) parent(i int) int { return (i - 1) / 2 }

func (q *Queue[T]) swap(i, j int) {
	q.items[i], q.items[j] = q.items[j], q.items[i]
}

func (q *Queue[T]) heapify(i int) {
	left := q.left(i)
	right := q.right(i)
	first := i
	if left < len(q.items) && q.less(q.items[left], q.items[i]) {
		first = left
	}

	if right < len(q.items) && q.less(q.items[right], q.items[first]) {
		first = right
	}

	if first != i {
		q.swap(i, first)
		q.heapify(first)
	}
}
