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

package common

import (
	"iter"
	"sync"
	"sync/atomic"
)

// PagedArray is a sparse array of T backed by lazily allocated fixed-size
// pages. Page allocation and growth of the page table are synchronized
// internally; element reads and writes are not, so callers sharing slots
// across goroutines must bring their own locks (see ShardedRWLocks).
type PagedArray[T any] struct {
	mu       sync.Mutex   // serializes page allocation and table growth
	table    atomic.Value // of [][]T, copied on growth/allocation
	pageSize uint64
}

func NewPagedArray[T any](pages, pageSize uint64) *PagedArray[T] {
	if pages == 0 {
		pages = 1
	}
	if pageSize == 0 {
		pageSize = 1
	}

	a := &PagedArray[T]{pageSize: pageSize}
	a.table.Store(make([][]T, pages))
	return a
}

func (a *PagedArray[T]) load() [][]T {
	return a.table.Load().([][]T)
}

// Cap returns the number of allocated slots.
func (a *PagedArray[T]) Cap() int {
	var c int
	for _, p := range a.load() {
		c += len(p)
	}
	return c
}

// AllocPageFor ensures the page containing id is allocated.
func (a *PagedArray[T]) AllocPageFor(id uint64) {
	a.EnsurePageFor(id)
}

// EnsurePageFor allocates the page containing id if needed and returns it.
func (a *PagedArray[T]) EnsurePageFor(id uint64) []T {
	p := id / a.pageSize

	// fast path: page already published
	tbl := a.load()
	if p < uint64(len(tbl)) && tbl[p] != nil {
		return tbl[p]
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	tbl = a.load()
	if p >= uint64(len(tbl)) || tbl[p] == nil {
		// copy-on-write so concurrent readers never observe a
		// partially updated table
		size := uint64(len(tbl))
		if p >= size {
			size = p + 1
		}
		next := make([][]T, size)
		copy(next, tbl)
		if next[p] == nil {
			next[p] = make([]T, a.pageSize)
		}
		a.table.Store(next)
		tbl = next
	}

	return tbl[p]
}

// GetPageFor returns the page and slot for id, allocating the page if
// necessary.
func (a *PagedArray[T]) GetPageFor(id uint64) ([]T, uint64) {
	return a.EnsurePageFor(id), id % a.pageSize
}

// Get returns the value at id, or the zero value if the page was never
// allocated.
func (a *PagedArray[T]) Get(id uint64) T {
	p := id / a.pageSize
	tbl := a.load()
	if p >= uint64(len(tbl)) || tbl[p] == nil {
		var zero T
		return zero
	}
	return tbl[p][id%a.pageSize]
}

// Set stores v at id, allocating the page if necessary.
func (a *PagedArray[T]) Set(id uint64, v T) {
	page := a.EnsurePageFor(id)
	page[id%a.pageSize] = v
}

// Iter yields every allocated slot with its id, in ascending id order.
// Element reads are not synchronized, callers needing a consistent view
// must hold the locks guarding the slots.
func (a *PagedArray[T]) Iter() iter.Seq2[uint64, T] {
	return func(yield func(uint64, T) bool) {
		for p, page := range a.load() {
			for s, v := range page {
				if !yield(uint64(p)*a.pageSize+uint64(s), v) {
					return
				}
			}
		}
	}
}

// Grow preallocates all pages up to and including the one containing n.
func (a *PagedArray[T]) Grow(n uint64) {
	for id := uint64(0); id <= n; id += a.pageSize {
		a.EnsurePageFor(id)
	}
}

// Reset drops all pages. The array keeps its configured page size.
func (a *PagedArray[T]) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.table.Store(make([][]T, len(a.load())))
}
