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

package spann

import (
	"sort"
	"sync"
)

// Delta accumulates staged posting entries between commits. Staged entries
// are invisible to queries until Commit applies them to the durable store,
// which keeps the query path free of any merge-with-pending logic.
type Delta struct {
	mu     sync.Mutex
	staged map[uint64][]Vector
	count  int
}

func NewDelta() *Delta {
	return &Delta{
		staged: make(map[uint64][]Vector),
	}
}

// Stage appends an entry to the pending set of the given posting.
func (d *Delta) Stage(postingID uint64, v Vector) {
	d.mu.Lock()
	d.staged[postingID] = append(d.staged[postingID], v)
	d.count++
	d.mu.Unlock()
}

// Len returns the number of staged entries across all postings.
func (d *Delta) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.count
}

// Drain atomically takes ownership of all staged entries, leaving the delta
// empty. Entries staged concurrently with a drain land in the next commit.
func (d *Delta) Drain() map[uint64][]Vector {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := d.staged
	d.staged = make(map[uint64][]Vector)
	d.count = 0
	return out
}

// DurableHandle describes a successful commit: the postings that were
// rewritten and the number of entries that became durable.
type DurableHandle struct {
	Postings  []uint64
	Committed int
}

// sortedKeys returns the posting IDs of a drained delta in ascending order,
// so commits apply postings in a stable order.
func sortedKeys(staged map[uint64][]Vector) []uint64 {
	keys := make([]uint64, 0, len(staged))
	for id := range staged {
		keys = append(keys, id)
	}
	sort.Slice(keys, func(a, b int) bool { return keys[a] < keys[b] })
	return keys
}
