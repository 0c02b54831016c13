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

import "sync/atomic"

// MonotonicCounter hands out strictly increasing uint64 ids.
type MonotonicCounter struct {
	next atomic.Uint64
}

// NewUint64Counter returns a counter whose first Next() is start.
func NewUint64Counter(start uint64) *MonotonicCounter {
	c := &MonotonicCounter{}
	c.next.Store(start)
	return c
}

func (c *MonotonicCounter) Next() uint64 {
	return c.next.Add(1) - 1
}

// Peek returns the value the next call to Next would return.
func (c *MonotonicCounter) Peek() uint64 {
	return c.next.Load()
}
