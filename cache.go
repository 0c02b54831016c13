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
	"context"

	"github.com/maypok86/otter/v2"
	"github.com/pkg/errors"
)

// PostingCache is the shared read path for posting regions. Loads are
// coalesced per key, so concurrent misses on the same posting result in a
// single fetch from the block store while the other callers await the
// in-flight result.
type PostingCache struct {
	cache   *otter.Cache[uint64, *Posting]
	store   *PostingStore
	metrics *Metrics
}

func NewPostingCache(store *PostingStore, metrics *Metrics) *PostingCache {
	cache, _ := otter.New[uint64, *Posting](nil)

	return &PostingCache{
		cache:   cache,
		store:   store,
		metrics: metrics,
	}
}

// Get returns the posting with the given ID, fetching it from the block
// store on a miss. The returned posting is shared across queries and must be
// treated as read-only.
func (c *PostingCache) Get(ctx context.Context, postingID uint64) (*Posting, error) {
	p, err := c.cache.Get(ctx, postingID, otter.LoaderFunc[uint64, *Posting](func(ctx context.Context, key uint64) (*Posting, error) {
		c.metrics.PostingFetched()

		p, err := c.store.Get(ctx, key)
		if err != nil {
			if errors.Is(err, ErrPostingNotFound) {
				return nil, otter.ErrNotFound
			}
			return nil, err
		}
		return p, nil
	}))
	if errors.Is(err, otter.ErrNotFound) {
		return nil, ErrPostingNotFound
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Invalidate drops the cached region for a posting after it has been
// rewritten or retired.
func (c *PostingCache) Invalidate(postingID uint64) {
	c.cache.Invalidate(postingID)
}
