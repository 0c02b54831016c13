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
	"sync"

	"github.com/pkg/errors"

	"github.com/weaviate/spann/distancer"
	"github.com/weaviate/spann/priorityqueue"
	"github.com/weaviate/spann/quantization"
)

type SearchResult struct {
	ID       uint64
	Distance float32
}

type centroid struct {
	code quantization.Code
	full []float32
}

// CentroidIndex is a coarse brute-force index over posting centroids.
// Centroids are quantized against the origin, so coarse selection runs on
// codes. The full-precision form is kept alongside because residual
// encoding and posting maintenance require it. Both forms are mutated
// under one lock, a reader never observes one updated and the other stale.
type CentroidIndex struct {
	m         sync.RWMutex
	centroids map[uint64]centroid
	quantizer *quantization.Quantizer
	zero      []float32
	provider  distancer.Provider
}

// NewCentroidIndex builds an index over rotated centroids of the given
// dimensionality.
func NewCentroidIndex(dim int, width quantization.BitWidth, provider distancer.Provider) (*CentroidIndex, error) {
	quantizer, err := quantization.NewQuantizer(dim, width)
	if err != nil {
		return nil, err
	}
	return &CentroidIndex{
		centroids: make(map[uint64]centroid),
		quantizer: quantizer,
		zero:      make([]float32, dim),
		provider:  provider,
	}, nil
}

// Upsert registers or replaces the centroid for a posting. The vector is in
// rotated space and is owned by the index afterwards.
func (c *CentroidIndex) Upsert(id uint64, vector []float32) error {
	code, err := c.quantizer.Encode(vector, c.zero)
	if errors.Is(err, quantization.ErrZeroResidual) {
		// a centroid at the origin is legal, the zero code scores it exactly
		code = c.quantizer.ZeroCode()
	} else if err != nil {
		return errors.Wrapf(err, "failed to quantize centroid %d", id)
	}

	c.m.Lock()
	c.centroids[id] = centroid{code: code, full: vector}
	c.m.Unlock()
	return nil
}

func (c *CentroidIndex) Delete(id uint64) {
	c.m.Lock()
	delete(c.centroids, id)
	c.m.Unlock()
}

func (c *CentroidIndex) Exists(id uint64) bool {
	c.m.RLock()
	_, exists := c.centroids[id]
	c.m.RUnlock()
	return exists
}

// Get returns the full-precision centroid for a posting, or nil if the
// posting is unknown.
func (c *CentroidIndex) Get(id uint64) []float32 {
	c.m.RLock()
	defer c.m.RUnlock()

	entry, exists := c.centroids[id]
	if !exists {
		return nil
	}
	return entry.full
}

// Snapshot returns a copy of all full-precision centroids by posting ID.
func (c *CentroidIndex) Snapshot() map[uint64][]float32 {
	c.m.RLock()
	defer c.m.RUnlock()

	out := make(map[uint64][]float32, len(c.centroids))
	for id, entry := range c.centroids {
		out[id] = append([]float32(nil), entry.full...)
	}
	return out
}

func (c *CentroidIndex) Len() int {
	c.m.RLock()
	defer c.m.RUnlock()
	return len(c.centroids)
}

// Search returns the k postings whose quantized centroid distance to the
// rotated query is smallest, ordered ascending with ties broken by posting
// ID.
func (c *CentroidIndex) Search(query []float32, k int) ([]SearchResult, error) {
	if k <= 0 {
		return nil, nil
	}

	fq, err := quantization.NewFloatQuery(query, c.zero, c.quantizer.Width(), c.provider)
	if err != nil {
		return nil, err
	}

	c.m.RLock()
	defer c.m.RUnlock()

	q := priorityqueue.NewMax[any](k + 1)
	for id, entry := range c.centroids {
		dist, err := fq.Estimate(entry.code)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to score centroid %d", id)
		}
		q.Insert(id, dist)
		if q.Len() > k {
			q.Pop()
		}
	}

	results := make([]SearchResult, q.Len())
	for i := q.Len() - 1; i >= 0; i-- {
		item := q.Pop()
		results[i] = SearchResult{ID: item.ID, Distance: item.Dist}
	}
	return results, nil
}
