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
	"sync/atomic"

	"github.com/weaviate/spann/common"
)

// PostingSizes keeps track of the number of vectors in each posting.
type PostingSizes struct {
	sizes   *common.PagedArray[uint32]
	metrics *Metrics
}

func NewPostingSizes(metrics *Metrics, pages, pageSize uint64) *PostingSizes {
	return &PostingSizes{
		sizes:   common.NewPagedArray[uint32](pages, pageSize),
		metrics: metrics,
	}
}

func (v *PostingSizes) Get(postingID uint64) uint32 {
	page, slot := v.sizes.GetPageFor(postingID)
	return atomic.LoadUint32(&page[slot])
}

func (v *PostingSizes) Set(postingID uint64, newSize uint32) {
	page, slot := v.sizes.GetPageFor(postingID)
	atomic.StoreUint32(&page[slot], newSize)
	v.metrics.ObservePostingSize(float64(newSize))
}

func (v *PostingSizes) Inc(postingID uint64, delta uint32) uint32 {
	page, slot := v.sizes.GetPageFor(postingID)
	res := atomic.AddUint32(&page[slot], delta)
	v.metrics.ObservePostingSize(float64(res))
	return res
}

// AllocPageFor ensures the array has a page allocated for the given IDs.
func (v *PostingSizes) AllocPageFor(id ...uint64) {
	for _, id := range id {
		v.sizes.EnsurePageFor(id)
	}
}
