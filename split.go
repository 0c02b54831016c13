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

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/weaviate/spann/distancer"
)

// Splitter partitions the vectors of an oversized posting into two groups
// and computes a centroid for each. Implementations must be deterministic,
// identical input always yields the identical partition.
type Splitter interface {
	Split(vectors [][]float32) (assignments []int, centroids [2][]float32, err error)
}

const twoMeansRounds = 10

// TwoMeansSplitter is a deterministic 2-means clustering splitter. It seeds
// one centroid with the first vector and the other with the vector farthest
// from it, then runs a fixed number of Lloyd iterations.
type TwoMeansSplitter struct {
	rounds int
}

func NewTwoMeansSplitter() *TwoMeansSplitter {
	return &TwoMeansSplitter{rounds: twoMeansRounds}
}

func (t *TwoMeansSplitter) Split(vectors [][]float32) ([]int, [2][]float32, error) {
	var centroids [2][]float32
	if len(vectors) < 2 {
		return nil, centroids, errors.Errorf("cannot split %d vectors", len(vectors))
	}

	dims := len(vectors[0])
	centroids[0] = append([]float32(nil), vectors[0]...)

	// the farthest vector from the first seed becomes the second seed
	var farthest int
	var farthestDist float32 = -1
	for i, v := range vectors {
		d := l2(centroids[0], v)
		if d > farthestDist {
			farthestDist = d
			farthest = i
		}
	}
	if farthestDist == 0 {
		// all vectors identical, an even arbitrary partition is the best
		// we can do
		assignments := make([]int, len(vectors))
		for i := range assignments {
			assignments[i] = i % 2
		}
		centroids[1] = append([]float32(nil), vectors[0]...)
		return assignments, centroids, nil
	}
	centroids[1] = append([]float32(nil), vectors[farthest]...)

	assignments := make([]int, len(vectors))
	sums := [2][]float32{make([]float32, dims), make([]float32, dims)}
	counts := [2]int{}

	for round := 0; round < t.rounds; round++ {
		clear(sums[0])
		clear(sums[1])
		counts[0], counts[1] = 0, 0

		for i, v := range vectors {
			group := 0
			if l2(centroids[1], v) < l2(centroids[0], v) {
				group = 1
			}
			assignments[i] = group
			counts[group]++
			for j := range v {
				sums[group][j] += v[j]
			}
		}

		// an empty side steals the farthest member of the other side so
		// both successors stay non-empty
		if counts[0] == 0 || counts[1] == 0 {
			full := 0
			if counts[0] == 0 {
				full = 1
			}
			var steal int
			var stealDist float32 = -1
			for i, v := range vectors {
				if d := l2(centroids[full], v); d > stealDist {
					stealDist = d
					steal = i
				}
			}
			v := vectors[steal]
			assignments[steal] = 1 - full
			counts[full]--
			counts[1-full]++
			for j := range v {
				sums[full][j] -= v[j]
				sums[1-full][j] += v[j]
			}
		}

		for g := 0; g < 2; g++ {
			for j := 0; j < dims; j++ {
				centroids[g][j] = sums[g][j] / float32(counts[g])
			}
		}
	}

	return assignments, centroids, nil
}

// l2 is the squared Euclidean distance. Split geometry always uses it, even
// for dot-family indexes, vectors there are normalized on ingest so the
// orderings agree.
func l2(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}

// doSplit replaces an oversized posting with two successors clustered around
// fresh centroids. Vectors whose globally nearest centroid is no longer
// their successor are handed to the reassign workers.
func (s *Index) doSplit(ctx context.Context, postingID uint64) error {
	if !s.splitList.tryAdd(postingID) {
		return nil
	}
	defer s.splitList.done(postingID)

	s.postingLocks.Lock(postingID)

	if !s.centroids.Exists(postingID) {
		s.postingLocks.Unlock(postingID)
		return nil
	}

	p, err := s.postings.Get(ctx, postingID)
	if err != nil {
		s.postingLocks.Unlock(postingID)
		return errors.Wrapf(err, "failed to load posting %d", postingID)
	}

	p.GarbageCollect(s.versions)
	if p.Len() <= s.uc.SplitThreshold {
		// garbage collection shrank the posting below the threshold, a
		// rewrite is all that is needed
		err := s.rewritePosting(ctx, postingID, p)
		s.postingLocks.Unlock(postingID)
		return err
	}

	ids := make([]uint64, 0, p.Len())
	versions := make([]VectorVersion, 0, p.Len())
	vectors := make([][]float32, 0, p.Len())
	for _, entry := range p.Iter() {
		vec, err := s.config.VectorForIDThunk(ctx, entry.ID())
		if err != nil {
			// without the raw vectors the posting cannot be
			// re-clustered, leave it oversized until they are available
			s.postingLocks.Unlock(postingID)
			return errors.Wrapf(err, "failed to fetch vector %d", entry.ID())
		}
		if s.cosine {
			vec = distancer.Normalize(vec)
		}
		ids = append(ids, entry.ID())
		versions = append(versions, entry.Version())
		vectors = append(vectors, s.rotation.Rotate(vec))
	}

	assignments, newCentroids, err := s.config.Splitter.Split(vectors)
	if err != nil {
		s.postingLocks.Unlock(postingID)
		return errors.Wrapf(err, "failed to cluster posting %d", postingID)
	}

	left := s.postingIDs.Next()
	right := s.postingIDs.Next()
	s.sizes.AllocPageFor(left, right)

	successors := [2]uint64{left, right}
	postings := [2]*Posting{
		NewPosting(s.quantizer.CodeLen(), len(vectors)),
		NewPosting(s.quantizer.CodeLen(), len(vectors)),
	}
	for i, group := range assignments {
		code, err := s.encodeResidual(vectors[i], newCentroids[group])
		if err != nil {
			s.postingLocks.Unlock(postingID)
			return errors.Wrapf(err, "failed to re-encode vector %d", ids[i])
		}
		postings[group].AddVector(NewVector(ids[i], versions[i], code))
	}

	for g := 0; g < 2; g++ {
		if postings[g].Len() > s.uc.SplitThreshold {
			s.postingLocks.Unlock(postingID)
			return errors.Errorf("split of posting %d produced an oversized successor (%d > %d)",
				postingID, postings[g].Len(), s.uc.SplitThreshold)
		}
	}

	for g := 0; g < 2; g++ {
		if err := s.postings.Put(ctx, successors[g], postings[g]); err != nil {
			s.postingLocks.Unlock(postingID)
			return errors.Wrapf(err, "failed to persist split successor %d", successors[g])
		}
	}

	// publish the successors and retire the parent. From here on queries
	// route to the new centroids.
	for g := 0; g < 2; g++ {
		if err := s.centroids.Upsert(successors[g], newCentroids[g]); err != nil {
			s.postingLocks.Unlock(postingID)
			return err
		}
		s.sizes.Set(successors[g], uint32(postings[g].Len()))
	}
	s.centroids.Delete(postingID)
	s.sizes.Set(postingID, 0)
	if err := s.postings.Delete(ctx, postingID); err != nil {
		s.logger.WithError(err).WithField("posting_id", postingID).
			Warn("failed to delete retired posting region")
	}
	s.cache.Invalidate(postingID)
	s.cache.Invalidate(left)
	s.cache.Invalidate(right)

	s.postingLocks.Unlock(postingID)
	s.metrics.SplitDone()

	s.logger.WithFields(logrus.Fields{
		"posting_id": postingID,
		"left":       left,
		"right":      right,
		"size":       len(vectors),
	}).Debug("posting split")

	// a vector may now be closer to some third centroid than to its
	// successor, those are checked off the write path
	for i := range vectors {
		nearest, err := s.centroids.Search(vectors[i], 1)
		if err != nil || len(nearest) == 0 {
			continue
		}
		if nearest[0].ID != successors[assignments[i]] {
			s.enqueueReassign(ids[i], versions[i], successors[assignments[i]])
		}
	}

	return nil
}

// rewritePosting stores an already garbage collected posting and refreshes
// its bookkeeping. Callers must hold the posting lock.
func (s *Index) rewritePosting(ctx context.Context, postingID uint64, p *Posting) error {
	if err := s.postings.Put(ctx, postingID, p); err != nil {
		return errors.Wrapf(err, "failed to rewrite posting %d", postingID)
	}
	s.sizes.Set(postingID, uint32(p.Len()))
	s.cache.Invalidate(postingID)
	return nil
}
