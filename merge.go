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

// doMerge folds an undersized posting into the nearest neighboring posting
// that can absorb it without itself becoming oversized. If no neighbor
// qualifies the posting stays as it is, small postings are a cost, not a
// correctness problem.
func (s *Index) doMerge(ctx context.Context, postingID uint64) error {
	if !s.mergeList.tryAdd(postingID) {
		return nil
	}
	defer s.mergeList.done(postingID)

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
	if p.Len() >= s.uc.MergeThreshold {
		// garbage collection was the reason the size looked low
		err := s.rewritePosting(ctx, postingID, p)
		s.postingLocks.Unlock(postingID)
		return err
	}

	centroid := s.centroids.Get(postingID)
	target, err := s.findMergeTarget(centroid, postingID, p.Len())
	if err != nil {
		s.postingLocks.Unlock(postingID)
		return err
	}
	if target == 0 {
		err := s.rewritePosting(ctx, postingID, p)
		s.postingLocks.Unlock(postingID)
		return err
	}

	// drop the source lock and retake both through LockPair. Holding one
	// shard while waiting on another with no canonical order can cycle
	// with a concurrent merge whose postings alias the same shards.
	s.postingLocks.Unlock(postingID)
	s.postingLocks.LockPair(postingID, target)
	unlockBoth := func() {
		s.postingLocks.UnlockPair(postingID, target)
	}

	// both postings may have changed while unlocked, validate again
	if !s.centroids.Exists(postingID) || !s.centroids.Exists(target) {
		unlockBoth()
		return nil
	}
	p, err = s.postings.Get(ctx, postingID)
	if err != nil {
		unlockBoth()
		return errors.Wrapf(err, "failed to load posting %d", postingID)
	}
	p.GarbageCollect(s.versions)
	if p.Len() >= s.uc.MergeThreshold {
		err := s.rewritePosting(ctx, postingID, p)
		unlockBoth()
		return err
	}
	if int(s.sizes.Get(target))+p.Len() > s.uc.SplitThreshold {
		unlockBoth()
		return nil
	}

	absorbed, targetCentroid, err := s.absorbInto(ctx, target, p)
	if err != nil {
		unlockBoth()
		return errors.Wrapf(err, "failed to merge posting %d into %d", postingID, target)
	}

	s.centroids.Delete(postingID)
	s.sizes.Set(postingID, 0)
	if err := s.postings.Delete(ctx, postingID); err != nil {
		s.logger.WithError(err).WithField("posting_id", postingID).
			Warn("failed to delete retired posting region")
	}
	s.cache.Invalidate(postingID)
	s.cache.Invalidate(target)

	unlockBoth()
	s.metrics.MergeDone()

	s.logger.WithFields(logrus.Fields{
		"posting_id": postingID,
		"target":     target,
		"moved":      p.Len(),
	}).Debug("posting merged")

	// vectors that were closer to their old centroid than to the new one
	// may belong somewhere else entirely, let the reassign workers decide
	for _, entry := range p.Iter() {
		vec := absorbed[entry.ID()]
		if vec == nil {
			continue
		}
		if l2(vec, centroid) < l2(vec, targetCentroid) {
			s.enqueueReassign(entry.ID(), entry.Version(), target)
		}
	}

	// the combined posting can still be undersized when two very small
	// postings merge, cascade until a stable size is reached
	if int(s.sizes.Get(target)) < s.uc.MergeThreshold {
		return s.doMerge(ctx, target)
	}

	return nil
}

// findMergeTarget picks the nearest neighboring posting that can take size
// additional vectors without crossing the split threshold. Returns 0 when
// none qualifies.
func (s *Index) findMergeTarget(centroid []float32, postingID uint64, size int) (uint64, error) {
	neighbors, err := s.centroids.Search(centroid, s.uc.Candidates+1)
	if err != nil {
		return 0, err
	}

	for _, n := range neighbors {
		if n.ID == postingID {
			continue
		}
		if s.mergeList.contains(n.ID) || s.splitList.contains(n.ID) {
			continue
		}
		if int(s.sizes.Get(n.ID))+size <= s.uc.SplitThreshold {
			return n.ID, nil
		}
	}
	return 0, nil
}

// absorbInto re-encodes the entries of p against the target's centroid and
// appends them to the target posting. Returns the raw rotated vectors by ID
// for the reassign heuristic, and the target centroid. Caller holds both
// posting locks.
func (s *Index) absorbInto(ctx context.Context, target uint64, p *Posting) (map[uint64][]float32, []float32, error) {
	targetCentroid := s.centroids.Get(target)
	if targetCentroid == nil {
		return nil, nil, errors.Errorf("posting %d has no centroid", target)
	}

	tp, err := s.postings.Get(ctx, target)
	if err != nil {
		return nil, nil, err
	}
	tp.GarbageCollect(s.versions)

	moved := make(map[uint64][]float32, p.Len())
	for _, entry := range p.Iter() {
		vec, err := s.config.VectorForIDThunk(ctx, entry.ID())
		if err != nil {
			return nil, nil, errors.Wrapf(err, "failed to fetch vector %d", entry.ID())
		}
		if s.cosine {
			vec = distancer.Normalize(vec)
		}
		rotated := s.rotation.Rotate(vec)

		code, err := s.encodeResidual(rotated, targetCentroid)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "failed to re-encode vector %d", entry.ID())
		}
		tp.AddVector(NewVector(entry.ID(), entry.Version(), code))
		moved[entry.ID()] = rotated
	}

	if err := s.postings.Put(ctx, target, tp); err != nil {
		return nil, nil, err
	}
	s.sizes.Set(target, uint32(tp.Len()))

	return moved, targetCentroid, nil
}
