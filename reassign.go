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

	"github.com/weaviate/spann/distancer"
)

// reassignOp asks the background workers to verify that a vector still
// lives in the posting whose centroid is nearest to it. version pins the
// lineage, a concurrent update or delete makes the op a no-op.
type reassignOp struct {
	id      uint64
	version VectorVersion
	from    uint64
}

// enqueueReassign hands a vector to the reassign workers. Duplicate requests
// for the same vector collapse, and a full queue drops the request, reassign
// is an accuracy optimization, never a correctness requirement.
func (s *Index) enqueueReassign(id uint64, version VectorVersion, from uint64) {
	if !s.reassignList.tryAdd(id) {
		return
	}

	select {
	case s.reassignCh <- reassignOp{id: id, version: version, from: from}:
	case <-s.ctx.Done():
		s.reassignList.done(id)
	default:
		s.reassignList.done(id)
		s.logger.WithField("vector_id", id).Debug("reassign queue full, dropping request")
	}
}

func (s *Index) reassignWorker() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case op := <-s.reassignCh:
			if err := s.doReassign(s.ctx, op); err != nil {
				s.logger.WithError(err).WithField("vector_id", op.id).
					Warn("reassign failed")
			}
			s.reassignList.done(op.id)
		}
	}
}

// doReassign moves a vector to its nearest posting if it drifted away from
// the one it currently lives in. The move is expressed as a fresh version
// appended to the target posting, the stale entry in the source posting is
// filtered on read and garbage collected on its next rewrite.
func (s *Index) doReassign(ctx context.Context, op reassignOp) error {
	current := s.versions.Get(op.id)
	if current.Deleted() || current.Version() != op.version.Version() {
		// the vector moved on since the request was queued
		return nil
	}

	vec, err := s.config.VectorForIDThunk(ctx, op.id)
	if err != nil {
		return errors.Wrapf(err, "failed to fetch vector %d", op.id)
	}
	if s.cosine {
		vec = distancer.Normalize(vec)
	}
	rotated := s.rotation.Rotate(vec)

	nearest, err := s.centroids.Search(rotated, 1)
	if err != nil {
		return err
	}
	if len(nearest) == 0 || nearest[0].ID == op.from {
		return nil
	}
	target := nearest[0].ID

	centroid := s.centroids.Get(target)
	if centroid == nil {
		return nil
	}

	// bump the version so the entry in the source posting becomes stale
	version, ok := s.versions.Increment(current, op.id)
	if !ok {
		return nil
	}

	code, err := s.encodeResidual(rotated, centroid)
	if err != nil {
		return err
	}

	size, err := s.applyToPosting(ctx, target, []Vector{NewVector(op.id, version, code)})
	if err != nil {
		return err
	}
	s.metrics.ReassignDone()

	if size > s.uc.SplitThreshold {
		return s.doSplit(ctx, target)
	}
	return nil
}
