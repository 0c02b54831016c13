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
	"sort"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/weaviate/spann/distancer"
	"github.com/weaviate/spann/priorityqueue"
	"github.com/weaviate/spann/quantization"
)

// Stats reports the work a single query performed. The zero value of the
// rerank counters on a query against an index configured without rerank
// proves those stages ran no code at all.
type Stats struct {
	PostingsScanned   int
	PostingsSkipped   int
	CodesScanned      int
	CodesFiltered     int
	CodesCorrupt      int
	CentroidDistances int
	VectorFetches     int
	RerankFailures    int
}

// Search returns the k nearest stored vectors to the query, ordered by
// ascending distance with ties broken by vector ID.
func (s *Index) Search(ctx context.Context, query []float32, k int) ([]SearchResult, error) {
	results, _, err := s.SearchWithStats(ctx, query, k)
	return results, err
}

// SearchWithStats is Search plus the per-query work counters.
func (s *Index) SearchWithStats(ctx context.Context, query []float32, k int) ([]SearchResult, *Stats, error) {
	if s.closed.Load() {
		return nil, nil, ErrClosed
	}
	if k <= 0 {
		return nil, nil, errors.Errorf("k must be positive, got %d", k)
	}

	stats := &Stats{}
	if !s.initialized() {
		return nil, stats, nil
	}
	defer s.metrics.ObserveQuery(time.Now())

	if s.cosine {
		query = distancer.Normalize(query)
	}
	if int(s.dims.Load()) != len(query) {
		return nil, nil, errors.Errorf("query dimensions %d do not match index dimensions %d",
			len(query), s.dims.Load())
	}
	rotated := s.rotation.Rotate(query)

	candidates, err := s.selectCandidates(rotated, stats)
	if err != nil {
		return nil, nil, err
	}
	if len(candidates) == 0 {
		return nil, stats, nil
	}

	perList := k * s.uc.VectorRerankFactor
	lists, err := s.scanCandidates(ctx, rotated, candidates, perList, stats)
	if err != nil {
		return nil, nil, err
	}

	merged := mergeLists(lists, perList)

	if s.rerankVectors != nil {
		merged = s.rerankVectors(ctx, query, merged, stats)
	}
	if len(merged) > k {
		merged = merged[:k]
	}
	return merged, stats, nil
}

// selectCandidates picks the postings to scan. With centroid reranking
// enabled the coarse quantized ranking is oversampled and re-ordered by
// exact centroid distances before the cut to nProbe.
func (s *Index) selectCandidates(rotated []float32, stats *Stats) ([]SearchResult, error) {
	probe := s.uc.SearchNProbe

	candidates, err := s.centroids.Search(rotated, probe*s.uc.CentroidRerankFactor)
	if err != nil {
		return nil, err
	}

	if s.rerankCentroids != nil {
		candidates = s.rerankCentroids(rotated, candidates, stats)
	}
	if len(candidates) > probe {
		candidates = candidates[:probe]
	}
	return candidates, nil
}

// exactCentroidRerank re-scores centroid candidates with full-precision
// distances. Installed at construction time only when the centroid rerank
// factor exceeds one.
func (s *Index) exactCentroidRerank(rotated []float32, candidates []SearchResult, stats *Stats) []SearchResult {
	for i := range candidates {
		centroid := s.centroids.Get(candidates[i].ID)
		if centroid == nil {
			continue
		}
		dist, err := s.provider.SingleDist(rotated, centroid)
		if err != nil {
			continue
		}
		candidates[i].Distance = dist
		stats.CentroidDistances++
	}
	sortResults(candidates)
	return candidates
}

// scanCandidates estimates distances within each candidate posting in
// parallel and returns one ascending result list per posting. A posting
// that cannot be loaded is skipped rather than failing the query, a
// degraded answer beats no answer.
func (s *Index) scanCandidates(ctx context.Context, rotated []float32, candidates []SearchResult, perList int, stats *Stats) ([][]SearchResult, error) {
	lists := make([][]SearchResult, len(candidates))
	perG := make([]Stats, len(candidates))

	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(s.config.Workers)
	for i, candidate := range candidates {
		eg.Go(func() error {
			list, err := s.scanPosting(gctx, rotated, candidate.ID, perList, &perG[i])
			if err != nil {
				perG[i].PostingsSkipped++
				s.metrics.PostingSkipped()
				s.logger.WithError(err).WithField("posting_id", candidate.ID).
					Debug("skipping unreadable posting")
				return nil
			}
			lists[i] = list
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	for i := range perG {
		stats.PostingsScanned += perG[i].PostingsScanned
		stats.PostingsSkipped += perG[i].PostingsSkipped
		stats.CodesScanned += perG[i].CodesScanned
		stats.CodesFiltered += perG[i].CodesFiltered
		stats.CodesCorrupt += perG[i].CodesCorrupt
	}
	return lists, nil
}

// scanPosting scores every live entry of one posting against the query and
// returns the best keep entries in ascending order.
func (s *Index) scanPosting(ctx context.Context, rotated []float32, postingID uint64, keep int, stats *Stats) ([]SearchResult, error) {
	centroid := s.centroids.Get(postingID)
	if centroid == nil {
		return nil, errors.Errorf("posting %d has no centroid", postingID)
	}

	p, err := s.cache.Get(ctx, postingID)
	if err != nil {
		return nil, err
	}

	estimate, err := s.estimatorFor(rotated, centroid)
	if err != nil {
		return nil, err
	}

	q := priorityqueue.NewMax[any](keep + 1)
	for _, entry := range p.Iter() {
		stats.CodesScanned++

		version := s.versions.Get(entry.ID())
		if version.Deleted() || version.Version() > entry.Version().Version() {
			stats.CodesFiltered++
			continue
		}

		dist, err := estimate(entry.Code())
		if err != nil {
			stats.CodesCorrupt++
			s.metrics.CorruptCode()
			s.logger.WithError(err).WithField("vector_id", entry.ID()).
				Warn("skipping corrupt code")
			continue
		}

		q.Insert(entry.ID(), dist)
		if q.Len() > keep {
			q.Pop()
		}
	}
	stats.PostingsScanned++

	results := make([]SearchResult, q.Len())
	for i := q.Len() - 1; i >= 0; i-- {
		item := q.Pop()
		results[i] = SearchResult{ID: item.ID, Distance: item.Dist}
	}
	return results, nil
}

// estimatorFor builds the per-cluster distance estimator. 1-bit postings are
// scanned with the quantized query representation, whose bit-plane products
// are the cheapest way to score sign codes. 4-bit postings need the float
// representation, the grid levels do not reduce to popcounts.
func (s *Index) estimatorFor(rotated, centroid []float32) (func(quantization.Code) (float32, error), error) {
	if s.width == quantization.Bits1 {
		qq, err := quantization.NewQuantizedQuery(rotated, centroid, s.provider)
		if err != nil {
			return nil, err
		}
		return qq.Estimate, nil
	}

	fq, err := quantization.NewFloatQuery(rotated, centroid, s.width, s.provider)
	if err != nil {
		return nil, err
	}
	return fq.Estimate, nil
}

// mergeLists k-way merges per-posting ascending result lists into a single
// ascending list of at most limit entries. A vector that shows up in more
// than one posting, possible in the window between a reassign and the
// garbage collection of its old entry, is kept once at its best distance.
func mergeLists(lists [][]SearchResult, limit int) []SearchResult {
	heads := priorityqueue.NewMin[int](len(lists))
	pos := make([]int, len(lists))
	for i, list := range lists {
		if len(list) > 0 {
			heads.InsertWithValue(list[0].ID, list[0].Distance, i)
		}
	}

	merged := make([]SearchResult, 0, limit)
	seen := make(map[uint64]struct{}, limit)
	for heads.Len() > 0 && len(merged) < limit {
		item := heads.Pop()
		list := item.Value

		if _, dup := seen[item.ID]; !dup {
			seen[item.ID] = struct{}{}
			merged = append(merged, SearchResult{ID: item.ID, Distance: item.Dist})
		}

		pos[list]++
		if next := pos[list]; next < len(lists[list]) {
			heads.InsertWithValue(lists[list][next].ID, lists[list][next].Distance, list)
		}
	}
	return merged
}

// exactVectorRerank replaces estimated distances with exact ones computed on
// the raw vectors. A candidate whose raw vector cannot be fetched keeps its
// estimated distance, the query degrades instead of failing. Installed at
// construction time only when the vector rerank factor exceeds one.
func (s *Index) exactVectorRerank(ctx context.Context, query []float32, candidates []SearchResult, stats *Stats) []SearchResult {
	for i := range candidates {
		vec, err := s.config.VectorForIDThunk(ctx, candidates[i].ID)
		if err != nil {
			stats.RerankFailures++
			s.logger.WithError(err).WithField("vector_id", candidates[i].ID).
				Debug("rerank fetch failed, keeping estimated distance")
			continue
		}
		if s.cosine {
			vec = distancer.Normalize(vec)
		}

		dist, err := s.provider.SingleDist(query, vec)
		if err != nil {
			stats.RerankFailures++
			continue
		}
		candidates[i].Distance = dist
		stats.VectorFetches++
	}
	sortResults(candidates)
	return candidates
}

func sortResults(results []SearchResult) {
	sort.Slice(results, func(a, b int) bool {
		if results[a].Distance != results[b].Distance {
			return results[a].Distance < results[b].Distance
		}
		return results[a].ID < results[b].ID
	})
}
