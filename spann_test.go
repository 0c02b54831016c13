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
	"math/rand/v2"
	"sort"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testVectors is a deterministic in-memory vector source doubling as the
// raw-vector thunk the index needs for maintenance and reranking.
type testVectors struct {
	mu      sync.Mutex
	vectors map[uint64][]float32
}

func newTestVectors() *testVectors {
	return &testVectors{vectors: make(map[uint64][]float32)}
}

func (tv *testVectors) set(id uint64, v []float32) {
	tv.mu.Lock()
	tv.vectors[id] = v
	tv.mu.Unlock()
}

func (tv *testVectors) get(_ context.Context, id uint64) ([]float32, error) {
	tv.mu.Lock()
	defer tv.mu.Unlock()
	v, ok := tv.vectors[id]
	if !ok {
		return nil, errors.Errorf("vector %d not found", id)
	}
	return v, nil
}

func testIndex(t *testing.T, tv *testVectors, mutate func(*UserConfig), store BlockStore) *Index {
	t.Helper()

	uc := UserConfig{}
	uc.SetDefaults()
	if mutate != nil {
		mutate(&uc)
	}

	cfg := Config{
		ID:               "test-index",
		VectorForIDThunk: tv.get,
		Store:            store,
	}
	idx, err := New(cfg, uc)
	require.NoError(t, err)
	t.Cleanup(func() {
		idx.Shutdown(context.Background())
	})
	return idx
}

// clusteredData generates count vectors grouped around well-separated
// cluster centers, ids starting at 1.
func clusteredData(rng *rand.Rand, clusters, count, dims int) (ids []uint64, vectors [][]float32) {
	centers := make([][]float32, clusters)
	for c := range centers {
		centers[c] = make([]float32, dims)
		for j := range centers[c] {
			centers[c][j] = float32(rng.NormFloat64()) * 10
		}
	}

	for i := 0; i < count; i++ {
		center := centers[i%clusters]
		v := make([]float32, dims)
		for j := range v {
			v[j] = center[j] + float32(rng.NormFloat64())*0.1
		}
		ids = append(ids, uint64(i+1))
		vectors = append(vectors, v)
	}
	return ids, vectors
}

func bruteForceNearest(vectors map[uint64][]float32, query []float32, k int) []uint64 {
	type pair struct {
		id   uint64
		dist float32
	}
	pairs := make([]pair, 0, len(vectors))
	for id, v := range vectors {
		pairs = append(pairs, pair{id, l2(query, v)})
	}
	sort.Slice(pairs, func(a, b int) bool {
		if pairs[a].dist != pairs[b].dist {
			return pairs[a].dist < pairs[b].dist
		}
		return pairs[a].id < pairs[b].id
	})
	if len(pairs) > k {
		pairs = pairs[:k]
	}
	out := make([]uint64, len(pairs))
	for i, p := range pairs {
		out[i] = p.id
	}
	return out
}

func TestSearchBeforeAnyInsert(t *testing.T) {
	idx := testIndex(t, newTestVectors(), nil, nil)

	results, err := idx.Search(context.Background(), []float32{1, 2, 3}, 5)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestCommitVisibility(t *testing.T) {
	ctx := context.Background()
	tv := newTestVectors()
	idx := testIndex(t, tv, nil, nil)

	v := []float32{1, 0, 0, 0}
	tv.set(1, v)
	require.NoError(t, idx.Add(ctx, 1, v))

	// staged but not committed, queries must not see it
	results, err := idx.Search(ctx, v, 1)
	require.NoError(t, err)
	assert.Empty(t, results)

	handle, err := idx.Commit(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, handle.Committed)
	require.Len(t, handle.Postings, 1)

	results, err = idx.Search(ctx, v, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, uint64(1), results[0].ID)
}

func TestAddAndSearchClustered(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewPCG(42, 0))

	tv := newTestVectors()
	idx := testIndex(t, tv, nil, nil)

	ids, vectors := clusteredData(rng, 8, 400, 32)
	for i, id := range ids {
		tv.set(id, vectors[i])
	}
	require.NoError(t, idx.AddBatch(ctx, ids, vectors))

	_, err := idx.Commit(ctx)
	require.NoError(t, err)

	// 400 vectors with a split threshold of 50 cannot fit a single posting
	assert.Greater(t, idx.PostingCount(), 1)

	var hits int
	const queries = 20
	for q := 0; q < queries; q++ {
		query := vectors[rng.IntN(len(vectors))]
		exact := bruteForceNearest(tv.vectors, query, 1)

		results, stats, err := idx.SearchWithStats(ctx, query, 10)
		require.NoError(t, err)
		require.NotEmpty(t, results)
		assert.Positive(t, stats.CodesScanned)

		// results must come back ordered and free of duplicates
		seen := make(map[uint64]struct{})
		for i := 1; i < len(results); i++ {
			assert.LessOrEqual(t, results[i-1].Distance, results[i].Distance)
		}
		for _, r := range results {
			_, dup := seen[r.ID]
			assert.False(t, dup)
			seen[r.ID] = struct{}{}
		}

		for _, r := range results {
			if r.ID == exact[0] {
				hits++
				break
			}
		}
	}
	// estimated distances are approximate, but on well separated clusters
	// the true nearest neighbor should land in the top 10 nearly always
	assert.GreaterOrEqual(t, hits, queries*7/10)
}

func TestSplitOnOversizedPosting(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewPCG(7, 0))

	tv := newTestVectors()
	idx := testIndex(t, tv, nil, nil)

	ids, vectors := clusteredData(rng, 2, 51, 16)
	for i, id := range ids {
		tv.set(id, vectors[i])
		require.NoError(t, idx.Add(ctx, id, vectors[i]))
	}
	require.Equal(t, 1, idx.PostingCount())

	_, err := idx.Commit(ctx)
	require.NoError(t, err)

	// the 51st vector pushed the single posting over the threshold of 50
	require.Equal(t, 2, idx.PostingCount())

	var total uint32
	for id := range idx.centroids.Snapshot() {
		size := idx.sizes.Get(id)
		assert.Positive(t, size)
		assert.LessOrEqual(t, int(size), DefaultSplitThreshold)
		total += size
	}
	assert.Equal(t, uint32(51), total)

	// every vector must still be findable
	for i, id := range ids {
		results, err := idx.Search(ctx, vectors[i], 3)
		require.NoError(t, err)
		found := false
		for _, r := range results {
			if r.ID == id {
				found = true
			}
		}
		assert.True(t, found, "vector %d lost after split", id)
	}
}

func TestDeleteFiltersImmediately(t *testing.T) {
	ctx := context.Background()
	tv := newTestVectors()
	idx := testIndex(t, tv, nil, nil)

	a := []float32{1, 0, 0, 0}
	b := []float32{0, 1, 0, 0}
	tv.set(1, a)
	tv.set(2, b)
	require.NoError(t, idx.Add(ctx, 1, a))
	require.NoError(t, idx.Add(ctx, 2, b))
	_, err := idx.Commit(ctx)
	require.NoError(t, err)

	require.True(t, idx.Exists(1))
	require.NoError(t, idx.Delete(ctx, 1))
	require.False(t, idx.Exists(1))

	// tombstones take effect on the read path without waiting for a commit
	results, err := idx.Search(ctx, a, 2)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, uint64(2), results[0].ID)

	// deleting an unknown id is a no-op
	require.NoError(t, idx.Delete(ctx, 999))
}

func TestUpdateMovesVector(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewPCG(3, 0))

	tv := newTestVectors()
	idx := testIndex(t, tv, nil, nil)

	ids, vectors := clusteredData(rng, 2, 40, 8)
	for i, id := range ids {
		tv.set(id, vectors[i])
		require.NoError(t, idx.Add(ctx, id, vectors[i]))
	}
	_, err := idx.Commit(ctx)
	require.NoError(t, err)

	// move vector 1 from its cluster onto vector 2's position
	moved := append([]float32(nil), vectors[1]...)
	tv.set(ids[0], moved)
	require.NoError(t, idx.Update(ctx, ids[0], moved))
	_, err = idx.Commit(ctx)
	require.NoError(t, err)

	results, err := idx.Search(ctx, moved, 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	found := map[uint64]bool{}
	for _, r := range results {
		found[r.ID] = true
	}
	assert.True(t, found[ids[0]], "updated vector not found at its new position")
	assert.True(t, found[ids[1]])

	// updating something that was never added is an error, unlike Add
	require.ErrorIs(t, idx.Update(ctx, 9999, moved), ErrVectorNotFound)
}

func TestMergeUndersizedPosting(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewPCG(11, 0))

	tv := newTestVectors()
	idx := testIndex(t, tv, nil, nil)

	// two tight clusters of 30, one oversized posting splits them apart
	ids, vectors := clusteredData(rng, 2, 60, 16)
	for i, id := range ids {
		tv.set(id, vectors[i])
		require.NoError(t, idx.Add(ctx, id, vectors[i]))
	}
	_, err := idx.Commit(ctx)
	require.NoError(t, err)
	require.GreaterOrEqual(t, idx.PostingCount(), 2)

	// empty out one cluster almost entirely. Cluster membership follows
	// the data layout, even ids belong to cluster 1.
	var deleted int
	for _, id := range ids {
		if id%2 == 0 && deleted < 28 {
			require.NoError(t, idx.Delete(ctx, id))
			deleted++
		}
	}

	// touch the shrunken cluster so its posting gets rewritten
	fresh := append([]float32(nil), vectors[1]...)
	tv.set(1000, fresh)
	require.NoError(t, idx.Add(ctx, 1000, fresh))
	before := idx.PostingCount()
	_, err = idx.Commit(ctx)
	require.NoError(t, err)

	assert.Less(t, idx.PostingCount(), before, "undersized posting was not merged")

	// survivors must remain searchable
	results, err := idx.Search(ctx, vectors[0], 5)
	require.NoError(t, err)
	assert.NotEmpty(t, results)
}

func TestRerankDisabledRunsNoRerankWork(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewPCG(5, 0))

	tv := newTestVectors()
	plain := testIndex(t, tv, nil, nil)

	ids, vectors := clusteredData(rng, 4, 120, 16)
	for i, id := range ids {
		tv.set(id, vectors[i])
	}
	require.NoError(t, plain.AddBatch(ctx, ids, vectors))
	_, err := plain.Commit(ctx)
	require.NoError(t, err)

	require.Nil(t, plain.rerankCentroids)
	require.Nil(t, plain.rerankVectors)

	_, stats, err := plain.SearchWithStats(ctx, vectors[0], 10)
	require.NoError(t, err)
	assert.Zero(t, stats.CentroidDistances)
	assert.Zero(t, stats.VectorFetches)
	assert.Zero(t, stats.RerankFailures)
}

func TestRerankImprovesOrdering(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewPCG(9, 0))

	tv := newTestVectors()
	reranked := testIndex(t, tv, func(uc *UserConfig) {
		uc.CentroidRerankFactor = 3
		uc.VectorRerankFactor = 3
	}, nil)

	ids, vectors := clusteredData(rng, 4, 120, 16)
	for i, id := range ids {
		tv.set(id, vectors[i])
	}
	require.NoError(t, reranked.AddBatch(ctx, ids, vectors))
	_, err := reranked.Commit(ctx)
	require.NoError(t, err)

	query := vectors[3]
	results, stats, err := reranked.SearchWithStats(ctx, query, 5)
	require.NoError(t, err)
	require.NotEmpty(t, results)

	assert.Positive(t, stats.CentroidDistances)
	assert.Positive(t, stats.VectorFetches)
	assert.Zero(t, stats.RerankFailures)

	// with exact vector reranking the top result is the true nearest
	// neighbor and most of the exact top 5 survives the candidate cut
	exact := bruteForceNearest(tv.vectors, query, 5)
	assert.Equal(t, exact[0], results[0].ID)
	got := make(map[uint64]bool, len(results))
	for _, r := range results {
		got[r.ID] = true
	}
	overlap := 0
	for _, id := range exact {
		if got[id] {
			overlap++
		}
	}
	assert.GreaterOrEqual(t, overlap, 3)
}

func TestRecallNonDecreasingWithVectorRerank(t *testing.T) {
	ctx := context.Background()

	recallAt := func(factor int) float64 {
		rng := rand.New(rand.NewPCG(21, 0))
		tv := newTestVectors()
		idx := testIndex(t, tv, func(uc *UserConfig) {
			uc.VectorRerankFactor = factor
		}, nil)

		ids, vectors := clusteredData(rng, 6, 300, 24)
		for i, id := range ids {
			tv.set(id, vectors[i])
		}
		require.NoError(t, idx.AddBatch(ctx, ids, vectors))
		_, err := idx.Commit(ctx)
		require.NoError(t, err)

		hits, total := 0, 0
		for q := 0; q < 15; q++ {
			query := vectors[q*17]
			exact := bruteForceNearest(tv.vectors, query, 10)
			results, err := idx.Search(ctx, query, 10)
			require.NoError(t, err)
			got := make(map[uint64]bool, len(results))
			for _, r := range results {
				got[r.ID] = true
			}
			for _, id := range exact {
				total++
				if got[id] {
					hits++
				}
			}
		}
		return float64(hits) / float64(total)
	}

	// a larger factor widens the candidate set every posting contributes
	// and the exact rerank picks from a superset, so recall cannot drop
	prev := -1.0
	for _, factor := range []int{1, 2, 3} {
		recall := recallAt(factor)
		assert.GreaterOrEqualf(t, recall, prev,
			"recall@10 dropped going to vector rerank factor %d", factor)
		prev = recall
	}
}

func TestConcurrentFirstInsertsKeepOneEntry(t *testing.T) {
	ctx := context.Background()
	tv := newTestVectors()
	idx := testIndex(t, tv, nil, nil)

	vec := []float32{0.3, -1.2, 4.5, 0.7, -2.1, 0.9, 3.3, -0.4}
	tv.set(42, vec)

	// racing first inserts of one id, only increment winners may stage
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = idx.Add(ctx, 42, vec)
		}()
	}
	wg.Wait()

	_, err := idx.Commit(ctx)
	require.NoError(t, err)

	entries := 0
	for postingID := range idx.centroids.Snapshot() {
		p, err := idx.postings.Get(ctx, postingID)
		require.NoError(t, err)
		for _, e := range p.Iter() {
			if e.ID() == 42 {
				entries++
			}
		}
	}
	assert.Equal(t, 1, entries, "a posting must carry one entry per vector")

	results, err := idx.Search(ctx, vec, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, uint64(42), results[0].ID)
}

// failingStore wraps a BlockStore and fails reads of selected keys.
type failingStore struct {
	BlockStore
	mu     sync.Mutex
	broken map[uint64]bool
}

func (f *failingStore) breakKey(key uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.broken == nil {
		f.broken = make(map[uint64]bool)
	}
	f.broken[key] = true
}

func (f *failingStore) Get(ctx context.Context, key uint64) ([]byte, error) {
	f.mu.Lock()
	bad := f.broken[key]
	f.mu.Unlock()
	if bad {
		return nil, errors.New("injected read failure")
	}
	return f.BlockStore.Get(ctx, key)
}

func TestSearchDegradesOnUnreadablePosting(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewPCG(13, 0))

	store := &failingStore{BlockStore: NewMemoryStore()}
	tv := newTestVectors()
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	uc := UserConfig{}
	uc.SetDefaults()
	cfg := Config{
		ID:               "test-index",
		Logger:           logger,
		VectorForIDThunk: tv.get,
		Store:            store,
	}
	idx, err := New(cfg, uc)
	require.NoError(t, err)
	t.Cleanup(func() {
		idx.Shutdown(context.Background())
	})

	ids, vectors := clusteredData(rng, 2, 60, 16)
	for i, id := range ids {
		tv.set(id, vectors[i])
	}
	require.NoError(t, idx.AddBatch(ctx, ids, vectors))
	_, err = idx.Commit(ctx)
	require.NoError(t, err)
	require.GreaterOrEqual(t, idx.PostingCount(), 2)

	// break one posting region
	for id := range idx.centroids.Snapshot() {
		store.breakKey(id)
		break
	}

	results, stats, err := idx.SearchWithStats(ctx, vectors[0], 10)
	require.NoError(t, err, "a broken posting must degrade the query, not fail it")
	assert.Equal(t, 1, stats.PostingsSkipped)
	assert.NotEmpty(t, results)

	// the skip is log-only beyond the stats counter
	var logged bool
	for _, entry := range hook.AllEntries() {
		if entry.Message == "skipping unreadable posting" {
			logged = true
			assert.Equal(t, logrus.DebugLevel, entry.Level)
		}
	}
	assert.True(t, logged, "the degraded scan must leave a log entry")
}

func TestReopenFromMetadata(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewPCG(17, 0))

	store := NewMemoryStore()
	tv := newTestVectors()

	first := testIndex(t, tv, nil, store)
	ids, vectors := clusteredData(rng, 3, 90, 16)
	for i, id := range ids {
		tv.set(id, vectors[i])
	}
	require.NoError(t, first.AddBatch(ctx, ids, vectors))
	_, err := first.Commit(ctx)
	require.NoError(t, err)

	query := vectors[5]
	want, err := first.Search(ctx, query, 5)
	require.NoError(t, err)
	require.NoError(t, first.Shutdown(ctx))

	// a fresh index over the same store resumes from the snapshot
	second := testIndex(t, tv, nil, store)
	require.Equal(t, first.PostingCount(), second.PostingCount())

	got, err := second.Search(ctx, query, 5)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	// and stays writable with non-colliding posting ids
	extra := append([]float32(nil), vectors[0]...)
	tv.set(5000, extra)
	require.NoError(t, second.Add(ctx, 5000, extra))
	_, err = second.Commit(ctx)
	require.NoError(t, err)
}

func TestCosineDistance(t *testing.T) {
	ctx := context.Background()
	tv := newTestVectors()
	idx := testIndex(t, tv, func(uc *UserConfig) {
		uc.Distance = "cosine-dot"
	}, nil)

	// same direction, different magnitude: cosine treats them as equal
	a := []float32{1, 1, 0, 0}
	b := []float32{10, 10, 0, 0}
	c := []float32{-1, 1, 0, 0}
	tv.set(1, a)
	tv.set(2, b)
	tv.set(3, c)
	require.NoError(t, idx.Add(ctx, 1, a))
	require.NoError(t, idx.Add(ctx, 2, b))
	require.NoError(t, idx.Add(ctx, 3, c))
	_, err := idx.Commit(ctx)
	require.NoError(t, err)

	results, err := idx.Search(ctx, []float32{2, 2, 0, 0}, 3)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.ElementsMatch(t, []uint64{1, 2}, []uint64{results[0].ID, results[1].ID})
	assert.Equal(t, uint64(3), results[2].ID)
	assert.InDelta(t, results[0].Distance, results[1].Distance, 1e-4)
}

func TestDimensionMismatch(t *testing.T) {
	ctx := context.Background()
	tv := newTestVectors()
	idx := testIndex(t, tv, nil, nil)

	v := []float32{1, 2, 3, 4}
	tv.set(1, v)
	require.NoError(t, idx.Add(ctx, 1, v))

	require.Error(t, idx.Add(ctx, 2, []float32{1, 2}))

	_, err := idx.Commit(ctx)
	require.NoError(t, err)
	_, err = idx.Search(ctx, []float32{1, 2}, 1)
	require.Error(t, err)
}

func TestClosedIndexRejectsOperations(t *testing.T) {
	ctx := context.Background()
	tv := newTestVectors()
	idx := testIndex(t, tv, nil, nil)

	require.NoError(t, idx.Shutdown(ctx))

	require.ErrorIs(t, idx.Add(ctx, 1, []float32{1}), ErrClosed)
	require.ErrorIs(t, idx.Delete(ctx, 1), ErrClosed)
	_, err := idx.Commit(ctx)
	require.ErrorIs(t, err, ErrClosed)
	_, err = idx.Search(ctx, []float32{1}, 1)
	require.ErrorIs(t, err, ErrClosed)

	// a second shutdown is a no-op
	require.NoError(t, idx.Shutdown(ctx))
}
