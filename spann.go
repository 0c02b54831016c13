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
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/sirupsen/logrus"

	"github.com/weaviate/spann/common"
	"github.com/weaviate/spann/distancer"
	"github.com/weaviate/spann/quantization"
)

var ErrClosed = errors.New("index is closed")

const (
	// defaultRotationSeed seeds the random rotation when the caller does not
	// provide one. The value itself is arbitrary, it only has to be stable.
	defaultRotationSeed = 0x5f3759df

	rotationRounds = 3

	versionPages    = 64
	versionPageSize = 4096
	sizePages       = 16
	sizePageSize    = 1024

	reassignQueueSize = 4096
)

// Index is a disk-backed partitioned vector index. Vectors are assigned to
// postings by centroid proximity and stored as centroid-relative quantized
// codes. Mutations accumulate in a delta and become durable and visible at
// Commit, posting maintenance (split, merge, reassign) runs against the
// durable state.
type Index struct {
	id       string
	logger   logrus.FieldLogger
	config   *Config
	uc       UserConfig
	metrics  *Metrics
	provider distancer.Provider
	cosine   bool
	width    quantization.BitWidth

	// dims is the raw input dimensionality, 0 until the first insert or a
	// metadata load pins it. All fields below it are written before the
	// dims store publishes them.
	dims      atomic.Int32
	initMu    sync.Mutex
	rotation  *quantization.FastRotation
	quantizer *quantization.Quantizer
	centroids *CentroidIndex
	postings  *PostingStore
	cache     *PostingCache

	versions   *VersionMap
	sizes      *PostingSizes
	postingIDs *common.MonotonicCounter
	delta      *Delta

	postingLocks       *common.ShardedRWLocks
	initialPostingLock sync.Mutex

	// rerank stages, nil unless the corresponding factor exceeds one, a
	// query on a rerank-free index runs no rerank code at all
	rerankCentroids func(rotated []float32, candidates []SearchResult, stats *Stats) []SearchResult
	rerankVectors   func(ctx context.Context, query []float32, candidates []SearchResult, stats *Stats) []SearchResult

	splitList    *deduplicator
	mergeList    *deduplicator
	reassignList *deduplicator
	reassignCh   chan reassignOp

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

// New creates an Index from the internal wiring config and the user-facing
// tuning config. The index starts accepting inserts immediately, dimension
// dependent state is initialized on the first insert.
func New(cfg Config, uc UserConfig) (*Index, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	if err := uc.validate(); err != nil {
		return nil, errors.Wrap(err, "invalid user config")
	}

	provider := cfg.DistanceProvider
	if provider == nil {
		var err error
		provider, err = providerForDistance(uc.Distance)
		if err != nil {
			return nil, err
		}
	}

	metrics := NewMetrics(cfg.PrometheusRegistry, cfg.ID)

	ctx, cancel := context.WithCancel(context.Background())

	s := &Index{
		id:           cfg.ID,
		logger:       cfg.Logger.WithField("index_id", cfg.ID),
		config:       &cfg,
		uc:           uc,
		metrics:      metrics,
		provider:     provider,
		cosine:       uc.Distance == "cosine-dot",
		width:        bitWidthFromConfig(uc),
		versions:     NewVersionMap(versionPages, versionPageSize),
		sizes:        NewPostingSizes(metrics, sizePages, sizePageSize),
		postingIDs:   common.NewUint64Counter(firstPostingID),
		delta:        NewDelta(),
		postingLocks: common.NewDefaultShardedRWLocks(),
		splitList:    newDeduplicator(),
		mergeList:    newDeduplicator(),
		reassignList: newDeduplicator(),
		reassignCh:   make(chan reassignOp, reassignQueueSize),
		ctx:          ctx,
		cancel:       cancel,
	}

	if uc.CentroidRerankFactor > 1 {
		s.rerankCentroids = s.exactCentroidRerank
	}
	if uc.VectorRerankFactor > 1 {
		s.rerankVectors = s.exactVectorRerank
	}

	if err := s.restoreMetadata(ctx); err != nil {
		cancel()
		return nil, errors.Wrap(err, "failed to restore index metadata")
	}

	for i := 0; i < cfg.Workers; i++ {
		s.wg.Add(1)
		go s.reassignWorker()
	}

	return s, nil
}

// ensureInitialized pins the index to the given raw dimensionality the first
// time it is called and builds the dimension-dependent state: the rotation,
// the quantizer, the centroid index and the posting store.
func (s *Index) ensureInitialized(dims int) error {
	if d := s.dims.Load(); d != 0 {
		if int(d) != dims {
			return errors.Errorf("inconsistent vector dimensions: index has %d, got %d", d, dims)
		}
		return nil
	}

	s.initMu.Lock()
	defer s.initMu.Unlock()

	if d := s.dims.Load(); d != 0 {
		if int(d) != dims {
			return errors.Errorf("inconsistent vector dimensions: index has %d, got %d", d, dims)
		}
		return nil
	}

	seed := s.config.RotationSeed
	if seed == 0 {
		seed = defaultRotationSeed
	}

	rotation := quantization.NewFastRotation(dims, rotationRounds, seed)
	quantizer, err := quantization.NewQuantizer(rotation.OutputDim(), s.width)
	if err != nil {
		return err
	}
	centroids, err := NewCentroidIndex(rotation.OutputDim(), s.width, s.provider)
	if err != nil {
		return err
	}

	s.rotation = rotation
	s.quantizer = quantizer
	s.centroids = centroids
	s.postings = NewPostingStore(s.config.Store, s.metrics, quantizer.CodeLen())
	s.cache = NewPostingCache(s.postings, s.metrics)

	s.dims.Store(int32(dims))
	return nil
}

func (s *Index) initialized() bool {
	return s.dims.Load() != 0
}

// Add registers a vector under the given ID. Adding an existing ID is an
// update, adding a deleted ID starts a fresh lineage. The vector becomes
// searchable at the next Commit.
func (s *Index) Add(ctx context.Context, id uint64, vector []float32) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(vector) == 0 {
		return errors.New("vector cannot be empty")
	}

	if s.cosine {
		vector = distancer.Normalize(vector)
	}

	if err := s.ensureInitialized(len(vector)); err != nil {
		return err
	}

	s.versions.AllocPageFor(id)
	version := s.versions.Get(id)
	switch {
	case version == 0:
		// first insert, version 0 is reserved for "never seen". A racing
		// first insert of the same id wins the increment, the loser must
		// not stage a second entry under the same version.
		var ok bool
		version, ok = s.versions.Increment(0, id)
		if !ok {
			return errors.Errorf("concurrent insert of vector %d", id)
		}
	case version.Deleted():
		version = s.versions.Revive(id)
	default:
		var ok bool
		version, ok = s.versions.Increment(version, id)
		if !ok {
			return errors.Errorf("concurrent update of vector %d", id)
		}
	}

	rotated := s.rotation.Rotate(vector)

	postingID, centroid, err := s.selectPosting(ctx, rotated)
	if err != nil {
		return err
	}

	code, err := s.encodeResidual(rotated, centroid)
	if err != nil {
		return err
	}

	s.delta.Stage(postingID, NewVector(id, version, code))
	return nil
}

// AddBatch registers multiple vectors. IDs and vectors are matched by
// position.
func (s *Index) AddBatch(ctx context.Context, ids []uint64, vectors [][]float32) error {
	if len(ids) != len(vectors) {
		return errors.Errorf("ids and vectors length mismatch: %d != %d", len(ids), len(vectors))
	}
	for i, id := range ids {
		if err := s.Add(ctx, id, vectors[i]); err != nil {
			return errors.Wrapf(err, "failed to add vector %d", id)
		}
	}
	return nil
}

// Update replaces the vector stored under id. The new version supersedes
// older posting entries, which are filtered on read and garbage collected on
// the next rewrite. Unlike Add, updating an unknown or deleted ID is an
// error.
func (s *Index) Update(ctx context.Context, id uint64, vector []float32) error {
	if !s.Exists(id) {
		return errors.Wrapf(ErrVectorNotFound, "cannot update vector %d", id)
	}
	return s.Add(ctx, id, vector)
}

// Delete tombstones the given IDs. Deletes are idempotent and unknown IDs
// are ignored. Entries remain in their posting regions until garbage
// collection removes them, queries filter them out immediately after the
// next Commit, and uncommitted staged entries for a deleted ID are discarded
// at Commit.
func (s *Index) Delete(ctx context.Context, ids ...uint64) error {
	if s.closed.Load() {
		return ErrClosed
	}
	for _, id := range ids {
		s.versions.AllocPageFor(id)
		s.versions.MarkDeleted(id)
	}
	return nil
}

// Exists reports whether id currently resolves to a live vector. Staged
// inserts count as live even before they are committed.
func (s *Index) Exists(id uint64) bool {
	version := s.versions.Get(id)
	return version != 0 && !version.Deleted()
}

// selectPosting returns the posting whose centroid is nearest to the rotated
// vector, creating the initial posting when the index is empty.
func (s *Index) selectPosting(ctx context.Context, rotated []float32) (uint64, []float32, error) {
	nearest, err := s.centroids.Search(rotated, 1)
	if err != nil {
		return 0, nil, err
	}
	if len(nearest) == 0 {
		return s.ensureInitialPosting(ctx, rotated)
	}

	centroid := s.centroids.Get(nearest[0].ID)
	if centroid == nil {
		return 0, nil, errors.Errorf("posting %d has no centroid", nearest[0].ID)
	}
	return nearest[0].ID, centroid, nil
}

// ensureInitialPosting creates the very first posting, seeded with the first
// inserted vector as its centroid. The lock makes concurrent first inserts
// agree on a single initial posting.
func (s *Index) ensureInitialPosting(ctx context.Context, rotated []float32) (uint64, []float32, error) {
	s.initialPostingLock.Lock()
	defer s.initialPostingLock.Unlock()

	// another goroutine may have won the race
	nearest, err := s.centroids.Search(rotated, 1)
	if err != nil {
		return 0, nil, err
	}
	if len(nearest) > 0 {
		centroid := s.centroids.Get(nearest[0].ID)
		return nearest[0].ID, centroid, nil
	}

	postingID := s.postingIDs.Next()
	s.sizes.AllocPageFor(postingID)

	centroid := append([]float32(nil), rotated...)
	if err := s.centroids.Upsert(postingID, centroid); err != nil {
		return 0, nil, err
	}
	if err := s.postings.Put(ctx, postingID, NewPosting(s.quantizer.CodeLen(), 0)); err != nil {
		s.centroids.Delete(postingID)
		return 0, nil, errors.Wrapf(err, "failed to persist initial posting %d", postingID)
	}
	s.sizes.Set(postingID, 0)

	s.logger.WithField("posting_id", postingID).Debug("created initial posting")
	return postingID, centroid, nil
}

// encodeResidual quantizes a rotated vector against a centroid. A vector
// that coincides exactly with its centroid gets the explicit zero code, for
// which every distance estimate degenerates to the exact centroid distance.
func (s *Index) encodeResidual(rotated, centroid []float32) (quantization.Code, error) {
	code, err := s.quantizer.Encode(rotated, centroid)
	if errors.Is(err, quantization.ErrZeroResidual) {
		return s.quantizer.ZeroCode(), nil
	}
	return code, err
}

// Commit makes all staged mutations durable and visible to queries, then
// runs posting maintenance on every posting it touched. It returns a handle
// naming the rewritten postings. Commit is the only point where queries
// start observing prior Adds and Deletes.
func (s *Index) Commit(ctx context.Context) (DurableHandle, error) {
	if s.closed.Load() {
		return DurableHandle{}, ErrClosed
	}
	return s.commit(ctx)
}

func (s *Index) commit(ctx context.Context) (DurableHandle, error) {
	staged := s.delta.Drain()
	handle := DurableHandle{}

	var oversized, undersized []uint64
	keys := sortedKeys(staged)
	for i, postingID := range keys {
		entries := staged[postingID]
		size, err := s.applyToPosting(ctx, postingID, entries)
		if err != nil {
			// keep every unapplied entry for the next commit attempt
			for _, pid := range keys[i:] {
				for _, e := range staged[pid] {
					s.delta.Stage(pid, e)
				}
			}
			return handle, errors.Wrapf(err, "failed to commit posting %d", postingID)
		}

		handle.Postings = append(handle.Postings, postingID)
		handle.Committed += len(entries)

		if size > s.uc.SplitThreshold {
			oversized = append(oversized, postingID)
		} else if size < s.uc.MergeThreshold {
			undersized = append(undersized, postingID)
		}
	}

	for _, postingID := range oversized {
		if err := s.doSplit(ctx, postingID); err != nil {
			s.logger.WithError(err).WithField("posting_id", postingID).
				Warn("posting split failed, will retry on next rewrite")
		}
	}
	for _, postingID := range undersized {
		if err := s.doMerge(ctx, postingID); err != nil {
			s.logger.WithError(err).WithField("posting_id", postingID).
				Warn("posting merge failed, will retry on next rewrite")
		}
	}

	if s.initialized() {
		if err := s.persistMetadata(ctx); err != nil {
			return handle, errors.Wrap(err, "failed to persist index metadata")
		}
	}
	return handle, nil
}

// applyToPosting rewrites one posting region: load, garbage collect, append
// the staged entries that are still current, store. Returns the resulting
// posting size.
func (s *Index) applyToPosting(ctx context.Context, postingID uint64, entries []Vector) (int, error) {
	s.postingLocks.Lock(postingID)

	if !s.centroids.Exists(postingID) {
		// the posting was retired by a split or merge after staging,
		// reroute its entries to their current nearest centroids
		s.postingLocks.Unlock(postingID)
		return 0, s.rerouteEntries(ctx, entries)
	}

	defer s.postingLocks.Unlock(postingID)

	p, err := s.postings.Get(ctx, postingID)
	if err != nil {
		if !errors.Is(err, ErrPostingNotFound) {
			return 0, err
		}
		p = NewPosting(s.quantizer.CodeLen(), len(entries))
	}

	p.GarbageCollect(s.versions)

	for _, e := range entries {
		version := s.versions.Get(e.ID())
		if version.Deleted() || version.Version() > e.Version().Version() {
			continue
		}
		p.AddVector(e)
	}

	if err := s.postings.Put(ctx, postingID, p); err != nil {
		return 0, err
	}
	s.sizes.AllocPageFor(postingID)
	s.sizes.Set(postingID, uint32(p.Len()))
	s.cache.Invalidate(postingID)

	return p.Len(), nil
}

// rerouteEntries re-stages entries whose target posting disappeared between
// staging and commit. The raw vectors are refetched so the codes can be
// re-quantized against the current nearest centroids.
func (s *Index) rerouteEntries(ctx context.Context, entries []Vector) error {
	for _, e := range entries {
		id := e.ID()
		version := s.versions.Get(id)
		if version.Deleted() || version.Version() > e.Version().Version() {
			continue
		}

		vec, err := s.config.VectorForIDThunk(ctx, id)
		if err != nil {
			return errors.Wrapf(err, "failed to fetch vector %d for rerouting", id)
		}
		if s.cosine {
			vec = distancer.Normalize(vec)
		}
		rotated := s.rotation.Rotate(vec)

		postingID, centroid, err := s.selectPosting(ctx, rotated)
		if err != nil {
			return err
		}
		code, err := s.encodeResidual(rotated, centroid)
		if err != nil {
			return err
		}
		s.delta.Stage(postingID, NewVector(id, e.Version(), code))
	}
	return nil
}

// PostingCount returns the current number of postings.
func (s *Index) PostingCount() int {
	if !s.initialized() {
		return 0
	}
	return s.centroids.Len()
}

// Shutdown commits pending mutations, stops the background workers and
// marks the index closed. Further mutations and queries fail with ErrClosed.
func (s *Index) Shutdown(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	_, err := s.commit(ctx)

	s.cancel()
	s.wg.Wait()
	return err
}

// deduplicator tracks posting and vector IDs with an in-flight maintenance
// operation, so concurrent triggers collapse into one.
type deduplicator struct {
	m *xsync.Map[uint64, struct{}]
}

func newDeduplicator() *deduplicator {
	return &deduplicator{m: xsync.NewMap[uint64, struct{}]()}
}

// tryAdd returns true if the ID was not already tracked.
func (d *deduplicator) tryAdd(id uint64) bool {
	_, loaded := d.m.LoadOrStore(id, struct{}{})
	return !loaded
}

func (d *deduplicator) contains(id uint64) bool {
	_, ok := d.m.Load(id)
	return ok
}

func (d *deduplicator) done(id uint64) {
	d.m.Delete(id)
}
