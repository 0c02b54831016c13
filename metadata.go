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
	"github.com/vmihailenco/msgpack/v5"

	"github.com/weaviate/spann/common"
)

const (
	// metadataKey is the reserved block store key for the index snapshot.
	// Posting IDs start above it, the two key spaces never collide.
	metadataKey    = 0
	firstPostingID = 1
)

// indexMetadata is the msgpack-serialized snapshot written alongside the
// posting regions at every commit. Together with the regions it is enough
// to reopen the index: centroids are re-registered, posting sizes and
// vector versions restored, and the posting ID counter resumed.
type indexMetadata struct {
	Dimensions   int                  `msgpack:"dimensions"`
	BitWidth     int                  `msgpack:"bitWidth"`
	Distance     string               `msgpack:"distance"`
	RotationSeed uint64               `msgpack:"rotationSeed"`
	NextPosting  uint64               `msgpack:"nextPosting"`
	Centroids    map[uint64][]float32 `msgpack:"centroids"`
	Sizes        map[uint64]uint32    `msgpack:"sizes"`
	Versions     map[uint64]uint8     `msgpack:"versions"`
}

func (s *Index) persistMetadata(ctx context.Context) error {
	centroids := s.centroids.Snapshot()

	meta := indexMetadata{
		Dimensions:   int(s.dims.Load()),
		BitWidth:     int(s.width),
		Distance:     s.uc.Distance,
		RotationSeed: s.rotationSeed(),
		NextPosting:  s.postingIDs.Peek(),
		Centroids:    centroids,
		Sizes:        make(map[uint64]uint32, len(centroids)),
		Versions:     s.versions.Snapshot(),
	}
	for id := range centroids {
		meta.Sizes[id] = s.sizes.Get(id)
	}

	data, err := msgpack.Marshal(meta)
	if err != nil {
		return errors.Wrap(err, "failed to serialize index metadata")
	}
	return s.config.Store.Put(ctx, metadataKey, data)
}

// restoreMetadata reopens the index from a previously persisted snapshot.
// A store without a snapshot is a fresh index, not an error.
func (s *Index) restoreMetadata(ctx context.Context) error {
	data, err := s.config.Store.Get(ctx, metadataKey)
	if errors.Is(err, ErrPostingNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	var meta indexMetadata
	if err := msgpack.Unmarshal(data, &meta); err != nil {
		return errors.Wrap(err, "failed to deserialize index metadata")
	}

	if meta.BitWidth != s.uc.BitWidth {
		return errors.Errorf("stored bit width %d does not match configured %d",
			meta.BitWidth, s.uc.BitWidth)
	}
	if meta.Distance != s.uc.Distance {
		return errors.Errorf("stored distance %q does not match configured %q",
			meta.Distance, s.uc.Distance)
	}
	if s.config.RotationSeed != 0 && s.config.RotationSeed != meta.RotationSeed {
		return errors.Errorf("stored rotation seed %d does not match configured %d",
			meta.RotationSeed, s.config.RotationSeed)
	}
	s.config.RotationSeed = meta.RotationSeed

	if err := s.ensureInitialized(meta.Dimensions); err != nil {
		return err
	}
	s.postingIDs = common.NewUint64Counter(meta.NextPosting)

	for id, centroid := range meta.Centroids {
		if err := s.centroids.Upsert(id, centroid); err != nil {
			return errors.Wrapf(err, "failed to restore centroid %d", id)
		}
		s.sizes.AllocPageFor(id)
		s.sizes.Set(id, meta.Sizes[id])
	}
	for id, ve := range meta.Versions {
		s.versions.Restore(id, VectorVersion(ve))
	}

	return nil
}

// rotationSeed returns the seed the rotation was or will be built with.
func (s *Index) rotationSeed() uint64 {
	if s.config.RotationSeed != 0 {
		return s.config.RotationSeed
	}
	return defaultRotationSeed
}
