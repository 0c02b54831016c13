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

package common

import (
	"encoding/binary"
	"sync"

	"github.com/cespare/xxhash/v2"
)

const defaultShardedLocksCount = 512

// ShardedRWLocks maps uint64 ids onto a fixed set of RWMutexes. Two ids may
// share a lock; Hash exposes the mapping so callers can detect that (e.g. to
// avoid self-deadlock when locking two postings at once).
type ShardedRWLocks struct {
	shards   []sync.RWMutex
	count    uint64
	pageSize uint64
}

func NewDefaultShardedRWLocks() *ShardedRWLocks {
	return NewShardedRWLocks(defaultShardedLocksCount)
}

func NewShardedRWLocks(count uint64) *ShardedRWLocks {
	return NewShardedRWLocksWith(count, 1)
}

// NewShardedRWLocksWith groups ids into pages of pageSize before sharding, so
// that all ids within a page are serialized by the same lock.
func NewShardedRWLocksWith(count, pageSize uint64) *ShardedRWLocks {
	if count == 0 {
		count = 1
	}
	if pageSize == 0 {
		pageSize = 1
	}

	return &ShardedRWLocks{
		shards:   make([]sync.RWMutex, count),
		count:    count,
		pageSize: pageSize,
	}
}

// Hash returns the shard index for id.
func (s *ShardedRWLocks) Hash(id uint64) uint64 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], id/s.pageSize)
	return xxhash.Sum64(buf[:]) % s.count
}

func (s *ShardedRWLocks) Lock(id uint64) {
	s.shards[s.Hash(id)].Lock()
}

func (s *ShardedRWLocks) Unlock(id uint64) {
	s.shards[s.Hash(id)].Unlock()
}

func (s *ShardedRWLocks) RLock(id uint64) {
	s.shards[s.Hash(id)].RLock()
}

func (s *ShardedRWLocks) RUnlock(id uint64) {
	s.shards[s.Hash(id)].RUnlock()
}

// LockPair write-locks the shards of a and b, lowest shard first. All
// two-lock callers must go through here so that overlapping pairs acquired
// concurrently cannot wait on each other in a cycle. A single lock is taken
// when both ids map to the same shard.
func (s *ShardedRWLocks) LockPair(a, b uint64) {
	ha, hb := s.Hash(a), s.Hash(b)
	switch {
	case ha == hb:
		s.shards[ha].Lock()
	case ha < hb:
		s.shards[ha].Lock()
		s.shards[hb].Lock()
	default:
		s.shards[hb].Lock()
		s.shards[ha].Lock()
	}
}

func (s *ShardedRWLocks) UnlockPair(a, b uint64) {
	ha, hb := s.Hash(a), s.Hash(b)
	if ha == hb {
		s.shards[ha].Unlock()
		return
	}
	s.shards[ha].Unlock()
	s.shards[hb].Unlock()
}

// LockAll acquires every shard. Used only for rare whole-structure
// operations such as snapshotting.
func (s *ShardedRWLocks) LockAll() {
	for i := range s.shards {
		s.shards[i].Lock()
	}
}

func (s *ShardedRWLocks) UnlockAll() {
	for i := len(s.shards) - 1; i >= 0; i-- {
		s.shards[i].Unlock()
	}
}
