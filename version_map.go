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
	"github.com/weaviate/spann/common"
)

// VersionMap maps vector IDs to their latest version number. Because
// versions are stored as a single byte, we cannot use atomic operations to
// update them. Instead, we use sharded locks to ensure that updates to the
// same ID are serialized.
type VersionMap struct {
	locks    *common.ShardedRWLocks
	versions *common.PagedArray[VectorVersion]
}

func NewVersionMap(pages, pageSize uint64) *VersionMap {
	// keep the number of mutexes reasonable by reducing it to the nearest
	// power of two <= 512
	locks := pages
	for locks > 512 {
		locks = locks >> 1
	}

	return &VersionMap{
		locks:    common.NewShardedRWLocksWith(locks, pageSize),
		versions: common.NewPagedArray[VectorVersion](pages, pageSize),
	}
}

func (v *VersionMap) Get(id uint64) VectorVersion {
	page, slot := v.versions.GetPageFor(id)

	v.locks.RLock(id)
	ve := page[slot]
	v.locks.RUnlock(id)
	return ve
}

// Delete removes the version entry for the given ID.
// Used when an insert fails and the vector was not added anywhere.
func (v *VersionMap) Delete(id uint64) {
	page, slot := v.versions.GetPageFor(id)

	v.locks.Lock(id)
	page[slot] = 0
	v.locks.Unlock(id)
}

// Increment bumps the version of id if it still matches previousVersion and
// is not deleted. It returns the resulting version and whether the bump
// happened.
func (v *VersionMap) Increment(previousVersion VectorVersion, id uint64) (VectorVersion, bool) {
	v.locks.Lock(id)
	defer v.locks.Unlock(id)

	page, slot := v.versions.GetPageFor(id)
	ve := page[slot]
	if ve.Deleted() || ve != previousVersion {
		return ve, false
	}

	delBit := uint8(ve) & tombstoneMask // 0x00 or 0x80
	counter := uint8(ve) & counterMask  // 0-127

	if counter < 127 {
		counter++
	} else {
		counter = 0 // wraparound behavior
	}

	newVE := VectorVersion(delBit | counter)
	page[slot] = newVE

	return newVE, true
}

// Revive clears the tombstone bit of id, keeping its counter, so a fresh
// insert after a delete starts a new lineage.
func (v *VersionMap) Revive(id uint64) VectorVersion {
	v.locks.Lock(id)
	defer v.locks.Unlock(id)

	page, slot := v.versions.GetPageFor(id)
	ve := page[slot]
	if !ve.Deleted() {
		return ve
	}

	counter := uint8(ve) & counterMask
	if counter < 127 {
		counter++
	} else {
		counter = 0
	}
	newVE := VectorVersion(counter)
	page[slot] = newVE
	return newVE
}

func (v *VersionMap) MarkDeleted(id uint64) VectorVersion {
	v.locks.Lock(id)
	defer v.locks.Unlock(id)

	page, slot := v.versions.GetPageFor(id)
	ve := page[slot]
	if ve == 0 {
		return 0
	}
	if ve.Deleted() {
		return ve // already deleted
	}

	counter := uint8(ve) & counterMask // 0-127

	newVE := VectorVersion(tombstoneMask | counter)
	page[slot] = newVE
	return newVE
}

func (v *VersionMap) IsDeleted(id uint64) bool {
	page, slot := v.versions.GetPageFor(id)
	v.locks.RLock(id)
	ve := page[slot]
	v.locks.RUnlock(id)
	return ve.Deleted()
}

// AllocPageFor ensures that the version map has a page allocated for the
// given ID.
func (v *VersionMap) AllocPageFor(id uint64) {
	v.versions.EnsurePageFor(id)
}

// Snapshot returns all non-zero version entries. Taken under the full lock
// set so the result is a consistent point-in-time view.
func (v *VersionMap) Snapshot() map[uint64]uint8 {
	v.locks.LockAll()
	defer v.locks.UnlockAll()

	out := make(map[uint64]uint8)
	for id, ve := range v.versions.Iter() {
		if ve != 0 {
			out[id] = uint8(ve)
		}
	}
	return out
}

// Restore installs a previously snapshotted version entry.
func (v *VersionMap) Restore(id uint64, ve VectorVersion) {
	page, slot := v.versions.GetPageFor(id)

	v.locks.Lock(id)
	page[slot] = ve
	v.locks.Unlock(id)
}
