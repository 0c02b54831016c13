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
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionMapIncrement(t *testing.T) {
	vm := NewVersionMap(4, 64)
	vm.AllocPageFor(7)

	require.Equal(t, VectorVersion(0), vm.Get(7))

	v, ok := vm.Increment(0, 7)
	require.True(t, ok)
	assert.Equal(t, VectorVersion(1), v)

	// stale previous version must not bump
	_, ok = vm.Increment(0, 7)
	assert.False(t, ok)

	v, ok = vm.Increment(1, 7)
	require.True(t, ok)
	assert.Equal(t, VectorVersion(2), v)
}

func TestVersionMapDeleteAndRevive(t *testing.T) {
	vm := NewVersionMap(4, 64)
	vm.AllocPageFor(3)

	// deleting an id that was never seen reports zero
	assert.Equal(t, VectorVersion(0), vm.MarkDeleted(3))

	vm.Increment(0, 3)
	deleted := vm.MarkDeleted(3)
	assert.True(t, deleted.Deleted())
	assert.Equal(t, uint8(1), deleted.Version())
	assert.True(t, vm.IsDeleted(3))

	// a deleted entry cannot be incremented
	_, ok := vm.Increment(deleted, 3)
	assert.False(t, ok)

	revived := vm.Revive(3)
	assert.False(t, revived.Deleted())
	assert.Equal(t, uint8(2), revived.Version())

	// reviving a live entry is a no-op
	assert.Equal(t, revived, vm.Revive(3))
}

func TestVersionMapWraparound(t *testing.T) {
	vm := NewVersionMap(4, 64)
	vm.AllocPageFor(1)

	var v VectorVersion
	var ok bool
	for i := 0; i < 127; i++ {
		v, ok = vm.Increment(v, 1)
		require.True(t, ok)
	}
	require.Equal(t, uint8(127), v.Version())

	v, ok = vm.Increment(v, 1)
	require.True(t, ok)
	assert.Equal(t, uint8(0), v.Version())
}

func TestVersionMapSnapshotRestore(t *testing.T) {
	vm := NewVersionMap(4, 64)
	vm.AllocPageFor(1)
	vm.Increment(0, 1)
	vm.Increment(0, 2)
	vm.Increment(1, 2)
	vm.Increment(0, 3)
	vm.MarkDeleted(3)

	snap := vm.Snapshot()
	require.Len(t, snap, 3)

	restored := NewVersionMap(4, 64)
	for id, ve := range snap {
		restored.Restore(id, VectorVersion(ve))
	}

	assert.Equal(t, VectorVersion(1), restored.Get(1))
	assert.Equal(t, VectorVersion(2), restored.Get(2))
	assert.True(t, restored.IsDeleted(3))
}

func TestVersionMapConcurrentIncrements(t *testing.T) {
	vm := NewVersionMap(8, 128)
	vm.AllocPageFor(0)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(base uint64) {
			defer wg.Done()
			for i := uint64(0); i < 100; i++ {
				id := base*100 + i
				vm.AllocPageFor(id)
				_, ok := vm.Increment(0, id)
				require.True(t, ok)
			}
		}(uint64(g))
	}
	wg.Wait()

	for id := uint64(0); id < 800; id++ {
		assert.Equal(t, VectorVersion(1), vm.Get(id))
	}
}
