// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingOwnershipIsStable(t *testing.T) {
	ring := buildRing([]uint64{1, 2, 3})

	for i := 0; i < 100; i++ {
		key := []byte(fmt.Sprintf("key-%d", i))
		a, ok := ring.owner(hashKey(key))
		require.True(t, ok)
		b, _ := ring.owner(hashKey(key))
		assert.Equal(t, a, b)
	}
}

func TestRingSpreadsKeys(t *testing.T) {
	ring := buildRing([]uint64{1, 2, 3})

	counts := map[uint64]int{}
	for i := 0; i < 3000; i++ {
		owner, ok := ring.owner(hashKey([]byte(fmt.Sprintf("key-%d", i))))
		require.True(t, ok)
		counts[owner]++
	}

	for id, n := range counts {
		assert.Greater(t, n, 300, "consumer %d starved: %v", id, counts)
	}
}

func TestRingRemovalOnlyMovesDepartedRange(t *testing.T) {
	before := buildRing([]uint64{1, 2, 3})
	after := buildRing([]uint64{1, 3})

	for i := 0; i < 1000; i++ {
		key := []byte(fmt.Sprintf("key-%d", i))
		was, _ := before.owner(hashKey(key))
		now, _ := after.owner(hashKey(key))
		if was != 2 {
			assert.Equal(t, was, now, "key %q moved despite its owner surviving", key)
		} else {
			assert.Contains(t, []uint64{1, 3}, now)
		}
	}
}

func TestRingEmpty(t *testing.T) {
	ring := buildRing(nil)
	_, ok := ring.owner(hashKey([]byte("k")))
	assert.False(t, ok)
}
