// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"sort"

	"github.com/cespare/xxhash/v2"
)

// ringVirtualPoints is the number of points each consumer contributes to the
// hash ring. More points smooth the key-range split between consumers.
const ringVirtualPoints = 64

type ringPoint struct {
	hash       uint64
	consumerID uint64
}

// hashRing assigns key hashes to consumers for key-shared dispatch. The ring
// is rebuilt whole on consumer add or remove; removal hands a consumer's
// range to its ring successor automatically.
type hashRing struct {
	points []ringPoint
}

func buildRing(consumerIDs []uint64) *hashRing {
	r := &hashRing{points: make([]ringPoint, 0, len(consumerIDs)*ringVirtualPoints)}

	var buf [16]byte
	for _, id := range consumerIDs {
		putUint64(buf[0:8], id)
		for i := 0; i < ringVirtualPoints; i++ {
			putUint64(buf[8:16], uint64(i))
			r.points = append(r.points, ringPoint{
				hash:       xxhash.Sum64(buf[:]),
				consumerID: id,
			})
		}
	}

	sort.Slice(r.points, func(i, j int) bool { return r.points[i].hash < r.points[j].hash })
	return r
}

// owner returns the consumer owning the given key hash; false if the ring is
// empty.
func (r *hashRing) owner(keyHash uint64) (uint64, bool) {
	if len(r.points) == 0 {
		return 0, false
	}
	idx := sort.Search(len(r.points), func(i int) bool {
		return r.points[i].hash >= keyHash
	})
	if idx == len(r.points) {
		idx = 0
	}
	return r.points[idx].consumerID, true
}

func hashKey(key []byte) uint64 {
	return xxhash.Sum64(key)
}

func putUint64(buf []byte, v uint64) {
	for i := 0; i < 8; i++ {
		buf[i] = byte(v >> (8 * i))
	}
}
