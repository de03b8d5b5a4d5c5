// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import "sync/atomic"

// DefaultMaxInFlight caps a consumer's concurrent leases when the client
// does not ask for a specific limit.
const DefaultMaxInFlight = 100

// Consumer is a registered puller on a subscription. The id is
// server-assigned. Counters use atomics because leases are granted and
// released under different partition locks.
type Consumer struct {
	ID             uint64
	TopicID        uint64
	SubscriptionID uint64
	MaxInFlight    int
	RegisteredMS   uint64

	inFlight     atomic.Int64
	lastActiveMS atomic.Uint64
}

func (c *Consumer) hasCapacity() bool {
	return c.inFlight.Load() < int64(c.MaxInFlight)
}

func (c *Consumer) touch(nowMS uint64) {
	c.lastActiveMS.Store(nowMS)
}

// ConsumerInfo is the admin projection of a consumer.
type ConsumerInfo struct {
	ID             uint64 `json:"id"`
	TopicID        uint64 `json:"topic_id"`
	SubscriptionID uint64 `json:"subscription_id"`
	MaxInFlight    int    `json:"max_in_flight"`
	InFlight       int64  `json:"in_flight"`
	RegisteredMS   uint64 `json:"registered"`
	LastActiveMS   uint64 `json:"last_active"`
}

func (c *Consumer) info() ConsumerInfo {
	return ConsumerInfo{
		ID:             c.ID,
		TopicID:        c.TopicID,
		SubscriptionID: c.SubscriptionID,
		MaxInFlight:    c.MaxInFlight,
		InFlight:       c.inFlight.Load(),
		RegisteredMS:   c.RegisteredMS,
		LastActiveMS:   c.lastActiveMS.Load(),
	}
}
