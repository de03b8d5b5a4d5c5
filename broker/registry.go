// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"fmt"
	"sort"

	"github.com/feathermq/feathermq/catalog"
	"github.com/feathermq/feathermq/txlog"
)

// RegisterConsumer joins a consumer to a subscription and returns its
// server-assigned id. For multicast subscriptions the new consumer inherits
// any messages parked while the subscription had no consumers.
func (b *Broker) RegisterConsumer(topicID, subscriptionID uint64, maxInFlight int) (ConsumerInfo, error) {
	if b.readOnly.Load() {
		return ConsumerInfo{}, ErrStorageFailure
	}

	sub, err := b.catalog.View().Subscription(subscriptionID)
	if err != nil {
		return ConsumerInfo{}, err
	}
	if sub.TopicID != topicID {
		return ConsumerInfo{}, fmt.Errorf("subscription %d on topic %d: %w", subscriptionID, topicID, ErrNotFound)
	}
	if maxInFlight <= 0 {
		maxInFlight = DefaultMaxInFlight
	}

	b.mu.Lock()
	id := b.nextConsumerID
	rec, err := b.appendEvent(txlog.ConsumerRegistered{
		TopicID:        topicID,
		SubscriptionID: subscriptionID,
		ConsumerID:     id,
		MaxInFlight:    uint32(maxInFlight),
	})
	if err != nil {
		b.mu.Unlock()
		return ConsumerInfo{}, err
	}
	b.nextConsumerID = id + 1

	c := &Consumer{
		ID:             id,
		TopicID:        topicID,
		SubscriptionID: subscriptionID,
		MaxInFlight:    maxInFlight,
		RegisteredMS:   rec.TimestampMS,
	}
	c.touch(rec.TimestampMS)
	b.consumers[id] = c
	delete(b.rings, subscriptionID)
	b.mu.Unlock()

	if sub.Discipline == catalog.Multicast {
		b.attachMulticastViews(sub, id)
	}

	b.logger.Info("consumer registered",
		"consumer", id, "topic", topicID, "subscription", subscriptionID)
	return c.info(), nil
}

// attachMulticastViews creates the consumer's queue copies and hands it any
// parked backlog.
func (b *Broker) attachMulticastViews(sub catalog.Subscription, consumerID uint64) {
	for _, p := range b.ownedPartitions(sub.TopicID) {
		<-p.permit
		sp := p.subs[sub.ID]
		if sp != nil {
			for _, ls := range sp.ledgers {
				if ls.views == nil {
					continue
				}
				v := ls.views[consumerID]
				if v == nil {
					v = newQueueView()
					ls.views[consumerID] = v
				}
				for _, msgID := range ls.parked {
					v.enqueue(msgID)
				}
				ls.parked = nil
			}
		}
		b.release(p)
	}
}

// UnregisterConsumer destroys a consumer. Shared and key-shared leases
// return to the undelivered queues; a multicast consumer's private copies
// leave with it.
func (b *Broker) UnregisterConsumer(topicID, subscriptionID, consumerID uint64) error {
	if b.readOnly.Load() {
		return ErrStorageFailure
	}

	b.mu.RLock()
	c := b.consumers[consumerID]
	b.mu.RUnlock()
	if c == nil || c.TopicID != topicID || c.SubscriptionID != subscriptionID {
		return fmt.Errorf("consumer %d: %w", consumerID, ErrNotFound)
	}

	if _, err := b.appendEvent(txlog.ConsumerUnregistered{
		TopicID:        topicID,
		SubscriptionID: subscriptionID,
		ConsumerID:     consumerID,
	}); err != nil {
		return err
	}

	b.mu.Lock()
	delete(b.consumers, consumerID)
	delete(b.rings, subscriptionID)
	b.mu.Unlock()

	sub, err := b.catalog.View().Subscription(subscriptionID)
	if err == nil {
		b.releaseConsumerLeases(sub, consumerID)
	}

	b.logger.Info("consumer unregistered",
		"consumer", consumerID, "topic", topicID, "subscription", subscriptionID)
	return nil
}

// releaseConsumerLeases migrates or discards a departed consumer's state on
// every owned partition.
func (b *Broker) releaseConsumerLeases(sub catalog.Subscription, consumerID uint64) {
	for _, p := range b.ownedPartitions(sub.TopicID) {
		<-p.permit
		sp := p.subs[sub.ID]
		if sp != nil {
			b.releaseLeasesLocked(p, sp, consumerID)
		}
		b.release(p)
	}
}

func (b *Broker) releaseLeasesLocked(p *partition, sp *subPartState, consumerID uint64) {
	for ledgerID, ls := range sp.ledgers {
		if ls.views != nil {
			// The consumer's multicast copy leaves with it.
			delete(ls.views, consumerID)
			continue
		}
		var released []uint64
		for msgID, fl := range ls.view.inflight {
			if fl.consumerID == consumerID {
				released = append(released, msgID)
			}
		}
		sort.Slice(released, func(i, j int) bool { return released[i] < released[j] })
		for _, msgID := range released {
			b.commitRequeue(p, sp, ledgerID, ls.view, msgID, consumerID, 0)
		}
	}
	// Dropping a multicast view can complete a closed ledger.
	b.evaluateDrain(p)
}

// expireConsumers unregisters consumers idle beyond the configured timeout.
func (b *Broker) expireConsumers(nowMS uint64) {
	idle := uint64(b.cfg.ConsumerIdleTimeout.Milliseconds())

	b.mu.RLock()
	var stale []*Consumer
	for _, c := range b.consumers {
		if c.lastActiveMS.Load()+idle < nowMS {
			stale = append(stale, c)
		}
	}
	b.mu.RUnlock()

	for _, c := range stale {
		b.logger.Warn("consumer expired after inactivity", "consumer", c.ID)
		if err := b.UnregisterConsumer(c.TopicID, c.SubscriptionID, c.ID); err != nil {
			b.logger.Warn("failed to expire consumer", "consumer", c.ID, "error", err)
		}
	}
}

// ownedPartitions lists this node's partitions of a topic.
func (b *Broker) ownedPartitions(topicID uint64) []*partition {
	topic, err := b.catalog.View().Topic(topicID)
	if err != nil {
		return nil
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []*partition
	for _, part := range topic.Partitions {
		if part.NodeID != b.cfg.NodeID {
			continue
		}
		if p, ok := b.partitions[partKey{topicID, part.ID}]; ok {
			out = append(out, p)
		}
	}
	return out
}

// Consumers lists registered consumers ordered by id.
func (b *Broker) Consumers() []ConsumerInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]ConsumerInfo, 0, len(b.consumers))
	for _, c := range b.consumers {
		out = append(out, c.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Consumer returns one consumer's projection.
func (b *Broker) Consumer(id uint64) (ConsumerInfo, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	c, ok := b.consumers[id]
	if !ok {
		return ConsumerInfo{}, fmt.Errorf("consumer %d: %w", id, ErrNotFound)
	}
	return c.info(), nil
}
