// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"fmt"
	"sort"

	"github.com/feathermq/feathermq/txlog"
)

// Admin projections. Every read takes the partition permit, so the returned
// snapshot is consistent as of the AsOfLSN it carries: no half-applied
// event is ever visible.

// InFlightInfo is the admin projection of one lease.
type InFlightInfo struct {
	Ref        txlog.MessageRef `json:"message_ref"`
	AckKey     string           `json:"message_ack_key"`
	ConsumerID uint64           `json:"consumer_id"`
	DeadlineMS uint64           `json:"deadline"`
	Attempt    uint32           `json:"attempt"`
}

// PartitionSnapshot is a consistent read of one partition.
type PartitionSnapshot struct {
	TopicID     uint64              `json:"topic_id"`
	PartitionID uint64              `json:"partition_id"`
	AsOfLSN     uint64              `json:"as_of_lsn"`
	Ledgers     []LedgerInfo        `json:"ledgers"`
	Subs        []SubscriptionStats `json:"subscriptions"`
}

// Ledgers lists the partition's ledgers, oldest first.
func (b *Broker) Ledgers(topicID, partitionID uint64) (PartitionSnapshot, error) {
	p, err := b.findPartition(topicID, partitionID)
	if err != nil {
		return PartitionSnapshot{}, err
	}
	if !b.acquire(p) {
		return PartitionSnapshot{}, ErrServerBusy
	}
	defer b.release(p)

	return b.snapshotLocked(p), nil
}

func (b *Broker) snapshotLocked(p *partition) PartitionSnapshot {
	snap := PartitionSnapshot{
		TopicID:     p.topicID,
		PartitionID: p.id,
		AsOfLSN:     b.log.LastLSN(),
	}

	for _, led := range p.ledgers {
		info := LedgerInfo{
			ID:            led.id,
			State:         led.state.String(),
			CreatedMS:     led.createdMS,
			MessageCount:  len(led.messages),
			NextMessageID: led.nextMessageID,
			FirstLSN:      led.firstLSN,
			LastLSN:       led.lastLSN,
		}
		for _, sp := range p.subs {
			if ls, ok := sp.ledgers[led.id]; ok {
				info.UnackedCount += ls.queuedCount() + ls.inflightCount()
			}
		}
		snap.Ledgers = append(snap.Ledgers, info)
	}

	subIDs := make([]uint64, 0, len(p.subs))
	for id := range p.subs {
		subIDs = append(subIDs, id)
	}
	sortUint64s(subIDs)
	for _, id := range subIDs {
		sp := p.subs[id]
		stats := SubscriptionStats{SubscriptionID: id}
		for _, ls := range sp.ledgers {
			stats.Queued += ls.queuedCount()
			stats.Unacked += ls.inflightCount()
		}
		stats.AffinityKeys = len(sp.keysInFlight)
		snap.Subs = append(snap.Subs, stats)
	}

	return snap
}

// LedgerMessageIDs lists the ids still held in a ledger, ascending.
func (b *Broker) LedgerMessageIDs(topicID, partitionID, ledgerID uint64) ([]uint64, error) {
	p, err := b.findPartition(topicID, partitionID)
	if err != nil {
		return nil, err
	}
	if !b.acquire(p) {
		return nil, ErrServerBusy
	}
	defer b.release(p)

	led := p.ledgerByID(ledgerID)
	if led == nil {
		return nil, fmt.Errorf("ledger %d: %w", ledgerID, ErrNotFound)
	}

	ids := make([]uint64, 0, len(led.messages))
	for id := range led.messages {
		ids = append(ids, id)
	}
	sortUint64s(ids)
	return ids, nil
}

// LedgerMessage returns one message's stored metadata.
func (b *Broker) LedgerMessage(topicID, partitionID, ledgerID, messageID uint64) (Message, error) {
	p, err := b.findPartition(topicID, partitionID)
	if err != nil {
		return Message{}, err
	}
	if !b.acquire(p) {
		return Message{}, ErrServerBusy
	}
	defer b.release(p)

	led := p.ledgerByID(ledgerID)
	if led == nil {
		return Message{}, fmt.Errorf("ledger %d: %w", ledgerID, ErrNotFound)
	}
	msg, ok := led.messages[messageID]
	if !ok {
		return Message{}, fmt.Errorf("message %d: %w", messageID, ErrNotFound)
	}
	return *msg, nil
}

// SubscriptionOutstanding lists every ref a subscription still owes —
// undelivered, parked or in flight — ascending by (partition, ledger,
// message).
func (b *Broker) SubscriptionOutstanding(topicID, subscriptionID uint64) ([]txlog.MessageRef, error) {
	if _, err := b.catalog.View().Subscription(subscriptionID); err != nil {
		return nil, err
	}

	refs := []txlog.MessageRef{}
	for _, p := range b.ownedPartitions(topicID) {
		if !b.acquire(p) {
			return nil, ErrServerBusy
		}
		sp := p.subs[subscriptionID]
		if sp != nil {
			for ledgerID, ls := range sp.ledgers {
				seen := make(map[uint64]struct{})
				collect := func(_ uint64, v *queueView) {
					for _, id := range v.undelivered {
						seen[id] = struct{}{}
					}
					for id := range v.inflight {
						seen[id] = struct{}{}
					}
				}
				ls.eachView(collect)
				for _, id := range ls.parked {
					seen[id] = struct{}{}
				}
				for id := range seen {
					refs = append(refs, txlog.MessageRef{
						TopicID:     topicID,
						PartitionID: p.id,
						LedgerID:    ledgerID,
						MessageID:   id,
					})
				}
			}
		}
		b.release(p)
	}

	sort.Slice(refs, func(i, j int) bool {
		a, c := refs[i], refs[j]
		if a.PartitionID != c.PartitionID {
			return a.PartitionID < c.PartitionID
		}
		if a.LedgerID != c.LedgerID {
			return a.LedgerID < c.LedgerID
		}
		return a.MessageID < c.MessageID
	})
	return refs, nil
}

// SubscriptionMessage resolves one outstanding ref to its metadata.
func (b *Broker) SubscriptionMessage(topicID, subscriptionID uint64, ref txlog.MessageRef) (Message, error) {
	if _, err := b.catalog.View().Subscription(subscriptionID); err != nil {
		return Message{}, err
	}
	if ref.TopicID != topicID {
		return Message{}, fmt.Errorf("%w: ref topic mismatch", ErrInvalidRequest)
	}
	return b.LedgerMessage(ref.TopicID, ref.PartitionID, ref.LedgerID, ref.MessageID)
}

// InFlight lists the subscription's live leases across owned partitions.
func (b *Broker) InFlight(topicID, subscriptionID uint64) ([]InFlightInfo, error) {
	if _, err := b.catalog.View().Subscription(subscriptionID); err != nil {
		return nil, err
	}

	out := []InFlightInfo{}
	for _, p := range b.ownedPartitions(topicID) {
		if !b.acquire(p) {
			return nil, ErrServerBusy
		}
		sp := p.subs[subscriptionID]
		if sp != nil {
			for ledgerID, ls := range sp.ledgers {
				ls.eachView(func(_ uint64, v *queueView) {
					for msgID, fl := range v.inflight {
						ref := txlog.MessageRef{
							TopicID:     topicID,
							PartitionID: p.id,
							LedgerID:    ledgerID,
							MessageID:   msgID,
						}
						out = append(out, InFlightInfo{
							Ref:        ref,
							AckKey:     ref.Key(),
							ConsumerID: fl.consumerID,
							DeadlineMS: fl.deadlineMS,
							Attempt:    fl.attempt,
						})
					}
				})
			}
		}
		b.release(p)
	}

	sort.Slice(out, func(i, j int) bool {
		a, c := out[i].Ref, out[j].Ref
		if a.PartitionID != c.PartitionID {
			return a.PartitionID < c.PartitionID
		}
		if a.LedgerID != c.LedgerID {
			return a.LedgerID < c.LedgerID
		}
		return a.MessageID < c.MessageID
	})
	return out, nil
}
