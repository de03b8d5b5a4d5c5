// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"fmt"
	"io"

	"github.com/feathermq/feathermq/catalog"
	"github.com/feathermq/feathermq/txlog"
)

// replay folds the whole retained log into a fresh engine. Applying the
// same commit helpers as the live paths keeps the reconstructed state
// byte-identical to the pre-crash committed state; the only deliberate
// difference is the post-replay lease migration.
func (b *Broker) replay() error {
	reader, err := b.log.Reader(0)
	if err != nil {
		return err
	}
	defer reader.Close()

	count := 0
	for {
		rec, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if err := b.applyRecord(rec); err != nil {
			return fmt.Errorf("apply lsn %d: %w", rec.LSN, err)
		}
		count++
	}

	b.migrateAfterReplay()

	// A crash can land between a final ack and its LedgerDrained event;
	// re-evaluate so such ledgers complete now.
	for _, p := range b.partitions {
		b.evaluateDrain(p)
	}

	if count > 0 {
		b.logger.Info("transaction log replayed", "records", count, "last_lsn", b.log.LastLSN())
	}
	return nil
}

func (b *Broker) applyRecord(rec txlog.Record) error {
	switch ev := rec.Event.(type) {
	case txlog.TopicCreated:
		return b.catalog.Apply(ev)

	case txlog.PartitionCreated:
		if err := b.catalog.Apply(ev); err != nil {
			return err
		}
		if ev.NodeID == b.cfg.NodeID {
			b.ensurePartition(ev.TopicID, ev.PartitionID)
		}
		return nil

	case txlog.SubscriptionCreated:
		if err := b.catalog.Apply(ev); err != nil {
			return err
		}
		sub, err := b.catalog.View().Subscription(ev.SubscriptionID)
		if err != nil {
			return err
		}
		for _, p := range b.ownedPartitions(ev.TopicID) {
			if _, ok := p.subs[sub.ID]; !ok {
				p.subs[sub.ID] = newSubPartState(sub)
			}
		}
		return nil

	case txlog.LedgerOpened:
		p := b.ownedPartition(ev.TopicID, ev.PartitionID)
		if p == nil {
			return nil
		}
		if p.ledgerByID(ev.LedgerID) == nil {
			led := newLedger(ev.LedgerID, rec.TimestampMS, rec.LSN)
			p.ledgers = append(p.ledgers, led)
			b.retainLedger(partKey{ev.TopicID, ev.PartitionID}, ev.LedgerID, rec.LSN)
		}
		return nil

	case txlog.LedgerClosed:
		if p := b.ownedPartition(ev.TopicID, ev.PartitionID); p != nil {
			if led := p.ledgerByID(ev.LedgerID); led != nil && led.state == LedgerOpen {
				led.state = LedgerClosed
				led.lastLSN = rec.LSN
			}
		}
		return nil

	case txlog.LedgerDrained:
		if p := b.ownedPartition(ev.TopicID, ev.PartitionID); p != nil {
			if led := p.ledgerByID(ev.LedgerID); led != nil && led.state != LedgerDrained {
				led.state = LedgerDrained
				led.lastLSN = rec.LSN
				led.messages = make(map[uint64]*Message)
				for _, sp := range p.subs {
					delete(sp.ledgers, led.id)
				}
				b.releaseLedger(partKey{ev.TopicID, ev.PartitionID}, led.id)
			}
		}
		return nil

	case txlog.MessagePublished:
		p := b.ownedPartition(ev.Ref.TopicID, ev.Ref.PartitionID)
		if p == nil {
			return nil
		}
		led := p.ledgerByID(ev.Ref.LedgerID)
		if led == nil || led.state == LedgerDrained {
			return nil
		}
		b.commitPublish(p, led, ev.Ref, ev.Key, ev.TimestampMS, ev.Attributes, rec.LSN)
		return nil

	case txlog.MessageDelivered:
		p := b.ownedPartition(ev.Ref.TopicID, ev.Ref.PartitionID)
		if p == nil {
			return nil
		}
		sp := p.subs[ev.SubscriptionID]
		if sp == nil {
			return nil
		}
		ls := sp.ledgers[ev.Ref.LedgerID]
		if ls == nil {
			return nil
		}
		view := ls.viewFor(ev.ConsumerID)
		if view == nil && ls.views != nil {
			view = newQueueView()
			ls.views[ev.ConsumerID] = view
		}
		if view == nil {
			return nil
		}
		led := p.ledgerByID(ev.Ref.LedgerID)
		if led == nil {
			return nil
		}
		b.commitDelivery(p, sp, pickResult{
			led:   led,
			ls:    ls,
			view:  view,
			msgID: ev.Ref.MessageID,
			key:   b.messageKey(led, ev.Ref.MessageID),
		}, ev.ConsumerID, ev.Attempt, ev.DeadlineMS, rec.LSN)
		return nil

	case txlog.MessageAcked:
		return b.replaySettle(ev.Ref, ev.SubscriptionID, ev.ConsumerID, rec.LSN, true)

	case txlog.MessageNacked:
		return b.replaySettle(ev.Ref, ev.SubscriptionID, ev.ConsumerID, rec.LSN, false)

	case txlog.MessageTimedOut:
		return b.replaySettle(ev.Ref, ev.SubscriptionID, ev.ConsumerID, rec.LSN, false)

	case txlog.ConsumerRegistered:
		if ev.ConsumerID >= b.nextConsumerID {
			b.nextConsumerID = ev.ConsumerID + 1
		}
		sub, err := b.catalog.View().Subscription(ev.SubscriptionID)
		if err != nil {
			return nil
		}
		c := &Consumer{
			ID:             ev.ConsumerID,
			TopicID:        ev.TopicID,
			SubscriptionID: ev.SubscriptionID,
			MaxInFlight:    int(ev.MaxInFlight),
			RegisteredMS:   rec.TimestampMS,
		}
		b.consumers[ev.ConsumerID] = c
		delete(b.rings, ev.SubscriptionID)
		if sub.Discipline == catalog.Multicast {
			b.attachMulticastViewsReplay(sub, ev.ConsumerID)
		}
		return nil

	case txlog.ConsumerUnregistered:
		c := b.consumers[ev.ConsumerID]
		if c == nil {
			return nil
		}
		delete(b.consumers, ev.ConsumerID)
		delete(b.rings, ev.SubscriptionID)
		if sub, err := b.catalog.View().Subscription(ev.SubscriptionID); err == nil {
			for _, p := range b.ownedPartitions(sub.TopicID) {
				if sp := p.subs[sub.ID]; sp != nil {
					b.releaseLeasesLockedReplay(p, sp, ev.ConsumerID)
				}
			}
		}
		return nil

	case txlog.Trimmed:
		return nil
	}

	return nil
}

// ownedPartition is the replay-time partition lookup; permits are not used
// during replay because nothing else runs yet.
func (b *Broker) ownedPartition(topicID, partitionID uint64) *partition {
	return b.partitions[partKey{topicID, partitionID}]
}

func (b *Broker) messageKey(led *ledger, msgID uint64) []byte {
	if msg, ok := led.messages[msgID]; ok {
		return msg.Key
	}
	return nil
}

func (b *Broker) locateView(ref txlog.MessageRef, subID, consumerID uint64) (*partition, *subPartState, *queueView) {
	p := b.ownedPartition(ref.TopicID, ref.PartitionID)
	if p == nil {
		return nil, nil, nil
	}
	sp := p.subs[subID]
	if sp == nil {
		return p, nil, nil
	}
	ls := sp.ledgers[ref.LedgerID]
	if ls == nil {
		return p, sp, nil
	}
	return p, sp, ls.viewFor(consumerID)
}

// replaySettle re-applies an ack or requeue without re-appending events.
func (b *Broker) replaySettle(ref txlog.MessageRef, subID, consumerID, lsn uint64, ack bool) error {
	p, sp, view := b.locateView(ref, subID, consumerID)
	if view == nil {
		return nil
	}
	if view.inflight[ref.MessageID] == nil {
		return nil
	}
	if ack {
		b.commitAck(p, sp, ref.LedgerID, view, ref.MessageID, consumerID, lsn)
	} else {
		b.commitRequeue(p, sp, ref.LedgerID, view, ref.MessageID, consumerID, lsn)
	}
	return nil
}

// attachMulticastViewsReplay mirrors attachMulticastViews without permits.
func (b *Broker) attachMulticastViewsReplay(sub catalog.Subscription, consumerID uint64) {
	for _, p := range b.partitions {
		if p.topicID != sub.TopicID {
			continue
		}
		sp := p.subs[sub.ID]
		if sp == nil {
			continue
		}
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
}

// releaseLeasesLockedReplay mirrors releaseLeasesLocked without permits and
// without drain evaluation (drains are replayed from their own events).
func (b *Broker) releaseLeasesLockedReplay(p *partition, sp *subPartState, consumerID uint64) {
	for ledgerID, ls := range sp.ledgers {
		if ls.views != nil {
			delete(ls.views, consumerID)
			continue
		}
		for msgID, fl := range ls.view.inflight {
			if fl.consumerID == consumerID {
				b.commitRequeue(p, sp, ledgerID, ls.view, msgID, consumerID, 0)
			}
		}
	}
}

// migrateAfterReplay invalidates every lease that survived the crash. The
// consumers behind them are gone with the old process: shared and
// key-shared leases return to the undelivered queues; the multicast copies
// of crashed consumers park for the next consumer to inherit.
func (b *Broker) migrateAfterReplay() {
	for _, p := range b.partitions {
		for _, sp := range p.subs {
			for _, ls := range sp.ledgers {
				if ls.views == nil {
					for msgID := range ls.view.inflight {
						delete(ls.view.inflight, msgID)
						ls.view.enqueue(msgID)
					}
					continue
				}
				for consumerID, v := range ls.views {
					for msgID := range v.inflight {
						delete(v.inflight, msgID)
						v.enqueue(msgID)
					}
					for _, msgID := range v.undelivered {
						ls.parked = append(ls.parked, msgID)
					}
					delete(ls.views, consumerID)
				}
				sortUint64s(ls.parked)
			}
		}
	}

	// Key leases died with the views.
	for _, p := range b.partitions {
		for _, sp := range p.subs {
			if sp.keysInFlight != nil {
				sp.keysInFlight = make(map[string]int)
			}
		}
	}

	// Crashed consumers are unreachable by definition.
	b.consumers = make(map[uint64]*Consumer)
	b.rings = make(map[uint64]*hashRing)
}
