// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"fmt"

	"github.com/feathermq/feathermq/catalog"
	"github.com/feathermq/feathermq/txlog"
)

// Ack acknowledges delivered messages. Each ref is verified against the
// in-flight table: unknown refs and refs leased to another consumer return
// ErrConflict without touching state. Remaining refs in the batch are still
// processed; the first conflict is reported after the batch completes.
func (b *Broker) Ack(subscriptionID, consumerID uint64, keys []string) error {
	return b.settle(subscriptionID, consumerID, keys, true)
}

// Nack returns delivered messages to their undelivered queues, preserving
// message-id order relative to never-delivered messages. Delivery counts
// keep accumulating so consumers can spot poison messages.
func (b *Broker) Nack(subscriptionID, consumerID uint64, keys []string) error {
	return b.settle(subscriptionID, consumerID, keys, false)
}

func (b *Broker) settle(subscriptionID, consumerID uint64, keys []string, ack bool) error {
	if b.readOnly.Load() {
		return ErrStorageFailure
	}

	sub, err := b.catalog.View().Subscription(subscriptionID)
	if err != nil {
		return err
	}

	b.mu.RLock()
	c := b.consumers[consumerID]
	b.mu.RUnlock()
	if c == nil {
		return fmt.Errorf("consumer %d: %w", consumerID, ErrNotFound)
	}
	if c.SubscriptionID != subscriptionID {
		return fmt.Errorf("%w: consumer %d is not on subscription %d", ErrConflict, consumerID, subscriptionID)
	}
	c.touch(b.nowMS())

	var firstErr error
	for _, key := range keys {
		ref, err := txlog.ParseRef(key)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		if ref.TopicID != sub.TopicID {
			return fmt.Errorf("%w: ref %s does not belong to topic %d", ErrInvalidRequest, key, sub.TopicID)
		}

		if err := b.settleOne(sub, c, ref, ack); err != nil {
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (b *Broker) settleOne(sub catalog.Subscription, c *Consumer, ref txlog.MessageRef, ack bool) error {
	p, err := b.findPartition(ref.TopicID, ref.PartitionID)
	if err != nil {
		return err
	}
	if !b.acquire(p) {
		return ErrServerBusy
	}
	defer b.release(p)

	sp := p.subs[sub.ID]
	if sp == nil {
		return fmt.Errorf("subscription %d on partition %d: %w", sub.ID, ref.PartitionID, ErrNotFound)
	}
	ls := sp.ledgers[ref.LedgerID]
	if ls == nil {
		return fmt.Errorf("%w: no in-flight entry for %s", ErrConflict, ref.Key())
	}

	view := ls.viewFor(c.ID)
	if view == nil {
		return fmt.Errorf("%w: no in-flight entry for %s", ErrConflict, ref.Key())
	}
	fl := view.inflight[ref.MessageID]
	if fl == nil {
		return fmt.Errorf("%w: no in-flight entry for %s", ErrConflict, ref.Key())
	}
	if fl.consumerID != c.ID {
		return fmt.Errorf("%w: %s is leased to consumer %d", ErrConflict, ref.Key(), fl.consumerID)
	}

	var ev txlog.Event
	if ack {
		ev = txlog.MessageAcked{Ref: ref, SubscriptionID: sub.ID, ConsumerID: c.ID}
	} else {
		ev = txlog.MessageNacked{Ref: ref, SubscriptionID: sub.ID, ConsumerID: c.ID}
	}
	rec, err := b.appendEvent(ev)
	if err != nil {
		return err
	}

	if ack {
		b.commitAck(p, sp, ref.LedgerID, view, ref.MessageID, c.ID, rec.LSN)
		b.metrics.RecordAck(ref.TopicID, ref.PartitionID)
		b.evaluateDrain(p)
	} else {
		b.commitRequeue(p, sp, ref.LedgerID, view, ref.MessageID, c.ID, rec.LSN)
		b.metrics.RecordNack(ref.TopicID, ref.PartitionID)
	}
	return nil
}

// commitAck applies a durable ack: the lease is gone, the cursor may
// advance and fully-acknowledged messages get pruned.
func (b *Broker) commitAck(p *partition, sp *subPartState, ledgerID uint64, view *queueView, msgID, consumerID, lsn uint64) {
	led := p.ledgerByID(ledgerID)

	delete(view.inflight, msgID)
	view.markAcked(msgID)

	if sp.sub.Discipline == catalog.KeyShared && led != nil {
		if msg, ok := led.messages[msgID]; ok {
			key := string(msg.Key)
			if sp.keysInFlight[key] > 0 {
				sp.keysInFlight[key]--
				if sp.keysInFlight[key] == 0 {
					delete(sp.keysInFlight, key)
				}
			}
		}
	}

	b.mu.RLock()
	c := b.consumers[consumerID]
	b.mu.RUnlock()
	if c != nil {
		c.inFlight.Add(-1)
	}
	b.metrics.RecordInFlight(p.topicID, p.id, -1)

	if led != nil {
		if lsn > 0 {
			led.lastLSN = lsn
		}
		b.pruneAcked(p, led)
	}
}

// pruneAcked deletes message metadata once every subscription's cursor has
// passed it. In-flight entries cannot exist at or below a cursor, so the
// minimum cursor is a safe deletion bound.
func (b *Broker) pruneAcked(p *partition, led *ledger) {
	minCursor := led.lastMessageID
	for _, sp := range p.subs {
		ls, ok := sp.ledgers[led.id]
		if !ok {
			// Subscription never saw this ledger; nothing is owed.
			continue
		}
		if cur := ls.effectiveCursor(led); cur < minCursor {
			minCursor = cur
		}
	}

	for id := range led.messages {
		if id <= minCursor {
			delete(led.messages, id)
		}
	}
}

// evaluateDrain checks every closed ledger of the partition for
// drainability: no in-flight entries and every subscription's cursor at the
// ledger tail. Drained ledgers release their log span for trimming.
func (b *Broker) evaluateDrain(p *partition) {
	for _, led := range p.ledgers {
		if led.state != LedgerClosed {
			continue
		}

		drainable := true
		for _, sp := range p.subs {
			ls, ok := sp.ledgers[led.id]
			if !ok {
				continue
			}
			if ls.inflightCount() > 0 || ls.effectiveCursor(led) < led.lastMessageID {
				drainable = false
				break
			}
		}
		if !drainable {
			continue
		}

		rec, err := b.appendEvent(txlog.LedgerDrained{
			TopicID:     p.topicID,
			PartitionID: p.id,
			LedgerID:    led.id,
		})
		if err != nil {
			return
		}

		b.commitDrain(p, led, rec.LSN)
	}
}

// commitDrain finalizes a drained ledger and requests a log trim up to the
// earliest still-live ledger.
func (b *Broker) commitDrain(p *partition, led *ledger, lsn uint64) {
	led.state = LedgerDrained
	led.lastLSN = lsn
	led.messages = make(map[uint64]*Message)
	for _, sp := range p.subs {
		delete(sp.ledgers, led.id)
	}

	key := partKey{p.topicID, p.id}
	b.releaseLedger(key, led.id)
	b.requestTrim(lsn)

	b.logger.Info("ledger drained",
		"topic", p.topicID, "partition", p.id, "ledger", led.id)
}
