// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"fmt"
	"sort"

	"github.com/feathermq/feathermq/catalog"
	"github.com/feathermq/feathermq/txlog"
)

// pickResult identifies one dispatchable message inside a partition.
type pickResult struct {
	led   *ledger
	ls    *subLedgerState
	view  *queueView
	msgID uint64
	key   []byte
}

// Next selects, leases and returns the next message for a consumer, or
// (nil, nil) when nothing is currently dispatchable. The MessageDelivered
// event is durable before the lease is handed out.
func (b *Broker) Next(consumerID uint64) (*Lease, error) {
	if b.readOnly.Load() {
		return nil, ErrStorageFailure
	}

	b.mu.RLock()
	c, ok := b.consumers[consumerID]
	b.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("consumer %d: %w", consumerID, ErrNotFound)
	}
	c.touch(b.nowMS())

	if !c.hasCapacity() {
		return nil, nil
	}

	sub, err := b.catalog.View().Subscription(c.SubscriptionID)
	if err != nil {
		return nil, err
	}
	topic, err := b.catalog.View().Topic(c.TopicID)
	if err != nil {
		return nil, err
	}

	owned, busy := 0, 0
	for _, part := range topic.Partitions {
		if part.NodeID != b.cfg.NodeID {
			continue
		}
		owned++

		b.mu.RLock()
		p := b.partitions[partKey{topic.ID, part.ID}]
		b.mu.RUnlock()
		if p == nil {
			continue
		}

		if !b.acquire(p) {
			busy++
			continue
		}

		lease, err := b.dispatchLocked(p, sub, c)
		b.release(p)
		if err != nil {
			return nil, err
		}
		if lease != nil {
			return lease, nil
		}
	}

	if owned > 0 && busy == owned {
		return nil, ErrServerBusy
	}
	return nil, nil
}

// dispatchLocked picks and leases one message while holding the partition
// permit.
func (b *Broker) dispatchLocked(p *partition, sub catalog.Subscription, c *Consumer) (*Lease, error) {
	sp := p.subs[sub.ID]
	if sp == nil {
		return nil, nil
	}

	pr, ok := b.pick(p, sp, c)
	if !ok {
		return nil, nil
	}

	attempt := pr.view.deliveries[pr.msgID] + 1
	deadline := b.nowMS() + uint64(sub.AckTimeout.Milliseconds())
	ref := txlog.MessageRef{
		TopicID:     p.topicID,
		PartitionID: p.id,
		LedgerID:    pr.led.id,
		MessageID:   pr.msgID,
	}

	rec, err := b.appendEvent(txlog.MessageDelivered{
		Ref:            ref,
		SubscriptionID: sub.ID,
		ConsumerID:     c.ID,
		Attempt:        attempt,
		DeadlineMS:     deadline,
	})
	if err != nil {
		return nil, err
	}

	b.commitDelivery(p, sp, pr, c.ID, attempt, deadline, rec.LSN)
	c.inFlight.Add(1)
	b.metrics.RecordDelivery(p.topicID, p.id)
	b.metrics.RecordInFlight(p.topicID, p.id, 1)

	msg := pr.led.messages[pr.msgID]
	return &Lease{
		Message:        *msg,
		AckKey:         ref.Key(),
		SubscriptionID: sub.ID,
		ConsumerID:     c.ID,
		DeliveryCount:  attempt,
		DeadlineMS:     deadline,
	}, nil
}

func (b *Broker) commitDelivery(p *partition, sp *subPartState, pr pickResult, consumerID uint64, attempt uint32, deadline, lsn uint64) {
	pr.view.dequeue(pr.msgID)
	pr.view.inflight[pr.msgID] = &flight{
		consumerID: consumerID,
		deadlineMS: deadline,
		attempt:    attempt,
	}
	pr.view.deliveries[pr.msgID] = attempt
	if sp.sub.Discipline == catalog.KeyShared {
		sp.keysInFlight[string(pr.key)]++
	}
	pr.led.lastLSN = lsn
}

// pick applies the subscription's dispatch discipline across the
// partition's ledgers, oldest first.
func (b *Broker) pick(p *partition, sp *subPartState, c *Consumer) (pickResult, bool) {
	switch sp.sub.Discipline {
	case catalog.Multicast:
		return b.pickMulticast(p, sp, c)
	case catalog.KeyShared:
		return b.pickKeyShared(p, sp, c)
	default:
		return b.pickShared(p, sp)
	}
}

// pickShared is plain FIFO: oldest ledger, lowest message id, any consumer.
func (b *Broker) pickShared(p *partition, sp *subPartState) (pickResult, bool) {
	for _, led := range p.ledgers {
		if led.state == LedgerDrained {
			continue
		}
		ls, ok := sp.ledgers[led.id]
		if !ok {
			continue
		}
		for _, msgID := range ls.view.undelivered {
			if b.attemptsExhausted(ls.view, msgID) {
				continue
			}
			msg := led.messages[msgID]
			return pickResult{led: led, ls: ls, view: ls.view, msgID: msgID, key: msg.Key}, true
		}
	}
	return pickResult{}, false
}

// pickMulticast serves each consumer from its own queue copy.
func (b *Broker) pickMulticast(p *partition, sp *subPartState, c *Consumer) (pickResult, bool) {
	for _, led := range p.ledgers {
		if led.state == LedgerDrained {
			continue
		}
		ls, ok := sp.ledgers[led.id]
		if !ok {
			continue
		}
		view := ls.views[c.ID]
		if view == nil {
			continue
		}
		for _, msgID := range view.undelivered {
			if b.attemptsExhausted(view, msgID) {
				continue
			}
			msg := led.messages[msgID]
			return pickResult{led: led, ls: ls, view: view, msgID: msgID, key: msg.Key}, true
		}
	}
	return pickResult{}, false
}

// pickKeyShared walks the queue in order, blocking every key it passes so a
// later message for a key can never overtake its predecessor, and returns
// the first message whose key hashes into this consumer's ring range.
func (b *Broker) pickKeyShared(p *partition, sp *subPartState, c *Consumer) (pickResult, bool) {
	ring := b.ring(sp.sub.ID)
	blocked := make(map[string]struct{})

	for _, led := range p.ledgers {
		if led.state == LedgerDrained {
			continue
		}
		ls, ok := sp.ledgers[led.id]
		if !ok {
			continue
		}
		for _, msgID := range ls.view.undelivered {
			msg := led.messages[msgID]
			key := string(msg.Key)

			if _, skip := blocked[key]; skip {
				continue
			}
			if sp.keysInFlight[key] > 0 {
				blocked[key] = struct{}{}
				continue
			}
			owner, ok := ring.owner(hashKey(msg.Key))
			if !ok || owner != c.ID || b.attemptsExhausted(ls.view, msgID) {
				blocked[key] = struct{}{}
				continue
			}
			return pickResult{led: led, ls: ls, view: ls.view, msgID: msgID, key: msg.Key}, true
		}
	}
	return pickResult{}, false
}

func (b *Broker) attemptsExhausted(v *queueView, msgID uint64) bool {
	return b.cfg.MaxAttempts > 0 && v.deliveries[msgID] >= b.cfg.MaxAttempts
}

// expiredFlight describes one lease past its deadline.
type expiredFlight struct {
	subID      uint64
	ledgerID   uint64
	msgID      uint64
	consumerID uint64
}

// ScanTimeouts requeues every in-flight entry whose deadline is at or
// before nowMS, recording MessageTimedOut so the cause stays visible in the
// log. Deadlines that land mid-scan are caught next pass.
func (b *Broker) ScanTimeouts(nowMS uint64) {
	b.mu.RLock()
	parts := make([]*partition, 0, len(b.partitions))
	for _, p := range b.partitions {
		parts = append(parts, p)
	}
	b.mu.RUnlock()

	for _, p := range parts {
		if !b.acquire(p) {
			continue
		}
		b.scanPartitionTimeouts(p, nowMS)
		b.release(p)
	}
}

func (b *Broker) scanPartitionTimeouts(p *partition, nowMS uint64) {
	var expired []expiredFlight
	for subID, sp := range p.subs {
		for ledgerID, ls := range sp.ledgers {
			ls.eachView(func(_ uint64, v *queueView) {
				for msgID, fl := range v.inflight {
					if fl.deadlineMS <= nowMS {
						expired = append(expired, expiredFlight{
							subID:      subID,
							ledgerID:   ledgerID,
							msgID:      msgID,
							consumerID: fl.consumerID,
						})
					}
				}
			})
		}
	}

	sort.Slice(expired, func(i, j int) bool {
		if expired[i].ledgerID != expired[j].ledgerID {
			return expired[i].ledgerID < expired[j].ledgerID
		}
		return expired[i].msgID < expired[j].msgID
	})

	for _, ex := range expired {
		sp := p.subs[ex.subID]
		ls := sp.ledgers[ex.ledgerID]
		view := ls.viewFor(ex.consumerID)
		if view == nil {
			continue
		}

		ref := txlog.MessageRef{
			TopicID:     p.topicID,
			PartitionID: p.id,
			LedgerID:    ex.ledgerID,
			MessageID:   ex.msgID,
		}
		rec, err := b.appendEvent(txlog.MessageTimedOut{Ref: ref, SubscriptionID: ex.subID, ConsumerID: ex.consumerID})
		if err != nil {
			return
		}

		b.commitRequeue(p, sp, ex.ledgerID, view, ex.msgID, ex.consumerID, rec.LSN)
		b.metrics.RecordTimeout(p.topicID, p.id)
	}
}

// commitRequeue returns an in-flight message to the undelivered queue.
// Shared by nack, timeout and consumer-release paths.
func (b *Broker) commitRequeue(p *partition, sp *subPartState, ledgerID uint64, view *queueView, msgID, consumerID, lsn uint64) {
	delete(view.inflight, msgID)
	view.enqueue(msgID)

	led := p.ledgerByID(ledgerID)

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
	if lsn > 0 && led != nil {
		led.lastLSN = lsn
	}
}

// eachView visits every queue view of the ledger state.
func (s *subLedgerState) eachView(fn func(consumerID uint64, v *queueView)) {
	if s.view != nil {
		fn(0, s.view)
		return
	}
	for id, v := range s.views {
		fn(id, v)
	}
}
