// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"fmt"

	"github.com/feathermq/feathermq/catalog"
	"github.com/feathermq/feathermq/txlog"
)

// PublishRequest carries one publish. RequestID deduplicates retries within
// the engine's dedup window; TimestampMS of zero means server-assigned.
type PublishRequest struct {
	TopicID     uint64
	PartitionID uint64
	RequestID   string
	Key         []byte
	TimestampMS uint64
	Attributes  map[string]string
}

// Publish appends a message to the partition's active ledger and enqueues
// it for every attached subscription. The reply is sent only after the
// MessagePublished event is durable.
func (b *Broker) Publish(req PublishRequest) (PublishResult, error) {
	if b.readOnly.Load() {
		return PublishResult{}, ErrStorageFailure
	}
	if err := b.validateAttributes(req.Attributes); err != nil {
		return PublishResult{}, err
	}

	p, err := b.findPartition(req.TopicID, req.PartitionID)
	if err != nil {
		return PublishResult{}, err
	}

	if !b.acquire(p) {
		return PublishResult{}, ErrServerBusy
	}
	defer b.release(p)

	if req.RequestID != "" {
		b.mu.RLock()
		entry, seen := b.dedup[req.RequestID]
		b.mu.RUnlock()
		if seen {
			return entry.result, nil
		}
	}

	led := p.activeLedger()
	if led == nil {
		owner := b.cfg.NodeID
		if part, err := b.catalog.View().Partition(req.TopicID, req.PartitionID); err == nil {
			owner = part.NodeID
		}
		return PublishResult{}, &PartitionNotOwnedError{OwnerNodeID: owner}
	}

	msgID := led.nextMessageID
	ref := txlog.MessageRef{
		TopicID:     req.TopicID,
		PartitionID: req.PartitionID,
		LedgerID:    led.id,
		MessageID:   msgID,
	}

	key := req.Key
	if len(key) == 0 {
		// Keyless messages still need a unique key for the synthetic
		// affinity space.
		key = []byte(fmt.Sprintf("n%d-p%d-m%d", b.cfg.NodeID, req.PartitionID, msgID))
	}

	ts := req.TimestampMS
	if ts == 0 {
		ts = b.nowMS()
	}

	rec, err := b.appendEvent(txlog.MessagePublished{
		Ref:         ref,
		Key:         key,
		TimestampMS: ts,
		Attributes:  req.Attributes,
	})
	if err != nil {
		return PublishResult{}, err
	}

	b.commitPublish(p, led, ref, key, ts, req.Attributes, rec.LSN)

	result := PublishResult{Ref: ref, LSN: rec.LSN}
	if req.RequestID != "" {
		b.mu.Lock()
		b.dedup[req.RequestID] = dedupEntry{result: result, atMS: b.nowMS()}
		b.mu.Unlock()
	}

	b.metrics.RecordPublish(req.TopicID, req.PartitionID)
	return result, nil
}

// commitPublish applies the already-durable publish to in-memory state.
// Shared by the live path and replay.
func (b *Broker) commitPublish(p *partition, led *ledger, ref txlog.MessageRef, key []byte, ts uint64, attrs map[string]string, lsn uint64) {
	led.nextMessageID = ref.MessageID + 1
	led.lastMessageID = ref.MessageID
	led.lastLSN = lsn
	led.messages[ref.MessageID] = &Message{
		Ref:         ref,
		Key:         key,
		PublishedMS: ts,
		Attributes:  attrs,
	}

	for _, sp := range p.subs {
		ls := sp.ledgerState(led.id)
		if sp.sub.Discipline != catalog.Multicast {
			ls.view.enqueue(ref.MessageID)
			continue
		}
		// Multicast fans out one copy per registered consumer; with
		// nobody registered the message parks until a consumer joins.
		ids := b.consumersOf(sp.sub.ID)
		if len(ids) == 0 {
			ls.parked = append(ls.parked, ref.MessageID)
			continue
		}
		for _, id := range ids {
			v := ls.views[id]
			if v == nil {
				v = newQueueView()
				ls.views[id] = v
			}
			v.enqueue(ref.MessageID)
		}
	}
}

func (b *Broker) validateAttributes(attrs map[string]string) error {
	total := 0
	for k, v := range attrs {
		if k == "" {
			return fmt.Errorf("%w: empty attribute name", ErrInvalidRequest)
		}
		total += len(k) + len(v)
	}
	if total > b.cfg.MaxAttributeBytes {
		return fmt.Errorf("%w: attributes exceed %d bytes", ErrInvalidRequest, b.cfg.MaxAttributeBytes)
	}
	return nil
}
