// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"github.com/feathermq/feathermq/txlog"
)

// CloseActiveLedger closes the partition's active ledger as the first step
// of an ownership hand-off. Publishes fail with PartitionNotOwned until a
// new ledger is opened. Idempotent.
func (b *Broker) CloseActiveLedger(topicID, partitionID uint64) error {
	if b.readOnly.Load() {
		return ErrStorageFailure
	}

	p, err := b.findPartition(topicID, partitionID)
	if err != nil {
		return err
	}
	if !b.acquire(p) {
		return ErrServerBusy
	}
	defer b.release(p)

	led := p.activeLedger()
	if led == nil {
		return nil
	}

	rec, err := b.appendEvent(txlog.LedgerClosed{
		TopicID:     topicID,
		PartitionID: partitionID,
		LedgerID:    led.id,
	})
	if err != nil {
		return err
	}

	led.state = LedgerClosed
	led.lastLSN = rec.LSN
	b.logger.Info("ledger closed", "topic", topicID, "partition", partitionID, "ledger", led.id)

	// An empty closed ledger can drain immediately.
	b.evaluateDrain(p)
	return nil
}

// OpenNewLedger opens the next ledger on the partition, making it the
// active publish target. Returns the active ledger id; idempotent when one
// is already open.
func (b *Broker) OpenNewLedger(topicID, partitionID uint64) (uint64, error) {
	if b.readOnly.Load() {
		return 0, ErrStorageFailure
	}

	p, err := b.findPartition(topicID, partitionID)
	if err != nil {
		return 0, err
	}
	if !b.acquire(p) {
		return 0, ErrServerBusy
	}
	defer b.release(p)

	if led := p.activeLedger(); led != nil {
		return led.id, nil
	}

	nextID := uint64(1)
	if n := len(p.ledgers); n > 0 {
		nextID = p.ledgers[n-1].id + 1
	}

	rec, err := b.appendEvent(txlog.LedgerOpened{
		TopicID:     topicID,
		PartitionID: partitionID,
		LedgerID:    nextID,
	})
	if err != nil {
		return 0, err
	}

	led := newLedger(nextID, rec.TimestampMS, rec.LSN)
	p.ledgers = append(p.ledgers, led)
	b.retainLedger(partKey{topicID, partitionID}, nextID, rec.LSN)

	b.logger.Info("ledger opened", "topic", topicID, "partition", partitionID, "ledger", nextID)
	return nextID, nil
}
