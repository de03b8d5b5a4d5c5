// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import "fmt"

// LedgerState tracks the ledger lifecycle. Transitions only move forward:
// Open -> Closed -> Drained.
type LedgerState uint8

const (
	LedgerOpen LedgerState = iota
	LedgerClosed
	LedgerDrained
)

func (s LedgerState) String() string {
	switch s {
	case LedgerOpen:
		return "open"
	case LedgerClosed:
		return "closed"
	case LedgerDrained:
		return "drained"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// ledger is a bounded slice of a partition's message stream and the unit of
// ownership transfer. Message ids are ledger-local, starting at 1 and
// strictly increasing by insertion order.
type ledger struct {
	id        uint64
	state     LedgerState
	createdMS uint64

	nextMessageID uint64
	lastMessageID uint64 // highest allocated id, 0 when empty
	messages      map[uint64]*Message

	firstLSN uint64 // LSN of LedgerOpened
	lastLSN  uint64 // LSN of the latest event touching this ledger
}

func newLedger(id, createdMS, openLSN uint64) *ledger {
	return &ledger{
		id:            id,
		state:         LedgerOpen,
		createdMS:     createdMS,
		nextMessageID: 1,
		messages:      make(map[uint64]*Message),
		firstLSN:      openLSN,
		lastLSN:       openLSN,
	}
}

// LedgerInfo is the admin projection of a ledger.
type LedgerInfo struct {
	ID            uint64 `json:"id"`
	State         string `json:"state"`
	CreatedMS     uint64 `json:"created"`
	MessageCount  int    `json:"message_count"`
	UnackedCount  int    `json:"unacked_count"`
	NextMessageID uint64 `json:"next_message_id"`
	FirstLSN      uint64 `json:"first_lsn"`
	LastLSN       uint64 `json:"last_lsn"`
}
