// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"sort"

	"github.com/feathermq/feathermq/catalog"
)

// flight is one in-flight lease: a message delivered and awaiting ack.
type flight struct {
	consumerID uint64
	deadlineMS uint64
	attempt    uint32
}

// queueView is one ordered undelivered queue with its in-flight table and
// ack cursor. Shared and key-shared subscriptions use a single view per
// ledger; multicast keeps one per consumer.
type queueView struct {
	undelivered []uint64 // sorted message ids
	inflight    map[uint64]*flight
	acked       map[uint64]struct{} // acked ids above the cursor
	cursor      uint64              // highest id with a fully acked prefix
	deliveries  map[uint64]uint32   // delivery counts, survives lease churn
}

func newQueueView() *queueView {
	return &queueView{
		inflight:   make(map[uint64]*flight),
		acked:      make(map[uint64]struct{}),
		deliveries: make(map[uint64]uint32),
	}
}

// enqueue inserts a message id preserving ascending order. Redelivered ids
// keep their original ordering key, so a nack slots back in front of newer
// messages.
func (v *queueView) enqueue(id uint64) {
	n := len(v.undelivered)
	if n == 0 || v.undelivered[n-1] < id {
		v.undelivered = append(v.undelivered, id)
		return
	}
	i := sort.Search(n, func(i int) bool { return v.undelivered[i] >= id })
	if i < n && v.undelivered[i] == id {
		return
	}
	v.undelivered = append(v.undelivered, 0)
	copy(v.undelivered[i+1:], v.undelivered[i:])
	v.undelivered[i] = id
}

// dequeue removes a specific id from the undelivered queue.
func (v *queueView) dequeue(id uint64) bool {
	i := sort.Search(len(v.undelivered), func(i int) bool { return v.undelivered[i] >= id })
	if i >= len(v.undelivered) || v.undelivered[i] != id {
		return false
	}
	v.undelivered = append(v.undelivered[:i], v.undelivered[i+1:]...)
	return true
}

// markAcked records an ack and advances the cursor over any now-contiguous
// prefix.
func (v *queueView) markAcked(id uint64) {
	if id <= v.cursor {
		return
	}
	v.acked[id] = struct{}{}
	for {
		if _, ok := v.acked[v.cursor+1]; !ok {
			break
		}
		v.cursor++
		delete(v.acked, v.cursor)
		delete(v.deliveries, v.cursor)
	}
}

// subLedgerState is a subscription's delivery state over one ledger.
type subLedgerState struct {
	// view serves shared and key-shared disciplines.
	view *queueView

	// views holds per-consumer queues for multicast; parked buffers
	// messages published while no consumer was registered, inherited by
	// the next consumer to join.
	views  map[uint64]*queueView
	parked []uint64
}

func newSubLedgerState(d catalog.Discipline) *subLedgerState {
	s := &subLedgerState{}
	if d == catalog.Multicast {
		s.views = make(map[uint64]*queueView)
	} else {
		s.view = newQueueView()
	}
	return s
}

// effectiveCursor is the id up to which every outstanding view has acked.
// Used for drainability and message pruning.
func (s *subLedgerState) effectiveCursor(led *ledger) uint64 {
	if s.view != nil {
		return s.view.cursor
	}

	cursor := led.lastMessageID
	for _, v := range s.views {
		if v.cursor < cursor {
			cursor = v.cursor
		}
	}
	if len(s.parked) > 0 && s.parked[0] <= cursor+1 {
		cursor = s.parked[0] - 1
	}
	return cursor
}

// inflightCount sums in-flight entries across views.
func (s *subLedgerState) inflightCount() int {
	if s.view != nil {
		return len(s.view.inflight)
	}
	n := 0
	for _, v := range s.views {
		n += len(v.inflight)
	}
	return n
}

// queuedCount sums undelivered entries across views, including parked.
func (s *subLedgerState) queuedCount() int {
	if s.view != nil {
		return len(s.view.undelivered)
	}
	n := len(s.parked)
	for _, v := range s.views {
		n += len(v.undelivered)
	}
	return n
}

// viewFor resolves the queue view holding state for the given consumer.
func (s *subLedgerState) viewFor(consumerID uint64) *queueView {
	if s.view != nil {
		return s.view
	}
	return s.views[consumerID]
}

// subPartState is a subscription's state across one partition's ledgers.
type subPartState struct {
	sub     catalog.Subscription
	ledgers map[uint64]*subLedgerState

	// keysInFlight counts in-flight messages per key for key-shared
	// ordering: a key with a live lease blocks its successors.
	keysInFlight map[string]int
}

func newSubPartState(sub catalog.Subscription) *subPartState {
	s := &subPartState{
		sub:     sub,
		ledgers: make(map[uint64]*subLedgerState),
	}
	if sub.Discipline == catalog.KeyShared {
		s.keysInFlight = make(map[string]int)
	}
	return s
}

func (s *subPartState) ledgerState(ledgerID uint64) *subLedgerState {
	ls, ok := s.ledgers[ledgerID]
	if !ok {
		ls = newSubLedgerState(s.sub.Discipline)
		s.ledgers[ledgerID] = ls
	}
	return ls
}

// SubscriptionStats is the admin projection of a subscription on one
// partition.
type SubscriptionStats struct {
	SubscriptionID uint64 `json:"subscription_id"`
	Queued         int    `json:"queued"`
	Unacked        int    `json:"unacked"`
	AffinityKeys   int    `json:"affinity_keys"`
}
