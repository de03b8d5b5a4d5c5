// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feathermq/feathermq/catalog"
	"github.com/feathermq/feathermq/txlog"
)

const testAckTimeout = 5 * time.Second

func testCatalog(d catalog.Discipline) *catalog.Catalog {
	nodes := []catalog.Node{
		{ID: 1, Host: "10.0.0.1", Port: 8640},
		{ID: 2, Host: "10.0.0.2", Port: 8640},
	}
	topics := []catalog.Topic{{
		ID:   1,
		Name: "orders",
		Partitions: []catalog.Partition{
			{ID: 1, NodeID: 1},
			{ID: 2, NodeID: 2},
		},
		Subscriptions: []catalog.Subscription{
			{ID: 1, Name: "billing", Discipline: d, AckTimeout: testAckTimeout},
		},
	}}
	return catalog.New("", nodes, topics)
}

func newTestBroker(t *testing.T, d catalog.Discipline) (*Broker, *txlog.MemLog, *clock.Mock) {
	t.Helper()

	mock := clock.NewMock()
	mock.Set(time.UnixMilli(1700000000000))

	log := txlog.NewMemLog()
	log.Now = mock.Now

	b, err := New(testCatalog(d), log, DefaultConfig(1), WithClock(mock))
	require.NoError(t, err)
	return b, log, mock
}

func mustPublish(t *testing.T, b *Broker, key string, attrs map[string]string) PublishResult {
	t.Helper()
	res, err := b.Publish(PublishRequest{
		TopicID:     1,
		PartitionID: 1,
		Key:         []byte(key),
		Attributes:  attrs,
	})
	require.NoError(t, err)
	return res
}

func logKinds(t *testing.T, log *txlog.MemLog) []txlog.Kind {
	t.Helper()
	r, err := log.Reader(0)
	require.NoError(t, err)
	records, err := txlog.ReadAll(r)
	require.NoError(t, err)
	kinds := make([]txlog.Kind, 0, len(records))
	for _, rec := range records {
		kinds = append(kinds, rec.Event.Kind())
	}
	return kinds
}

func TestSingleMessageRoundTrip(t *testing.T) {
	b, log, _ := newTestBroker(t, catalog.Shared)

	res := mustPublish(t, b, "k", map[string]string{"a": "1"})
	assert.Equal(t, "1:1:1:1", res.Ref.Key())

	consumer, err := b.RegisterConsumer(1, 1, 0)
	require.NoError(t, err)

	lease, err := b.Next(consumer.ID)
	require.NoError(t, err)
	require.NotNil(t, lease)
	assert.Equal(t, "1:1:1:1", lease.AckKey)
	assert.Equal(t, uint32(1), lease.DeliveryCount)
	assert.Equal(t, "1", lease.Message.Attributes["a"])

	require.NoError(t, b.Ack(1, consumer.ID, []string{lease.AckKey}))

	refs, err := b.SubscriptionOutstanding(1, 1)
	require.NoError(t, err)
	assert.Empty(t, refs)

	kinds := logKinds(t, log)
	assert.Contains(t, kinds, txlog.KindMessagePublished)
	idxPub, idxDel, idxAck := -1, -1, -1
	for i, k := range kinds {
		switch k {
		case txlog.KindMessagePublished:
			idxPub = i
		case txlog.KindMessageDelivered:
			idxDel = i
		case txlog.KindMessageAcked:
			idxAck = i
		}
	}
	assert.True(t, idxPub < idxDel && idxDel < idxAck,
		"expected publish < delivered < acked, got %v", kinds)
}

func TestTimeoutRedelivery(t *testing.T) {
	b, log, mock := newTestBroker(t, catalog.Shared)

	mustPublish(t, b, "k", nil)

	a, err := b.RegisterConsumer(1, 1, 0)
	require.NoError(t, err)
	bee, err := b.RegisterConsumer(1, 1, 0)
	require.NoError(t, err)

	lease, err := b.Next(a.ID)
	require.NoError(t, err)
	require.NotNil(t, lease)

	// No ack. The lease expires after the subscription's ack timeout.
	mock.Add(testAckTimeout + time.Second)
	b.ScanTimeouts(uint64(mock.Now().UnixMilli()))

	lease2, err := b.Next(bee.ID)
	require.NoError(t, err)
	require.NotNil(t, lease2)
	assert.Equal(t, lease.AckKey, lease2.AckKey)
	assert.Equal(t, uint32(2), lease2.DeliveryCount)

	kinds := logKinds(t, log)
	var seq []txlog.Kind
	for _, k := range kinds {
		switch k {
		case txlog.KindMessageDelivered, txlog.KindMessageTimedOut:
			seq = append(seq, k)
		}
	}
	assert.Equal(t, []txlog.Kind{
		txlog.KindMessageDelivered,
		txlog.KindMessageTimedOut,
		txlog.KindMessageDelivered,
	}, seq)
}

func TestKeySharedOrdering(t *testing.T) {
	b, _, _ := newTestBroker(t, catalog.KeyShared)

	c1, err := b.RegisterConsumer(1, 1, 0)
	require.NoError(t, err)
	c2, err := b.RegisterConsumer(1, 1, 0)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		mustPublish(t, b, "k", nil)
	}

	// All three messages hash to one owner; find it.
	lease1, err := b.Next(c1.ID)
	require.NoError(t, err)
	lease2, err := b.Next(c2.ID)
	require.NoError(t, err)
	require.True(t, (lease1 == nil) != (lease2 == nil), "exactly one consumer owns key k")

	owner, other := c1.ID, c2.ID
	lease := lease1
	if lease1 == nil {
		owner, other = c2.ID, c1.ID
		lease = lease2
	}
	assert.Equal(t, "1:1:1:1", lease.AckKey)

	// m2 is not dispatchable while m1 is in flight, to anyone.
	next, err := b.Next(owner)
	require.NoError(t, err)
	assert.Nil(t, next)
	next, err = b.Next(other)
	require.NoError(t, err)
	assert.Nil(t, next)

	require.NoError(t, b.Ack(1, owner, []string{lease.AckKey}))

	lease, err = b.Next(owner)
	require.NoError(t, err)
	require.NotNil(t, lease)
	assert.Equal(t, "1:1:1:2", lease.AckKey)

	// Still strictly one consumer, still strictly in order.
	next, err = b.Next(other)
	require.NoError(t, err)
	assert.Nil(t, next)

	require.NoError(t, b.Ack(1, owner, []string{lease.AckKey}))
	lease, err = b.Next(owner)
	require.NoError(t, err)
	require.NotNil(t, lease)
	assert.Equal(t, "1:1:1:3", lease.AckKey)
}

func TestMulticastFanout(t *testing.T) {
	b, _, _ := newTestBroker(t, catalog.Multicast)

	c1, err := b.RegisterConsumer(1, 1, 0)
	require.NoError(t, err)
	c2, err := b.RegisterConsumer(1, 1, 0)
	require.NoError(t, err)

	mustPublish(t, b, "k", nil)

	lease1, err := b.Next(c1.ID)
	require.NoError(t, err)
	require.NotNil(t, lease1)
	lease2, err := b.Next(c2.ID)
	require.NoError(t, err)
	require.NotNil(t, lease2)
	assert.Equal(t, lease1.AckKey, lease2.AckKey)

	require.NoError(t, b.CloseActiveLedger(1, 1))

	// First ack leaves the other consumer's copy outstanding.
	require.NoError(t, b.Ack(1, c1.ID, []string{lease1.AckKey}))
	refs, err := b.SubscriptionOutstanding(1, 1)
	require.NoError(t, err)
	assert.Len(t, refs, 1)

	snap, err := b.Ledgers(1, 1)
	require.NoError(t, err)
	assert.Equal(t, "closed", snap.Ledgers[0].State)

	// Second ack drains the closed ledger.
	require.NoError(t, b.Ack(1, c2.ID, []string{lease2.AckKey}))
	snap, err = b.Ledgers(1, 1)
	require.NoError(t, err)
	assert.Equal(t, "drained", snap.Ledgers[0].State)
}

func TestPartitionNotOwned(t *testing.T) {
	b, _, _ := newTestBroker(t, catalog.Shared)

	// Partition 2 lives on node 2.
	_, err := b.Publish(PublishRequest{TopicID: 1, PartitionID: 2})
	var notOwned *PartitionNotOwnedError
	require.ErrorAs(t, err, &notOwned)
	assert.Equal(t, uint64(2), notOwned.OwnerNodeID)

	// Closing the active ledger makes the owned partition refuse
	// publishes until a new ledger opens.
	require.NoError(t, b.CloseActiveLedger(1, 1))
	_, err = b.Publish(PublishRequest{TopicID: 1, PartitionID: 1})
	require.ErrorAs(t, err, &notOwned)

	_, err = b.OpenNewLedger(1, 1)
	require.NoError(t, err)
	res := mustPublish(t, b, "k", nil)
	assert.Equal(t, uint64(2), res.Ref.LedgerID)
}

func TestCrashRecovery(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.UnixMilli(1700000000000))
	log := txlog.NewMemLog()
	log.Now = mock.Now

	b, err := New(testCatalog(catalog.Shared), log, DefaultConfig(1), WithClock(mock))
	require.NoError(t, err)

	consumer, err := b.RegisterConsumer(1, 1, 200)
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		_, err := b.Publish(PublishRequest{TopicID: 1, PartitionID: 1, Key: []byte("k")})
		require.NoError(t, err)
	}

	var acks []string
	for i := 0; i < 100; i++ {
		lease, err := b.Next(consumer.ID)
		require.NoError(t, err)
		require.NotNil(t, lease)
		if lease.Message.Ref.MessageID%2 == 0 {
			acks = append(acks, lease.AckKey)
		}
	}
	require.NoError(t, b.Ack(1, consumer.ID, acks))

	// Crash: a new engine over the same log, fresh catalog and state.
	b2, err := New(testCatalog(catalog.Shared), log, DefaultConfig(1), WithClock(mock))
	require.NoError(t, err)

	refs, err := b2.SubscriptionOutstanding(1, 1)
	require.NoError(t, err)
	require.Len(t, refs, 50)
	for i, ref := range refs {
		assert.Equal(t, uint64(2*i+1), ref.MessageID)
	}
}

func TestSharedOrderingAndNack(t *testing.T) {
	b, _, _ := newTestBroker(t, catalog.Shared)

	for i := 0; i < 5; i++ {
		mustPublish(t, b, "", nil)
	}

	c, err := b.RegisterConsumer(1, 1, 0)
	require.NoError(t, err)

	lease1, err := b.Next(c.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), lease1.Message.Ref.MessageID)

	// Nack puts it back ahead of everything not yet delivered.
	require.NoError(t, b.Nack(1, c.ID, []string{lease1.AckKey}))

	lease, err := b.Next(c.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), lease.Message.Ref.MessageID)
	assert.Equal(t, uint32(2), lease.DeliveryCount)

	for want := uint64(2); want <= 5; want++ {
		lease, err := b.Next(c.ID)
		require.NoError(t, err)
		require.NotNil(t, lease)
		assert.Equal(t, want, lease.Message.Ref.MessageID)
	}
}

func TestPublishDedup(t *testing.T) {
	b, log, _ := newTestBroker(t, catalog.Shared)

	req := PublishRequest{TopicID: 1, PartitionID: 1, RequestID: "req-1", Key: []byte("k")}
	res1, err := b.Publish(req)
	require.NoError(t, err)
	res2, err := b.Publish(req)
	require.NoError(t, err)
	assert.Equal(t, res1, res2)

	published := 0
	for _, k := range logKinds(t, log) {
		if k == txlog.KindMessagePublished {
			published++
		}
	}
	assert.Equal(t, 1, published)
}

func TestStorageFailureMarksReadOnly(t *testing.T) {
	b, log, _ := newTestBroker(t, catalog.Shared)

	log.FailAppends = assert.AnError
	_, err := b.Publish(PublishRequest{TopicID: 1, PartitionID: 1})
	require.ErrorIs(t, err, ErrStorageFailure)
	assert.True(t, b.ReadOnly())

	// Every further mutation is refused, even after the log recovers.
	log.FailAppends = nil
	_, err = b.Publish(PublishRequest{TopicID: 1, PartitionID: 1})
	assert.ErrorIs(t, err, ErrStorageFailure)
	_, err = b.RegisterConsumer(1, 1, 0)
	assert.ErrorIs(t, err, ErrStorageFailure)
}

func TestAckConflicts(t *testing.T) {
	b, _, _ := newTestBroker(t, catalog.Shared)

	mustPublish(t, b, "k", nil)
	c1, err := b.RegisterConsumer(1, 1, 0)
	require.NoError(t, err)
	c2, err := b.RegisterConsumer(1, 1, 0)
	require.NoError(t, err)

	lease, err := b.Next(c1.ID)
	require.NoError(t, err)
	require.NotNil(t, lease)

	// Wrong consumer.
	err = b.Ack(1, c2.ID, []string{lease.AckKey})
	assert.ErrorIs(t, err, ErrConflict)

	// Right consumer succeeds once; the second ack conflicts.
	require.NoError(t, b.Ack(1, c1.ID, []string{lease.AckKey}))
	err = b.Ack(1, c1.ID, []string{lease.AckKey})
	assert.ErrorIs(t, err, ErrConflict)

	// Unknown consumer.
	err = b.Ack(1, 999, []string{lease.AckKey})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUnregisterReleasesLeases(t *testing.T) {
	b, _, _ := newTestBroker(t, catalog.Shared)

	mustPublish(t, b, "k", nil)
	c1, err := b.RegisterConsumer(1, 1, 0)
	require.NoError(t, err)
	c2, err := b.RegisterConsumer(1, 1, 0)
	require.NoError(t, err)

	lease, err := b.Next(c1.ID)
	require.NoError(t, err)
	require.NotNil(t, lease)

	require.NoError(t, b.UnregisterConsumer(1, 1, c1.ID))

	// The lease is void; the message is dispatchable again.
	lease2, err := b.Next(c2.ID)
	require.NoError(t, err)
	require.NotNil(t, lease2)
	assert.Equal(t, lease.AckKey, lease2.AckKey)
}

func TestTrimAfterDrain(t *testing.T) {
	b, log, _ := newTestBroker(t, catalog.Shared)

	c, err := b.RegisterConsumer(1, 1, 0)
	require.NoError(t, err)

	var acks []string
	for i := 0; i < 3; i++ {
		mustPublish(t, b, "", nil)
	}
	for i := 0; i < 3; i++ {
		lease, err := b.Next(c.ID)
		require.NoError(t, err)
		require.NotNil(t, lease)
		acks = append(acks, lease.AckKey)
	}

	require.NoError(t, b.CloseActiveLedger(1, 1))
	next, err := b.OpenNewLedger(1, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), next)

	floorBefore := log.FloorLSN()
	require.NoError(t, b.Ack(1, c.ID, acks))

	snap, err := b.Ledgers(1, 1)
	require.NoError(t, err)
	assert.Equal(t, "drained", snap.Ledgers[0].State)
	assert.Equal(t, "open", snap.Ledgers[1].State)

	// The floor moved forward but not past the live ledger's span.
	assert.Greater(t, log.FloorLSN(), floorBefore)
	assert.LessOrEqual(t, log.FloorLSN(), snap.Ledgers[1].FirstLSN)
}

func TestMulticastParkedInheritance(t *testing.T) {
	b, _, _ := newTestBroker(t, catalog.Multicast)

	// Published with no consumers: parked, still outstanding.
	mustPublish(t, b, "k", nil)
	refs, err := b.SubscriptionOutstanding(1, 1)
	require.NoError(t, err)
	require.Len(t, refs, 1)

	c, err := b.RegisterConsumer(1, 1, 0)
	require.NoError(t, err)

	lease, err := b.Next(c.ID)
	require.NoError(t, err)
	require.NotNil(t, lease)
	assert.Equal(t, "1:1:1:1", lease.AckKey)
}

func TestConsumerExpiry(t *testing.T) {
	b, _, mock := newTestBroker(t, catalog.Shared)

	mustPublish(t, b, "k", nil)
	c, err := b.RegisterConsumer(1, 1, 0)
	require.NoError(t, err)

	lease, err := b.Next(c.ID)
	require.NoError(t, err)
	require.NotNil(t, lease)

	mock.Add(DefaultConfig(1).ConsumerIdleTimeout + time.Minute)
	b.expireConsumers(uint64(mock.Now().UnixMilli()))

	_, err = b.Consumer(c.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	// Its lease is back in the queue for the next consumer.
	c2, err := b.RegisterConsumer(1, 1, 0)
	require.NoError(t, err)
	lease2, err := b.Next(c2.ID)
	require.NoError(t, err)
	require.NotNil(t, lease2)
	assert.Equal(t, lease.AckKey, lease2.AckKey)
}

func TestSharedFairness(t *testing.T) {
	b, _, _ := newTestBroker(t, catalog.Shared)

	c1, err := b.RegisterConsumer(1, 1, 1)
	require.NoError(t, err)
	c2, err := b.RegisterConsumer(1, 1, 1)
	require.NoError(t, err)

	const total = 40
	for i := 0; i < total; i++ {
		mustPublish(t, b, "", nil)
	}

	counts := map[uint64]int{}
	consumers := []uint64{c1.ID, c2.ID}
	for delivered := 0; delivered < total; {
		for _, id := range consumers {
			lease, err := b.Next(id)
			require.NoError(t, err)
			if lease == nil {
				continue
			}
			counts[id]++
			delivered++
			require.NoError(t, b.Ack(1, id, []string{lease.AckKey}))
		}
	}

	diff := counts[c1.ID] - counts[c2.ID]
	if diff < 0 {
		diff = -diff
	}
	assert.LessOrEqual(t, diff, 2, "symmetric consumers should split the load: %v", counts)
}

func TestInvalidRequests(t *testing.T) {
	b, _, _ := newTestBroker(t, catalog.Shared)

	// Oversized attributes.
	big := map[string]string{"k": string(make([]byte, 17*1024))}
	_, err := b.Publish(PublishRequest{TopicID: 1, PartitionID: 1, Attributes: big})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	// Unknown topic and partition.
	_, err = b.Publish(PublishRequest{TopicID: 9, PartitionID: 1})
	assert.ErrorIs(t, err, ErrNotFound)

	c, err := b.RegisterConsumer(1, 1, 0)
	require.NoError(t, err)

	// Malformed ack key.
	err = b.Ack(1, c.ID, []string{"not-a-ref"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestKeySharedConsumerRemovalReassigns(t *testing.T) {
	b, _, _ := newTestBroker(t, catalog.KeyShared)

	c1, err := b.RegisterConsumer(1, 1, 0)
	require.NoError(t, err)
	c2, err := b.RegisterConsumer(1, 1, 0)
	require.NoError(t, err)

	mustPublish(t, b, "k", nil)

	lease1, err := b.Next(c1.ID)
	require.NoError(t, err)
	lease2, err := b.Next(c2.ID)
	require.NoError(t, err)

	owner := c1.ID
	lease := lease1
	if lease1 == nil {
		owner = c2.ID
		lease = lease2
	}
	require.NotNil(t, lease)

	survivor := c1.ID
	if owner == c1.ID {
		survivor = c2.ID
	}

	// Removing the owner returns its in-flight message and hands the
	// key range to the survivor.
	require.NoError(t, b.UnregisterConsumer(1, 1, owner))

	lease3, err := b.Next(survivor)
	require.NoError(t, err)
	require.NotNil(t, lease3)
	assert.Equal(t, lease.AckKey, lease3.AckKey)
}

func TestCrashRecoveryMulticastParksCopies(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.UnixMilli(1700000000000))
	log := txlog.NewMemLog()
	log.Now = mock.Now

	b, err := New(testCatalog(catalog.Multicast), log, DefaultConfig(1), WithClock(mock))
	require.NoError(t, err)

	c, err := b.RegisterConsumer(1, 1, 0)
	require.NoError(t, err)
	_, err = b.Publish(PublishRequest{TopicID: 1, PartitionID: 1, Key: []byte("k")})
	require.NoError(t, err)

	lease, err := b.Next(c.ID)
	require.NoError(t, err)
	require.NotNil(t, lease)

	// Crash before the ack. The consumer is gone with the process; its
	// unacked copy must survive for whoever joins next.
	b2, err := New(testCatalog(catalog.Multicast), log, DefaultConfig(1), WithClock(mock))
	require.NoError(t, err)

	refs, err := b2.SubscriptionOutstanding(1, 1)
	require.NoError(t, err)
	require.Len(t, refs, 1)

	c2, err := b2.RegisterConsumer(1, 1, 0)
	require.NoError(t, err)
	lease2, err := b2.Next(c2.ID)
	require.NoError(t, err)
	require.NotNil(t, lease2)
	assert.Equal(t, lease.AckKey, lease2.AckKey)
}
