// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package catalog

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feathermq/feathermq/txlog"
)

func testTopology() ([]Node, []Topic) {
	nodes := []Node{{ID: 1, Host: "10.0.0.1", Port: 8640}}
	topics := []Topic{{
		ID:   1,
		Name: "orders",
		Partitions: []Partition{
			{ID: 1, NodeID: 1},
			{ID: 2, NodeID: 1},
		},
		Subscriptions: []Subscription{
			{ID: 1, Name: "billing", Discipline: Shared, AckTimeout: 5 * time.Second},
		},
	}}
	return nodes, topics
}

func TestCatalog_Lookups(t *testing.T) {
	nodes, topics := testTopology()
	c := New("", nodes, topics)
	v := c.View()

	topic, err := v.Topic(1)
	require.NoError(t, err)
	assert.Equal(t, "orders", topic.Name)

	byName, err := v.TopicByName("orders")
	require.NoError(t, err)
	assert.Equal(t, topic.ID, byName.ID)

	p, err := v.Partition(1, 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), p.NodeID)
	assert.Equal(t, uint64(1), p.TopicID)

	sub, err := v.Subscription(1)
	require.NoError(t, err)
	assert.Equal(t, "billing", sub.Name)
	assert.Equal(t, uint64(1), sub.TopicID)

	_, err = v.Topic(99)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = v.Partition(1, 99)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = v.Subscription(99)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = v.Node(99)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCatalog_ApplyAdminEvents(t *testing.T) {
	nodes, topics := testTopology()
	c := New("", nodes, topics)
	old := c.View()

	require.NoError(t, c.Apply(txlog.TopicCreated{TopicID: 2, Name: "shipments"}))
	require.NoError(t, c.Apply(txlog.PartitionCreated{TopicID: 2, PartitionID: 1, NodeID: 1}))
	require.NoError(t, c.Apply(txlog.SubscriptionCreated{
		TopicID: 2, SubscriptionID: 7, Name: "tracking",
		Discipline: uint8(KeyShared), AckTimeoutMS: 30000,
	}))

	// Old views stay immutable.
	_, err := old.Topic(2)
	assert.ErrorIs(t, err, ErrNotFound)

	v := c.View()
	topic, err := v.Topic(2)
	require.NoError(t, err)
	assert.Equal(t, "shipments", topic.Name)
	require.Len(t, topic.Partitions, 1)

	sub, err := v.Subscription(7)
	require.NoError(t, err)
	assert.Equal(t, KeyShared, sub.Discipline)
	assert.Equal(t, 30*time.Second, sub.AckTimeout)

	// Partition for an unknown topic is rejected.
	err = c.Apply(txlog.PartitionCreated{TopicID: 42, PartitionID: 1, NodeID: 1})
	assert.ErrorIs(t, err, ErrNotFound)

	// Non-admin events pass through untouched.
	require.NoError(t, c.Apply(txlog.MessageAcked{SubscriptionID: 1}))
}

func TestCatalog_SnapshotRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	nodes, topics := testTopology()

	c := New(path, nodes, topics)
	require.NoError(t, c.Apply(txlog.TopicCreated{TopicID: 2, Name: "shipments"}))

	loaded, err := Load(path)
	require.NoError(t, err)

	v := loaded.View()
	_, err = v.TopicByName("shipments")
	require.NoError(t, err)

	orders, err := v.TopicByName("orders")
	require.NoError(t, err)
	require.Len(t, orders.Subscriptions, 1)
	assert.Equal(t, Shared, orders.Subscriptions[0].Discipline)
	assert.Equal(t, 5*time.Second, orders.Subscriptions[0].AckTimeout)
}

func TestCatalog_LoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
