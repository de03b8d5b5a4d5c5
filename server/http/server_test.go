// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package http

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feathermq/feathermq/broker"
	"github.com/feathermq/feathermq/catalog"
	"github.com/feathermq/feathermq/txlog"
)

func newTestServer(t *testing.T) (*Server, *broker.Broker) {
	t.Helper()

	nodes := []catalog.Node{
		{ID: 1, Host: "127.0.0.1", Port: 8640},
		{ID: 2, Host: "127.0.0.2", Port: 8640},
	}
	topics := []catalog.Topic{{
		ID:   1,
		Name: "orders",
		Partitions: []catalog.Partition{
			{ID: 1, NodeID: 1},
			{ID: 2, NodeID: 2},
		},
		Subscriptions: []catalog.Subscription{
			{ID: 1, Name: "billing", Discipline: catalog.Shared, AckTimeout: 5 * time.Second},
		},
	}}

	b, err := broker.New(catalog.New("", nodes, topics), txlog.NewMemLog(), broker.DefaultConfig(1))
	require.NoError(t, err)

	return New(Config{Address: ":0"}, b, nil, nil), b
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "10.0.0.9:55555"
	rec := httptest.NewRecorder()
	s.server.Handler.ServeHTTP(rec, req)
	return rec
}

func TestHTTPRoundTrip(t *testing.T) {
	s, _ := newTestServer(t)

	// Publish.
	rec := doJSON(t, s, http.MethodPost, "/v1/pub/message", map[string]any{
		"topic_id":     1,
		"partition_id": 1,
		"key":          "k",
		"attributes":   map[string]string{"a": "1"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var pub publishResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pub))
	assert.Equal(t, "1:1:1:1", pub.MessageRef)

	// Register a consumer.
	rec = doJSON(t, s, http.MethodPost, "/v1/sub/consumer", map[string]any{
		"topic_id":        1,
		"subscription_id": 1,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var reg registerConsumerResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reg))

	// Pull.
	path := fmt.Sprintf("/v1/sub/topic/1/subscription/1/consumer/%d/message", reg.ConsumerID)
	rec = doJSON(t, s, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var lease broker.Lease
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &lease))
	assert.Equal(t, "1:1:1:1", lease.AckKey)

	// Nothing else queued: 204.
	rec = doJSON(t, s, http.MethodGet, path, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	// Ack.
	rec = doJSON(t, s, http.MethodPost, "/v1/sub/ack", map[string]any{
		"subscription_id": 1,
		"consumer_id":     reg.ConsumerID,
		"message_ack_key": lease.AckKey,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// Subscription backlog empty.
	rec = doJSON(t, s, http.MethodGet, "/v1/admin/topic/1/subscription/1/messageids", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var keys []string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &keys))
	assert.Empty(t, keys)

	// Double ack conflicts.
	rec = doJSON(t, s, http.MethodPost, "/v1/sub/ack", map[string]any{
		"subscription_id": 1,
		"consumer_id":     reg.ConsumerID,
		"message_ack_key": lease.AckKey,
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHTTPPartitionNotOwned(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/v1/pub/message", map[string]any{
		"topic_id":     1,
		"partition_id": 2,
	})
	require.Equal(t, http.StatusMisdirectedRequest, rec.Code)

	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "PartitionNotOwned", body.Code)
	require.NotNil(t, body.OwnerNodeID)
	assert.Equal(t, uint64(2), *body.OwnerNodeID)
}

func TestHTTPNotFoundAndInvalid(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doJSON(t, s, http.MethodGet, "/v1/admin/topic/9", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, s, http.MethodGet, "/v1/admin/node/abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/v1/pub/message", map[string]any{
		"partition_id": 1,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, s, http.MethodGet, "/v1/pub/partitions/unknown-topic", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHTTPAdminViews(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doJSON(t, s, http.MethodGet, "/v1/admin/nodes", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var nodes []catalog.Node
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &nodes))
	assert.Len(t, nodes, 2)

	rec = doJSON(t, s, http.MethodGet, "/v1/pub/partitions/orders", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var parts topicPartitionsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &parts))
	assert.Equal(t, 2, parts.Partitions)
	assert.Equal(t, uint64(2), parts.Owners["2"])

	rec = doJSON(t, s, http.MethodGet, "/v1/admin/topic/1/partition/1/ledgers", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var snap broker.PartitionSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	require.Len(t, snap.Ledgers, 1)
	assert.Equal(t, "open", snap.Ledgers[0].State)
}

func TestHTTPLogsViews(t *testing.T) {
	s, _ := newTestServer(t)

	for i := 0; i < 3; i++ {
		rec := doJSON(t, s, http.MethodPost, "/v1/pub/message", map[string]any{
			"topic_id":     1,
			"partition_id": 1,
			"key":          "k",
			"attributes":   map[string]string{"n": fmt.Sprint(i)},
		})
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := doJSON(t, s, http.MethodGet, "/v1/logs?limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var entries []logEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	assert.Len(t, entries, 2)

	// Filtered to one message, detailed.
	rec = doJSON(t, s, http.MethodGet, "/v1/logs/topic/1/partition/1/ledger/1/message/2?detailed=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	entries = nil
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "MessagePublished", entries[0].Kind)
	assert.Equal(t, "1:1:1:2", entries[0].MessageRef)
	assert.Equal(t, "1", entries[0].Detail["attr.n"])

	// exact without all four ids is invalid.
	rec = doJSON(t, s, http.MethodGet, "/v1/logs/topic/1?exact=true", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Plain text rendering.
	req := httptest.NewRequest(http.MethodGet, "/v1/logs", nil)
	req.Header.Set("Accept", "text/plain")
	plain := httptest.NewRecorder()
	s.server.Handler.ServeHTTP(plain, req)
	require.Equal(t, http.StatusOK, plain.Code)
	assert.Contains(t, plain.Body.String(), "MessagePublished")
	assert.Contains(t, plain.Header().Get("Content-Type"), "text/plain")

	// HTML rendering.
	req = httptest.NewRequest(http.MethodGet, "/v1/logs", nil)
	req.Header.Set("Accept", "text/html")
	page := httptest.NewRecorder()
	s.server.Handler.ServeHTTP(page, req)
	require.Equal(t, http.StatusOK, page.Code)
	assert.Contains(t, page.Body.String(), "<table")
}

func TestHTTPStats(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doJSON(t, s, http.MethodGet, "/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats nodeStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, uint64(1), stats.NodeID)
	assert.Len(t, stats.Partitions, 1) // only the owned partition

	rec = doJSON(t, s, http.MethodGet, "/stats/topic/1/partition/1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s, http.MethodGet, "/stats/topic/1/partition/1/ledger/9", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHTTPDeleteConsumer(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/v1/sub/consumer", map[string]any{
		"topic_id":        1,
		"subscription_id": 1,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var reg registerConsumerResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reg))

	path := fmt.Sprintf("/v1/sub/topic/1/subscription/1/consumer/%d", reg.ConsumerID)
	rec = doJSON(t, s, http.MethodDelete, path, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Deleting again: gone.
	rec = doJSON(t, s, http.MethodDelete, path, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
