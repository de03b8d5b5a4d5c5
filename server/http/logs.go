// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package http

import (
	"fmt"
	"html"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi"

	"github.com/feathermq/feathermq/broker"
	"github.com/feathermq/feathermq/txlog"
)

const defaultLogLimit = 100

// logFilter narrows a log scan to events touching the given key-space
// tuple. Unset fields (nil) match everything.
type logFilter struct {
	topic     *uint64
	partition *uint64
	ledger    *uint64
	message   *uint64
	exact     bool
}

type logEntry struct {
	LSN            uint64            `json:"lsn"`
	TimestampMS    uint64            `json:"timestamp"`
	Kind           string            `json:"kind"`
	MessageRef     string            `json:"message_ref,omitempty"`
	SubscriptionID uint64            `json:"subscription_id,omitempty"`
	ConsumerID     uint64            `json:"consumer_id,omitempty"`
	Detail         map[string]string `json:"detail,omitempty"`
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	filter, err := parseLogFilter(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	limit := defaultLogLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 1 {
			s.writeError(w, fmt.Errorf("%w: bad limit", broker.ErrInvalidRequest))
			return
		}
	}
	detailed := r.URL.Query().Get("detailed") == "true"

	entries, err := s.scanLog(filter, limit, detailed)
	if err != nil {
		s.writeError(w, err)
		return
	}

	accept := r.Header.Get("Accept")
	switch {
	case strings.Contains(accept, "text/html"):
		s.renderLogsHTML(w, entries)
	case strings.Contains(accept, "text/plain"):
		s.renderLogsPlain(w, entries)
	default:
		s.writeJSON(w, entries)
	}
}

func parseLogFilter(r *http.Request) (logFilter, error) {
	var f logFilter
	for _, part := range []struct {
		name string
		dst  **uint64
	}{
		{"topic", &f.topic},
		{"partition", &f.partition},
		{"ledger", &f.ledger},
		{"message", &f.message},
	} {
		raw := chi.URLParam(r, part.name)
		if raw == "" {
			continue
		}
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return f, fmt.Errorf("%w: bad %s id", broker.ErrInvalidRequest, part.name)
		}
		*part.dst = &id
	}

	f.exact = r.URL.Query().Get("exact") == "true"
	if f.exact && (f.topic == nil || f.partition == nil || f.ledger == nil || f.message == nil) {
		return f, fmt.Errorf("%w: exact requires topic, partition, ledger and message", broker.ErrInvalidRequest)
	}
	return f, nil
}

func (s *Server) scanLog(filter logFilter, limit int, detailed bool) ([]logEntry, error) {
	reader, err := s.broker.Log().Reader(0)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	entries := []logEntry{}
	for len(entries) < limit {
		rec, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if !filter.matches(rec.Event) {
			continue
		}
		entries = append(entries, buildEntry(rec, detailed))
	}
	return entries, nil
}

// eventScope extracts the key-space coordinates an event touches. depth
// counts how many leading coordinates are set: 1 for topic events (topic
// only) up to 4 for message events (a full ref); 0 for events with none.
func eventScope(ev txlog.Event) (topic, partition, ledger, message uint64, depth int) {
	switch e := ev.(type) {
	case txlog.TopicCreated:
		return e.TopicID, 0, 0, 0, 1
	case txlog.SubscriptionCreated:
		return e.TopicID, 0, 0, 0, 1
	case txlog.ConsumerRegistered:
		return e.TopicID, 0, 0, 0, 1
	case txlog.ConsumerUnregistered:
		return e.TopicID, 0, 0, 0, 1
	case txlog.PartitionCreated:
		return e.TopicID, e.PartitionID, 0, 0, 2
	case txlog.LedgerOpened:
		return e.TopicID, e.PartitionID, e.LedgerID, 0, 3
	case txlog.LedgerClosed:
		return e.TopicID, e.PartitionID, e.LedgerID, 0, 3
	case txlog.LedgerDrained:
		return e.TopicID, e.PartitionID, e.LedgerID, 0, 3
	case txlog.MessagePublished:
		return e.Ref.TopicID, e.Ref.PartitionID, e.Ref.LedgerID, e.Ref.MessageID, 4
	case txlog.MessageDelivered:
		return e.Ref.TopicID, e.Ref.PartitionID, e.Ref.LedgerID, e.Ref.MessageID, 4
	case txlog.MessageAcked:
		return e.Ref.TopicID, e.Ref.PartitionID, e.Ref.LedgerID, e.Ref.MessageID, 4
	case txlog.MessageNacked:
		return e.Ref.TopicID, e.Ref.PartitionID, e.Ref.LedgerID, e.Ref.MessageID, 4
	case txlog.MessageTimedOut:
		return e.Ref.TopicID, e.Ref.PartitionID, e.Ref.LedgerID, e.Ref.MessageID, 4
	}
	return 0, 0, 0, 0, 0
}

func (f logFilter) matches(ev txlog.Event) bool {
	topic, partition, ledger, message, depth := eventScope(ev)

	if f.exact {
		return depth == 4 &&
			topic == *f.topic && partition == *f.partition &&
			ledger == *f.ledger && message == *f.message
	}

	if f.topic != nil && (depth < 1 || topic != *f.topic) {
		return false
	}
	if f.partition != nil && (depth < 2 || partition != *f.partition) {
		return false
	}
	if f.ledger != nil && (depth < 3 || ledger != *f.ledger) {
		return false
	}
	if f.message != nil && (depth < 4 || message != *f.message) {
		return false
	}
	return true
}

func buildEntry(rec txlog.Record, detailed bool) logEntry {
	entry := logEntry{
		LSN:         rec.LSN,
		TimestampMS: rec.TimestampMS,
		Kind:        rec.Event.Kind().String(),
	}

	switch e := rec.Event.(type) {
	case txlog.MessagePublished:
		entry.MessageRef = e.Ref.Key()
		if detailed {
			entry.Detail = make(map[string]string, len(e.Attributes)+2)
			for k, v := range e.Attributes {
				entry.Detail["attr."+k] = v
			}
			entry.Detail["key"] = string(e.Key)
			entry.Detail["published"] = strconv.FormatUint(e.TimestampMS, 10)
		}
	case txlog.MessageDelivered:
		entry.MessageRef = e.Ref.Key()
		entry.SubscriptionID = e.SubscriptionID
		entry.ConsumerID = e.ConsumerID
		if detailed {
			entry.Detail = map[string]string{
				"attempt":  strconv.FormatUint(uint64(e.Attempt), 10),
				"deadline": strconv.FormatUint(e.DeadlineMS, 10),
			}
		}
	case txlog.MessageAcked:
		entry.MessageRef = e.Ref.Key()
		entry.SubscriptionID = e.SubscriptionID
		entry.ConsumerID = e.ConsumerID
	case txlog.MessageNacked:
		entry.MessageRef = e.Ref.Key()
		entry.SubscriptionID = e.SubscriptionID
		entry.ConsumerID = e.ConsumerID
	case txlog.MessageTimedOut:
		entry.MessageRef = e.Ref.Key()
		entry.SubscriptionID = e.SubscriptionID
		entry.ConsumerID = e.ConsumerID
	case txlog.ConsumerRegistered:
		entry.SubscriptionID = e.SubscriptionID
		entry.ConsumerID = e.ConsumerID
	case txlog.ConsumerUnregistered:
		entry.SubscriptionID = e.SubscriptionID
		entry.ConsumerID = e.ConsumerID
	case txlog.LedgerOpened:
		entry.MessageRef = fmt.Sprintf("%d:%d:%d", e.TopicID, e.PartitionID, e.LedgerID)
	case txlog.LedgerClosed:
		entry.MessageRef = fmt.Sprintf("%d:%d:%d", e.TopicID, e.PartitionID, e.LedgerID)
	case txlog.LedgerDrained:
		entry.MessageRef = fmt.Sprintf("%d:%d:%d", e.TopicID, e.PartitionID, e.LedgerID)
	case txlog.Trimmed:
		entry.MessageRef = fmt.Sprintf("up_to_lsn=%d", e.UpToLSN)
	}

	return entry
}

func (s *Server) renderLogsPlain(w http.ResponseWriter, entries []logEntry) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")

	var sb strings.Builder
	fmt.Fprintf(&sb, "%-10s %-15s %-22s %-20s %-8s %-8s\n",
		"LSN", "Timestamp", "Kind", "Ref", "Sub", "Consumer")
	for _, e := range entries {
		fmt.Fprintf(&sb, "%-10d %-15d %-22s %-20s %-8d %-8d\n",
			e.LSN, e.TimestampMS, e.Kind, e.MessageRef, e.SubscriptionID, e.ConsumerID)
	}
	io.WriteString(w, sb.String())
}

func (s *Server) renderLogsHTML(w http.ResponseWriter, entries []logEntry) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")

	var sb strings.Builder
	sb.WriteString("<!DOCTYPE html><html><head><title>Transaction Log</title></head><body>")
	sb.WriteString("<table border=\"1\"><tr><th>LSN</th><th>Timestamp</th><th>Kind</th><th>Ref</th><th>Sub</th><th>Consumer</th></tr>")
	for _, e := range entries {
		fmt.Fprintf(&sb, "<tr><td>%d</td><td>%d</td><td>%s</td><td>%s</td><td>%d</td><td>%d</td></tr>",
			e.LSN, e.TimestampMS, html.EscapeString(e.Kind), html.EscapeString(e.MessageRef),
			e.SubscriptionID, e.ConsumerID)
	}
	sb.WriteString("</table></body></html>")
	io.WriteString(w, sb.String())
}
