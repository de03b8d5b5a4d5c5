// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package http

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi"

	"github.com/feathermq/feathermq/broker"
	"github.com/feathermq/feathermq/txlog"
)

// Admin read surface: catalog lookups plus consistent partition-engine
// projections.

func (s *Server) handleNodes(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, s.broker.Catalog().View().Nodes())
}

func (s *Server) handleNode(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, err)
		return
	}
	node, err := s.broker.Catalog().View().Node(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, node)
}

func (s *Server) handleTopics(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, s.broker.Catalog().View().Topics())
}

func (s *Server) handleTopic(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "topic")
	if err != nil {
		s.writeError(w, err)
		return
	}
	topic, err := s.broker.Catalog().View().Topic(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, topic)
}

func (s *Server) handlePartitions(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "topic")
	if err != nil {
		s.writeError(w, err)
		return
	}
	topic, err := s.broker.Catalog().View().Topic(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, topic.Partitions)
}

func (s *Server) handlePartition(w http.ResponseWriter, r *http.Request) {
	topicID, err := pathID(r, "topic")
	if err != nil {
		s.writeError(w, err)
		return
	}
	partitionID, err := pathID(r, "partition")
	if err != nil {
		s.writeError(w, err)
		return
	}
	part, err := s.broker.Catalog().View().Partition(topicID, partitionID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, part)
}

func (s *Server) handleLedgers(w http.ResponseWriter, r *http.Request) {
	topicID, err := pathID(r, "topic")
	if err != nil {
		s.writeError(w, err)
		return
	}
	partitionID, err := pathID(r, "partition")
	if err != nil {
		s.writeError(w, err)
		return
	}
	snap, err := s.broker.Ledgers(topicID, partitionID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, snap)
}

func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	topicID, err := pathID(r, "topic")
	if err != nil {
		s.writeError(w, err)
		return
	}
	partitionID, err := pathID(r, "partition")
	if err != nil {
		s.writeError(w, err)
		return
	}
	ledgerID, err := pathID(r, "ledger")
	if err != nil {
		s.writeError(w, err)
		return
	}

	snap, err := s.broker.Ledgers(topicID, partitionID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	for _, led := range snap.Ledgers {
		if led.ID == ledgerID {
			s.writeJSON(w, led)
			return
		}
	}
	s.writeError(w, fmt.Errorf("ledger %d: %w", ledgerID, broker.ErrNotFound))
}

func (s *Server) handleLedgerMessageIDs(w http.ResponseWriter, r *http.Request) {
	topicID, err := pathID(r, "topic")
	if err != nil {
		s.writeError(w, err)
		return
	}
	partitionID, err := pathID(r, "partition")
	if err != nil {
		s.writeError(w, err)
		return
	}
	ledgerID, err := pathID(r, "ledger")
	if err != nil {
		s.writeError(w, err)
		return
	}
	ids, err := s.broker.LedgerMessageIDs(topicID, partitionID, ledgerID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, ids)
}

func (s *Server) handleLedgerMessage(w http.ResponseWriter, r *http.Request) {
	topicID, err := pathID(r, "topic")
	if err != nil {
		s.writeError(w, err)
		return
	}
	partitionID, err := pathID(r, "partition")
	if err != nil {
		s.writeError(w, err)
		return
	}
	ledgerID, err := pathID(r, "ledger")
	if err != nil {
		s.writeError(w, err)
		return
	}
	messageID, err := pathID(r, "message")
	if err != nil {
		s.writeError(w, err)
		return
	}
	msg, err := s.broker.LedgerMessage(topicID, partitionID, ledgerID, messageID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, msg)
}

func (s *Server) handleSubscriptions(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "topic")
	if err != nil {
		s.writeError(w, err)
		return
	}
	topic, err := s.broker.Catalog().View().Topic(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, topic.Subscriptions)
}

func (s *Server) handleSubscription(w http.ResponseWriter, r *http.Request) {
	topicID, err := pathID(r, "topic")
	if err != nil {
		s.writeError(w, err)
		return
	}
	subID, err := pathID(r, "subscription")
	if err != nil {
		s.writeError(w, err)
		return
	}
	sub, err := s.broker.Catalog().View().Subscription(subID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if sub.TopicID != topicID {
		s.writeError(w, fmt.Errorf("subscription %d on topic %d: %w", subID, topicID, broker.ErrNotFound))
		return
	}
	s.writeJSON(w, sub)
}

func (s *Server) handleSubscriptionMessageIDs(w http.ResponseWriter, r *http.Request) {
	topicID, err := pathID(r, "topic")
	if err != nil {
		s.writeError(w, err)
		return
	}
	subID, err := pathID(r, "subscription")
	if err != nil {
		s.writeError(w, err)
		return
	}
	refs, err := s.broker.SubscriptionOutstanding(topicID, subID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	keys := make([]string, 0, len(refs))
	for _, ref := range refs {
		keys = append(keys, ref.Key())
	}
	s.writeJSON(w, keys)
}

func (s *Server) handleSubscriptionMessage(w http.ResponseWriter, r *http.Request) {
	topicID, err := pathID(r, "topic")
	if err != nil {
		s.writeError(w, err)
		return
	}
	subID, err := pathID(r, "subscription")
	if err != nil {
		s.writeError(w, err)
		return
	}
	ref, err := txlog.ParseRef(chi.URLParam(r, "message"))
	if err != nil {
		s.writeError(w, broker.ErrInvalidRequest)
		return
	}
	msg, err := s.broker.SubscriptionMessage(topicID, subID, ref)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, msg)
}

func (s *Server) handleSubscriptionInFlight(w http.ResponseWriter, r *http.Request) {
	topicID, err := pathID(r, "topic")
	if err != nil {
		s.writeError(w, err)
		return
	}
	subID, err := pathID(r, "subscription")
	if err != nil {
		s.writeError(w, err)
		return
	}
	inflight, err := s.broker.InFlight(topicID, subID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, inflight)
}

func (s *Server) handleConsumers(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, s.broker.Consumers())
}
