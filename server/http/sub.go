// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package http

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/feathermq/feathermq/broker"
)

type registerConsumerRequest struct {
	TopicID        uint64 `json:"topic_id"`
	SubscriptionID uint64 `json:"subscription_id"`
	MaxMessages    int    `json:"max_messages,omitempty"`
}

type registerConsumerResponse struct {
	ConsumerID  uint64 `json:"consumer_id"`
	MaxInFlight int    `json:"max_in_flight"`
}

func (s *Server) handleRegisterConsumer(w http.ResponseWriter, r *http.Request) {
	var req registerConsumerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, fmt.Errorf("%w: %v", broker.ErrInvalidRequest, err))
		return
	}
	if req.TopicID == 0 || req.SubscriptionID == 0 {
		s.writeError(w, fmt.Errorf("%w: topic_id and subscription_id are required", broker.ErrInvalidRequest))
		return
	}

	info, err := s.broker.RegisterConsumer(req.TopicID, req.SubscriptionID, req.MaxMessages)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, registerConsumerResponse{ConsumerID: info.ID, MaxInFlight: info.MaxInFlight})
}

func (s *Server) handleDeleteConsumer(w http.ResponseWriter, r *http.Request) {
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
	consumerID, err := pathID(r, "consumer")
	if err != nil {
		s.writeError(w, err)
		return
	}

	if err := s.broker.UnregisterConsumer(topicID, subID, consumerID); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, map[string]string{"status": "deleted"})
}

func (s *Server) handleNextMessage(w http.ResponseWriter, r *http.Request) {
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
	consumerID, err := pathID(r, "consumer")
	if err != nil {
		s.writeError(w, err)
		return
	}

	info, err := s.broker.Consumer(consumerID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if info.TopicID != topicID || info.SubscriptionID != subID {
		s.writeError(w, fmt.Errorf("consumer %d: %w", consumerID, broker.ErrNotFound))
		return
	}

	lease, err := s.broker.Next(consumerID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if lease == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.writeJSON(w, lease)
}

type settleRequest struct {
	SubscriptionID uint64 `json:"subscription_id"`
	ConsumerID     uint64 `json:"consumer_id"`
	MessageAckKey  string `json:"message_ack_key"`
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	s.handleSettle(w, r, s.broker.Ack)
}

func (s *Server) handleNack(w http.ResponseWriter, r *http.Request) {
	s.handleSettle(w, r, s.broker.Nack)
}

func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request, settle func(uint64, uint64, []string) error) {
	var req settleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, fmt.Errorf("%w: %v", broker.ErrInvalidRequest, err))
		return
	}
	if req.MessageAckKey == "" {
		s.writeError(w, fmt.Errorf("%w: message_ack_key is required", broker.ErrInvalidRequest))
		return
	}

	if err := settle(req.SubscriptionID, req.ConsumerID, []string{req.MessageAckKey}); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, map[string]string{"status": "ok"})
}
