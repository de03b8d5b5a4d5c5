// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package http

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi"
	"github.com/google/uuid"

	"github.com/feathermq/feathermq/broker"
)

type publishRequest struct {
	TopicID     uint64            `json:"topic_id"`
	PartitionID uint64            `json:"partition_id"`
	RequestID   string            `json:"request_id,omitempty"`
	Key         string            `json:"key,omitempty"`
	TimestampMS uint64            `json:"timestamp,omitempty"`
	Attributes  map[string]string `json:"attributes"`
}

type publishResponse struct {
	MessageRef string `json:"message_ref"`
	LSN        uint64 `json:"lsn"`
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil && !s.limiter.Allow(r.RemoteAddr) {
		s.writeJSONStatus(w, http.StatusTooManyRequests, errorBody{
			Code: "TooManyRequests", Error: "publish rate limit exceeded",
		})
		return
	}

	var req publishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, fmt.Errorf("%w: %v", broker.ErrInvalidRequest, err))
		return
	}
	if req.TopicID == 0 || req.PartitionID == 0 {
		s.writeError(w, fmt.Errorf("%w: topic_id and partition_id are required", broker.ErrInvalidRequest))
		return
	}

	// A missing request id gets a server-generated one, so every accepted
	// publish is remembered in the engine's dedup window. The handler
	// itself makes a single Publish call and does not retry.
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	res, err := s.broker.Publish(broker.PublishRequest{
		TopicID:     req.TopicID,
		PartitionID: req.PartitionID,
		RequestID:   req.RequestID,
		Key:         []byte(req.Key),
		TimestampMS: req.TimestampMS,
		Attributes:  req.Attributes,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, publishResponse{MessageRef: res.Ref.Key(), LSN: res.LSN})
}

type topicPartitionsResponse struct {
	TopicID    uint64            `json:"topic_id"`
	Name       string            `json:"name"`
	Partitions int               `json:"partitions"`
	Owners     map[string]uint64 `json:"owners"` // partition id -> node id
}

func (s *Server) handlePubPartitions(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "topic_name")
	topic, err := s.broker.Catalog().View().TopicByName(name)
	if err != nil {
		s.writeError(w, err)
		return
	}

	resp := topicPartitionsResponse{
		TopicID:    topic.ID,
		Name:       topic.Name,
		Partitions: len(topic.Partitions),
		Owners:     make(map[string]uint64, len(topic.Partitions)),
	}
	for _, p := range topic.Partitions {
		resp.Owners[fmt.Sprintf("%d", p.ID)] = p.NodeID
	}
	s.writeJSON(w, resp)
}
