// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package http

import (
	"net/http"

	"github.com/go-chi/chi"

	"github.com/feathermq/feathermq/broker"
)

// Unversioned debug stats: the whole node, one topic, one partition or one
// ledger, depending on path depth.

type nodeStats struct {
	NodeID     uint64                     `json:"node_id"`
	LastLSN    uint64                     `json:"last_lsn"`
	FloorLSN   uint64                     `json:"floor_lsn"`
	ReadOnly   bool                       `json:"read_only"`
	Consumers  int                        `json:"consumers"`
	Partitions []broker.PartitionSnapshot `json:"partitions,omitempty"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	topicRaw := chi.URLParam(r, "topic")
	partitionRaw := chi.URLParam(r, "partition")
	ledgerRaw := chi.URLParam(r, "ledger")

	if topicRaw == "" {
		s.writeJSON(w, s.collectNodeStats())
		return
	}

	topicID, err := pathID(r, "topic")
	if err != nil {
		s.writeError(w, err)
		return
	}
	topic, err := s.broker.Catalog().View().Topic(topicID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	if partitionRaw == "" {
		snaps := []broker.PartitionSnapshot{}
		for _, part := range topic.Partitions {
			snap, err := s.broker.Ledgers(topicID, part.ID)
			if err != nil {
				continue // partitions owned elsewhere are not our stats
			}
			snaps = append(snaps, snap)
		}
		s.writeJSON(w, snaps)
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

	if ledgerRaw == "" {
		s.writeJSON(w, snap)
		return
	}

	ledgerID, err := pathID(r, "ledger")
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
	s.writeJSONStatus(w, http.StatusNotFound, errorBody{Code: "NotFound", Error: "ledger not found"})
}

func (s *Server) collectNodeStats() nodeStats {
	stats := nodeStats{
		NodeID:    s.broker.NodeID(),
		LastLSN:   s.broker.Log().LastLSN(),
		FloorLSN:  s.broker.Log().FloorLSN(),
		ReadOnly:  s.broker.ReadOnly(),
		Consumers: len(s.broker.Consumers()),
	}

	for _, topic := range s.broker.Catalog().View().Topics() {
		for _, part := range topic.Partitions {
			snap, err := s.broker.Ledgers(topic.ID, part.ID)
			if err != nil {
				continue
			}
			stats.Partitions = append(stats.Partitions, snap)
		}
	}
	return stats
}
