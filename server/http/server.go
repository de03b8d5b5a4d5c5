// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package http exposes the broker's three client surfaces over HTTP/JSON:
// publish, subscribe and admin, versioned under /v1, plus the unversioned
// /stats debug tree and the transaction log viewer.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi"

	"github.com/feathermq/feathermq/broker"
	"github.com/feathermq/feathermq/catalog"
	"github.com/feathermq/feathermq/ratelimit"
)

// Config holds HTTP server configuration.
type Config struct {
	Address         string
	ShutdownTimeout time.Duration
}

// Server serves the /v1 API for one broker node.
type Server struct {
	config   Config
	broker   *broker.Broker
	logger   *slog.Logger
	limiter  *ratelimit.IPRateLimiter
	server   *http.Server
	listener net.Listener
}

// New creates the HTTP server. limiter may be nil to disable publish rate
// limiting.
func New(cfg Config, b *broker.Broker, limiter *ratelimit.IPRateLimiter, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config:  cfg,
		broker:  b,
		logger:  logger,
		limiter: limiter,
	}

	r := chi.NewRouter()

	r.Route("/v1", func(r chi.Router) {
		r.Route("/admin", func(r chi.Router) {
			r.Get("/nodes", s.handleNodes)
			r.Get("/node/{id}", s.handleNode)
			r.Get("/topics", s.handleTopics)
			r.Get("/topic/{topic}", s.handleTopic)
			r.Get("/topic/{topic}/partitions", s.handlePartitions)
			r.Get("/topic/{topic}/partition/{partition}", s.handlePartition)
			r.Get("/topic/{topic}/partition/{partition}/ledgers", s.handleLedgers)
			r.Get("/topic/{topic}/partition/{partition}/ledger/{ledger}", s.handleLedger)
			r.Get("/topic/{topic}/partition/{partition}/ledger/{ledger}/messageids", s.handleLedgerMessageIDs)
			r.Get("/topic/{topic}/partition/{partition}/ledger/{ledger}/message/{message}", s.handleLedgerMessage)
			r.Get("/topic/{topic}/subscriptions", s.handleSubscriptions)
			r.Get("/topic/{topic}/subscription/{subscription}", s.handleSubscription)
			r.Get("/topic/{topic}/subscription/{subscription}/messageids", s.handleSubscriptionMessageIDs)
			r.Get("/topic/{topic}/subscription/{subscription}/message/{message}", s.handleSubscriptionMessage)
			r.Get("/topic/{topic}/subscription/{subscription}/inflight", s.handleSubscriptionInFlight)
			r.Get("/consumers", s.handleConsumers)
		})

		r.Get("/logs", s.handleLogs)
		r.Get("/logs/topic/{topic}", s.handleLogs)
		r.Get("/logs/topic/{topic}/partition/{partition}", s.handleLogs)
		r.Get("/logs/topic/{topic}/partition/{partition}/ledger/{ledger}", s.handleLogs)
		r.Get("/logs/topic/{topic}/partition/{partition}/ledger/{ledger}/message/{message}", s.handleLogs)

		r.Route("/pub", func(r chi.Router) {
			r.Get("/ping", s.handlePing)
			r.Get("/partitions/{topic_name}", s.handlePubPartitions)
			r.Post("/message", s.handlePublish)
		})

		r.Route("/sub", func(r chi.Router) {
			r.Get("/ping", s.handlePing)
			r.Get("/nodes", s.handleNodes)
			r.Post("/consumer", s.handleRegisterConsumer)
			r.Delete("/topic/{topic}/subscription/{subscription}/consumer/{consumer}", s.handleDeleteConsumer)
			r.Get("/topic/{topic}/subscription/{subscription}/consumer/{consumer}/message", s.handleNextMessage)
			r.Post("/ack", s.handleAck)
			r.Post("/nack", s.handleNack)
		})
	})

	r.Get("/stats", s.handleStats)
	r.Get("/stats/topic/{topic}", s.handleStats)
	r.Get("/stats/topic/{topic}/partition/{partition}", s.handleStats)
	r.Get("/stats/topic/{topic}/partition/{partition}/ledger/{ledger}", s.handleStats)

	s.server = &http.Server{
		Addr:         cfg.Address,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	return s
}

// Addr returns the listener's network address, empty before Listen.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Listen starts serving until ctx is canceled.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return err
	}
	s.listener = listener

	s.logger.Info("http_api_starting", slog.String("addr", listener.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("http_api_shutdown_error", slog.String("error", err.Error()))
			return err
		}
		s.logger.Info("http_api_stopped")
		return nil
	}
}

type errorBody struct {
	Code        string  `json:"code"`
	Error       string  `json:"error"`
	OwnerNodeID *uint64 `json:"owner_node_id,omitempty"`
}

// writeError maps engine errors onto HTTP statuses and machine-readable
// codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var notOwned *broker.PartitionNotOwnedError
	switch {
	case errors.As(err, &notOwned):
		owner := notOwned.OwnerNodeID
		s.writeJSONStatus(w, http.StatusMisdirectedRequest, errorBody{
			Code: "PartitionNotOwned", Error: err.Error(), OwnerNodeID: &owner,
		})
	case errors.Is(err, catalog.ErrNotFound):
		s.writeJSONStatus(w, http.StatusNotFound, errorBody{Code: "NotFound", Error: err.Error()})
	case errors.Is(err, broker.ErrConflict):
		s.writeJSONStatus(w, http.StatusConflict, errorBody{Code: "Conflict", Error: err.Error()})
	case errors.Is(err, broker.ErrServerBusy):
		s.writeJSONStatus(w, http.StatusServiceUnavailable, errorBody{Code: "ServerBusy", Error: err.Error()})
	case errors.Is(err, broker.ErrInvalidRequest):
		s.writeJSONStatus(w, http.StatusBadRequest, errorBody{Code: "InvalidRequest", Error: err.Error()})
	case errors.Is(err, broker.ErrStorageFailure):
		s.writeJSONStatus(w, http.StatusInternalServerError, errorBody{Code: "StorageFailure", Error: err.Error()})
	default:
		s.writeJSONStatus(w, http.StatusInternalServerError, errorBody{Code: "Internal", Error: err.Error()})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	s.writeJSONStatus(w, http.StatusOK, v)
}

func (s *Server) writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("response_encode_failed", slog.String("error", err.Error()))
	}
}

func (s *Server) handlePing(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, map[string]string{"status": "ok"})
}

// pathID parses one numeric path parameter.
func pathID(r *http.Request, name string) (uint64, error) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, broker.ErrInvalidRequest
	}
	return id, nil
}
