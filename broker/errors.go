// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"errors"
	"fmt"

	"github.com/feathermq/feathermq/catalog"
)

var (
	// ErrNotFound mirrors the catalog sentinel so callers can match
	// either source with a single errors.Is.
	ErrNotFound = catalog.ErrNotFound

	// ErrConflict is returned for acks by the wrong consumer, acks by a
	// consumer of another subscription and acks of messages that are not
	// in flight (including already-acked ones). State is never mutated on
	// conflict.
	ErrConflict = errors.New("conflict")

	// ErrServerBusy is returned when the partition write permit cannot
	// be acquired within the configured timeout.
	ErrServerBusy = errors.New("server busy")

	// ErrInvalidRequest is returned on schema or size violations.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrStorageFailure is returned after an unrecoverable log failure.
	// The engine stops serving mutations once this is surfaced.
	ErrStorageFailure = errors.New("storage failure")
)

// PartitionNotOwnedError reports that the partition belongs to another node
// so the client can redirect.
type PartitionNotOwnedError struct {
	OwnerNodeID uint64
}

func (e *PartitionNotOwnedError) Error() string {
	return fmt.Sprintf("partition not owned by this node, owner is node %d", e.OwnerNodeID)
}
