// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package txlog implements the broker's append-only transaction log: a
// durable, LSN-ordered sequence of typed events that is the single source of
// truth across restarts. Backends share one contract; Append returns only
// after the record is durable.
package txlog

import (
	"errors"
	"io"
)

var (
	// ErrClosed is returned by operations on a closed log.
	ErrClosed = errors.New("log is closed")

	// ErrTrimmed is returned when a reader requests an LSN below the
	// trim floor.
	ErrTrimmed = errors.New("lsn below trim floor")

	// ErrUnknownKind is returned when decoding an event of a kind outside
	// the closed set.
	ErrUnknownKind = errors.New("unknown event kind")

	// ErrCorruptRecord is returned when a stored record fails CRC or
	// framing validation.
	ErrCorruptRecord = errors.New("corrupt log record")

	// ErrTrimBarrier is returned when a trim target lies beyond the next
	// LSN to be assigned.
	ErrTrimBarrier = errors.New("trim would cross retained lsn")
)

// Log is the append-only transaction log contract. Appends are assigned
// monotonically increasing LSNs starting at 1 and are durable before Append
// returns. Readers stream from any retained LSN forward.
type Log interface {
	// Append stamps the event with the next LSN and a wall-clock
	// timestamp, makes it durable and returns the stored record.
	Append(ev Event) (Record, error)

	// Reader returns an iterator positioned at the first record with
	// LSN >= fromLSN; fromLSN 0 starts at the first retained record.
	// Returns ErrTrimmed if fromLSN is at or below FloorLSN.
	Reader(fromLSN uint64) (Reader, error)

	// LastLSN returns the LSN of the most recent record, 0 if empty.
	LastLSN() uint64

	// FloorLSN returns the highest trimmed LSN: records at or below it
	// are gone, the first retained record is FloorLSN+1. 0 if nothing
	// was trimmed.
	FloorLSN() uint64

	// TrimBefore discards storage for records with LSN < lsn where whole
	// storage units permit, and appends a Trimmed event recording the
	// new floor. Trimming never removes records at or above lsn.
	TrimBefore(lsn uint64) error

	// Sync forces buffered records to stable storage.
	Sync() error

	Close() error
}

// Reader iterates records in LSN order. Next returns io.EOF when the end of
// the log at the time of the call is reached.
type Reader interface {
	Next() (Record, error)
	Close() error
}

// ReadAll drains a reader into a slice. Intended for replay and tests.
func ReadAll(r Reader) ([]Record, error) {
	var records []Record
	for {
		rec, err := r.Next()
		if err == io.EOF {
			return records, nil
		}
		if err != nil {
			return records, err
		}
		records = append(records, rec)
	}
}
