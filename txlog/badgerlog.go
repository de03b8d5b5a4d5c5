// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package txlog

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

// Key space: records live under 'r' + big-endian LSN so that iteration order
// matches LSN order; the floor is tracked under a separate meta key.
var (
	badgerRecordPrefix = []byte{'r'}
	badgerFloorKey     = []byte("meta/floor")
)

// BadgerLog stores the transaction log in a BadgerDB table. It is the
// external-table backend: the contract matches FileLog, with durability
// provided by synchronous writes.
type BadgerLog struct {
	mu      sync.Mutex
	db      *badger.DB
	nextLSN uint64
	floor   uint64
	closed  bool

	compression      Compression
	compressMinBytes int
}

// BadgerConfig holds badger-backed log configuration.
type BadgerConfig struct {
	Dir              string
	Compression      Compression
	CompressMinBytes int
}

// NewBadgerLog opens or creates a badger-backed log in cfg.Dir.
func NewBadgerLog(cfg BadgerConfig) (*BadgerLog, error) {
	if cfg.CompressMinBytes <= 0 {
		cfg.CompressMinBytes = DefaultCompressMinBytes
	}

	opts := badger.DefaultOptions(cfg.Dir).
		WithSyncWrites(true).
		WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger log: %w", err)
	}

	l := &BadgerLog{
		db:               db,
		nextLSN:          1,
		compression:      cfg.Compression,
		compressMinBytes: cfg.CompressMinBytes,
	}

	err = db.View(func(txn *badger.Txn) error {
		if item, err := txn.Get(badgerFloorKey); err == nil {
			return item.Value(func(val []byte) error {
				l.floor = binary.BigEndian.Uint64(val)
				return nil
			})
		} else if err != badger.ErrKeyNotFound {
			return err
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	err = db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Reverse: true, Prefix: badgerRecordPrefix})
		defer it.Close()
		it.Seek(append(append([]byte{}, badgerRecordPrefix...), 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff))
		if it.Valid() {
			l.nextLSN = lsnFromKey(it.Item().Key()) + 1
		} else if l.floor > 0 {
			l.nextLSN = l.floor + 1
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return l, nil
}

func recordKey(lsn uint64) []byte {
	key := make([]byte, 1+8)
	key[0] = 'r'
	binary.BigEndian.PutUint64(key[1:], lsn)
	return key
}

func lsnFromKey(key []byte) uint64 {
	return binary.BigEndian.Uint64(key[1:])
}

// encodeBadgerRecord mirrors the segment record body: lsn, timestamp, kind,
// payload, trailing crc.
func (l *BadgerLog) encodeBadgerRecord(lsn, ts uint64, ev Event) []byte {
	payload := encodeEvent(ev, encodeOpts{
		compression:      l.compression,
		compressMinBytes: l.compressMinBytes,
	})
	body := make([]byte, 8+8+2+len(payload)+4)
	PutUint64(body[0:8], lsn)
	PutUint64(body[8:16], ts)
	PutUint16(body[16:18], uint16(ev.Kind()))
	copy(body[18:], payload)
	PutUint32(body[len(body)-4:], Checksum(body[:len(body)-4]))
	return body
}

func decodeBadgerRecord(val []byte) (Record, error) {
	if len(val) < 22 {
		return Record{}, ErrCorruptRecord
	}
	body := val[:len(val)-4]
	if GetUint32(val[len(val)-4:]) != Checksum(body) {
		return Record{}, fmt.Errorf("%w: crc mismatch", ErrCorruptRecord)
	}
	kind := Kind(GetUint16(body[16:18]))
	ev, err := DecodeEvent(kind, body[18:])
	if err != nil {
		return Record{}, err
	}
	return Record{
		LSN:         GetUint64(body[0:8]),
		TimestampMS: GetUint64(body[8:16]),
		Event:       ev,
	}, nil
}

// Append implements Log.
func (l *BadgerLog) Append(ev Event) (Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.appendLocked(ev)
}

func (l *BadgerLog) appendLocked(ev Event) (Record, error) {
	if l.closed {
		return Record{}, ErrClosed
	}

	lsn := l.nextLSN
	ts := uint64(time.Now().UnixMilli())

	err := l.db.Update(func(txn *badger.Txn) error {
		return txn.Set(recordKey(lsn), l.encodeBadgerRecord(lsn, ts, ev))
	})
	if err != nil {
		return Record{}, fmt.Errorf("failed to append record: %w", err)
	}

	l.nextLSN = lsn + 1
	return Record{LSN: lsn, TimestampMS: ts, Event: ev}, nil
}

// LastLSN implements Log.
func (l *BadgerLog) LastLSN() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextLSN - 1
}

// FloorLSN implements Log.
func (l *BadgerLog) FloorLSN() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.floor
}

// TrimBefore implements Log.
func (l *BadgerLog) TrimBefore(lsn uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}
	if lsn > l.nextLSN {
		return ErrTrimBarrier
	}
	if lsn <= l.floor {
		return nil
	}

	err := l.db.Update(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: badgerRecordPrefix})
		defer it.Close()
		var keys [][]byte
		for it.Seek(recordKey(l.floor + 1)); it.Valid(); it.Next() {
			if lsnFromKey(it.Item().Key()) >= lsn {
				break
			}
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		floorVal := make([]byte, 8)
		binary.BigEndian.PutUint64(floorVal, lsn-1)
		return txn.Set(badgerFloorKey, floorVal)
	})
	if err != nil {
		return fmt.Errorf("failed to trim badger log: %w", err)
	}

	l.floor = lsn - 1
	_, err = l.appendLocked(Trimmed{UpToLSN: lsn})
	return err
}

// Reader implements Log.
func (l *BadgerLog) Reader(fromLSN uint64) (Reader, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, ErrClosed
	}
	if fromLSN == 0 {
		fromLSN = l.floor + 1
	}
	if fromLSN <= l.floor {
		return nil, ErrTrimmed
	}
	return &badgerReader{log: l, next: fromLSN}, nil
}

// Sync implements Log. Writes are synchronous; Sync flushes badger's own
// in-flight state.
func (l *BadgerLog) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}
	return l.db.Sync()
}

// Close implements Log.
func (l *BadgerLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	return l.db.Close()
}

type badgerReader struct {
	log  *BadgerLog
	next uint64
}

func (r *badgerReader) Next() (Record, error) {
	r.log.mu.Lock()
	if r.log.closed {
		r.log.mu.Unlock()
		return Record{}, ErrClosed
	}
	if r.next <= r.log.floor {
		r.next = r.log.floor + 1
	}
	if r.next >= r.log.nextLSN {
		r.log.mu.Unlock()
		return Record{}, io.EOF
	}
	db := r.log.db
	lsn := r.next
	r.log.mu.Unlock()

	var rec Record
	err := db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(lsn))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			rec, err = decodeBadgerRecord(val)
			return err
		})
	})
	if err == badger.ErrKeyNotFound {
		return Record{}, io.EOF
	}
	if err != nil {
		return Record{}, err
	}

	r.next = lsn + 1
	return rec, nil
}

func (r *badgerReader) Close() error { return nil }
