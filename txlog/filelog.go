// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package txlog

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

const (
	// DefaultSegmentMaxBytes is the default segment roll size (64 MiB).
	DefaultSegmentMaxBytes int64 = 64 * 1024 * 1024

	// DefaultCompressMinBytes is the attribute block size at or above
	// which compression kicks in.
	DefaultCompressMinBytes = 1024
)

// FileConfig holds file-backed log configuration.
type FileConfig struct {
	Dir              string
	SegmentMaxBytes  int64
	SyncEveryAppend  bool
	Compression      Compression
	CompressMinBytes int
}

// DefaultFileConfig returns the default file log configuration for dir.
func DefaultFileConfig(dir string) FileConfig {
	return FileConfig{
		Dir:              dir,
		SegmentMaxBytes:  DefaultSegmentMaxBytes,
		SyncEveryAppend:  true,
		Compression:      CompressionNone,
		CompressMinBytes: DefaultCompressMinBytes,
	}
}

// FileLog is the segmented, fsync-backed transaction log.
type FileLog struct {
	mu sync.Mutex

	cfg      FileConfig
	segments []*segment // ordered by base LSN; last is active
	nextLSN  uint64
	floor    uint64
	closed   bool
}

// NewFileLog opens or creates a file-backed log in cfg.Dir. Existing
// segments are CRC-scanned; a corrupt or incomplete tail is truncated.
func NewFileLog(cfg FileConfig) (*FileLog, error) {
	if cfg.SegmentMaxBytes <= 0 {
		cfg.SegmentMaxBytes = DefaultSegmentMaxBytes
	}
	if cfg.CompressMinBytes <= 0 {
		cfg.CompressMinBytes = DefaultCompressMinBytes
	}

	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	entries, err := os.ReadDir(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read log directory: %w", err)
	}

	var bases []uint64
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != SegmentExtension {
			continue
		}
		base, err := parseSegmentName(entry.Name())
		if err != nil {
			continue
		}
		bases = append(bases, base)
	}
	sort.Slice(bases, func(i, j int) bool { return bases[i] < bases[j] })

	l := &FileLog{cfg: cfg, nextLSN: 1, floor: 0}

	for _, base := range bases {
		seg, err := openSegment(cfg.Dir, base)
		if err != nil {
			l.closeAll()
			return nil, err
		}
		l.segments = append(l.segments, seg)
	}

	if len(l.segments) == 0 {
		seg, err := createSegment(cfg.Dir, 1)
		if err != nil {
			return nil, err
		}
		l.segments = append(l.segments, seg)
	} else {
		last := l.segments[len(l.segments)-1]
		if last.count > 0 {
			l.nextLSN = last.lastLSN + 1
		} else {
			l.nextLSN = last.baseLSN
		}
		l.floor = l.segments[0].baseLSN - 1

		// A crash between sealing a segment and creating its successor
		// leaves a sealed tail; open a fresh segment to append into.
		if last.sealed {
			seg, err := createSegment(cfg.Dir, l.nextLSN)
			if err != nil {
				l.closeAll()
				return nil, err
			}
			l.segments = append(l.segments, seg)
		}
	}

	return l, nil
}

// Append implements Log. The record is fsynced before Append returns when
// SyncEveryAppend is set.
func (l *FileLog) Append(ev Event) (Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.appendLocked(ev)
}

func (l *FileLog) appendLocked(ev Event) (Record, error) {
	if l.closed {
		return Record{}, ErrClosed
	}

	payload := encodeEvent(ev, encodeOpts{
		compression:      l.cfg.Compression,
		compressMinBytes: l.cfg.CompressMinBytes,
	})

	active := l.segments[len(l.segments)-1]
	recordSize := int64(recordOverhead + len(payload))
	if active.count > 0 && active.size+recordSize > l.cfg.SegmentMaxBytes {
		if err := active.seal(); err != nil {
			return Record{}, err
		}
		next, err := createSegment(l.cfg.Dir, l.nextLSN)
		if err != nil {
			return Record{}, err
		}
		l.segments = append(l.segments, next)
		active = next
	}

	lsn := l.nextLSN
	ts := uint64(time.Now().UnixMilli())
	if err := active.append(lsn, ts, ev.Kind(), payload); err != nil {
		return Record{}, err
	}
	if l.cfg.SyncEveryAppend {
		if err := active.sync(); err != nil {
			return Record{}, fmt.Errorf("failed to sync segment: %w", err)
		}
	}

	l.nextLSN = lsn + 1
	return Record{LSN: lsn, TimestampMS: ts, Event: ev}, nil
}

// LastLSN implements Log.
func (l *FileLog) LastLSN() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextLSN - 1
}

// FloorLSN implements Log.
func (l *FileLog) FloorLSN() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.floor
}

// TrimBefore implements Log. Only whole sealed segments entirely below lsn
// are removed from disk; the logical floor advances regardless.
func (l *FileLog) TrimBefore(lsn uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}
	if lsn > l.nextLSN {
		return fmt.Errorf("%w: trim target %d beyond next lsn %d", ErrTrimBarrier, lsn, l.nextLSN)
	}
	if lsn <= l.floor {
		return nil
	}

	// Never delete the active segment.
	for len(l.segments) > 1 {
		seg := l.segments[0]
		if seg.count == 0 || seg.lastLSN >= lsn {
			break
		}
		if err := seg.delete(); err != nil {
			return fmt.Errorf("failed to delete trimmed segment: %w", err)
		}
		l.segments = l.segments[1:]
	}

	l.floor = lsn - 1
	_, err := l.appendLocked(Trimmed{UpToLSN: lsn})
	return err
}

// Reader implements Log.
func (l *FileLog) Reader(fromLSN uint64) (Reader, error) {
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

	return &fileReader{log: l, next: fromLSN}, nil
}

// Sync implements Log.
func (l *FileLog) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}
	return l.segments[len(l.segments)-1].sync()
}

// Close implements Log.
func (l *FileLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	return l.closeAll()
}

func (l *FileLog) closeAll() error {
	var firstErr error
	for _, seg := range l.segments {
		if err := seg.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// readRecord locates and decodes the record with the given LSN. Must be
// called with l.mu held. Returns io.EOF past the end of the log.
func (l *FileLog) readRecord(lsn uint64) (Record, error) {
	if lsn >= l.nextLSN {
		return Record{}, io.EOF
	}
	if lsn <= l.floor {
		return Record{}, ErrTrimmed
	}

	// Find the last segment with baseLSN <= lsn.
	idx := sort.Search(len(l.segments), func(i int) bool {
		return l.segments[i].baseLSN > lsn
	}) - 1
	if idx < 0 {
		return Record{}, ErrTrimmed
	}

	seg := l.segments[idx]
	i := seg.firstIndexAtOrAbove(lsn)
	if i >= len(seg.positions) || seg.positions[i].lsn != lsn {
		return Record{}, fmt.Errorf("%w: lsn %d missing from segment %d", ErrCorruptRecord, lsn, seg.baseLSN)
	}
	return seg.readAt(i)
}

type fileReader struct {
	log  *FileLog
	next uint64
}

func (r *fileReader) Next() (Record, error) {
	r.log.mu.Lock()
	defer r.log.mu.Unlock()

	if r.log.closed {
		return Record{}, ErrClosed
	}

	// Skip over LSNs that were logically trimmed after the reader was
	// created.
	if r.next <= r.log.floor {
		r.next = r.log.floor + 1
	}

	rec, err := r.log.readRecord(r.next)
	if err != nil {
		return Record{}, err
	}
	r.next = rec.LSN + 1
	return rec, nil
}

func (r *fileReader) Close() error {
	return nil
}
