// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package txlog

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	// SegmentMagic marks the start of a segment file ("FMQL").
	SegmentMagic uint32 = 0x4C514D46

	// SegmentVersion is the current on-disk format version.
	SegmentVersion uint16 = 1

	// SegmentExtension is the segment file suffix.
	SegmentExtension = ".log"

	segmentHeaderSize = 4 + 2 + 8 // magic, version, base lsn

	// Record framing: u32 size | u64 lsn | u64 timestamp_ms | u16 kind |
	// payload | u32 crc32c. size covers lsn through payload; the crc is
	// computed over the same span. A zero size marks the sealed-segment
	// trailer {u64 last_lsn, u64 event_count}.
	recordOverhead = 4 + 8 + 8 + 2 + 4
)

type recordPosition struct {
	lsn  uint64
	pos  int64
	size int // total bytes on disk including framing
}

// segment is a single transaction log segment file.
type segment struct {
	path    string
	file    *os.File
	baseLSN uint64
	lastLSN uint64
	count   uint64
	size    int64 // end of record data, excluding any trailer
	sealed  bool

	positions []recordPosition
}

func formatSegmentName(baseLSN uint64) string {
	return fmt.Sprintf("%020d%s", baseLSN, SegmentExtension)
}

func parseSegmentName(name string) (uint64, error) {
	var base uint64
	_, err := fmt.Sscanf(name, "%020d"+SegmentExtension, &base)
	return base, err
}

// createSegment creates a new segment whose first record will carry baseLSN.
func createSegment(dir string, baseLSN uint64) (*segment, error) {
	path := filepath.Join(dir, formatSegmentName(baseLSN))

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create segment file: %w", err)
	}

	header := make([]byte, segmentHeaderSize)
	PutUint32(header[0:4], SegmentMagic)
	PutUint16(header[4:6], SegmentVersion)
	PutUint64(header[6:14], baseLSN)
	if _, err := file.WriteAt(header, 0); err != nil {
		file.Close()
		os.Remove(path)
		return nil, fmt.Errorf("failed to write segment header: %w", err)
	}

	return &segment{
		path:      path,
		file:      file,
		baseLSN:   baseLSN,
		size:      segmentHeaderSize,
		positions: make([]recordPosition, 0, 64),
	}, nil
}

// openSegment opens an existing segment, validates every record and
// truncates the tail at the first corruption point.
func openSegment(dir string, baseLSN uint64) (*segment, error) {
	path := filepath.Join(dir, formatSegmentName(baseLSN))

	file, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open segment file: %w", err)
	}

	s := &segment{
		path:      path,
		file:      file,
		baseLSN:   baseLSN,
		positions: make([]recordPosition, 0, 64),
	}

	if err := s.scan(); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to scan segment: %w", err)
	}

	return s, nil
}

// scan validates the header and walks records, building positions and
// truncating any corrupt or incomplete tail.
func (s *segment) scan() error {
	info, err := s.file.Stat()
	if err != nil {
		return err
	}

	header := make([]byte, segmentHeaderSize)
	if _, err := s.file.ReadAt(header, 0); err != nil {
		return fmt.Errorf("%w: short header", ErrCorruptRecord)
	}
	if GetUint32(header[0:4]) != SegmentMagic {
		return fmt.Errorf("%w: bad magic", ErrCorruptRecord)
	}
	if v := GetUint16(header[4:6]); v > SegmentVersion {
		return fmt.Errorf("unsupported segment version %d", v)
	}
	if base := GetUint64(header[6:14]); base != s.baseLSN {
		return fmt.Errorf("%w: header base lsn %d does not match name %d", ErrCorruptRecord, base, s.baseLSN)
	}

	var pos int64 = segmentHeaderSize
	sizeBuf := make([]byte, 4)

	for pos < info.Size() {
		if _, err := s.file.ReadAt(sizeBuf, pos); err != nil {
			break
		}
		bodySize := GetUint32(sizeBuf)

		if bodySize == 0 {
			// Sealed-segment trailer.
			trailer := make([]byte, 16)
			if _, err := s.file.ReadAt(trailer, pos+4); err != nil {
				break
			}
			if GetUint64(trailer[0:8]) != s.lastLSN || GetUint64(trailer[8:16]) != s.count {
				break
			}
			s.sealed = true
			s.size = pos
			return nil
		}

		total := int64(bodySize) + 8 // size prefix + crc suffix
		if pos+total > info.Size() {
			break
		}

		body := make([]byte, bodySize)
		if _, err := s.file.ReadAt(body, pos+4); err != nil {
			break
		}
		crcBuf := make([]byte, 4)
		if _, err := s.file.ReadAt(crcBuf, pos+4+int64(bodySize)); err != nil {
			break
		}
		if GetUint32(crcBuf) != Checksum(body) {
			break
		}

		lsn := GetUint64(body[0:8])
		s.positions = append(s.positions, recordPosition{lsn: lsn, pos: pos, size: int(total)})
		s.lastLSN = lsn
		s.count++
		pos += total
	}

	s.size = pos

	// Drop anything after the last valid record.
	if pos < info.Size() {
		if err := s.file.Truncate(pos); err != nil {
			return fmt.Errorf("failed to truncate corrupt tail: %w", err)
		}
	}

	return nil
}

// append writes one record. The caller supplies the encoded payload.
func (s *segment) append(lsn, timestampMS uint64, kind Kind, payload []byte) error {
	if s.sealed {
		return fmt.Errorf("segment %d is sealed", s.baseLSN)
	}

	bodySize := 8 + 8 + 2 + len(payload)
	buf := make([]byte, 4+bodySize+4)
	PutUint32(buf[0:4], uint32(bodySize))
	PutUint64(buf[4:12], lsn)
	PutUint64(buf[12:20], timestampMS)
	PutUint16(buf[20:22], uint16(kind))
	copy(buf[22:], payload)
	PutUint32(buf[4+bodySize:], Checksum(buf[4:4+bodySize]))

	if _, err := s.file.WriteAt(buf, s.size); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}

	s.positions = append(s.positions, recordPosition{lsn: lsn, pos: s.size, size: len(buf)})
	s.size += int64(len(buf))
	s.lastLSN = lsn
	s.count++

	return nil
}

// seal writes the trailer; the segment accepts no further appends.
func (s *segment) seal() error {
	if s.sealed {
		return nil
	}

	trailer := make([]byte, 4+16)
	PutUint32(trailer[0:4], 0)
	PutUint64(trailer[4:12], s.lastLSN)
	PutUint64(trailer[12:20], s.count)

	if _, err := s.file.WriteAt(trailer, s.size); err != nil {
		return fmt.Errorf("failed to write trailer: %w", err)
	}
	s.sealed = true

	return s.file.Sync()
}

// readAt decodes the record at position index i.
func (s *segment) readAt(i int) (Record, error) {
	rp := s.positions[i]

	buf := make([]byte, rp.size)
	if _, err := s.file.ReadAt(buf, rp.pos); err != nil {
		return Record{}, fmt.Errorf("failed to read record: %w", err)
	}

	bodySize := GetUint32(buf[0:4])
	body := buf[4 : 4+bodySize]
	if GetUint32(buf[4+bodySize:]) != Checksum(body) {
		return Record{}, fmt.Errorf("%w: crc mismatch at lsn %d", ErrCorruptRecord, rp.lsn)
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

// firstIndexAtOrAbove returns the index of the first record with
// lsn >= target, or len(positions) if none.
func (s *segment) firstIndexAtOrAbove(target uint64) int {
	lo, hi := 0, len(s.positions)
	for lo < hi {
		mid := (lo + hi) / 2
		if s.positions[mid].lsn < target {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

func (s *segment) sync() error {
	return s.file.Sync()
}

func (s *segment) close() error {
	return s.file.Close()
}

func (s *segment) delete() error {
	if err := s.file.Close(); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
