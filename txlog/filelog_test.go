// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package txlog

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func publishEvent(ledger, msg uint64) MessagePublished {
	return MessagePublished{
		Ref:         MessageRef{TopicID: 1, PartitionID: 1, LedgerID: ledger, MessageID: msg},
		Key:         []byte("k"),
		TimestampMS: 1700000000000,
		Attributes:  map[string]string{"blob": "s3://bucket/obj"},
	}
}

func TestFileLog_AppendRead(t *testing.T) {
	dir := t.TempDir()

	log, err := NewFileLog(DefaultFileConfig(dir))
	require.NoError(t, err)
	defer log.Close()

	rec1, err := log.Append(LedgerOpened{TopicID: 1, PartitionID: 1, LedgerID: 1})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rec1.LSN)

	rec2, err := log.Append(publishEvent(1, 1))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), rec2.LSN)
	assert.Equal(t, uint64(2), log.LastLSN())

	r, err := log.Reader(1)
	require.NoError(t, err)
	records, err := ReadAll(r)
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, KindLedgerOpened, records[0].Event.Kind())
	pub, ok := records[1].Event.(MessagePublished)
	require.True(t, ok)
	assert.Equal(t, uint64(1), pub.Ref.MessageID)
	assert.Equal(t, "s3://bucket/obj", pub.Attributes["blob"])
}

func TestFileLog_ReopenContinuesLSN(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultFileConfig(dir)

	log, err := NewFileLog(cfg)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		_, err := log.Append(publishEvent(1, uint64(i+1)))
		require.NoError(t, err)
	}
	require.NoError(t, log.Close())

	log2, err := NewFileLog(cfg)
	require.NoError(t, err)
	defer log2.Close()

	assert.Equal(t, uint64(10), log2.LastLSN())

	rec, err := log2.Append(publishEvent(1, 11))
	require.NoError(t, err)
	assert.Equal(t, uint64(11), rec.LSN)
}

func TestFileLog_CorruptTailTruncated(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultFileConfig(dir)

	log, err := NewFileLog(cfg)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := log.Append(publishEvent(1, uint64(i+1)))
		require.NoError(t, err)
	}
	require.NoError(t, log.Close())

	// Flip bytes in the tail of the only segment.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var segPath string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), SegmentExtension) {
			segPath = filepath.Join(dir, e.Name())
		}
	}
	require.NotEmpty(t, segPath)

	info, err := os.Stat(segPath)
	require.NoError(t, err)
	f, err := os.OpenFile(segPath, os.O_RDWR, 0o644)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0xde, 0xad, 0xbe, 0xef}, info.Size()-8)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	log2, err := NewFileLog(cfg)
	require.NoError(t, err)
	defer log2.Close()

	// Last record is gone, the rest survive.
	assert.Equal(t, uint64(4), log2.LastLSN())

	r, err := log2.Reader(1)
	require.NoError(t, err)
	records, err := ReadAll(r)
	require.NoError(t, err)
	assert.Len(t, records, 4)
}

func TestFileLog_SegmentRoll(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultFileConfig(dir)
	cfg.SegmentMaxBytes = 256

	log, err := NewFileLog(cfg)
	require.NoError(t, err)
	defer log.Close()

	for i := 0; i < 20; i++ {
		_, err := log.Append(publishEvent(1, uint64(i+1)))
		require.NoError(t, err)
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	segCount := 0
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), SegmentExtension) {
			segCount++
		}
	}
	assert.Greater(t, segCount, 1)

	r, err := log.Reader(1)
	require.NoError(t, err)
	records, err := ReadAll(r)
	require.NoError(t, err)
	assert.Len(t, records, 20)
	for i, rec := range records {
		assert.Equal(t, uint64(i+1), rec.LSN)
	}
}

func TestFileLog_TrimBefore(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultFileConfig(dir)
	cfg.SegmentMaxBytes = 256

	log, err := NewFileLog(cfg)
	require.NoError(t, err)
	defer log.Close()

	for i := 0; i < 20; i++ {
		_, err := log.Append(publishEvent(1, uint64(i+1)))
		require.NoError(t, err)
	}

	require.NoError(t, log.TrimBefore(10))
	assert.Equal(t, uint64(9), log.FloorLSN())

	// Records below the floor are unreachable.
	_, err = log.Reader(5)
	assert.ErrorIs(t, err, ErrTrimmed)

	// The trim itself is recorded.
	r, err := log.Reader(10)
	require.NoError(t, err)
	records, err := ReadAll(r)
	require.NoError(t, err)
	last := records[len(records)-1]
	trimmed, ok := last.Event.(Trimmed)
	require.True(t, ok)
	assert.Equal(t, uint64(10), trimmed.UpToLSN)

	// Trimming is monotonic; a lower target is a no-op.
	require.NoError(t, log.TrimBefore(5))
	assert.Equal(t, uint64(9), log.FloorLSN())
}

func TestFileLog_ReaderFromMidLSN(t *testing.T) {
	dir := t.TempDir()

	log, err := NewFileLog(DefaultFileConfig(dir))
	require.NoError(t, err)
	defer log.Close()

	for i := 0; i < 10; i++ {
		_, err := log.Append(publishEvent(1, uint64(i+1)))
		require.NoError(t, err)
	}

	r, err := log.Reader(7)
	require.NoError(t, err)
	records, err := ReadAll(r)
	require.NoError(t, err)
	require.Len(t, records, 4)
	assert.Equal(t, uint64(7), records[0].LSN)

	// Reader at the end sees EOF immediately.
	r2, err := log.Reader(11)
	require.NoError(t, err)
	_, err = r2.Next()
	assert.Equal(t, io.EOF, err)
}

func TestFileLog_CompressedAttributes(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultFileConfig(dir)
	cfg.Compression = CompressionS2
	cfg.CompressMinBytes = 16

	log, err := NewFileLog(cfg)
	require.NoError(t, err)
	defer log.Close()

	attrs := map[string]string{
		"object":       strings.Repeat("s3://bucket/very/long/path/", 8),
		"content-type": "application/octet-stream",
	}
	_, err = log.Append(MessagePublished{
		Ref:        MessageRef{TopicID: 1, PartitionID: 1, LedgerID: 1, MessageID: 1},
		Attributes: attrs,
	})
	require.NoError(t, err)

	r, err := log.Reader(1)
	require.NoError(t, err)
	rec, err := r.Next()
	require.NoError(t, err)

	pub, ok := rec.Event.(MessagePublished)
	require.True(t, ok)
	assert.Equal(t, attrs, pub.Attributes)
}
