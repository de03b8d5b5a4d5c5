// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package txlog

import (
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemLog_AppendReadTrim(t *testing.T) {
	log := NewMemLog()
	defer log.Close()

	for i := 0; i < 10; i++ {
		rec, err := log.Append(publishEvent(1, uint64(i+1)))
		require.NoError(t, err)
		assert.Equal(t, uint64(i+1), rec.LSN)
	}

	require.NoError(t, log.TrimBefore(6))
	assert.Equal(t, uint64(5), log.FloorLSN())
	assert.Equal(t, uint64(11), log.LastLSN()) // Trimmed event appended

	_, err := log.Reader(3)
	assert.ErrorIs(t, err, ErrTrimmed)

	r, err := log.Reader(6)
	require.NoError(t, err)
	records, err := ReadAll(r)
	require.NoError(t, err)
	require.Len(t, records, 6)
	assert.Equal(t, uint64(6), records[0].LSN)
	assert.Equal(t, KindTrimmed, records[5].Event.Kind())
}

func TestMemLog_FailAppends(t *testing.T) {
	log := NewMemLog()
	defer log.Close()

	boom := errors.New("disk on fire")
	log.FailAppends = boom

	_, err := log.Append(publishEvent(1, 1))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, uint64(0), log.LastLSN())
}

func TestMemLog_ReaderSeesLaterAppends(t *testing.T) {
	log := NewMemLog()
	defer log.Close()

	_, err := log.Append(publishEvent(1, 1))
	require.NoError(t, err)

	r, err := log.Reader(1)
	require.NoError(t, err)

	_, err = r.Next()
	require.NoError(t, err)
	_, err = r.Next()
	assert.Equal(t, io.EOF, err)

	_, err = log.Append(publishEvent(1, 2))
	require.NoError(t, err)

	rec, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), rec.LSN)
}

func TestParseRef(t *testing.T) {
	ref, err := ParseRef("1:2:3:4")
	require.NoError(t, err)
	assert.Equal(t, MessageRef{TopicID: 1, PartitionID: 2, LedgerID: 3, MessageID: 4}, ref)
	assert.Equal(t, "1:2:3:4", ref.Key())

	_, err = ParseRef("1:2:3")
	assert.Error(t, err)
	_, err = ParseRef("1:2:3:x")
	assert.Error(t, err)
}
