// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package txlog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBadgerLog_AppendReopenTrim(t *testing.T) {
	dir := t.TempDir()
	cfg := BadgerConfig{Dir: dir}

	log, err := NewBadgerLog(cfg)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		rec, err := log.Append(publishEvent(1, uint64(i+1)))
		require.NoError(t, err)
		assert.Equal(t, uint64(i+1), rec.LSN)
	}
	require.NoError(t, log.Close())

	log2, err := NewBadgerLog(cfg)
	require.NoError(t, err)
	defer log2.Close()

	assert.Equal(t, uint64(10), log2.LastLSN())

	require.NoError(t, log2.TrimBefore(5))
	assert.Equal(t, uint64(4), log2.FloorLSN())

	_, err = log2.Reader(2)
	assert.ErrorIs(t, err, ErrTrimmed)

	r, err := log2.Reader(5)
	require.NoError(t, err)
	records, err := ReadAll(r)
	require.NoError(t, err)
	require.Len(t, records, 7) // 5..10 plus the Trimmed record
	assert.Equal(t, uint64(5), records[0].LSN)
	assert.Equal(t, KindTrimmed, records[6].Event.Kind())
}
