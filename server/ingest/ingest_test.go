// SPDX-FileCopyrightText: Copyright (C) 2024  The vailix Authors.
// SPDX-License-Identifier: AGPL-3.0-or-later

package ingest

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	path := filepath.Join(t.TempDir(), "ingest.db")
	s, err := Open(path, 14*24*time.Hour, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInsertIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	var rpi [RPILen]byte
	rpi[0] = 0xAB

	created, err := s.Insert(rpi, "", 1000)
	require.NoError(t, err)
	require.True(t, created)

	created, err = s.Insert(rpi, "should-be-ignored", 2000)
	require.NoError(t, err)
	require.False(t, created)

	records, _, err := s.Page(0, 0, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "", records[0].Metadata)
	require.Equal(t, int64(1000), records[0].CreatedAtMs)
}

func TestPageOrderingAndSinceFilter(t *testing.T) {
	s := openTestStore(t)
	for i, ms := range []int64{100, 200, 300} {
		var rpi [RPILen]byte
		rpi[0] = byte(i + 1)
		_, err := s.Insert(rpi, "", ms)
		require.NoError(t, err)
	}

	records, cursor, err := s.Page(0, 0, 10)
	require.NoError(t, err)
	require.Len(t, records, 3)
	require.Equal(t, uint64(0), cursor) // fewer than limit: exhausted.
	for i, r := range records {
		require.Equal(t, int64((i+1)*100), r.CreatedAtMs) // row-id (insertion) order.
	}

	records, _, err = s.Page(150, 0, 10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	for _, r := range records {
		require.GreaterOrEqual(t, r.CreatedAtMs, int64(150))
	}
}

func TestPagePaginatesWithCursor(t *testing.T) {
	s := openTestStore(t)
	for i := 0; i < 5; i++ {
		var rpi [RPILen]byte
		rpi[0] = byte(i + 1)
		_, err := s.Insert(rpi, "", int64(i*100))
		require.NoError(t, err)
	}

	page1, cursor1, err := s.Page(0, 0, 2)
	require.NoError(t, err)
	require.Len(t, page1, 2)
	require.NotZero(t, cursor1)

	page2, cursor2, err := s.Page(0, cursor1, 2)
	require.NoError(t, err)
	require.Len(t, page2, 2)
	require.NotZero(t, cursor2)

	page3, cursor3, err := s.Page(0, cursor2, 2)
	require.NoError(t, err)
	require.Len(t, page3, 1)
	require.Zero(t, cursor3)

	seen := make(map[int64]bool)
	for _, p := range [][]Record{page1, page2, page3} {
		for _, r := range p {
			require.False(t, seen[r.CreatedAtMs], "duplicate record across pages")
			seen[r.CreatedAtMs] = true
		}
	}
	require.Len(t, seen, 5)
}

func TestSweepExpiredRemovesOldRowsAndIndex(t *testing.T) {
	s := openTestStore(t)
	var rpi [RPILen]byte
	rpi[0] = 0x01

	now := int64(20 * 24 * time.Hour / time.Millisecond)
	_, err := s.Insert(rpi, "", now-15*24*3600*1000)
	require.NoError(t, err)

	require.NoError(t, s.sweepExpired(now))

	records, _, err := s.Page(0, 0, 10)
	require.NoError(t, err)
	require.Empty(t, records)

	// Re-inserting the same RPI must succeed (the index entry was pruned
	// along with the row), proving the TTL sweep cleans both buckets.
	created, err := s.Insert(rpi, "", now)
	require.NoError(t, err)
	require.True(t, created)
}
