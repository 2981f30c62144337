// SPDX-FileCopyrightText: Copyright (C) 2024  The vailix Authors.
// SPDX-License-Identifier: AGPL-3.0-or-later

package identity

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vailix-dev/vailix/core/epochtime"
)

type memStorage struct {
	keys map[string][]byte
}

func newMemStorage() *memStorage {
	return &memStorage{keys: make(map[string][]byte)}
}

func (m *memStorage) GetKey(name string) ([]byte, error) {
	v, ok := m.keys[name]
	if !ok {
		return nil, fmt.Errorf("no such key: %s", name)
	}
	return v, nil
}

func (m *memStorage) SetKey(name string, value []byte) error {
	m.keys[name] = append([]byte(nil), value...)
	return nil
}

type erroringStorage struct{}

func (erroringStorage) GetKey(string) ([]byte, error) { return nil, fmt.Errorf("boom") }
func (erroringStorage) SetKey(string, []byte) error   { return fmt.Errorf("boom") }

func TestInitializeIsIdempotent(t *testing.T) {
	storage := newMemStorage()
	e := New(storage, 15*time.Minute)

	require.NoError(t, e.Initialize())
	ms1 := e.MasterKey()

	require.NoError(t, e.Initialize())
	ms2 := e.MasterKey()

	require.Equal(t, ms1, ms2)

	// A fresh engine over the same storage should load, not regenerate.
	e2 := New(storage, 15*time.Minute)
	require.NoError(t, e2.Initialize())
	require.Equal(t, ms1, e2.MasterKey())
}

func TestInitializeFailsWithoutStorage(t *testing.T) {
	e := New(erroringStorage{}, 15*time.Minute)
	err := e.Initialize()
	require.ErrorIs(t, err, ErrKeyStorageUnavailable)
}

// Worked vector: MS all-zero, 60s epochs, epoch 1_000_000.
func TestRPIMatchesWorkedVector(t *testing.T) {
	storage := newMemStorage()
	zeroMS := make([]byte, MSLength)
	require.NoError(t, storage.SetKey(msKeyName, []byte(hex.EncodeToString(zeroMS))))

	e := New(storage, 60*time.Second)
	require.NoError(t, e.Initialize())

	got := e.rpiForEpoch(1000000)

	mac := hmac.New(sha256.New, zeroMS)
	mac.Write([]byte("1000000"))
	want := mac.Sum(nil)[:RPILength]

	require.Equal(t, hex.EncodeToString(want), got.String())
}

// CurrentRPI during epoch E always equals the pure function of (MS, E).
func TestRPIDeterminism(t *testing.T) {
	storage := newMemStorage()
	e := New(storage, time.Hour)
	require.NoError(t, e.Initialize())

	current, _, _ := epochtime.Now(time.Hour)
	a := e.CurrentRPI()
	b := e.rpiForEpoch(current)
	require.Equal(t, a, b)
}

// Over many random MS values, RPIs of distinct epochs never collide, and
// distinct RPIs never share a metadata key.
func TestRPIAndMKIndependence(t *testing.T) {
	const trials = 2000
	seen := make(map[RPI]struct{}, trials)
	mkSeen := make(map[MetadataKey]struct{}, trials)

	for i := 0; i < trials; i++ {
		ms := make([]byte, MSLength)
		_, err := rand.Read(ms)
		require.NoError(t, err)

		storage := newMemStorage()
		require.NoError(t, storage.SetKey(msKeyName, []byte(hex.EncodeToString(ms))))
		e := New(storage, time.Minute)
		require.NoError(t, e.Initialize())

		r := e.rpiForEpoch(epochtime.Number(i))
		_, dup := seen[r]
		require.False(t, dup, "rpi collision at trial %d", i)
		seen[r] = struct{}{}

		mk := e.MetadataKey(r.String())
		_, dup = mkSeen[mk]
		require.False(t, dup, "metadata key collision at trial %d", i)
		mkSeen[mk] = struct{}{}
	}
}

func TestHistoryLength(t *testing.T) {
	storage := newMemStorage()
	e := New(storage, 15*time.Minute)
	require.NoError(t, e.Initialize())

	count := 0
	var prev RPI
	first := true
	for r := range e.History(1) {
		count++
		if !first {
			require.NotEqual(t, prev, r)
		}
		prev = r
		first = false
	}
	require.Equal(t, 24*60/15, count)
}

func TestParseRPIRoundTrip(t *testing.T) {
	storage := newMemStorage()
	e := New(storage, time.Minute)
	require.NoError(t, e.Initialize())

	r := e.CurrentRPI()
	parsed, err := ParseRPI(r.String())
	require.NoError(t, err)
	require.Equal(t, r, parsed)

	_, err = ParseRPI("not-hex")
	require.Error(t, err)
}
