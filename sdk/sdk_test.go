// SPDX-FileCopyrightText: Copyright (C) 2024  The vailix Authors.
// SPDX-License-Identifier: AGPL-3.0-or-later

package sdk

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vailix-dev/vailix/config"
)

func testConfig(t *testing.T) *config.ClientConfig {
	return &config.ClientConfig{
		ReportURL:     "https://report.example.org",
		DownloadURL:   "https://download.example.org",
		AppSecret:     "s3cr3t",
		RPIDurationMs: 15 * 60 * 1000,
		ReportDays:    14,
		DataDir:       t.TempDir(),
	}
}

func resetSingleton(t *testing.T) {
	t.Cleanup(func() { require.NoError(t, Destroy()) })
}

func TestCreateReturnsReadyEngine(t *testing.T) {
	resetSingleton(t)
	require.False(t, IsInitialized())

	eng, err := Create(testConfig(t), nil)
	require.NoError(t, err)
	require.NotNil(t, eng)
	require.True(t, IsInitialized())
}

func TestCreateIsIdempotentAndReturnsSameInstance(t *testing.T) {
	resetSingleton(t)
	cfg := testConfig(t)

	eng1, err := Create(cfg, nil)
	require.NoError(t, err)
	eng2, err := Create(cfg, nil)
	require.NoError(t, err)
	require.Same(t, eng1, eng2)
}

func TestDestroyIsNoOpWithoutPriorCreate(t *testing.T) {
	resetSingleton(t)
	require.NoError(t, Destroy())
	require.False(t, IsInitialized())
}

func TestDestroyThenCreateReinitializes(t *testing.T) {
	resetSingleton(t)
	cfg := testConfig(t)

	eng1, err := Create(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, Destroy())
	require.False(t, IsInitialized())

	eng2, err := Create(cfg, nil)
	require.NoError(t, err)
	require.NotSame(t, eng1, eng2)
	require.True(t, IsInitialized())
}

// N concurrent Create calls with a valid config all observe the same
// engine instance, and the underlying one-time initialization work runs
// exactly once.
func TestConcurrentCreateRunsInitializationExactlyOnce(t *testing.T) {
	resetSingleton(t)
	cfg := testConfig(t)

	const n = 100
	var wg sync.WaitGroup
	engines := make([]*Engine, n)
	errs := make([]error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			engines[i], errs[i] = Create(cfg, nil)
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		require.Same(t, engines[0], engines[i])
	}
}

// A nil config fails newEngine fast, before any I/O; the slot must clear
// so the very next call can succeed with a valid config.
func TestCreateFailureClearsSlotForRetry(t *testing.T) {
	resetSingleton(t)

	_, err := Create(nil, nil)
	require.Error(t, err)
	require.False(t, IsInitialized())

	eng, err := Create(testConfig(t), nil)
	require.NoError(t, err)
	require.NotNil(t, eng)
	require.True(t, IsInitialized())
}
