// SPDX-FileCopyrightText: Copyright (C) 2024  The vailix Authors.
// SPDX-License-Identifier: AGPL-3.0-or-later

package epochtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIsWithin(t *testing.T) {
	period := time.Minute
	start := Epoch.Add(5 * period).UnixMilli()
	require.True(t, IsWithin(5, start, period))
	require.True(t, IsWithin(5, start+1000, period))
	require.False(t, IsWithin(5, start+int64(period/time.Millisecond), period))
	require.False(t, IsWithin(5, start-1, period))
}
