// SPDX-FileCopyrightText: Copyright (C) 2024  The vailix Authors.
// SPDX-License-Identifier: AGPL-3.0-or-later

package wire

import (
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vailix-dev/vailix/core/epochtime"
	"github.com/vailix-dev/vailix/identity"
)

func randPayload(t *testing.T, mintedAt int64) QRPayload {
	var rpi identity.RPI
	var mk identity.MetadataKey
	_, err := rand.Read(rpi[:])
	require.NoError(t, err)
	_, err = rand.Read(mk[:])
	require.NoError(t, err)
	return QRPayload{RPI: rpi, MintedAtMs: mintedAt, MetadataKey: mk}
}

func TestQRRoundTrip(t *testing.T) {
	period := 15 * time.Minute
	now, _, _ := epochtime.Now(period)
	mintedAt := epochtime.MillisOf(now, period)

	p := randPayload(t, mintedAt)
	s := FormatQR(p)

	parsed, err := ParseQR(s, period)
	require.NoError(t, err)
	require.Equal(t, p, parsed)
}

func TestQRRejectsWrongFieldCount(t *testing.T) {
	_, err := ParseQR("proto:v1:abc", time.Minute)
	require.Error(t, err)
}

func TestQRRejectsWrongPrefix(t *testing.T) {
	period := time.Minute
	now, _, _ := epochtime.Now(period)
	mintedAt := epochtime.MillisOf(now, period)
	p := randPayload(t, mintedAt)
	s := FormatQR(p)
	s = "other:v1:" + s[len("proto:v1:"):]
	_, err := ParseQR(s, period)
	require.Error(t, err)
}

func TestQRRejectsStaleMint(t *testing.T) {
	period := time.Minute
	p := randPayload(t, 0) // epoch 0, long before "now".
	s := FormatQR(p)
	_, err := ParseQR(s, period)
	require.Error(t, err)
}
