// SPDX-FileCopyrightText: Copyright (C) 2024  The vailix Authors.
// SPDX-License-Identifier: AGPL-3.0-or-later

package wire

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/vailix-dev/vailix/core/epochtime"
	"github.com/vailix-dev/vailix/identity"
)

const (
	qrProtoField   = "proto"
	qrVersionField = "v1"
	qrFieldCount   = 5
)

// QRPayload is the parsed form of the proto:v1:<rpi-hex>:<minted-at-ms>:
// <metadata-key-hex> QR string.
type QRPayload struct {
	RPI         identity.RPI
	MintedAtMs  int64
	MetadataKey identity.MetadataKey
}

// FormatQR renders p in the ASCII wire form.
func FormatQR(p QRPayload) string {
	return fmt.Sprintf("%s:%s:%s:%d:%s", qrProtoField, qrVersionField, p.RPI.String(), p.MintedAtMs, p.MetadataKey.String())
}

// ParseQR parses the ASCII QR payload string. It rejects anything that is
// not exactly five colon-separated fields with the first two literals
// matching "proto" and "v1", and additionally rejects payloads whose
// minted-at-ms falls outside the epoch currently in progress under the
// given period (earlier or later).
func ParseQR(s string, period time.Duration) (QRPayload, error) {
	fields := strings.Split(s, ":")
	if len(fields) != qrFieldCount {
		return QRPayload{}, fmt.Errorf("wire: qr payload must have %d fields, got %d", qrFieldCount, len(fields))
	}
	if fields[0] != qrProtoField || fields[1] != qrVersionField {
		return QRPayload{}, fmt.Errorf("wire: qr payload prefix mismatch: %q:%q", fields[0], fields[1])
	}

	rpi, err := identity.ParseRPI(fields[2])
	if err != nil {
		return QRPayload{}, fmt.Errorf("wire: qr payload rpi: %w", err)
	}

	mintedAt, err := strconv.ParseInt(fields[3], 10, 64)
	if err != nil {
		return QRPayload{}, fmt.Errorf("wire: qr payload minted-at-ms: %w", err)
	}

	mk, err := identity.ParseMetadataKey(fields[4])
	if err != nil {
		return QRPayload{}, fmt.Errorf("wire: qr payload metadata key: %w", err)
	}

	// The RPI is only meaningful during the epoch it was minted in; a QR
	// string minted outside the epoch currently in progress is stale (or
	// not yet valid) and must be rejected rather than matched against.
	currentEpoch, _, _ := epochtime.Now(period)
	if !epochtime.IsWithin(currentEpoch, mintedAt, period) {
		return QRPayload{}, fmt.Errorf("wire: qr payload minted-at-ms falls outside the current rpi epoch window")
	}

	return QRPayload{RPI: rpi, MintedAtMs: mintedAt, MetadataKey: mk}, nil
}
