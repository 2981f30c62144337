// SPDX-FileCopyrightText: Copyright (C) 2024  The vailix Authors.
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package wire implements the vailix binary download-page codec and QR
// payload format.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/vailix-dev/vailix/identity"
)

// MaxMetadataLen is the largest permitted encrypted-metadata payload in a
// single record, in bytes.
const MaxMetadataLen = 10240

// ErrMetadataTooLarge is returned by Encode if any record's metadata
// exceeds MaxMetadataLen.
var ErrMetadataTooLarge = errors.New("wire: metadata exceeds maximum length")

// Record is one entry of a download page: a reported RPI, the server's
// recorded report time, and the (already encrypted, opaque) metadata
// bytes. The codec never inspects or validates Metadata's contents.
type Record struct {
	RPI        identity.RPI
	ReportedAt float64 // milliseconds since Unix epoch, IEEE-754.
	Metadata   []byte
}

const (
	headerLen   = 4 // u32 count
	recFixedLen = identity.RPILength + 8 + 2 // rpi + f64 + u16 len
)

// Encode serializes records into the binary page format: u32 count,
// followed by count records of [16]byte rpi, f64 reported_at_ms (IEEE-754
// big-endian), u16 metadata_len, metadata bytes. Size is computed in one
// pass and the buffer allocated once.
func Encode(records []Record) ([]byte, error) {
	size := headerLen
	for _, r := range records {
		if len(r.Metadata) > MaxMetadataLen {
			return nil, fmt.Errorf("%w: %d bytes", ErrMetadataTooLarge, len(r.Metadata))
		}
		size += recFixedLen + len(r.Metadata)
	}

	buf := make([]byte, size)
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(records)))
	off := headerLen
	for _, r := range records {
		copy(buf[off:off+identity.RPILength], r.RPI[:])
		off += identity.RPILength
		binary.BigEndian.PutUint64(buf[off:off+8], math.Float64bits(r.ReportedAt))
		off += 8
		binary.BigEndian.PutUint16(buf[off:off+2], uint16(len(r.Metadata)))
		off += 2
		copy(buf[off:off+len(r.Metadata)], r.Metadata)
		off += len(r.Metadata)
	}
	return buf, nil
}

// Decode parses the binary page format. It bounds-checks every field and
// never reads past the end of buf: on truncation it stops at the last
// complete record and returns the records successfully decoded along with
// ErrTruncated, rather than panicking or over-reading.
func Decode(buf []byte) ([]Record, error) {
	if len(buf) < headerLen {
		return nil, fmt.Errorf("wire: %w: buffer shorter than header", ErrTruncated)
	}
	count := binary.BigEndian.Uint32(buf[0:4])

	// count comes straight off the wire; a hostile or buggy server could
	// claim a huge count in a tiny body. Cap the capacity hint at what the
	// remaining buffer could possibly hold so a bogus count only costs a
	// small allocation, not an OOM.
	maxPossible := (len(buf) - headerLen) / recFixedLen
	capHint := int(count)
	if capHint > maxPossible {
		capHint = maxPossible
	}
	records := make([]Record, 0, capHint)

	off := headerLen
	for i := uint32(0); i < count; i++ {
		if off+recFixedLen > len(buf) {
			return records, fmt.Errorf("wire: %w: record %d header truncated", ErrTruncated, i)
		}
		var r Record
		copy(r.RPI[:], buf[off:off+identity.RPILength])
		off += identity.RPILength
		r.ReportedAt = math.Float64frombits(binary.BigEndian.Uint64(buf[off : off+8]))
		off += 8
		metaLen := int(binary.BigEndian.Uint16(buf[off : off+2]))
		off += 2

		if off+metaLen > len(buf) {
			return records, fmt.Errorf("wire: %w: record %d metadata truncated", ErrTruncated, i)
		}
		r.Metadata = make([]byte, metaLen)
		copy(r.Metadata, buf[off:off+metaLen])
		off += metaLen

		records = append(records, r)
	}
	return records, nil
}

// ErrTruncated indicates the decoder stopped before reaching the declared
// record count because the buffer ran out. The records decoded so far are
// still returned to the caller; this is a warning, not a fatal error.
var ErrTruncated = errors.New("truncated buffer")
