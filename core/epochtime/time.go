// time.go - vailix epoch related timekeeping functions.
// Copyright (C) 2017  Yawning Angel.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package epochtime implements epoch arithmetic: epoch = floor(now_ms /
// epoch_duration_ms). Unlike a mixnet's network-wide fixed epoch, the
// period here is per-installation configuration (rpiDurationMs), so it
// is a parameter rather than a package-level constant.
package epochtime

import "time"

// Epoch is the reference instant epoch 0 begins at.
var Epoch = time.Unix(0, 0).UTC()

// Number is an epoch index.
type Number uint64

// Now returns the current epoch number, the time elapsed since the start
// of that epoch, and the time remaining until the next one, for a period
// of the given duration.
func Now(period time.Duration) (current Number, elapsed, till time.Duration) {
	return getEpoch(time.Now(), period)
}

// MillisOf returns the Unix-epoch millisecond timestamp marking the start
// of epoch e under the given period.
func MillisOf(e Number, period time.Duration) int64 {
	return Epoch.Add(time.Duration(e) * period).UnixMilli()
}

// IsWithin returns true iff t (a Unix-epoch millisecond timestamp) falls
// within epoch e under the given period.
func IsWithin(e Number, t int64, period time.Duration) bool {
	start := Epoch.Add(time.Duration(e) * period)
	end := Epoch.Add(time.Duration(e+1) * period)
	tt := time.UnixMilli(t)
	if tt.Equal(start) {
		return true
	}
	return tt.After(start) && tt.Before(end)
}

func getEpoch(t time.Time, period time.Duration) (current Number, elapsed, till time.Duration) {
	fromEpoch := t.Sub(Epoch)
	if fromEpoch < 0 {
		panic("epochtime: BUG: time appears to predate the epoch")
	}

	current = Number(fromEpoch / period)

	base := Epoch.Add(time.Duration(current) * period)
	elapsed = t.Sub(base)
	till = base.Add(period).Sub(t)
	return
}
