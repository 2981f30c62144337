// SPDX-FileCopyrightText: Copyright (C) 2024  The vailix Authors.
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package identity implements the vailix identity engine: deterministic
// derivation of rotating proximity identifiers and per-RPI metadata keys
// from a long-lived master secret.
package identity

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/vailix-dev/vailix/core/epochtime"
)

// RPILength is the length in bytes of a Rolling Proximity Identifier.
const RPILength = 16

// MKLength is the length in bytes of a Metadata Key.
const MKLength = 32

// MSLength is the length in bytes of the Master Secret.
const MSLength = 32

// ErrKeyStorageUnavailable is returned by Initialize when the master
// secret can neither be read from nor written to the key-storage
// collaborator.
var ErrKeyStorageUnavailable = errors.New("identity: key storage unavailable")

// RPI is a Rolling Proximity Identifier: the first RPILength bytes of
// HMAC-SHA256(MS, utf8(epoch)).
type RPI [RPILength]byte

// String renders the RPI as 32 lowercase hex characters.
func (r RPI) String() string {
	return hex.EncodeToString(r[:])
}

// ParseRPI parses a 32-character lowercase hex string into an RPI.
func ParseRPI(s string) (RPI, error) {
	var r RPI
	if len(s) != RPILength*2 {
		return r, fmt.Errorf("identity: invalid rpi length %d", len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return r, fmt.Errorf("identity: invalid rpi hex: %w", err)
	}
	copy(r[:], b)
	return r, nil
}

// MetadataKey is the per-RPI symmetric key used by the metacrypto package,
// the first MKLength bytes of HMAC-SHA256(MS, "meta:" || rpi_hex).
type MetadataKey [MKLength]byte

// String renders the metadata key as 64 lowercase hex characters.
func (k MetadataKey) String() string {
	return hex.EncodeToString(k[:])
}

// ParseMetadataKey parses a 64-character lowercase hex string into a
// MetadataKey.
func ParseMetadataKey(s string) (MetadataKey, error) {
	var k MetadataKey
	if len(s) != MKLength*2 {
		return k, fmt.Errorf("identity: invalid metadata key length %d", len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return k, fmt.Errorf("identity: invalid metadata key hex: %w", err)
	}
	copy(k[:], b)
	return k, nil
}

// KeyStorage is the abstract collaborator the identity engine uses to
// persist the master secret. Real installations back this with an OS
// secure-storage adapter; FileKeyStorage (filestorage.go) is the
// in-process default.
type KeyStorage interface {
	GetKey(name string) ([]byte, error)
	SetKey(name string, value []byte) error
}

const msKeyName = "master_secret"

// Engine owns the master secret and derives RPIs and metadata keys from
// it. The zero value is not usable; construct with New.
type Engine struct {
	storage KeyStorage
	period  time.Duration

	ms []byte // hex-decoded, MSLength bytes once Initialize succeeds.
}

// New constructs an Engine that will persist its master secret through
// storage and compute epochs of the given period (the configured RPI
// rotation interval).
func New(storage KeyStorage, period time.Duration) *Engine {
	return &Engine{storage: storage, period: period}
}

// Initialize is idempotent. It reads the master secret from storage; if
// absent, it draws MSLength cryptographically secure random bytes,
// hex-encodes them, persists them, and keeps them in memory.
func (e *Engine) Initialize() error {
	if e.ms != nil {
		return nil
	}

	raw, err := e.storage.GetKey(msKeyName)
	if err == nil && len(raw) > 0 {
		ms, decErr := hex.DecodeString(string(raw))
		if decErr == nil && len(ms) == MSLength {
			e.ms = ms
			return nil
		}
	}

	ms := make([]byte, MSLength)
	if _, rerr := rand.Read(ms); rerr != nil {
		return fmt.Errorf("%w: %v", ErrKeyStorageUnavailable, rerr)
	}
	encoded := []byte(hex.EncodeToString(ms))
	if werr := e.storage.SetKey(msKeyName, encoded); werr != nil {
		return fmt.Errorf("%w: %v", ErrKeyStorageUnavailable, werr)
	}
	e.ms = ms
	return nil
}

// CurrentRPI computes the RPI for the current wall-clock epoch.
func (e *Engine) CurrentRPI() RPI {
	epoch, _, _ := epochtime.Now(e.period)
	return e.rpiForEpoch(epoch)
}

// History returns a lazy, most-recent-first sequence of the RPIs observed
// over the last `days` days. At most one epoch's RPI is materialized at a
// time; callers drive the sequence with range.
func (e *Engine) History(days int) func(yield func(RPI) bool) {
	epochsPerDay := int64(24*time.Hour) / int64(e.period)
	count := int64(days) * epochsPerDay

	current, _, _ := epochtime.Now(e.period)
	return func(yield func(RPI) bool) {
		for i := int64(0); i < count; i++ {
			epoch := epochtime.Number(int64(current) - i)
			if !yield(e.rpiForEpoch(epoch)) {
				return
			}
		}
	}
}

func (e *Engine) rpiForEpoch(epoch epochtime.Number) RPI {
	mac := hmac.New(sha256.New, e.ms)
	mac.Write([]byte(fmt.Sprintf("%d", uint64(epoch))))
	sum := mac.Sum(nil)
	var r RPI
	copy(r[:], sum[:RPILength])
	return r
}

// MetadataKey derives the per-RPI metadata key for the given RPI hex
// string.
func (e *Engine) MetadataKey(rpiHex string) MetadataKey {
	mac := hmac.New(sha256.New, e.ms)
	mac.Write([]byte("meta:" + rpiHex))
	sum := mac.Sum(nil)
	var k MetadataKey
	copy(k[:], sum[:MKLength])
	return k
}

// MasterKey returns the raw master secret bytes for the database
// encryption collaborator (store.Open). It is exposed exactly to that one
// caller and must never be transmitted or logged.
func (e *Engine) MasterKey() []byte {
	ms := make([]byte, len(e.ms))
	copy(ms, e.ms)
	return ms
}

// DisplayName returns a stable, purely cosmetic pseudonym string derived
// from the current RPI.
func (e *Engine) DisplayName() string {
	r := e.CurrentRPI()
	return "vailix-" + r.String()[:8]
}
