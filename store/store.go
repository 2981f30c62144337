// SPDX-FileCopyrightText: Copyright (C) 2024  The vailix Authors.
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package store implements the vailix encrypted local store: an
// at-rest-encrypted contact log with rescan throttling and retention,
// backed by go.etcd.io/bbolt. Grounded on
// userdb/boltuserdb.go's bucket-per-concern layout with an in-memory
// cache mirrored from the bucket on open, and map/server/server.go's
// bbolt transaction shape.
package store

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
	"gopkg.in/op/go-logging.v1"

	"github.com/vailix-dev/vailix/identity"
	"github.com/vailix-dev/vailix/metacrypto"
)

const (
	eventsBucket   = "scanned_events"
	rpiIndexBucket = "rpi_index"
	ledgerBucket   = "rescan_ledger"
	metaBucket     = "metadata"

	canaryKey      = "canary"
	canaryContents = "vailix-store-canary"

	// maxIDBatch bounds the number of identifiers looked up per
	// transaction in MatchingScans, mirroring the common limit on the
	// number of bound variables in a single SQL IN(...) clause.
	maxIDBatch = 500

	// maxLedgerEntries bounds the in-memory rescan ledger; the oldest
	// entries (by last-capture time) are evicted past this size.
	maxLedgerEntries = 10000

	retention = 14 * 24 * time.Hour
)

// ErrStoreIO covers any failure opening, reading, or writing the
// underlying database.
var ErrStoreIO = errors.New("store: io error")

// ContactRecord is one logged contact: a peer RPI and metadata key plus
// the time the contact was captured.
type ContactRecord struct {
	ID             string
	PeerRPIHex     string
	PeerMetaKeyHex string
	TimestampMs    int64
}

// Store is the encrypted local contact log.
type Store struct {
	log *logging.Logger

	path string
	key  []byte // AES-256 key: identity.Engine.MasterKey(), used directly.

	db *bolt.DB

	rescanIntervalMs int64

	mu     sync.Mutex
	ledger map[string]int64 // peer rpi hex -> last capture ms.
}

// Open opens (or creates) the encrypted store at path, keyed by key (the
// installation's master secret is used directly as the database
// password). rescanIntervalMs is the rescan-throttle policy; pass 0 to
// disable throttling.
//
// On key mismatch (the canary record fails to decrypt, e.g. an
// OS-restored backup carrying a different master secret) the policy is
// fail-open-to-empty: the file is closed, deleted, and reopened fresh.
// This never falls back to plaintext.
func Open(path string, key []byte, rescanIntervalMs int64, log *logging.Logger) (*Store, error) {
	if len(key) != metacrypto.KeyLen {
		return nil, fmt.Errorf("%w: key must be %d bytes", ErrStoreIO, metacrypto.KeyLen)
	}

	s := &Store{
		log:              log,
		path:             path,
		key:              key,
		rescanIntervalMs: rescanIntervalMs,
		ledger:           make(map[string]int64),
	}

	if err := s.openAndVerify(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) openAndVerify() error {
	db, err := bolt.Open(s.path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreIO, err)
	}

	mismatch := false
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{eventsBucket, rpiIndexBucket, ledgerBucket, metaBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}

		meta := tx.Bucket([]byte(metaBucket))
		existing := meta.Get([]byte(canaryKey))
		if existing == nil {
			sealed, err := metacrypto.Encrypt([]byte(canaryContents), s.key)
			if err != nil {
				return err
			}
			return meta.Put([]byte(canaryKey), []byte(sealed))
		}

		plain, err := metacrypto.Decrypt(string(existing), s.key)
		if err != nil || string(plain) != canaryContents {
			mismatch = true
			return nil
		}
		return nil
	})
	if err != nil {
		db.Close()
		return fmt.Errorf("%w: %v", ErrStoreIO, err)
	}

	if mismatch {
		db.Close()
		if s.log != nil {
			s.log.Warning("store: master-secret key mismatch detected, recreating empty database")
		}
		if rmErr := os.Remove(s.path); rmErr != nil && !os.IsNotExist(rmErr) {
			return fmt.Errorf("%w: %v", ErrStoreIO, rmErr)
		}
		return s.openAndVerify()
	}

	if err := s.loadLedger(db); err != nil {
		db.Close()
		return err
	}

	s.db = db
	return nil
}

func (s *Store) loadLedger(db *bolt.DB) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(ledgerBucket))
		return bkt.ForEach(func(k, v []byte) error {
			if len(v) != 8 {
				return nil
			}
			s.ledger[string(k)] = int64(binary.BigEndian.Uint64(v))
			return nil
		})
	})
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// LogScan inserts a contact record and updates the rescan ledger with now.
// The in-memory ledger is updated only if the underlying write succeeds.
func (s *Store) LogScan(peerRPIHex, peerMetaKeyHex string, timestampMs int64) error {
	var rowID uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		events := tx.Bucket([]byte(eventsBucket))
		idx := tx.Bucket([]byte(rpiIndexBucket))

		id, err := events.NextSequence()
		if err != nil {
			return err
		}
		rowID = id

		rec := encodeRecord(peerRPIHex, peerMetaKeyHex, timestampMs)
		sealed, err := metacrypto.Encrypt(rec, s.key)
		if err != nil {
			return err
		}

		key := rowIDKey(rowID)
		if err := events.Put(key, []byte(sealed)); err != nil {
			return err
		}
		return idx.Put(indexKey(peerRPIHex, rowID), key)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreIO, err)
	}

	s.mu.Lock()
	s.ledger[peerRPIHex] = timestampMs
	s.evictLedgerLocked()
	s.mu.Unlock()

	return s.mirrorLedgerEntry(peerRPIHex, timestampMs)
}

func (s *Store) mirrorLedgerEntry(rpiHex string, timestampMs int64) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(ledgerBucket))
		var v [8]byte
		binary.BigEndian.PutUint64(v[:], uint64(timestampMs))
		return bkt.Put([]byte(rpiHex), v[:])
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreIO, err)
	}
	return nil
}

// evictLedgerLocked evicts the oldest (by last-capture ms) entries once
// the in-memory ledger exceeds maxLedgerEntries. Callers must hold s.mu.
func (s *Store) evictLedgerLocked() {
	if len(s.ledger) <= maxLedgerEntries {
		return
	}
	type kv struct {
		rpi string
		ms  int64
	}
	entries := make([]kv, 0, len(s.ledger))
	for k, v := range s.ledger {
		entries = append(entries, kv{k, v})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ms < entries[j].ms })

	overflow := len(entries) - maxLedgerEntries
	for i := 0; i < overflow; i++ {
		delete(s.ledger, entries[i].rpi)
	}
}

// CanScan reports whether a fresh log_scan for rpi is currently permitted
// under the configured rescan-throttle policy.
func (s *Store) CanScan(peerRPIHex string, now int64) bool {
	if s.rescanIntervalMs == 0 {
		return true
	}
	s.mu.Lock()
	last, ok := s.ledger[peerRPIHex]
	s.mu.Unlock()
	if !ok {
		return true
	}
	return now-last >= s.rescanIntervalMs
}

// MatchingScans returns all contact records whose peer RPI appears in
// rpiHexes. The underlying lookup is batched into chunks of at most
// maxIDBatch identifiers per transaction; the union of batches is
// returned with no duplicates introduced.
func (s *Store) MatchingScans(rpiHexes []string) ([]ContactRecord, error) {
	seen := make(map[string]struct{})
	var out []ContactRecord

	for start := 0; start < len(rpiHexes); start += maxIDBatch {
		end := start + maxIDBatch
		if end > len(rpiHexes) {
			end = len(rpiHexes)
		}
		batch := rpiHexes[start:end]

		err := s.db.View(func(tx *bolt.Tx) error {
			idx := tx.Bucket([]byte(rpiIndexBucket))
			events := tx.Bucket([]byte(eventsBucket))

			for _, rpiHex := range batch {
				c := idx.Cursor()
				prefix := []byte(rpiHex)
				for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
					rowKey := append([]byte{}, v...)
					raw := events.Get(rowKey)
					if raw == nil {
						continue
					}
					plain, err := metacrypto.Decrypt(string(raw), s.key)
					if err != nil {
						continue
					}
					rec, err := decodeRecord(hex.EncodeToString(rowKey), plain)
					if err != nil {
						continue
					}
					if _, dup := seen[rec.ID]; dup {
						continue
					}
					seen[rec.ID] = struct{}{}
					out = append(out, rec)
				}
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStoreIO, err)
		}
	}
	return out, nil
}

// RecentPairs returns contact records captured within the last
// withinHours hours.
func (s *Store) RecentPairs(withinHours int, now int64) ([]ContactRecord, error) {
	cutoff := now - int64(withinHours)*3600*1000
	var out []ContactRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		events := tx.Bucket([]byte(eventsBucket))
		return events.ForEach(func(k, v []byte) error {
			plain, err := metacrypto.Decrypt(string(v), s.key)
			if err != nil {
				return nil
			}
			rec, err := decodeRecord(hex.EncodeToString(k), plain)
			if err != nil {
				return nil
			}
			if rec.TimestampMs > cutoff {
				out = append(out, rec)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreIO, err)
	}
	return out, nil
}

// CleanupOldScans deletes rows older than the 14-day retention window and
// prunes rescan-ledger entries old enough that they can no longer
// influence CanScan.
func (s *Store) CleanupOldScans(now int64) error {
	cutoff := now - retention.Milliseconds()

	err := s.db.Update(func(tx *bolt.Tx) error {
		events := tx.Bucket([]byte(eventsBucket))
		idx := tx.Bucket([]byte(rpiIndexBucket))

		var staleRows [][]byte
		var staleIdx [][]byte
		c := idx.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			raw := events.Get(v)
			if raw == nil {
				staleIdx = append(staleIdx, append([]byte{}, k...))
				continue
			}
			plain, err := metacrypto.Decrypt(string(raw), s.key)
			if err != nil {
				continue
			}
			rec, err := decodeRecord(hex.EncodeToString(v), plain)
			if err != nil {
				continue
			}
			if rec.TimestampMs < cutoff {
				staleRows = append(staleRows, append([]byte{}, v...))
				staleIdx = append(staleIdx, append([]byte{}, k...))
			}
		}
		for _, k := range staleIdx {
			if err := idx.Delete(k); err != nil {
				return err
			}
		}
		for _, k := range staleRows {
			if err := events.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreIO, err)
	}

	if s.rescanIntervalMs > 0 {
		s.mu.Lock()
		for rpi, last := range s.ledger {
			if now-last >= s.rescanIntervalMs {
				delete(s.ledger, rpi)
			}
		}
		s.mu.Unlock()

		err = s.db.Update(func(tx *bolt.Tx) error {
			bkt := tx.Bucket([]byte(ledgerBucket))
			c := bkt.Cursor()
			var stale [][]byte
			for k, v := c.First(); k != nil; k, v = c.Next() {
				if len(v) != 8 {
					continue
				}
				last := int64(binary.BigEndian.Uint64(v))
				if now-last >= s.rescanIntervalMs {
					stale = append(stale, append([]byte{}, k...))
				}
			}
			for _, k := range stale {
				if err := bkt.Delete(k); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("%w: %v", ErrStoreIO, err)
		}
	}
	return nil
}

func rowIDKey(id uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], id)
	return b[:]
}

func indexKey(rpiHex string, rowID uint64) []byte {
	key := make([]byte, len(rpiHex)+8)
	copy(key, rpiHex)
	binary.BigEndian.PutUint64(key[len(rpiHex):], rowID)
	return key
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}

func encodeRecord(rpiHex, metaKeyHex string, timestampMs int64) []byte {
	// A trivial delimited encoding: the value is already sealed by
	// metacrypto.Encrypt before it ever reaches disk, so no further
	// structure is needed beyond something decodeRecord can parse back.
	return []byte(fmt.Sprintf("%s|%s|%d", rpiHex, metaKeyHex, timestampMs))
}

func decodeRecord(rowIDHex string, plain []byte) (ContactRecord, error) {
	parts := strings.SplitN(string(plain), "|", 3)
	if len(parts) != 3 {
		return ContactRecord{}, fmt.Errorf("store: malformed record")
	}
	rpiHex, metaKeyHex := parts[0], parts[1]
	if len(rpiHex) != identity.RPILength*2 || len(metaKeyHex) != identity.MKLength*2 {
		return ContactRecord{}, fmt.Errorf("store: malformed record field length")
	}
	ts, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return ContactRecord{}, fmt.Errorf("store: malformed record timestamp: %w", err)
	}
	return ContactRecord{
		ID:             rowIDHex,
		PeerRPIHex:     rpiHex,
		PeerMetaKeyHex: metaKeyHex,
		TimestampMs:    ts,
	}, nil
}
