// SPDX-FileCopyrightText: Copyright (C) 2024  The vailix Authors.
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ingest implements the storage half of the vailix server
// ingest/serve engine: deduplicated persistence of reported RPIs with
// TTL expiry, and cursor-paginated range scans for download.
// Grounded on memspool/server/spool.go's bbolt-backed, worker-managed
// storage shape and its create-if-absent semantics.
package ingest

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
	"gopkg.in/op/go-logging.v1"

	"github.com/vailix-dev/vailix/core/worker"
)

const (
	rpiIndexBucket = "keys" // rpi (16 bytes) -> row id (8 bytes, big-endian)
	rowsBucket     = "rows" // row id -> encoded Record

	// defaultSweepInterval is how often the TTL sweep goroutine checks for
	// expired rows.
	defaultSweepInterval = time.Hour
)

// ErrStoreIO covers any failure opening, reading, or writing the
// underlying database.
var ErrStoreIO = errors.New("ingest: io error")

// RPILen is the length in bytes of a raw RPI key, matching identity.RPILength.
const RPILen = 16

// Record is one persisted report row.
type Record struct {
	RPI         [RPILen]byte
	Metadata    string
	CreatedAtMs int64
}

// Store is the server-side deduplicated, TTL-expiring key store.
type Store struct {
	worker.Worker

	db        *bolt.DB
	log       *logging.Logger
	retention time.Duration
}

// Open opens (or creates) the ingest database at path and starts the TTL
// sweep goroutine under the embedded worker.
func Open(path string, retention time.Duration, log *logging.Logger) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreIO, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{rpiIndexBucket, rowsBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", ErrStoreIO, err)
	}

	s := &Store{db: db, log: log, retention: retention}
	s.Go(s.sweepLoop)
	return s, nil
}

// Close halts the TTL sweep and closes the database.
func (s *Store) Close() error {
	s.Halt()
	return s.db.Close()
}

// Insert performs an idempotent upsert: if rpi is already present, the
// call is a no-op and reports created=false. Repeated reports of the
// same RPI do not overwrite the stored record and do not multiply-count.
func (s *Store) Insert(rpi [RPILen]byte, metadata string, now int64) (created bool, err error) {
	err = s.db.Update(func(tx *bolt.Tx) error {
		idx := tx.Bucket([]byte(rpiIndexBucket))
		if idx.Get(rpi[:]) != nil {
			return nil
		}

		rows := tx.Bucket([]byte(rowsBucket))
		id, seqErr := rows.NextSequence()
		if seqErr != nil {
			return seqErr
		}

		rec := Record{RPI: rpi, Metadata: metadata, CreatedAtMs: now}
		if err := rows.Put(rowIDKey(id), encodeRecord(rec)); err != nil {
			return err
		}
		if err := idx.Put(rpi[:], rowIDKey(id)); err != nil {
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStoreIO, err)
	}
	return created, nil
}

// Page returns up to limit rows with CreatedAtMs >= since and row id >
// cursor, sorted ascending by row id. The returned cursor is the row id
// of the last record returned, or 0 (exhausted) if fewer than limit rows
// were found.
func (s *Store) Page(since int64, cursor uint64, limit int) ([]Record, uint64, error) {
	var records []Record
	var lastID uint64

	err := s.db.View(func(tx *bolt.Tx) error {
		rows := tx.Bucket([]byte(rowsBucket))
		c := rows.Cursor()
		start := rowIDKey(cursor + 1)

		for k, v := c.Seek(start); k != nil && len(records) < limit; k, v = c.Next() {
			rec, err := decodeRecord(v)
			if err != nil {
				continue
			}
			if rec.CreatedAtMs < since {
				continue
			}
			records = append(records, rec)
			lastID = binary.BigEndian.Uint64(k)
		}
		return nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrStoreIO, err)
	}

	nextCursor := uint64(0)
	if len(records) == limit {
		nextCursor = lastID
	}
	return records, nextCursor, nil
}

func (s *Store) sweepLoop() {
	ticker := time.NewTicker(defaultSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.HaltCh():
			return
		case <-ticker.C:
			if err := s.sweepExpired(time.Now().UnixMilli()); err != nil && s.log != nil {
				s.log.Warningf("ingest: ttl sweep failed: %v", err)
			}
		}
	}
}

func (s *Store) sweepExpired(nowMs int64) error {
	cutoff := nowMs - s.retention.Milliseconds()

	return s.db.Update(func(tx *bolt.Tx) error {
		rows := tx.Bucket([]byte(rowsBucket))
		idx := tx.Bucket([]byte(rpiIndexBucket))

		var staleRowKeys [][]byte
		var staleRPIs [][]byte

		c := rows.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			rec, err := decodeRecord(v)
			if err != nil {
				continue
			}
			if rec.CreatedAtMs < cutoff {
				staleRowKeys = append(staleRowKeys, append([]byte{}, k...))
				staleRPIs = append(staleRPIs, append([]byte{}, rec.RPI[:]...))
			}
		}

		for _, k := range staleRowKeys {
			if err := rows.Delete(k); err != nil {
				return err
			}
		}
		for _, rpi := range staleRPIs {
			if err := idx.Delete(rpi); err != nil {
				return err
			}
		}
		return nil
	})
}

func rowIDKey(id uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], id)
	return b[:]
}

// encodeRecord lays out a Record as: [16]byte rpi, u64 createdAtMs (big
// endian), u16 metaLen, metadata bytes. Mirrors the wire package's
// size-then-fill binary layout for the same kind of fixed-plus-variable
// record.
func encodeRecord(r Record) []byte {
	buf := make([]byte, RPILen+8+2+len(r.Metadata))
	off := 0
	copy(buf[off:off+RPILen], r.RPI[:])
	off += RPILen
	binary.BigEndian.PutUint64(buf[off:off+8], uint64(r.CreatedAtMs))
	off += 8
	binary.BigEndian.PutUint16(buf[off:off+2], uint16(len(r.Metadata)))
	off += 2
	copy(buf[off:], r.Metadata)
	return buf
}

func decodeRecord(buf []byte) (Record, error) {
	if len(buf) < RPILen+8+2 {
		return Record{}, fmt.Errorf("ingest: malformed record")
	}
	var rec Record
	off := 0
	copy(rec.RPI[:], buf[off:off+RPILen])
	off += RPILen
	rec.CreatedAtMs = int64(binary.BigEndian.Uint64(buf[off : off+8]))
	off += 8
	metaLen := int(binary.BigEndian.Uint16(buf[off : off+2]))
	off += 2
	if off+metaLen > len(buf) {
		return Record{}, fmt.Errorf("ingest: malformed record metadata length")
	}
	rec.Metadata = string(buf[off : off+metaLen])
	return rec, nil
}
