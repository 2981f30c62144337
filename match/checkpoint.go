// SPDX-FileCopyrightText: Copyright (C) 2024  The vailix Authors.
// SPDX-License-Identifier: AGPL-3.0-or-later

package match

import (
	"fmt"
	"os"

	"github.com/fxamacker/cbor/v2"
)

// CheckpointStore persists the matcher's sync checkpoint: the maximum
// reported_at millis observed across all successfully completed passes.
type CheckpointStore interface {
	Load() (int64, error)
	Save(ms int64) error
}

type checkpointDoc struct {
	MaxReportedAtMs int64 `cbor:"max_reported_at_ms"`
}

// FileCheckpointStore persists the checkpoint as a small CBOR document on
// disk, mirroring the teacher's thin-client use of cbor for small persisted
// state documents.
type FileCheckpointStore struct {
	Path string
}

// Load returns 0 if the checkpoint file does not yet exist.
func (f FileCheckpointStore) Load() (int64, error) {
	raw, err := os.ReadFile(f.Path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("match: reading checkpoint: %w", err)
	}
	var doc checkpointDoc
	if err := cbor.Unmarshal(raw, &doc); err != nil {
		return 0, fmt.Errorf("match: decoding checkpoint: %w", err)
	}
	return doc.MaxReportedAtMs, nil
}

// Save overwrites the persisted checkpoint. Callers must only invoke this
// after a fully successful fetch-and-match pass.
func (f FileCheckpointStore) Save(ms int64) error {
	raw, err := cbor.Marshal(checkpointDoc{MaxReportedAtMs: ms})
	if err != nil {
		return fmt.Errorf("match: encoding checkpoint: %w", err)
	}
	if err := os.WriteFile(f.Path, raw, 0600); err != nil {
		return fmt.Errorf("match: writing checkpoint: %w", err)
	}
	return nil
}

// MemCheckpointStore is an in-memory CheckpointStore, useful for tests and
// for short-lived processes that accept re-downloading on restart.
type MemCheckpointStore struct {
	ms int64
}

func (m *MemCheckpointStore) Load() (int64, error) { return m.ms, nil }
func (m *MemCheckpointStore) Save(ms int64) error  { m.ms = ms; return nil }
