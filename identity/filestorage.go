// SPDX-FileCopyrightText: Copyright (C) 2024  The vailix Authors.
// SPDX-License-Identifier: AGPL-3.0-or-later

package identity

import (
	"os"
	"path/filepath"
)

// FileKeyStorage is the default KeyStorage: it writes keys as individual
// 0600 files under a directory. Real installations are expected to supply
// an OS secure-storage adapter instead; this exists so the engine is
// runnable standalone.
type FileKeyStorage struct {
	Dir string
}

// GetKey implements KeyStorage.
func (f *FileKeyStorage) GetKey(name string) ([]byte, error) {
	return os.ReadFile(filepath.Join(f.Dir, name))
}

// SetKey implements KeyStorage.
func (f *FileKeyStorage) SetKey(name string, value []byte) error {
	if err := os.MkdirAll(f.Dir, 0700); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(f.Dir, name), value, 0600)
}
