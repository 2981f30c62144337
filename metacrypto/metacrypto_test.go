// SPDX-FileCopyrightText: Copyright (C) 2024  The vailix Authors.
// SPDX-License-Identifier: AGPL-3.0-or-later

package metacrypto

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func randKey(t *testing.T) []byte {
	k := make([]byte, KeyLen)
	_, err := rand.Read(k)
	require.NoError(t, err)
	return k
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := randKey(t)
	plaintext := []byte(`{"condition":"x","testDate":"2025-01-05"}`)

	wire, err := Encrypt(plaintext, key)
	require.NoError(t, err)

	got, err := Decrypt(wire, key)
	require.NoError(t, err)
	require.Equal(t, plaintext, got)
}

func TestDecryptWithWrongKeyYieldsNoMetadata(t *testing.T) {
	key := randKey(t)
	other := randKey(t)
	wire, err := Encrypt([]byte("hello"), key)
	require.NoError(t, err)

	_, err = Decrypt(wire, other)
	require.ErrorIs(t, err, ErrNoMetadata)
}

func TestDecryptTamperedCiphertextYieldsNoMetadata(t *testing.T) {
	key := randKey(t)
	wire, err := Encrypt([]byte("hello"), key)
	require.NoError(t, err)

	tampered := wire[:len(wire)-1] + "A"
	_, err = Decrypt(tampered, key)
	require.ErrorIs(t, err, ErrNoMetadata)
}

func TestDecryptMalformedWireYieldsNoMetadata(t *testing.T) {
	key := randKey(t)
	_, err := Decrypt("not-the-right-shape", key)
	require.ErrorIs(t, err, ErrNoMetadata)

	_, err = Decrypt("a:b", key)
	require.ErrorIs(t, err, ErrNoMetadata)

	_, err = Decrypt("a:b:c:d", key)
	require.ErrorIs(t, err, ErrNoMetadata)
}

func TestEncryptRejectsOversizedPlaintext(t *testing.T) {
	key := randKey(t)
	big := make([]byte, MaxPlaintextLen+1)
	_, err := Encrypt(big, key)
	require.ErrorIs(t, err, ErrMetadataTooLarge)
}

func TestEncryptRejectsShortKey(t *testing.T) {
	_, err := Encrypt([]byte("hi"), []byte("short"))
	require.Error(t, err)
}
