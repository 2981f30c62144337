// SPDX-FileCopyrightText: Copyright (C) 2024  The vailix Authors.
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package metacrypto implements the vailix metadata cipher: AES-256-GCM
// with a fresh 96-bit IV per encryption, wire-encoded as three base64
// tokens joined by colons. Modeled on catshadow's encrypt-state/decrypt-
// state pattern of prepending fresh nonce material to the ciphertext,
// with the AEAD primitive swapped for AES-256-GCM.
package metacrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// MaxPlaintextLen is the largest permitted plaintext metadata payload, in
// bytes, before encryption.
const MaxPlaintextLen = 8192

// KeyLen is the required AES-256 key length in bytes.
const KeyLen = 32

const ivLen = 12 // 96 bits.

// ErrMetadataTooLarge is returned by Encrypt when plaintext exceeds
// MaxPlaintextLen.
var ErrMetadataTooLarge = errors.New("metacrypto: metadata too large")

// ErrNoMetadata is returned by Decrypt on any failure that the matching
// pass must treat as "no metadata available" rather than a fatal error:
// wrong key, tampered tag, or a wire string that isn't the expected
// three-part shape.
var ErrNoMetadata = errors.New("metacrypto: no metadata")

// Encrypt seals plaintext under key (which must be KeyLen bytes, typically
// an identity.MetadataKey) with a freshly drawn IV, and renders the result
// as base64(iv):base64(tag):base64(ciphertext).
func Encrypt(plaintext []byte, key []byte) (string, error) {
	if len(plaintext) > MaxPlaintextLen {
		return "", fmt.Errorf("%w: %d bytes", ErrMetadataTooLarge, len(plaintext))
	}

	aead, err := newAEAD(key)
	if err != nil {
		return "", err
	}

	iv := make([]byte, ivLen)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("metacrypto: drawing iv: %w", err)
	}

	// Seal appends the tag to the ciphertext; split it back out so the
	// wire format can carry it as its own token.
	sealed := aead.Seal(nil, iv, plaintext, nil)
	tagStart := len(sealed) - aead.Overhead()
	ciphertext, tag := sealed[:tagStart], sealed[tagStart:]

	return strings.Join([]string{
		base64.StdEncoding.EncodeToString(iv),
		base64.StdEncoding.EncodeToString(tag),
		base64.StdEncoding.EncodeToString(ciphertext),
	}, ":"), nil
}

// Decrypt opens a wire string produced by Encrypt. Any failure (wrong
// key, tampered tag, or malformed wire format) is reported as
// ErrNoMetadata; the matching pass must treat this as a missing-metadata
// match, never as a fatal error.
func Decrypt(wire string, key []byte) ([]byte, error) {
	parts := strings.Split(wire, ":")
	if len(parts) != 3 {
		return nil, ErrNoMetadata
	}

	iv, err := decodeToken(parts[0])
	if err != nil {
		return nil, ErrNoMetadata
	}
	tag, err := decodeToken(parts[1])
	if err != nil {
		return nil, ErrNoMetadata
	}
	ciphertext, err := decodeToken(parts[2])
	if err != nil {
		return nil, ErrNoMetadata
	}
	if len(iv) != ivLen {
		return nil, ErrNoMetadata
	}

	aead, err := newAEAD(key)
	if err != nil {
		return nil, ErrNoMetadata
	}

	sealed := append(append([]byte{}, ciphertext...), tag...)
	plaintext, err := aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, ErrNoMetadata
	}
	return plaintext, nil
}

// decodeToken accepts both standard and URL-safe base64, since Decrypt
// must open tokens from any client regardless of which alphabet it chose
// to encode with; Encrypt itself always emits standard base64.
func decodeToken(s string) ([]byte, error) {
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.URLEncoding.DecodeString(s)
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != KeyLen {
		return nil, fmt.Errorf("metacrypto: key must be %d bytes, got %d", KeyLen, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
