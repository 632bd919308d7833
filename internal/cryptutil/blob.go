// Copyright 2025 StrongDM Inc
// SPDX-License-Identifier: Apache-2.0

package cryptutil

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// blobLabel domain-separates the whole-buffer cipher (used for small,
// one-shot payloads like enc_meta and the backup_root list) from the
// chunked stream cipher.
const blobLabel = "frozen-blob-v1"

// EncryptBlob authenticates and encrypts a small buffer in one shot,
// appending the nonce to the end of the ciphertext. Used for payloads that
// are never chunked: the enc_meta sidecar and the backup_root list.
func EncryptBlob(k Key, plain []byte) ([]byte, error) {
	subkey := Hash32(k, []byte(blobLabel))
	aead, err := chacha20poly1305.NewX(subkey[:])
	if err != nil {
		return nil, fmt.Errorf("cryptutil: building blob AEAD: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("cryptutil: generating blob nonce: %w", err)
	}
	cipher := aead.Seal(nil, nonce, plain, nil)
	return append(cipher, nonce...), nil
}

// DecryptBlob is the inverse of EncryptBlob.
func DecryptBlob(k Key, data []byte) ([]byte, error) {
	subkey := Hash32(k, []byte(blobLabel))
	aead, err := chacha20poly1305.NewX(subkey[:])
	if err != nil {
		return nil, fmt.Errorf("cryptutil: building blob AEAD: %w", err)
	}
	if len(data) < aead.NonceSize() {
		return nil, fmt.Errorf("cryptutil: ciphertext too small")
	}
	nonceStart := len(data) - aead.NonceSize()
	nonce := data[nonceStart:]
	plain, err := aead.Open(nil, nonce, data[:nonceStart], nil)
	if err != nil {
		return nil, fmt.Errorf("cryptutil: decryption failed: %w", err)
	}
	return plain, nil
}
