// Copyright 2025 StrongDM Inc
// SPDX-License-Identifier: Apache-2.0

package cryptutil

import (
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// FileMeta is the cleartext shape of the X-Bz-Info-enc_meta sidecar: enough
// to restore a file's identity and attributes without decrypting its body.
type FileMeta struct {
	RelPath   string `msgpack:"rel_path"`
	Mtime     uint64 `msgpack:"mtime"`
	Mode      uint32 `msgpack:"mode"`
	IsSymlink bool   `msgpack:"is_symlink"`
}

// EncodeMeta msgpack-serializes and encrypts a FileMeta, returning base64url
// (no padding) text suitable for an HTTP header value.
func EncodeMeta(k Key, meta FileMeta) (string, error) {
	buf, err := marshalSortedMap(meta)
	if err != nil {
		return "", fmt.Errorf("cryptutil: encoding enc_meta: %w", err)
	}
	cipher, err := EncryptBlob(k, buf)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(cipher), nil
}

// DecodeMeta is the inverse of EncodeMeta.
func DecodeMeta(k Key, encoded string) (FileMeta, error) {
	var meta FileMeta
	cipher, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return meta, fmt.Errorf("cryptutil: decoding enc_meta base64: %w", err)
	}
	plain, err := DecryptBlob(k, cipher)
	if err != nil {
		return meta, err
	}
	if err := msgpack.Unmarshal(plain, &meta); err != nil {
		return meta, fmt.Errorf("cryptutil: unmarshaling enc_meta: %w", err)
	}
	return meta, nil
}

// MarshalSortedMap serializes v with sorted map keys, matching the
// deterministic-encoding idiom from gfbonny-cxdb/clients/go/fstree/capture.go
// (enc.SetSortMapKeys(true)) so re-encoding the same metadata always
// produces the same bytes.
func MarshalSortedMap(v any) ([]byte, error) {
	return marshalSortedMap(v)
}

func marshalSortedMap(v any) ([]byte, error) {
	var buf []byte
	w := &sliceWriter{&buf}
	enc := msgpack.NewEncoder(w)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf, nil
}

type sliceWriter struct{ buf *[]byte }

func (w *sliceWriter) Write(p []byte) (int, error) {
	*w.buf = append(*w.buf, p...)
	return len(p), nil
}

// Sha1Hex returns the lowercase hex SHA-1 digest of data, matching the
// original's sha1_string and the B2 X-Bz-Content-Sha1 header requirement.
// SHA-1 is mandated by the object-store API itself, not a design choice, so
// no ecosystem hashing library beyond the standard library's crypto/sha1 is
// warranted here.
func Sha1Hex(data []byte) string {
	sum := sha1.Sum(data)
	return hex.EncodeToString(sum[:])
}
