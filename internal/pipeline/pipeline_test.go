// Copyright 2025 StrongDM Inc
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"bytes"
	"context"
	"testing"

	"github.com/tux3/frozen/internal/cryptutil"
)

func TestEncodeDecodeRoundtrip(t *testing.T) {
	key, err := cryptutil.RandomKey()
	if err != nil {
		t.Fatal(err)
	}
	plaintext := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog "), 100)

	encoded, err := Encode(context.Background(), key, bytes.NewReader(plaintext))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	decoded, err := Decode(context.Background(), key, encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !bytes.Equal(decoded, plaintext) {
		t.Fatalf("roundtrip mismatch: got %d bytes, want %d bytes", len(decoded), len(plaintext))
	}
}

func TestEncodeDecodeEmptyInput(t *testing.T) {
	key, err := cryptutil.RandomKey()
	if err != nil {
		t.Fatal(err)
	}

	encoded, err := Encode(context.Background(), key, bytes.NewReader(nil))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := Decode(context.Background(), key, encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(decoded) != 0 {
		t.Fatalf("expected empty plaintext, got %d bytes", len(decoded))
	}
}

func TestEncodeMultipleChunks(t *testing.T) {
	key, err := cryptutil.RandomKey()
	if err != nil {
		t.Fatal(err)
	}
	plaintext := make([]byte, ChunkSize*3+1234)
	for i := range plaintext {
		plaintext[i] = byte(i)
	}

	encoded, err := Encode(context.Background(), key, bytes.NewReader(plaintext))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := Decode(context.Background(), key, encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !bytes.Equal(decoded, plaintext) {
		t.Fatalf("multi-chunk roundtrip mismatch (got %d bytes, want %d)", len(decoded), len(plaintext))
	}
}

func TestDecodeRejectsWrongKey(t *testing.T) {
	key, err := cryptutil.RandomKey()
	if err != nil {
		t.Fatal(err)
	}
	other, err := cryptutil.RandomKey()
	if err != nil {
		t.Fatal(err)
	}

	encoded, err := Encode(context.Background(), key, bytes.NewReader([]byte("secret")))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := Decode(context.Background(), other, encoded); err == nil {
		t.Fatal("expected decoding with the wrong key to fail")
	}
}

func TestDecodeRejectsTamperedChunk(t *testing.T) {
	key, err := cryptutil.RandomKey()
	if err != nil {
		t.Fatal(err)
	}
	encoded, err := Encode(context.Background(), key, bytes.NewReader([]byte("secret payload")))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	encoded[len(encoded)-1] ^= 0xFF

	if _, err := Decode(context.Background(), key, encoded); err == nil {
		t.Fatal("expected decoding a tampered blob to fail")
	}
}
