// Copyright 2025 StrongDM Inc
// SPDX-License-Identifier: Apache-2.0

// Package pipeline wraps internal/cryptutil's chunk cipher and zstd into the
// compress -> encrypt -> upload (and its inverse) streaming transform used
// for every file body and every DirDB blob sent to the object store.
package pipeline

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/sync/errgroup"

	"github.com/tux3/frozen/internal/cryptutil"
)

// ChunkSize is the plaintext size of one pipeline chunk. Each chunk is
// compressed and encrypted independently. Encode reads the whole input
// into memory before splitting it, so there is no backpressure between the
// read and the compress/encrypt work.
const ChunkSize = 16 * 1024 * 1024

// MaxInFlight bounds how many chunks may be compressing/encrypting (or
// decrypting/decompressing) concurrently. It does not bound memory: the
// whole input and the whole output are held in memory at once.
const MaxInFlight = 4

// Encode reads all of r, splitting it into ChunkSize plaintext chunks,
// compressing and encrypting each one (up to MaxInFlight at a time), and
// returns the assembled wire format: a random stream header followed by a
// sequence of length-prefixed authenticated chunks, in order. A chunk's
// nonce is derived from its index, so chunks may be sealed out of order and
// still reassemble correctly. Decode opens each chunk at its position's
// index, so a reordered or altered chunk fails to authenticate; the stream
// has no terminator, so a blob cut short at a chunk boundary decodes
// without error.
func Encode(ctx context.Context, k cryptutil.Key, r io.Reader) ([]byte, error) {
	header, err := cryptutil.NewHeader()
	if err != nil {
		return nil, err
	}
	cc, err := cryptutil.NewChunkCipher(k, header)
	if err != nil {
		return nil, err
	}

	plainChunks, err := readChunks(r)
	if err != nil {
		return nil, err
	}

	sealed := make([][]byte, len(plainChunks))
	g, gctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, MaxInFlight)

	for i, chunk := range plainChunks {
		i, chunk := i, chunk
		select {
		case sem <- struct{}{}:
		case <-gctx.Done():
			return nil, g.Wait()
		}
		g.Go(func() error {
			defer func() { <-sem }()
			compressed, err := zstd.EncodeAll(chunk, nil)
			if err != nil {
				return fmt.Errorf("pipeline: compressing chunk %d: %w", i, err)
			}
			sealed[i] = cc.SealAt(header, uint64(i), compressed)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out bytes.Buffer
	out.Write(header)
	var lenBuf [binary.MaxVarintLen64]byte
	for _, chunk := range sealed {
		n := binary.PutUvarint(lenBuf[:], uint64(len(chunk)))
		out.Write(lenBuf[:n])
		out.Write(chunk)
	}
	return out.Bytes(), nil
}

func readChunks(r io.Reader) ([][]byte, error) {
	var chunks [][]byte
	for {
		buf := make([]byte, ChunkSize)
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			chunks = append(chunks, buf[:n])
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("pipeline: reading input: %w", err)
		}
	}
	if len(chunks) == 0 {
		// Preserve a single empty chunk so empty files still round trip
		// through the wire format instead of producing a bodiless blob.
		chunks = append(chunks, []byte{})
	}
	return chunks, nil
}

// Decode is the inverse of Encode: it parses the wire format and returns the
// fully decompressed, decrypted plaintext.
func Decode(ctx context.Context, k cryptutil.Key, data []byte) ([]byte, error) {
	if len(data) < cryptutil.HeaderSize {
		return nil, fmt.Errorf("pipeline: blob shorter than the stream header")
	}
	header := data[:cryptutil.HeaderSize]
	rest := data[cryptutil.HeaderSize:]

	var ciphertexts [][]byte
	for len(rest) > 0 {
		n, headerLen := binary.Uvarint(rest)
		if headerLen <= 0 {
			return nil, fmt.Errorf("pipeline: malformed chunk length prefix")
		}
		rest = rest[headerLen:]
		if uint64(len(rest)) < n {
			return nil, fmt.Errorf("pipeline: truncated chunk (need %d bytes, have %d)", n, len(rest))
		}
		ciphertexts = append(ciphertexts, rest[:n])
		rest = rest[n:]
	}

	cc, err := cryptutil.NewChunkCipher(k, header)
	if err != nil {
		return nil, err
	}

	plain := make([][]byte, len(ciphertexts))
	g, gctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, MaxInFlight)

	for i, ct := range ciphertexts {
		i, ct := i, ct
		select {
		case sem <- struct{}{}:
		case <-gctx.Done():
			return nil, g.Wait()
		}
		g.Go(func() error {
			defer func() { <-sem }()
			compressed, err := cc.OpenAt(header, uint64(i), ct)
			if err != nil {
				return fmt.Errorf("pipeline: chunk %d: %w", i, err)
			}
			zr, err := zstd.NewReader(bytes.NewReader(compressed))
			if err != nil {
				return fmt.Errorf("pipeline: chunk %d: building decompressor: %w", i, err)
			}
			defer zr.Close()
			out, err := io.ReadAll(zr)
			if err != nil {
				return fmt.Errorf("pipeline: chunk %d: decompressing: %w", i, err)
			}
			plain[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out bytes.Buffer
	for _, chunk := range plain {
		out.Write(chunk)
	}
	return out.Bytes(), nil
}
