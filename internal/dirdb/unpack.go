// Copyright 2025 StrongDM Inc
// SPDX-License-Identifier: Apache-2.0

package dirdb

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/tux3/frozen/internal/bitstream"
	"github.com/tux3/frozen/internal/cryptutil"
)

// byteCursor walks a byte slice left to right, used for the two
// variable-length tail streams (dirnames and per-node hash blobs) that
// follow the three fixed-format bitstreams in a packed blob.
type byteCursor struct {
	data []byte
	pos  int
}

func (c *byteCursor) take(n int) ([]byte, error) {
	if c.pos+n > len(c.data) {
		return nil, fmt.Errorf("dirdb: unpack: truncated stream (need %d bytes, have %d)", n, len(c.data)-c.pos)
	}
	out := c.data[c.pos : c.pos+n]
	c.pos += n
	return out, nil
}

// Unpack is the inverse of Pack. The returned tree has DirectFiles nil
// (lazily regenerated from a listing when needed) and DirNameHash zero for
// every node whose name wasn't pruned; call RecomputeDirNameHashes with the
// backup's key to fill those in.
func Unpack(data []byte) (*DirStat, error) {
	fileCountStream := bitstream.NewReader(data)
	subdirCountStream := bitstream.NewReader(fileCountStream.SliceAfter())
	dirnameCountStream := bitstream.NewReader(subdirCountStream.SliceAfter())

	rest := dirnameCountStream.SliceAfter()
	r := bytes.NewReader(rest)
	compressedLen, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("dirdb: unpack: reading dirnames length: %w", err)
	}
	headerLen := len(rest) - r.Len()
	compressed := rest[headerLen : headerLen+int(compressedLen)]
	tail := rest[headerLen+int(compressedLen):]

	dirnamesPlain, err := decompressAll(compressed)
	if err != nil {
		return nil, fmt.Errorf("dirdb: unpack: decompressing dirnames: %w", err)
	}

	names := &byteCursor{data: dirnamesPlain}
	tailCursor := &byteCursor{data: tail}

	return unpackNode(fileCountStream, subdirCountStream, dirnameCountStream, names, tailCursor)
}

func decompressAll(compressed []byte) ([]byte, error) {
	zr, err := zstd.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

func unpackNode(fileCountStream, subdirCountStream, dirnameCountStream *bitstream.Reader, names, tail *byteCursor) (*DirStat, error) {
	directFilesCount := fileCountStream.Read()
	subfoldersCount := subdirCountStream.Read()
	dirNameLen := dirnameCountStream.Read()

	stat := &DirStat{}

	if dirNameLen == 0 {
		hashBytes, err := tail.take(8)
		if err != nil {
			return nil, err
		}
		copy(stat.DirNameHash[:], hashBytes)
	} else {
		name, err := names.take(int(dirNameLen))
		if err != nil {
			return nil, err
		}
		stat.DirName = append([]byte(nil), name...)
	}

	totalFilesCount := directFilesCount
	stat.Subfolders = make([]*DirStat, 0, subfoldersCount)
	for i := uint64(0); i < subfoldersCount; i++ {
		sub, err := unpackNode(fileCountStream, subdirCountStream, dirnameCountStream, names, tail)
		if err != nil {
			return nil, err
		}
		totalFilesCount += sub.TotalFilesCount
		stat.Subfolders = append(stat.Subfolders, sub)
	}
	stat.TotalFilesCount = totalFilesCount

	if directFilesCount > 0 {
		hashBytes, err := tail.take(8)
		if err != nil {
			return nil, err
		}
		copy(stat.ContentHash[:], hashBytes)
	} else {
		stat.ContentHash = rebuildContentHashFromSubfolders(stat)
	}

	return stat, nil
}

func rebuildContentHashFromSubfolders(stat *DirStat) [8]byte {
	parts := make([][]byte, len(stat.Subfolders))
	for i, sub := range stat.Subfolders {
		h := sub.ContentHash
		parts[i] = h[:]
	}
	return cryptutil.Hash8Unkeyed(parts...)
}
