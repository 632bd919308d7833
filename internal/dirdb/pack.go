// Copyright 2025 StrongDM Inc
// SPDX-License-Identifier: Apache-2.0

package dirdb

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math/bits"

	"github.com/klauspost/compress/zstd"
	"github.com/tux3/frozen/internal/bitstream"
)

// maxEncodingBits is bitstream.MaxWidth: the largest element width the
// stream header's width field can signal.
const maxEncodingBits = bitstream.MaxWidth

const numBuckets = 40

// bestBucketsEncoding picks the cheapest of a fixed-width or varint
// encoding for a histogram of "bits required" values, exactly the cost
// model the original's best_buckets_encoding implements: try every varint
// width from 2 up, keep whichever (including plain fixed-width) has the
// lowest total bit cost, ties broken toward the most recently considered
// (larger) varint width via "<=".
func bestBucketsEncoding(buckets [numBuckets]int) bitstream.Encoding {
	useVarint := true
	bestElemBits := 8
	bestTotalBits := int(^uint(0) >> 1) // max int

	largestBucket := -1
	for i := numBuckets - 1; i >= 0; i-- {
		if buckets[i] != 0 {
			largestBucket = i
			break
		}
	}
	if largestBucket < 0 {
		largestBucket = 0
	}

	if largestBucket < maxEncodingBits {
		useVarint = false
		bestElemBits = largestBucket
		sum := 0
		for _, n := range buckets {
			sum += n
		}
		bestTotalBits = sum * largestBucket
	}

	for varintBits := 2; varintBits <= maxEncodingBits; varintBits++ {
		total := 0
		for valBits, valCount := range buckets {
			if valCount == 0 {
				continue
			}
			var encodedBits int
			if valBits == 0 {
				encodedBits = varintBits * valCount
			} else {
				dataBitsPerBlock := varintBits - 1
				blocksPerVal := valBits / dataBitsPerBlock
				if valBits%dataBitsPerBlock != 0 {
					blocksPerVal++
				}
				encodedBits = varintBits * blocksPerVal * valCount
			}
			total += encodedBits
		}

		if total <= bestTotalBits {
			bestElemBits = varintBits
			bestTotalBits = total
			useVarint = true
		}
	}

	return bitstream.Encoding{
		UseVarint:       useVarint,
		Bits:            bestElemBits,
		EncodedDataSize: bestTotalBits + bitstream.SignalingOverhead,
	}
}

func bitsRequired(n uint64) int {
	b := bits.Len64(n)
	if b < 1 {
		b = 1
	}
	return b
}

func countBitsRequiredBuckets(stat *DirStat, buckets *[numBuckets]int, getNum func(*DirStat) uint64) {
	n := getNum(stat)
	b := bitsRequired(n)
	if b >= numBuckets {
		b = numBuckets - 1
	}
	buckets[b]++
	for _, sub := range stat.Subfolders {
		countBitsRequiredBuckets(sub, buckets, getNum)
	}
}

func bestEncoding(stat *DirStat, getNum func(*DirStat) uint64) bitstream.Encoding {
	var buckets [numBuckets]int
	countBitsRequiredBuckets(stat, &buckets, getNum)
	return bestBucketsEncoding(buckets)
}

type encodingSettings struct {
	fileCounts    bitstream.Encoding
	subdirsCounts bitstream.Encoding
	dirnameCounts bitstream.Encoding
}

func bestEncodingSettings(stat *DirStat) encodingSettings {
	return encodingSettings{
		subdirsCounts: bestEncoding(stat, func(s *DirStat) uint64 { return uint64(len(s.Subfolders)) }),
		fileCounts:    bestEncoding(stat, func(s *DirStat) uint64 { return s.DirectFilesCount() }),
		dirnameCounts: bestEncoding(stat, func(s *DirStat) uint64 { return uint64(len(s.DirName)) }),
	}
}

// pruneSubdirNames decides, bottom-up, which DirName values are worth
// keeping in the packed blob: a folder's name must be kept if it (or any
// descendant) has no other way to recover its path, and otherwise is kept
// only if it's short enough to likely compress well (<=16 bytes), matching
// the original's prune_subdir_names.
func pruneSubdirNames(stat *DirStat) bool {
	needFullPath := stat.DirectFilesCount() == 0
	for _, sub := range stat.Subfolders {
		if pruneSubdirNames(sub) {
			needFullPath = true
		}
	}
	if stat.TotalFilesCount > 0 {
		// Files know their own path, so the folder name becomes optional.
		needFullPath = false
	}

	if needFullPath {
		if stat.DirName == nil {
			panic("dirdb: cannot serialize a DirStat without dir names")
		}
	} else if stat.DirName != nil && len(stat.DirName) > 16 {
		stat.DirName = nil
	}

	return needFullPath
}

func serializeNumericBitstream(stat *DirStat, w *bitstream.Writer, getNum func(*DirStat) uint64) error {
	if err := w.Write(getNum(stat)); err != nil {
		return err
	}
	for _, sub := range stat.Subfolders {
		if err := serializeNumericBitstream(sub, w, getNum); err != nil {
			return err
		}
	}
	return nil
}

func serializeDirnames(stat *DirStat, w *zstd.Encoder) error {
	if stat.DirName != nil {
		if _, err := w.Write(stat.DirName); err != nil {
			return err
		}
	}
	for _, sub := range stat.Subfolders {
		if err := serializeDirnames(sub, w); err != nil {
			return err
		}
	}
	return nil
}

func serializeSubdirs(stat *DirStat, w *bytes.Buffer) error {
	if stat.DirName == nil {
		if _, err := w.Write(stat.DirNameHash[:]); err != nil {
			return err
		}
	}
	for _, sub := range stat.Subfolders {
		if err := serializeSubdirs(sub, w); err != nil {
			return err
		}
	}
	if stat.DirectFilesCount() > 0 {
		if _, err := w.Write(stat.ContentHash[:]); err != nil {
			return err
		}
	}
	return nil
}

// Pack serializes a DirStat tree into the dense wire format: three
// bitstreams (direct file counts, subfolder counts, dirname lengths) in
// pre-order, a zstd-compressed, LEB128-length-prefixed blob of the kept
// clear dirnames, then one tail blob per node (a dir_name_hash if its name
// was pruned, a content_hash if it has direct files).
//
// Pack mutates stat's DirName field in place (pruning it where the reader
// can reconstruct it some other way); callers that need the original tree
// afterward should Pack a copy.
func Pack(stat *DirStat) ([]byte, error) {
	for _, sub := range stat.Subfolders {
		pruneSubdirNames(sub)
	}
	settings := bestEncodingSettings(stat)

	var out bytes.Buffer

	fileCountWriter, err := bitstream.NewWriter(&out, settings.fileCounts)
	if err != nil {
		return nil, fmt.Errorf("dirdb: pack file-count stream: %w", err)
	}
	if err := serializeNumericBitstream(stat, fileCountWriter, func(s *DirStat) uint64 { return s.DirectFilesCount() }); err != nil {
		return nil, err
	}
	if err := fileCountWriter.Finish(); err != nil {
		return nil, err
	}

	subdirCountWriter, err := bitstream.NewWriter(&out, settings.subdirsCounts)
	if err != nil {
		return nil, fmt.Errorf("dirdb: pack subdir-count stream: %w", err)
	}
	if err := serializeNumericBitstream(stat, subdirCountWriter, func(s *DirStat) uint64 { return uint64(len(s.Subfolders)) }); err != nil {
		return nil, err
	}
	if err := subdirCountWriter.Finish(); err != nil {
		return nil, err
	}

	dirnameLenWriter, err := bitstream.NewWriter(&out, settings.dirnameCounts)
	if err != nil {
		return nil, fmt.Errorf("dirdb: pack dirname-length stream: %w", err)
	}
	if err := serializeNumericBitstream(stat, dirnameLenWriter, func(s *DirStat) uint64 { return uint64(len(s.DirName)) }); err != nil {
		return nil, err
	}
	if err := dirnameLenWriter.Finish(); err != nil {
		return nil, err
	}

	var dirnamesBuf bytes.Buffer
	zw, err := zstd.NewWriter(&dirnamesBuf, zstd.WithEncoderLevel(zstd.SpeedBestCompression))
	if err != nil {
		return nil, fmt.Errorf("dirdb: building dirname compressor: %w", err)
	}
	if err := serializeDirnames(stat, zw); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}

	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(dirnamesBuf.Len()))
	out.Write(lenBuf[:n])
	out.Write(dirnamesBuf.Bytes())

	if err := serializeSubdirs(stat, &out); err != nil {
		return nil, err
	}

	return out.Bytes(), nil
}
