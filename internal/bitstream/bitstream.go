// Package bitstream implements a dense, variable-width integer bit packer.
//
// A stream is a LEB128-prefixed size (the number of bits that follow,
// including the signaling header) followed by a 5-bit header (1-bit varint
// flag + 4-bit element width) and then the packed elements themselves,
// MSB-first, with no byte alignment between elements.
package bitstream

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math/bits"
)

// Bits reserved for the varint-vs-fixed flag.
const FlagsBits = 1

// Bits reserved to signal the element width.
const WidthBits = 4

// Total signaling overhead at the start of every stream.
const SignalingOverhead = FlagsBits + WidthBits

// MaxWidth is the largest element width (in bits) the 4-bit width field can signal.
const MaxWidth = (1 << WidthBits) - 1

// Encoding describes how a stream of integers is packed.
type Encoding struct {
	// UseVarint selects continuation-bit varint packing over a fixed width.
	UseVarint bool
	// Bits is the width of each packed element. For varints this includes
	// the one continuation bit per element.
	Bits int
	// EncodedDataSize is the size, in bits, of the packed stream including
	// the signaling header but not the leading LEB128 length prefix.
	EncodedDataSize int
}

// Writer packs unsigned integers into an io.Writer per Encoding.
type Writer struct {
	w        io.Writer
	enc      Encoding
	buf      uint16
	bufUsed  int
	written  int
	finished bool
}

// NewWriter writes the LEB128 size prefix and the encoding header, then
// returns a Writer ready to accept EncodedDataSize-SignalingOverhead bits
// worth of elements via Write.
func NewWriter(w io.Writer, enc Encoding) (*Writer, error) {
	if enc.Bits > MaxWidth {
		return nil, fmt.Errorf("bitstream: width %d exceeds max %d", enc.Bits, MaxWidth)
	}

	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(enc.EncodedDataSize))
	if _, err := w.Write(lenBuf[:n]); err != nil {
		return nil, err
	}

	bw := &Writer{w: w, enc: enc}
	header := uint64(enc.Bits)
	if enc.UseVarint {
		header |= 1 << WidthBits
	}
	if err := bw.writeBits(header, SignalingOverhead); err != nil {
		return nil, err
	}
	return bw, nil
}

func (bw *Writer) writeBits(value uint64, size int) error {
	if bw.finished {
		return fmt.Errorf("bitstream: write after finish")
	}
	bw.written += size

	remaining := 8 - bw.bufUsed
	for size > remaining {
		out := byte(bw.buf<<uint(remaining)) | byte(value>>uint(size-remaining))
		if _, err := bw.w.Write([]byte{out}); err != nil {
			return err
		}
		bw.bufUsed = 0
		size -= remaining
		value &= (1 << uint(size)) - 1
		remaining = 8
	}

	bw.buf = (bw.buf << uint(size)) | uint16(value)
	bw.bufUsed += size

	if bw.bufUsed == 8 {
		if _, err := bw.w.Write([]byte{byte(bw.buf)}); err != nil {
			return err
		}
		bw.bufUsed = 0
	}
	return nil
}

// itemBits returns ceil(log2(item+1)), clamped to at least 1.
func itemBits(item uint64) int {
	n := item + 1
	if n <= 1 {
		return 1
	}
	l := bits.Len64(n - 1)
	if l < 1 {
		l = 1
	}
	return l
}

// Write packs one value according to the stream's Encoding.
func (bw *Writer) Write(item uint64) error {
	if bw.enc.Bits == 0 {
		return nil
	}

	dataBits := bw.enc.Bits
	if bw.enc.UseVarint {
		dataBits--
	}

	if !bw.enc.UseVarint {
		if ib := itemBits(item); ib > dataBits {
			return fmt.Errorf("bitstream: value %d needs %d bits, encoding only has %d", item, ib, dataBits)
		}
		return bw.writeBits(item, dataBits)
	}

	ib := itemBits(item)
	elemsNeeded := ib / dataBits
	if ib%dataBits != 0 {
		elemsNeeded++
	}
	if elemsNeeded == 0 {
		elemsNeeded = 1
	}

	remaining := item
	contBit := uint64(1) << uint(dataBits)
	for i := 0; i < elemsNeeded-1; i++ {
		elemData := remaining & (contBit - 1)
		if err := bw.writeBits(contBit|elemData, bw.enc.Bits); err != nil {
			return err
		}
		remaining >>= uint(dataBits)
	}
	return bw.writeBits(remaining, bw.enc.Bits)
}

// Finish pads and flushes the final partial byte, if any. It is idempotent
// and safe to call multiple times.
func (bw *Writer) Finish() error {
	if bw.finished {
		return nil
	}
	bw.finished = true
	if bw.bufUsed == 0 {
		return nil
	}
	bw.buf <<= uint(8 - bw.bufUsed)
	_, err := bw.w.Write([]byte{byte(bw.buf)})
	return err
}

// Reader unpacks a stream written by Writer.
type Reader struct {
	data []byte
	pos  int
	enc  Encoding
}

// NewReader parses the LEB128 size prefix and encoding header from data and
// returns a Reader positioned at the first packed element.
func NewReader(data []byte) *Reader {
	r := bytes.NewReader(data)
	size, err := binary.ReadUvarint(r)
	if err != nil {
		panic(fmt.Sprintf("bitstream: invalid length prefix: %v", err))
	}
	rest := data[len(data)-r.Len():]

	header := rest[0] >> uint(8-SignalingOverhead)
	useVarint := header>>WidthBits == 1
	width := int(header & ((1 << WidthBits) - 1))

	return &Reader{
		data: rest,
		pos:  SignalingOverhead,
		enc:  Encoding{UseVarint: useVarint, Bits: width, EncodedDataSize: int(size)},
	}
}

func (r *Reader) readBits(count int) uint64 {
	remaining := count
	var result uint64

	if r.pos%8 != 0 && remaining > 8-r.pos%8 {
		toRead := 8 - r.pos%8
		result = uint64(r.data[r.pos/8] & byte((1<<uint(toRead))-1))
		r.pos += toRead
		remaining -= toRead
	}

	for remaining >= 8 {
		result <<= 8
		result |= uint64(r.data[r.pos/8])
		remaining -= 8
		r.pos += 8
	}

	if remaining != 0 {
		mask := byte((1 << uint(remaining)) - 1)
		discard := 8 - (r.pos % 8) - remaining
		v := (r.data[r.pos/8] >> uint(discard)) & mask
		result = (result << uint(remaining)) | uint64(v)
		r.pos += remaining
	}

	return result
}

// Read unpacks the next value from the stream.
func (r *Reader) Read() uint64 {
	if !r.enc.UseVarint {
		return r.readBits(r.enc.Bits)
	}

	contFlag := uint64(1) << uint(r.enc.Bits-1)
	var result uint64
	var shift uint
	for {
		elem := r.readBits(r.enc.Bits)
		result |= (elem &^ contFlag) << shift
		if elem&contFlag == 0 {
			return result
		}
		shift += uint(r.enc.Bits - 1)
	}
}

// SliceAfter returns the bytes following this stream's packed data, i.e.
// everything after the header byte passed to NewReader plus the packed
// payload (not including the LEB128 length prefix, which the caller already
// consumed by constructing this Reader from the right offset).
func (r *Reader) SliceAfter() []byte {
	totalBits := r.enc.EncodedDataSize
	totalBytes := totalBits / 8
	if totalBits%8 != 0 {
		totalBytes++
	}
	return r.data[totalBytes:]
}

// Encoding returns the parsed encoding header.
func (r *Reader) Encoding() Encoding {
	return r.enc
}
