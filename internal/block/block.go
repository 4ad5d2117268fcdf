// Package block implements the compressed-block codec shared by every DAT
// payload shape (spec.md §3 "Compressed block", §4.1 "Block codec (C1)").
//
// A block is a small header followed by either a raw-deflate stream or a
// verbatim byte run. The codec itself never interprets payload semantics
// (Standard/Model/Texture); internal/dat drives it once per block.
package block

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"

	"github.com/klauspost/compress/flate"
	"golang.org/x/xerrors"
)

// uncompressedTagThreshold is the boundary spec.md §3 gives for the header's
// payload tag: values below it mean Compressed, at or above it mean
// Uncompressed.
const uncompressedTagThreshold = 32000

// Header is the fixed-size prefix of every block (spec.md §3
// "BlockHeader").
type Header struct {
	HeaderSize int32
	// Tag selects Compressed (Tag < uncompressedTagThreshold) or
	// Uncompressed. In the Compressed case it has no further meaning beyond
	// that test; in the Uncompressed case it equals the reserved constant
	// the format emits, never interpreted here.
	Tag int32
	// A is CompressedLength in the Compressed case, FileSize in the
	// Uncompressed case (the two fields share a wire position).
	A uint32
	// B is DecompressedLength in the Compressed case, unused (and not
	// read) in the Uncompressed case.
	B uint32
}

// Compressed reports whether the header describes a raw-deflate block.
func (h Header) Compressed() bool { return h.Tag < uncompressedTagThreshold }

func readHeader(r io.Reader, order binary.ByteOrder) (Header, error) {
	var raw [16]byte
	if _, err := io.ReadFull(r, raw[:]); err != nil {
		return Header{}, xerrors.Errorf("block: reading header: %w", err)
	}
	h := Header{
		HeaderSize: int32(order.Uint32(raw[0:4])),
		Tag:        int32(order.Uint32(raw[4:8])),
		A:          order.Uint32(raw[8:12]),
		B:          order.Uint32(raw[12:16]),
	}
	return h, nil
}

// Decode reads one block at the reader's current position and returns its
// decompressed bytes. r must support random access via ReadAt-style
// seeking by the caller prior to invocation; Decode itself only reads
// forward.
func Decode(r io.Reader, order binary.ByteOrder) ([]byte, error) {
	h, err := readHeader(r, order)
	if err != nil {
		return nil, err
	}
	if h.Compressed() {
		compressedLen := h.A
		decompressedLen := h.B
		lr := io.LimitReader(r, int64(compressedLen))
		fr := flate.NewReader(lr)
		defer fr.Close()
		out := make([]byte, decompressedLen)
		if _, err := io.ReadFull(fr, out); err != nil {
			return nil, xerrors.Errorf("block: inflating (want %d bytes): %w", decompressedLen, err)
		}
		return out, nil
	}
	fileSize := h.A
	out := make([]byte, fileSize)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, xerrors.Errorf("block: reading uncompressed payload: %w", err)
	}
	return out, nil
}

// patchAlign rounds n up to the 128-byte alignment the patch container uses
// for every framed block (spec.md §4.1).
func patchAlign(n int64) int64 {
	return (n + 127) &^ 127
}

// DecodePatchStream behaves like Decode, except the consumed input length
// is rounded up to the patch container's 128-byte alignment: after the
// header it reads ((headerSize+n+127)&^127) - headerSize bytes, where n is
// compressedLen in the Compressed case and fileSize in the Uncompressed
// case, and drops the padding beyond n. r must be
// positioned exactly at the start of the block header; on return the
// reader has consumed exactly one aligned block.
func DecodePatchStream(r io.Reader, order binary.ByteOrder) ([]byte, error) {
	const headerSize = 16
	h, err := readHeader(r, order)
	if err != nil {
		return nil, err
	}
	if h.Compressed() {
		compressedLen := int64(h.A)
		decompressedLen := h.B
		aligned := patchAlign(headerSize + compressedLen)
		consume := aligned - headerSize

		buf := make([]byte, consume)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, xerrors.Errorf("block: reading patch-stream compressed payload: %w", err)
		}
		fr := flate.NewReader(bufio.NewReader(newByteReader(buf[:compressedLen])))
		defer fr.Close()
		out := make([]byte, decompressedLen)
		if _, err := io.ReadFull(fr, out); err != nil {
			return nil, xerrors.Errorf("block: inflating patch-stream block: %w", err)
		}
		return out, nil
	}
	fileSize := int64(h.A)
	aligned := patchAlign(headerSize + fileSize)
	consume := aligned - headerSize
	buf := make([]byte, consume)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, xerrors.Errorf("block: reading patch-stream uncompressed payload: %w", err)
	}
	return buf[:fileSize], nil
}

// EncodeUncompressed writes a single uncompressed block (header + verbatim
// payload, no patch-stream padding) and returns its total encoded size.
// internal/dat's tests and the root package's Resource test fixtures use
// this to synthesize entries without going through the patch container's
// 128-byte framing.
func EncodeUncompressed(w io.Writer, order binary.ByteOrder, payload []byte) (int, error) {
	const headerSize = 16
	var raw [headerSize]byte
	order.PutUint32(raw[0:4], uint32(headerSize))
	order.PutUint32(raw[4:8], uncompressedTagThreshold)
	order.PutUint32(raw[8:12], uint32(len(payload)))
	order.PutUint32(raw[12:16], 0)
	if _, err := w.Write(raw[:]); err != nil {
		return 0, xerrors.Errorf("block: writing header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return 0, xerrors.Errorf("block: writing payload: %w", err)
	}
	return headerSize + len(payload), nil
}

// EncodeCompressed writes a single raw-deflate block (header + compressed
// payload) and returns its total encoded size.
func EncodeCompressed(w io.Writer, order binary.ByteOrder, payload []byte) (int, error) {
	var compressed bytes.Buffer
	fw, err := flate.NewWriter(&compressed, flate.BestCompression)
	if err != nil {
		return 0, err
	}
	if _, err := fw.Write(payload); err != nil {
		return 0, err
	}
	if err := fw.Close(); err != nil {
		return 0, err
	}
	const headerSize = 16
	var raw [headerSize]byte
	order.PutUint32(raw[0:4], uint32(headerSize))
	order.PutUint32(raw[4:8], 0)
	order.PutUint32(raw[8:12], uint32(compressed.Len()))
	order.PutUint32(raw[12:16], uint32(len(payload)))
	if _, err := w.Write(raw[:]); err != nil {
		return 0, xerrors.Errorf("block: writing header: %w", err)
	}
	if _, err := w.Write(compressed.Bytes()); err != nil {
		return 0, xerrors.Errorf("block: writing payload: %w", err)
	}
	return headerSize + compressed.Len(), nil
}

func newByteReader(b []byte) io.Reader { return &sliceReader{b: b} }

type sliceReader struct {
	b   []byte
	pos int
}

func (s *sliceReader) Read(p []byte) (int, error) {
	if s.pos >= len(s.b) {
		return 0, io.EOF
	}
	n := copy(p, s.b[s.pos:])
	s.pos += n
	return n, nil
}

// WritePatch emits an uncompressed block header followed by payload, padded
// with zero bytes to the patch container's 128-byte alignment (spec.md
// §4.1 "write_block_patch"). It is used by internal/patch's AddFile test
// fixtures and by any caller synthesizing a patch-stream block.
func WritePatch(w io.Writer, order binary.ByteOrder, payload []byte) error {
	const headerSize = 16
	var raw [headerSize]byte
	order.PutUint32(raw[0:4], uint32(headerSize))
	order.PutUint32(raw[4:8], uncompressedTagThreshold)
	order.PutUint32(raw[8:12], uint32(len(payload)))
	order.PutUint32(raw[12:16], 0)
	if _, err := w.Write(raw[:]); err != nil {
		return xerrors.Errorf("block: writing patch header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return xerrors.Errorf("block: writing patch payload: %w", err)
	}
	padded := patchAlign(headerSize + int64(len(payload)))
	pad := padded - headerSize - int64(len(payload))
	if pad > 0 {
		if _, err := w.Write(make([]byte, pad)); err != nil {
			return xerrors.Errorf("block: writing patch padding: %w", err)
		}
	}
	return nil
}
