// Package dat reassembles a DAT shard entry's decompressed payload from its
// constituent blocks, for the three payload shapes the format supports
// (spec.md §3 "DAT payload types", §4.4 "DAT reader (C4)").
package dat

import (
	"encoding/binary"
	"io"

	"golang.org/x/xerrors"

	"github.com/kobold/sqpack/internal/block"
)

// PayloadType tags the shape of a DAT entry's body.
type PayloadType uint32

const (
	PayloadEmpty    PayloadType = 0
	PayloadStandard PayloadType = 2
	PayloadModel    PayloadType = 3
	PayloadTexture  PayloadType = 4
)

// entryHeader is the fixed prefix common to every DAT entry (spec.md §4.4).
type entryHeader struct {
	HeaderSize uint32
	PayloadTag uint32
	FileSize   uint32
}

const entryHeaderSize = 12

func readEntryHeader(r io.ReaderAt, at int64, order binary.ByteOrder) (entryHeader, error) {
	var raw [entryHeaderSize]byte
	if _, err := r.ReadAt(raw[:], at); err != nil {
		return entryHeader{}, xerrors.Errorf("dat: reading entry header at %d: %w", at, err)
	}
	return entryHeader{
		HeaderSize: order.Uint32(raw[0:4]),
		PayloadTag: order.Uint32(raw[4:8]),
		FileSize:   order.Uint32(raw[8:12]),
	}, nil
}

// Read reassembles the decompressed payload for the entry at byte offset
// off in r. It returns (nil, nil) for PayloadEmpty entries, matching
// spec.md §8 "DAT entry with file_type == Empty: read returns None, not an
// error."
func Read(r io.ReaderAt, off int64, order binary.ByteOrder) ([]byte, error) {
	h, err := readEntryHeader(r, off, order)
	if err != nil {
		return nil, err
	}
	base := off + int64(h.HeaderSize)
	switch PayloadType(h.PayloadTag) {
	case PayloadEmpty:
		return nil, nil
	case PayloadStandard:
		return readStandard(r, off, base, order)
	case PayloadModel:
		return readModel(r, off, base, order)
	case PayloadTexture:
		return readTexture(r, off, base, order, h.FileSize)
	default:
		return nil, xerrors.Errorf("dat: unknown payload tag %d at offset %d: %w", h.PayloadTag, off, errMalformed)
	}
}

var errMalformed = xerrors.New("dat: malformed entry")

// ErrMalformed is the sentinel wrapped into every structural parse failure.
var ErrMalformed = errMalformed

func sectionReaderAt(r io.ReaderAt, at int64) io.Reader {
	return io.NewSectionReader(r, at, 1<<62)
}

// --- Standard shape ---

func readStandard(r io.ReaderAt, entryOffset, base int64, order binary.ByteOrder) ([]byte, error) {
	var numBuf [4]byte
	if _, err := r.ReadAt(numBuf[:], base); err != nil {
		return nil, xerrors.Errorf("dat: reading standard block count: %w", err)
	}
	numBlocks := order.Uint32(numBuf[:])

	descriptors := make([]struct{ offset uint32 }, numBlocks)
	descBuf := make([]byte, int(numBlocks)*8)
	if numBlocks > 0 {
		if _, err := r.ReadAt(descBuf, base+4); err != nil {
			return nil, xerrors.Errorf("dat: reading standard block descriptors: %w", err)
		}
	}
	for i := range descriptors {
		descriptors[i].offset = order.Uint32(descBuf[i*8 : i*8+4])
	}

	var out []byte
	for _, d := range descriptors {
		at := base + int64(d.offset)
		decoded, err := block.Decode(sectionReaderAt(r, at), order)
		if err != nil {
			return nil, xerrors.Errorf("dat: decoding standard block at %d: %w", at, err)
		}
		out = append(out, decoded...)
	}
	return out, nil
}

// --- Model shape ---

// modelSubHeader is the per-LOD metadata block preceding a model entry's
// block-size table (spec.md §4.4 "Model shape" step 1). Stack and runtime
// sections are located sequentially right after the block-size table;
// vertex/index sections carry explicit offsets (relative to base) because
// LOD streaming can place them non-sequentially. Edge-geometry sections are
// declared (counts/sizes/offsets) but, per spec.md §9, never decoded into
// the output buffer.
type modelSubHeader struct {
	Version                    uint32
	VertexDeclarationCount     uint16
	MaterialCount              uint16
	LODCount                   uint8
	EnableIndexBufferStreaming uint8
	EnableEdgeGeometry         uint8
	_                          uint8
	StackBlockCount            uint32
	RuntimeBlockCount          uint32
	VertexBufferBlockCount     [3]uint32
	EdgeGeometryBlockCount     [3]uint32
	IndexBufferBlockCount      [3]uint32
	VertexBufferSize           [3]uint32
	EdgeGeometrySize           [3]uint32
	IndexBufferSize            [3]uint32
	VertexBufferOffset         [3]uint32
	EdgeGeometryOffset         [3]uint32
	IndexBufferOffset          [3]uint32
}

// modelFileHeader is the synthesized 68-byte header prefixed to a decoded
// model payload (spec.md §4.4 step 3-4).
type modelFileHeader struct {
	Version                    uint32
	StackSize                  uint32
	RuntimeSize                uint32
	VertexDeclarationCount     uint16
	MaterialCount              uint16
	VertexOffset               [3]uint32
	IndexOffset                [3]uint32
	VertexBufferSize           [3]uint32
	IndexBufferSize            [3]uint32
	LODCount                   uint8
	EnableIndexBufferStreaming uint8
	EnableEdgeGeometry         uint8
	_                          uint8
}

const modelFileHeaderSize = 68

func writeModelFileHeader(order binary.ByteOrder, h modelFileHeader) []byte {
	buf := make([]byte, modelFileHeaderSize)
	order.PutUint32(buf[0:4], h.Version)
	order.PutUint32(buf[4:8], h.StackSize)
	order.PutUint32(buf[8:12], h.RuntimeSize)
	order.PutUint16(buf[12:14], h.VertexDeclarationCount)
	order.PutUint16(buf[14:16], h.MaterialCount)
	off := 16
	for i := 0; i < 3; i++ {
		order.PutUint32(buf[off+i*4:off+i*4+4], h.VertexOffset[i])
	}
	off += 12
	for i := 0; i < 3; i++ {
		order.PutUint32(buf[off+i*4:off+i*4+4], h.IndexOffset[i])
	}
	off += 12
	for i := 0; i < 3; i++ {
		order.PutUint32(buf[off+i*4:off+i*4+4], h.VertexBufferSize[i])
	}
	off += 12
	for i := 0; i < 3; i++ {
		order.PutUint32(buf[off+i*4:off+i*4+4], h.IndexBufferSize[i])
	}
	off += 12
	buf[off] = h.LODCount
	buf[off+1] = h.EnableIndexBufferStreaming
	buf[off+2] = h.EnableEdgeGeometry
	return buf
}

func readModelSubHeader(r io.Reader, order binary.ByteOrder) (modelSubHeader, error) {
	var h modelSubHeader
	if err := binary.Read(r, order, &h); err != nil {
		return modelSubHeader{}, xerrors.Errorf("dat: reading model sub-header: %w", err)
	}
	return h, nil
}

const modelSubHeaderSize = 4 + 2 + 2 + 1 + 1 + 1 + 1 + 4 + 4 + 12 + 12 + 12 + 12 + 12 + 12 + 12 + 12 + 12

func readModel(r io.ReaderAt, entryOffset, base int64, order binary.ByteOrder) ([]byte, error) {
	h, err := readModelSubHeader(sectionReaderAt(r, base), order)
	if err != nil {
		return nil, err
	}

	totalBlocks := int(h.StackBlockCount) + int(h.RuntimeBlockCount)
	for i := 0; i < 3; i++ {
		totalBlocks += int(h.VertexBufferBlockCount[i]) + int(h.EdgeGeometryBlockCount[i]) + int(h.IndexBufferBlockCount[i])
	}

	sizeTableOffset := base + modelSubHeaderSize
	sizeBuf := make([]byte, totalBlocks*2)
	if totalBlocks > 0 {
		if _, err := r.ReadAt(sizeBuf, sizeTableOffset); err != nil {
			return nil, xerrors.Errorf("dat: reading model block-size table: %w", err)
		}
	}
	sizes := make([]uint16, totalBlocks)
	for i := range sizes {
		sizes[i] = order.Uint16(sizeBuf[i*2 : i*2+2])
	}

	seqBase := sizeTableOffset + int64(totalBlocks)*2
	idx := 0

	out := make([]byte, modelFileHeaderSize)
	synth := modelFileHeader{
		Version:                    h.Version,
		VertexDeclarationCount:     h.VertexDeclarationCount,
		MaterialCount:              h.MaterialCount,
		LODCount:                   h.LODCount,
		EnableIndexBufferStreaming: h.EnableIndexBufferStreaming,
		EnableEdgeGeometry:         h.EnableEdgeGeometry,
	}

	stack, pos, err := decodeAt(r, order, sizes, &idx, seqBase, int(h.StackBlockCount))
	if err != nil {
		return nil, err
	}
	runtime, _, err := decodeAt(r, order, sizes, &idx, pos, int(h.RuntimeBlockCount))
	if err != nil {
		return nil, err
	}

	synth.StackSize = uint32(len(stack))
	synth.RuntimeSize = uint32(len(runtime))
	out = append(out, stack...)
	out = append(out, runtime...)

	for lod := 0; lod < 3; lod++ {
		vertexBase := base + int64(h.VertexBufferOffset[lod])
		vertex, _, err := decodeAt(r, order, sizes, &idx, vertexBase, int(h.VertexBufferBlockCount[lod]))
		if err != nil {
			return nil, err
		}
		// Edge geometry blocks are declared but never decoded (spec.md §9);
		// still advance idx so later size-table lookups stay aligned.
		idx += int(h.EdgeGeometryBlockCount[lod])

		synth.VertexOffset[lod] = uint32(len(out) - modelFileHeaderSize)
		synth.VertexBufferSize[lod] = uint32(len(vertex))
		out = append(out, vertex...)
	}

	for lod := 0; lod < 3; lod++ {
		indexBase := base + int64(h.IndexBufferOffset[lod])
		index, _, err := decodeAt(r, order, sizes, &idx, indexBase, int(h.IndexBufferBlockCount[lod]))
		if err != nil {
			return nil, err
		}
		synth.IndexOffset[lod] = uint32(len(out) - modelFileHeaderSize)
		synth.IndexBufferSize[lod] = uint32(len(index))
		out = append(out, index...)
	}

	copy(out[:modelFileHeaderSize], writeModelFileHeader(order, synth))
	return out, nil
}

func decodeAt(r io.ReaderAt, order binary.ByteOrder, sizes []uint16, idx *int, pos int64, count int) ([]byte, int64, error) {
	var section []byte
	for i := 0; i < count; i++ {
		decoded, err := block.Decode(sectionReaderAt(r, pos), order)
		if err != nil {
			return nil, 0, xerrors.Errorf("dat: decoding model block at %d: %w", pos, err)
		}
		section = append(section, decoded...)
		pos += int64(sizes[*idx])
		*idx++
	}
	return section, pos, nil
}

// --- Texture shape ---

type mipDescriptor struct {
	CompressedOffset   uint32
	CompressedSize     uint32
	DecompressedSize   uint32
	BlockStartIndex    uint32
	BlockCount         uint32
}

const mipDescriptorSize = 20

func readTexture(r io.ReaderAt, entryOffset, base int64, order binary.ByteOrder, fileSize uint32) ([]byte, error) {
	var numBuf [4]byte
	if _, err := r.ReadAt(numBuf[:], base); err != nil {
		return nil, xerrors.Errorf("dat: reading texture mip count: %w", err)
	}
	numMips := order.Uint32(numBuf[:])

	mipBuf := make([]byte, int(numMips)*mipDescriptorSize)
	if numMips > 0 {
		if _, err := r.ReadAt(mipBuf, base+4); err != nil {
			return nil, xerrors.Errorf("dat: reading texture mip descriptors: %w", err)
		}
	}
	mips := make([]mipDescriptor, numMips)
	totalBlocks := 0
	for i := range mips {
		off := i * mipDescriptorSize
		mips[i] = mipDescriptor{
			CompressedOffset: order.Uint32(mipBuf[off : off+4]),
			CompressedSize:   order.Uint32(mipBuf[off+4 : off+8]),
			DecompressedSize: order.Uint32(mipBuf[off+8 : off+12]),
			BlockStartIndex:  order.Uint32(mipBuf[off+12 : off+16]),
			BlockCount:       order.Uint32(mipBuf[off+16 : off+20]),
		}
		if n := int(mips[i].BlockStartIndex) + int(mips[i].BlockCount); n > totalBlocks {
			totalBlocks = n
		}
	}

	strideTableOffset := base + 4 + int64(numMips)*mipDescriptorSize
	strideBuf := make([]byte, totalBlocks*2)
	if totalBlocks > 0 {
		if _, err := r.ReadAt(strideBuf, strideTableOffset); err != nil {
			return nil, xerrors.Errorf("dat: reading texture inter-block stride table: %w", err)
		}
	}
	strides := make([]int16, totalBlocks)
	for i := range strides {
		strides[i] = int16(order.Uint16(strideBuf[i*2 : i*2+2]))
	}

	// Mip compressed offsets, and the pre-mipmap header, are measured from
	// the end of the mip descriptor and stride tables.
	dataBase := strideTableOffset + int64(totalBlocks)*2

	var out []byte
	if len(mips) > 0 && mips[0].CompressedOffset > 0 {
		header := make([]byte, mips[0].CompressedOffset)
		if _, err := r.ReadAt(header, dataBase); err != nil {
			return nil, xerrors.Errorf("dat: reading texture pre-mipmap header: %w", err)
		}
		out = append(out, header...)
	}

	for _, m := range mips {
		pos := dataBase + int64(m.CompressedOffset)
		for b := uint32(0); b < m.BlockCount; b++ {
			decoded, err := block.Decode(sectionReaderAt(r, pos), order)
			if err != nil {
				return nil, xerrors.Errorf("dat: decoding texture block at %d: %w", pos, err)
			}
			out = append(out, decoded...)
			strideIdx := int(m.BlockStartIndex + b)
			pos += int64(strides[strideIdx])
		}
	}

	return out, nil
}
