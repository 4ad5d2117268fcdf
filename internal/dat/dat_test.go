package dat_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/kobold/sqpack/internal/block"
	"github.com/kobold/sqpack/internal/dat"
)

func u32(order binary.ByteOrder, v uint32) []byte {
	b := make([]byte, 4)
	order.PutUint32(b, v)
	return b
}

func TestReadEmpty(t *testing.T) {
	order := binary.LittleEndian
	var buf bytes.Buffer
	buf.Write(u32(order, 12)) // header size
	buf.Write(u32(order, uint32(dat.PayloadEmpty)))
	buf.Write(u32(order, 0))

	got, err := dat.Read(bytes.NewReader(buf.Bytes()), 0, order)
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatalf("got %v, want nil for an Empty entry", got)
	}
}

func TestReadStandard(t *testing.T) {
	order := binary.LittleEndian
	blocks := [][]byte{
		bytes.Repeat([]byte("A"), 40),
		bytes.Repeat([]byte("B"), 70),
		[]byte("tail"),
	}

	var body bytes.Buffer
	body.Write(u32(order, uint32(len(blocks))))
	// placeholder descriptor table, patched below once block offsets are
	// known.
	descOff := body.Len()
	body.Write(make([]byte, len(blocks)*8))

	offsets := make([]uint32, len(blocks))
	for i, b := range blocks {
		offsets[i] = uint32(body.Len())
		if _, err := block.EncodeUncompressed(&body, order, b); err != nil {
			t.Fatal(err)
		}
	}
	out := body.Bytes()
	for i, off := range offsets {
		order.PutUint32(out[descOff+i*8:descOff+i*8+4], off)
	}

	const headerSize = 12
	var entry bytes.Buffer
	entry.Write(u32(order, headerSize))
	entry.Write(u32(order, uint32(dat.PayloadStandard)))
	entry.Write(u32(order, uint32(len(out))))
	entry.Write(out)

	got, err := dat.Read(bytes.NewReader(entry.Bytes()), 0, order)
	if err != nil {
		t.Fatal(err)
	}
	var want []byte
	for _, b := range blocks {
		want = append(want, b...)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("Read() mismatch (-want +got):\n%s", diff)
	}
}

func TestReadTextureNoPreMipmapHeader(t *testing.T) {
	order := binary.LittleEndian
	mipPayload := bytes.Repeat([]byte("mip0"), 10)

	const headerSize = 12
	var body bytes.Buffer
	body.Write(u32(order, 1)) // one mip
	// mip descriptor: compressed_offset=0 (no pre-mipmap header),
	// compressed_size/decompressed_size unused by the reader,
	// block_start_index=0, block_count=1.
	body.Write(u32(order, 0))
	body.Write(u32(order, 0))
	body.Write(u32(order, uint32(len(mipPayload))))
	body.Write(u32(order, 0))
	body.Write(u32(order, 1))
	// one stride entry (unused since it's the last block, but must be
	// present: total blocks = block_start_index+block_count = 1).
	strideBuf := make([]byte, 2)
	order.PutUint16(strideBuf, 0)
	body.Write(strideBuf)

	if _, err := block.EncodeUncompressed(&body, order, mipPayload); err != nil {
		t.Fatal(err)
	}

	var entry bytes.Buffer
	entry.Write(u32(order, headerSize))
	entry.Write(u32(order, uint32(dat.PayloadTexture)))
	entry.Write(u32(order, uint32(body.Len())))
	entry.Write(body.Bytes())

	got, err := dat.Read(bytes.NewReader(entry.Bytes()), 0, order)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(mipPayload, got); diff != "" {
		t.Fatalf("Read() mismatch (-want +got):\n%s", diff)
	}
}

func TestReadUnknownPayloadTag(t *testing.T) {
	order := binary.LittleEndian
	var buf bytes.Buffer
	buf.Write(u32(order, 12))
	buf.Write(u32(order, 999))
	buf.Write(u32(order, 0))
	if _, err := dat.Read(bytes.NewReader(buf.Bytes()), 0, order); err == nil {
		t.Fatalf("expected an error for an unknown payload tag")
	}
}

// TestReadModelStackAndRuntimeOnly exercises the Model shape with zero
// vertex/index/edge-geometry sections, checking that the synthesized
// 68-byte header correctly reports stack/runtime sizes and that the output
// buffer is exactly header+stack+runtime (I2).
func TestReadModelStackAndRuntimeOnly(t *testing.T) {
	order := binary.LittleEndian
	stack := bytes.Repeat([]byte{0x11}, 17)
	runtime := bytes.Repeat([]byte{0x22}, 9)

	const modelSubHeaderSize = 132
	var body bytes.Buffer
	subHeader := make([]byte, modelSubHeaderSize)
	order.PutUint32(subHeader[0:4], 1)   // version
	subHeader[8] = 1                      // LODCount
	order.PutUint32(subHeader[12:16], 1) // StackBlockCount
	order.PutUint32(subHeader[16:20], 1) // RuntimeBlockCount
	body.Write(subHeader)

	sizeTableOff := body.Len()
	body.Write(make([]byte, 2*2)) // 2 blocks total (stack, runtime)

	var blockBuf bytes.Buffer
	stackSize, err := block.EncodeUncompressed(&blockBuf, order, stack)
	if err != nil {
		t.Fatal(err)
	}
	runtimeSize, err := block.EncodeUncompressed(&blockBuf, order, runtime)
	if err != nil {
		t.Fatal(err)
	}
	body.Write(blockBuf.Bytes())

	out := body.Bytes()
	order.PutUint16(out[sizeTableOff:sizeTableOff+2], uint16(stackSize))
	order.PutUint16(out[sizeTableOff+2:sizeTableOff+4], uint16(runtimeSize))

	const headerSize = 12
	var entry bytes.Buffer
	entry.Write(u32(order, headerSize))
	entry.Write(u32(order, uint32(dat.PayloadModel)))
	entry.Write(u32(order, uint32(len(out))))
	entry.Write(out)

	got, err := dat.Read(bytes.NewReader(entry.Bytes()), 0, order)
	if err != nil {
		t.Fatal(err)
	}
	const synthHeaderSize = 68
	if len(got) != synthHeaderSize+len(stack)+len(runtime) {
		t.Fatalf("len(got) = %d, want %d (I2)", len(got), synthHeaderSize+len(stack)+len(runtime))
	}
	gotStackSize := order.Uint32(got[4:8])
	gotRuntimeSize := order.Uint32(got[8:12])
	if int(gotStackSize) != len(stack) || int(gotRuntimeSize) != len(runtime) {
		t.Fatalf("synthesized header sizes = (%d,%d), want (%d,%d)", gotStackSize, gotRuntimeSize, len(stack), len(runtime))
	}
	if diff := cmp.Diff(stack, got[synthHeaderSize:synthHeaderSize+len(stack)]); diff != "" {
		t.Fatalf("stack bytes mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(runtime, got[synthHeaderSize+len(stack):]); diff != "" {
		t.Fatalf("runtime bytes mismatch (-want +got):\n%s", diff)
	}
}
