package sqpack_test

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/kobold/sqpack"
	"github.com/kobold/sqpack/internal/block"
	"github.com/kobold/sqpack/internal/excel"
	"github.com/kobold/sqpack/internal/pathhash"
)

// --- fixture construction -------------------------------------------------
//
// These helpers hand-assemble the same byte layouts internal/index and
// internal/dat parse, mirroring internal/repo's and internal/index's own
// test fixtures, so Resource can be exercised end to end without a real
// game install.

type datFile struct {
	buf bytes.Buffer
}

// addStandard appends a Standard-shape DAT entry (a single uncompressed
// block, spec.md §4.4 "Standard shape") and returns its 128-byte-aligned
// start offset.
func (d *datFile) addStandard(order binary.ByteOrder, payload []byte) int64 {
	for d.buf.Len()%128 != 0 {
		d.buf.WriteByte(0)
	}
	start := int64(d.buf.Len())

	const headerSize = 32
	var entryHdr [12]byte
	order.PutUint32(entryHdr[0:4], headerSize)
	order.PutUint32(entryHdr[4:8], 2) // PayloadStandard
	order.PutUint32(entryHdr[8:12], uint32(len(payload)))
	d.buf.Write(entryHdr[:])
	d.buf.Write(make([]byte, headerSize-len(entryHdr)))

	var desc [16]byte
	order.PutUint32(desc[0:4], 1) // numBlocks
	order.PutUint32(desc[4:8], 16) // block offset, relative to base
	d.buf.Write(desc[:])

	block.EncodeUncompressed(&d.buf, order, payload)
	return start
}

type indexBuilder struct {
	full   map[uint64]uint32 // hash -> packed word
	index2 map[uint32]uint32
}

func newIndexBuilder() *indexBuilder {
	return &indexBuilder{full: map[uint64]uint32{}, index2: map[uint32]uint32{}}
}

func packWord(dataFileID uint8, offset int64) uint32 {
	return uint32(offset>>7)<<4 | uint32(dataFileID)<<1
}

func (b *indexBuilder) add(path string, dataFileID uint8, offset int64) {
	word := packWord(dataFileID, offset)
	b.full[pathhash.Hash(path)] = word
	b.index2[pathhash.HashIndex2(path)] = word
}

func writeIndexShard(t *testing.T, path string, order binary.ByteOrder, entries map[uint64]uint32, index2 bool) {
	t.Helper()
	var buf bytes.Buffer
	buf.WriteString("SqPack")
	buf.Write(make([]byte, 1024-6))

	stride := 16
	if index2 {
		stride = 8
	}
	tableOffset := uint32(1024 + 8)
	tableSize := uint32(len(entries) * stride)

	var sub [8]byte
	order.PutUint32(sub[0:4], tableOffset)
	order.PutUint32(sub[4:8], tableSize)
	buf.Write(sub[:])

	for hash, word := range entries {
		if index2 {
			var rec [8]byte
			order.PutUint32(rec[0:4], uint32(hash))
			order.PutUint32(rec[4:8], word)
			buf.Write(rec[:])
		} else {
			var rec [16]byte
			order.PutUint64(rec[0:8], hash)
			order.PutUint32(rec[8:12], word)
			buf.Write(rec[:])
		}
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
}

func writeIndexBuilder(t *testing.T, dir, shardBase string, order binary.ByteOrder, b *indexBuilder) {
	t.Helper()
	writeIndexShard(t, filepath.Join(dir, shardBase+".index"), order, b.full, false)
	index2 := make(map[uint64]uint32, len(b.index2))
	for h, w := range b.index2 {
		index2[uint64(h)] = w
	}
	writeIndexShard(t, filepath.Join(dir, shardBase+".index2"), order, index2, true)
}

func buildEXH(rowSize uint16, rowKind excel.RowKind, rowCount uint32, columns []excel.Column, pages []excel.Page) []byte {
	var buf bytes.Buffer
	buf.WriteString("EXHF")
	write16 := func(v uint16) { binary.Write(&buf, binary.BigEndian, v) }
	write32 := func(v uint32) { binary.Write(&buf, binary.BigEndian, v) }
	write16(rowSize)
	write16(uint16(len(pages)))
	write16(uint16(len(columns)))
	write16(0) // languageCount
	buf.WriteByte(byte(rowKind))
	buf.WriteByte(0)
	write32(rowCount)
	for _, c := range columns {
		write16(uint16(c.Type))
		write16(c.Offset)
	}
	for _, p := range pages {
		write32(p.StartRowID)
		write32(p.RowCount)
	}
	return buf.Bytes()
}

// buildGameTree assembles a minimal but complete game tree under t.TempDir():
// a base "ffxiv" repository with common/test.txt and a one-row, one-page
// "test" Excel sheet (exd/test.exh, exd/test_0.exd, exd/root.exl).
func buildGameTree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	repoDir := filepath.Join(root, "sqpack", "ffxiv")
	if err := os.MkdirAll(repoDir, 0o755); err != nil {
		t.Fatal(err)
	}
	order := sqpack.PlatformWin32.ByteOrder()

	// common/test.txt, category 0x00.
	commonDat := &datFile{}
	commonIdx := newIndexBuilder()
	off := commonDat.addStandard(order, []byte("hello from the pack"))
	commonIdx.add("common/test.txt", 0, off)
	if err := os.WriteFile(filepath.Join(repoDir, "000000.win32.dat0"), commonDat.buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	writeIndexBuilder(t, repoDir, "000000.win32", order, commonIdx)

	// exd/*, category 0x0a.
	exh := buildEXH(1, excel.RowKindSingleRow, 1,
		[]excel.Column{{Type: excel.TypeInt8, Offset: 0}},
		[]excel.Page{{StartRowID: 0, RowCount: 1}})

	exdHeader := &excel.Header{
		RowSize: 1,
		RowKind: excel.RowKindSingleRow,
		Columns: []excel.Column{{Type: excel.TypeInt8, Offset: 0}},
	}
	groups := map[uint32]excel.RowGroup{
		0: {RowID: 0, Subrows: []excel.Subrow{{Row: excel.Row{int8(42)}}}},
	}
	exd, err := excel.WritePage(exdHeader, 2, groups, []uint32{0})
	if err != nil {
		t.Fatal(err)
	}

	exl := []byte("test,0\n")

	exdDat := &datFile{}
	exdIdx := newIndexBuilder()
	off = exdDat.addStandard(order, exh)
	exdIdx.add("exd/test.exh", 0, off)
	off = exdDat.addStandard(order, exd)
	exdIdx.add("exd/test_0.exd", 0, off)
	off = exdDat.addStandard(order, exl)
	exdIdx.add("exd/root.exl", 0, off)
	if err := os.WriteFile(filepath.Join(repoDir, "0a0000.win32.dat0"), exdDat.buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	writeIndexBuilder(t, repoDir, "0a0000.win32", order, exdIdx)

	return root
}

func TestResourceReadAndExists(t *testing.T) {
	root := buildGameTree(t)
	r, err := sqpack.Open(root)
	if err != nil {
		t.Fatal(err)
	}

	ok, err := r.Exists("common/test.txt")
	if err != nil || !ok {
		t.Fatalf("Exists(common/test.txt) = (%v, %v), want (true, nil)", ok, err)
	}
	buf, err := r.Read("common/test.txt")
	if err != nil {
		t.Fatal(err)
	}
	if string(buf) != "hello from the pack" {
		t.Fatalf("Read() = %q, want %q", buf, "hello from the pack")
	}
}

func TestResourceReadMissingReturnsErrNotFound(t *testing.T) {
	root := buildGameTree(t)
	r, err := sqpack.Open(root)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.Read("common/nope.txt"); err != sqpack.ErrNotFound {
		t.Fatalf("Read() error = %v, want ErrNotFound", err)
	}
	if ok, err := r.Exists("common/nope.txt"); err != nil || ok {
		t.Fatalf("Exists() = (%v, %v), want (false, nil)", ok, err)
	}
}

func TestResourceExcelSheetRoundTrip(t *testing.T) {
	root := buildGameTree(t)
	r, err := sqpack.Open(root)
	if err != nil {
		t.Fatal(err)
	}

	names, err := r.GetAllSheetNames()
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 1 || names[0] != "test" {
		t.Fatalf("GetAllSheetNames() = %v, want [test]", names)
	}

	exh, err := r.ReadExcelSheetHeader("test")
	if err != nil {
		t.Fatal(err)
	}
	sheet, err := r.ReadExcelSheet("test", exh, "")
	if err != nil {
		t.Fatal(err)
	}
	row, ok := sheet.Row(0)
	if !ok {
		t.Fatalf("Row(0) not found")
	}
	got, ok := row[0].(int8)
	if !ok || got != 42 {
		t.Fatalf("Row(0)[0] = %v, want int8(42)", row[0])
	}
}

func TestResourcePreload(t *testing.T) {
	root := buildGameTree(t)
	r, err := sqpack.Open(root, sqpack.WithPreload())
	if err != nil {
		t.Fatal(err)
	}
	buf, err := r.Read("common/test.txt")
	if err != nil {
		t.Fatal(err)
	}
	if string(buf) != "hello from the pack" {
		t.Fatalf("Read() after WithPreload = %q", buf)
	}
}

func TestResourceEmptyRootDefaultsAndMisses(t *testing.T) {
	root := t.TempDir()
	r, err := sqpack.Open(root)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.Read("common/anything.txt"); err != sqpack.ErrNotFound {
		t.Fatalf("Read() on empty root = %v, want ErrNotFound", err)
	}
}

func TestResourceSatisfiesSource(t *testing.T) {
	var _ sqpack.Source = (*sqpack.Resource)(nil)
}
