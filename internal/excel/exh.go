// Package excel implements the tabular "Excel" sheet engine (spec.md §3
// "Excel entities", §4.8-4.10): EXH header parsing, EXD page parsing and
// round-trip serialization, and a sheet facade over both. Every field in
// this package is big-endian regardless of the owning Resource's platform
// (spec.md §6 "endianness for Excel ... is always big").
package excel

import (
	"encoding/binary"
	"io"

	"golang.org/x/xerrors"
)

// ColumnType is the wire tag for one Excel column's storage shape (spec.md
// §3 "Column type"). The numeric values match the format's own encoding so
// a Header read from one archive and written back reproduces the same
// bytes.
type ColumnType uint16

const (
	TypeString  ColumnType = 0x0
	TypeBool    ColumnType = 0x1
	TypeInt8    ColumnType = 0x2
	TypeUInt8   ColumnType = 0x3
	TypeInt16   ColumnType = 0x4
	TypeUInt16  ColumnType = 0x5
	TypeInt32   ColumnType = 0x6
	TypeUInt32  ColumnType = 0x7
	TypeFloat32 ColumnType = 0x9
	TypeInt64   ColumnType = 0xA
	TypeUInt64  ColumnType = 0xB

	// TypePackedBool0 through TypePackedBool7 share a single byte at the
	// column's offset, differing only by bit position (spec.md I5).
	TypePackedBool0 ColumnType = 0x19
	TypePackedBool1 ColumnType = 0x1A
	TypePackedBool2 ColumnType = 0x1B
	TypePackedBool3 ColumnType = 0x1C
	TypePackedBool4 ColumnType = 0x1D
	TypePackedBool5 ColumnType = 0x1E
	TypePackedBool6 ColumnType = 0x1F
	TypePackedBool7 ColumnType = 0x20
)

// PackedBoolBit returns the bit position (0..7) for a PackedBoolN type and
// whether t is a packed-bool type at all.
func (t ColumnType) PackedBoolBit() (int, bool) {
	if t < TypePackedBool0 || t > TypePackedBool7 {
		return 0, false
	}
	return int(t - TypePackedBool0), true
}

// RowKind selects whether a sheet's rows each hold one record or several
// subrows keyed by a subrow id (spec.md §3 "row_kind").
type RowKind uint8

const (
	RowKindSingleRow RowKind = 0
	RowKindSubRows   RowKind = 1
)

// Column is one column definition from an EXH (spec.md §3 "ColumnDefinition").
type Column struct {
	Type   ColumnType
	Offset uint16
}

// Page describes one EXD file's row-id range (spec.md §3 "Page").
type Page struct {
	StartRowID uint32
	RowCount   uint32
}

const exhMagic = "EXHF"

// Header is a parsed EXH (spec.md §4.8 "EXH parser (C8)").
type Header struct {
	RowSize       uint16
	RowKind       RowKind
	RowCount      uint32
	Columns       []Column
	Pages         []Page
	Languages     []uint8
}

// ParseHeader reads an EXH file body from r (spec.md §4.8).
func ParseHeader(r io.Reader) (*Header, error) {
	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, xerrors.Errorf("excel: reading EXH magic: %w", err)
	}
	if string(magic[:]) != exhMagic {
		return nil, xerrors.Errorf("excel: bad EXH magic %q: %w", magic, errMalformed)
	}

	var fixed [10]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		return nil, xerrors.Errorf("excel: reading EXH fixed fields: %w", err)
	}
	rowSize := binary.BigEndian.Uint16(fixed[0:2])
	pageCount := binary.BigEndian.Uint16(fixed[2:4])
	columnCount := binary.BigEndian.Uint16(fixed[4:6])
	languageCount := binary.BigEndian.Uint16(fixed[6:8])
	rowKind := RowKind(fixed[8])
	// fixed[9] is padding.
	var rowCountBuf [4]byte
	if _, err := io.ReadFull(r, rowCountBuf[:]); err != nil {
		return nil, xerrors.Errorf("excel: reading EXH row_count: %w", err)
	}
	rowCount := binary.BigEndian.Uint32(rowCountBuf[:])

	columns := make([]Column, columnCount)
	for i := range columns {
		var buf [4]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return nil, xerrors.Errorf("excel: reading EXH column %d: %w", i, err)
		}
		columns[i] = Column{
			Type:   ColumnType(binary.BigEndian.Uint16(buf[0:2])),
			Offset: binary.BigEndian.Uint16(buf[2:4]),
		}
	}

	pages := make([]Page, pageCount)
	for i := range pages {
		var buf [8]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return nil, xerrors.Errorf("excel: reading EXH page %d: %w", i, err)
		}
		pages[i] = Page{
			StartRowID: binary.BigEndian.Uint32(buf[0:4]),
			RowCount:   binary.BigEndian.Uint32(buf[4:8]),
		}
	}

	languages := make([]uint8, languageCount)
	if languageCount > 0 {
		if _, err := io.ReadFull(r, languages); err != nil {
			return nil, xerrors.Errorf("excel: reading EXH languages: %w", err)
		}
	}

	return &Header{
		RowSize:   rowSize,
		RowKind:   rowKind,
		RowCount:  rowCount,
		Columns:   columns,
		Pages:     pages,
		Languages: languages,
	}, nil
}

// PageIndexFor returns the index of the first page whose
// [StartRowID, StartRowID+RowCount) range contains rowID (spec.md §4.8
// "page_index_for"). Behavior is undefined (ok=false here) if rowID is
// outside every page.
func (h *Header) PageIndexFor(rowID uint32) (int, bool) {
	for i, p := range h.Pages {
		if rowID >= p.StartRowID && rowID < p.StartRowID+p.RowCount {
			return i, true
		}
	}
	return 0, false
}

var errMalformed = xerrors.New("excel: malformed sheet")

// ErrMalformed is the sentinel wrapped into every structural EXH/EXD parse
// failure.
var ErrMalformed = errMalformed
