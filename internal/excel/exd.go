package excel

import (
	"bytes"
	"encoding/binary"
	"io"
	"sort"

	"github.com/orcaman/writerseeker"
	"golang.org/x/xerrors"
)

const exdMagic = "EXDF"

// exdHeaderSize is the fixed EXD file header (spec.md §4.9 "EXD engine
// (C9)"): magic(4) + version(2) + pad(2) + data_offset_table_size(4) +
// data_section_size(4) + pad(20).
const exdHeaderSize = 4 + 2 + 2 + 4 + 4 + 20

// ExcelDataOffset locates one row's section within an EXD page (spec.md §3
// "EXD (page)").
type ExcelDataOffset struct {
	RowID  uint32
	Offset uint32
}

// Row is one row or subrow's decoded fields, in the same order as the
// owning Header's Columns. Each element holds the column's Go-native
// decoded value: string, bool, intN/uintN, or float32.
type Row []interface{}

// RowGroup is every subrow sharing one row id (a single-element Subrows
// slice for SingleRow sheets).
type RowGroup struct {
	RowID   uint32
	Subrows []Subrow
}

// Subrow pairs a subrow id (always 0 for SingleRow sheets) with its
// decoded row.
type Subrow struct {
	ID  uint16
	Row Row
}

// Page is a parsed EXD file (spec.md §3 "EXD (page)").
type Page struct {
	Version uint16
	Entries []ExcelDataOffset
	Groups  map[uint32]RowGroup
}

// ParsePage parses an EXD page's raw bytes (spec.md §4.9 "Read a row").
//
// data_offset entries carry absolute byte offsets into data, already
// pointing at the row's DataSectionHeader; spec.md's "seek to offset_bytes
// - header_size within the blob" describes the same position measured from
// the start of the row-section blob rather than from the start of the
// file, which is the convention followed here.
func ParsePage(data []byte, exh *Header) (*Page, error) {
	if len(data) < exdHeaderSize {
		return nil, xerrors.Errorf("excel: EXD shorter than its header: %w", errMalformed)
	}
	if string(data[0:4]) != exdMagic {
		return nil, xerrors.Errorf("excel: bad EXD magic %q: %w", data[0:4], errMalformed)
	}
	version := binary.BigEndian.Uint16(data[4:6])
	dataOffsetTableSize := binary.BigEndian.Uint32(data[8:12])

	if dataOffsetTableSize%8 != 0 {
		return nil, xerrors.Errorf("excel: data offset table size %d not a multiple of 8: %w", dataOffsetTableSize, errMalformed)
	}
	n := int(dataOffsetTableSize / 8)
	entries := make([]ExcelDataOffset, n)
	tableStart := exdHeaderSize
	for i := 0; i < n; i++ {
		off := tableStart + i*8
		if off+8 > len(data) {
			return nil, xerrors.Errorf("excel: data offset table overruns EXD body: %w", errMalformed)
		}
		entries[i] = ExcelDataOffset{
			RowID:  binary.BigEndian.Uint32(data[off : off+4]),
			Offset: binary.BigEndian.Uint32(data[off+4 : off+8]),
		}
	}

	groups := make(map[uint32]RowGroup, n)
	for _, e := range entries {
		group, err := parseRowGroup(data, int64(e.Offset), exh)
		if err != nil {
			return nil, xerrors.Errorf("excel: parsing row %d at offset %d: %w", e.RowID, e.Offset, err)
		}
		group.RowID = e.RowID
		groups[e.RowID] = group
	}

	return &Page{Version: version, Entries: entries, Groups: groups}, nil
}

func parseRowGroup(data []byte, sectionOffset int64, exh *Header) (RowGroup, error) {
	if sectionOffset < 0 || sectionOffset+6 > int64(len(data)) {
		return RowGroup{}, xerrors.Errorf("excel: section offset %d out of range: %w", sectionOffset, errMalformed)
	}
	size := binary.BigEndian.Uint32(data[sectionOffset : sectionOffset+4])
	subrowCount := binary.BigEndian.Uint16(data[sectionOffset+4 : sectionOffset+6])
	_ = size
	dataStart := sectionOffset + 6

	if exh.RowKind == RowKindSingleRow {
		row, err := parseRowBody(data, dataStart, exh)
		if err != nil {
			return RowGroup{}, err
		}
		return RowGroup{Subrows: []Subrow{{ID: 0, Row: row}}}, nil
	}

	subrows := make([]Subrow, 0, subrowCount)
	for i := uint16(0); i < subrowCount; i++ {
		subOff := dataStart + int64(i)*(2+int64(exh.RowSize))
		if subOff+2 > int64(len(data)) {
			return RowGroup{}, xerrors.Errorf("excel: subrow %d header out of range: %w", i, errMalformed)
		}
		subID := binary.BigEndian.Uint16(data[subOff : subOff+2])
		row, err := parseRowBody(data, subOff+2, exh)
		if err != nil {
			return RowGroup{}, err
		}
		subrows = append(subrows, Subrow{ID: subID, Row: row})
	}
	return RowGroup{Subrows: subrows}, nil
}

func parseRowBody(data []byte, base int64, exh *Header) (Row, error) {
	row := make(Row, len(exh.Columns))
	for i, col := range exh.Columns {
		at := base + int64(col.Offset)
		v, err := decodeField(data, at, base, exh.RowSize, col.Type)
		if err != nil {
			return nil, xerrors.Errorf("excel: decoding column %d (type %#x): %w", i, col.Type, err)
		}
		row[i] = v
	}
	return row, nil
}

func decodeField(data []byte, at, rowBase int64, rowSize uint16, t ColumnType) (interface{}, error) {
	if bit, ok := t.PackedBoolBit(); ok {
		if at >= int64(len(data)) {
			return nil, xerrors.Errorf("offset %d out of range: %w", at, errMalformed)
		}
		return data[at]&(1<<uint(bit)) != 0, nil
	}
	switch t {
	case TypeString:
		if at+4 > int64(len(data)) {
			return nil, xerrors.Errorf("string offset field out of range: %w", errMalformed)
		}
		strOffset := binary.BigEndian.Uint32(data[at : at+4])
		start := rowBase + int64(rowSize) + int64(strOffset)
		if start < 0 || start > int64(len(data)) {
			return nil, xerrors.Errorf("string data offset %d out of range: %w", start, errMalformed)
		}
		end := start
		for end < int64(len(data)) && data[end] != 0 {
			end++
		}
		return string(data[start:end]), nil
	case TypeBool:
		if at+4 > int64(len(data)) {
			return nil, xerrors.Errorf("bool field out of range: %w", errMalformed)
		}
		return int32(binary.BigEndian.Uint32(data[at:at+4])) == 1, nil
	case TypeInt8:
		return int8(data[at]), checkBounds(data, at, 1)
	case TypeUInt8:
		return data[at], checkBounds(data, at, 1)
	case TypeInt16:
		if err := checkBounds(data, at, 2); err != nil {
			return nil, err
		}
		return int16(binary.BigEndian.Uint16(data[at : at+2])), nil
	case TypeUInt16:
		if err := checkBounds(data, at, 2); err != nil {
			return nil, err
		}
		return binary.BigEndian.Uint16(data[at : at+2]), nil
	case TypeInt32:
		if err := checkBounds(data, at, 4); err != nil {
			return nil, err
		}
		return int32(binary.BigEndian.Uint32(data[at : at+4])), nil
	case TypeUInt32:
		if err := checkBounds(data, at, 4); err != nil {
			return nil, err
		}
		return binary.BigEndian.Uint32(data[at : at+4]), nil
	case TypeFloat32:
		if err := checkBounds(data, at, 4); err != nil {
			return nil, err
		}
		bits := binary.BigEndian.Uint32(data[at : at+4])
		return float32frombits(bits), nil
	case TypeInt64:
		if err := checkBounds(data, at, 8); err != nil {
			return nil, err
		}
		return int64(binary.BigEndian.Uint64(data[at : at+8])), nil
	case TypeUInt64:
		if err := checkBounds(data, at, 8); err != nil {
			return nil, err
		}
		return binary.BigEndian.Uint64(data[at : at+8]), nil
	default:
		return nil, xerrors.Errorf("unknown column data type %#x: %w", t, errMalformed)
	}
}

func checkBounds(data []byte, at int64, n int) error {
	if at < 0 || at+int64(n) > int64(len(data)) {
		return xerrors.Errorf("field at %d (len %d) out of range: %w", at, n, errMalformed)
	}
	return nil
}

func float32frombits(bits uint32) float32 {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], bits)
	var f float32
	_ = binary.Read(bytes.NewReader(buf[:]), binary.BigEndian, &f)
	return f
}

// WritePage re-serializes a page byte-identically to a round-tripped
// ParsePage input (spec.md §4.9 "Write a page (round-trip)", I4). rowOrder
// fixes iteration order over groups (ascending row id) since Go map
// iteration order is random.
func WritePage(exh *Header, version uint16, groups map[uint32]RowGroup, rowOrder []uint32) ([]byte, error) {
	ws := &writerseeker.WriterSeeker{}

	// Reserve the fixed header; backfilled once section sizes are known.
	if _, err := ws.Write(make([]byte, exdHeaderSize)); err != nil {
		return nil, err
	}

	dataOffsetTableSize := uint32(len(rowOrder) * 8)
	tableStart := int64(exdHeaderSize)
	if _, err := ws.Write(make([]byte, dataOffsetTableSize)); err != nil {
		return nil, err
	}

	entries := make([]ExcelDataOffset, 0, len(rowOrder))
	dataSectionStart := exdHeaderSize + int(dataOffsetTableSize)

	for _, rowID := range rowOrder {
		group := groups[rowID]
		sectionOffset, err := writeRowGroup(ws, exh, group)
		if err != nil {
			return nil, xerrors.Errorf("excel: writing row %d: %w", rowID, err)
		}
		entries = append(entries, ExcelDataOffset{RowID: rowID, Offset: uint32(sectionOffset)})
	}

	reader, err := ws.Reader()
	if err != nil {
		return nil, err
	}
	buf, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}

	dataSectionSize := uint32(len(buf) - dataSectionStart)

	copy(buf[0:4], exdMagic)
	binary.BigEndian.PutUint16(buf[4:6], version)
	binary.BigEndian.PutUint32(buf[8:12], dataOffsetTableSize)
	binary.BigEndian.PutUint32(buf[12:16], dataSectionSize)

	for i, e := range entries {
		off := int(tableStart) + i*8
		binary.BigEndian.PutUint32(buf[off:off+4], e.RowID)
		binary.BigEndian.PutUint32(buf[off+4:off+8], e.Offset)
	}

	return buf, nil
}

// writeRowGroup writes one row section (header + body, 4-byte padded per
// I4) and returns the absolute byte offset its DataSectionHeader starts at.
func writeRowGroup(ws *writerseeker.WriterSeeker, exh *Header, group RowGroup) (int64, error) {
	sectionStart, err := ws.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, err
	}

	var headerBuf [6]byte
	binary.BigEndian.PutUint16(headerBuf[4:6], uint16(len(group.Subrows)))
	if _, err := ws.Write(headerBuf[:]); err != nil {
		return 0, err
	}

	bodyStart := sectionStart + 6
	if exh.RowKind == RowKindSingleRow {
		if len(group.Subrows) != 1 {
			return 0, xerrors.Errorf("excel: SingleRow group with %d subrows: %w", len(group.Subrows), errMalformed)
		}
		if err := writeRowBody(ws, exh, bodyStart, group.Subrows[0].Row); err != nil {
			return 0, err
		}
	} else {
		for _, sub := range group.Subrows {
			subStart, err := ws.Seek(0, io.SeekCurrent)
			if err != nil {
				return 0, err
			}
			var idBuf [2]byte
			binary.BigEndian.PutUint16(idBuf[:], sub.ID)
			if _, err := ws.Write(idBuf[:]); err != nil {
				return 0, err
			}
			if err := writeRowBody(ws, exh, subStart+2, sub.Row); err != nil {
				return 0, err
			}
		}
	}

	end, err := ws.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, err
	}
	padded := (end + 3) &^ 3
	if padded > end {
		if _, err := ws.Write(make([]byte, padded-end)); err != nil {
			return 0, err
		}
	}

	size := uint32(padded - sectionStart)
	if _, err := ws.Seek(sectionStart, io.SeekStart); err != nil {
		return 0, err
	}
	var sizeBuf [4]byte
	binary.BigEndian.PutUint32(sizeBuf[:], size)
	if _, err := ws.Write(sizeBuf[:]); err != nil {
		return 0, err
	}
	if _, err := ws.Seek(padded, io.SeekStart); err != nil {
		return 0, err
	}

	return sectionStart, nil
}

// writeRowBody writes one row's fixed-width area at rowBase (offset
// already accounts for the 2-byte SubRowHeader where present), then every
// referenced string's bytes after it, per column offset ascending order
// (spec.md §4.9). Packed-bool columns sharing an offset are coalesced:
// each distinct offset's byte is emitted once, at the first PackedBoolN
// column using it.
func writeRowBody(ws *writerseeker.WriterSeeker, exh *Header, rowBase int64, row Row) error {
	type indexed struct {
		col Column
		idx int
	}
	ordered := make([]indexed, len(exh.Columns))
	for i, c := range exh.Columns {
		ordered[i] = indexed{col: c, idx: i}
	}
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].col.Offset < ordered[j].col.Offset })

	fixed := make([]byte, exh.RowSize)
	var stringBlobs [][]byte
	stringAreaLen := uint32(0)

	emittedPackedOffset := map[uint16]bool{}
	for _, oc := range ordered {
		col := oc.col
		val := row[oc.idx]
		if bit, ok := col.Type.PackedBoolBit(); ok {
			if int(col.Offset) >= len(fixed) {
				return xerrors.Errorf("excel: packed-bool offset %d exceeds row_size %d: %w", col.Offset, exh.RowSize, errMalformed)
			}
			if b, _ := val.(bool); b {
				fixed[col.Offset] |= 1 << uint(bit)
			}
			emittedPackedOffset[col.Offset] = true
			continue
		}
		if int(col.Offset) >= len(fixed) && col.Type != TypeString {
			return xerrors.Errorf("excel: column offset %d exceeds row_size %d: %w", col.Offset, exh.RowSize, errMalformed)
		}
		switch col.Type {
		case TypeString:
			s, _ := val.(string)
			b := append([]byte(s), 0)
			binary.BigEndian.PutUint32(fixed[col.Offset:col.Offset+4], stringAreaLen)
			stringBlobs = append(stringBlobs, b)
			stringAreaLen += uint32(len(b))
		case TypeBool:
			b, _ := val.(bool)
			var v int32
			if b {
				v = 1
			}
			binary.BigEndian.PutUint32(fixed[col.Offset:col.Offset+4], uint32(v))
		case TypeInt8:
			v, _ := val.(int8)
			fixed[col.Offset] = byte(v)
		case TypeUInt8:
			v, _ := val.(uint8)
			fixed[col.Offset] = v
		case TypeInt16:
			v, _ := val.(int16)
			binary.BigEndian.PutUint16(fixed[col.Offset:col.Offset+2], uint16(v))
		case TypeUInt16:
			v, _ := val.(uint16)
			binary.BigEndian.PutUint16(fixed[col.Offset:col.Offset+2], v)
		case TypeInt32:
			v, _ := val.(int32)
			binary.BigEndian.PutUint32(fixed[col.Offset:col.Offset+4], uint32(v))
		case TypeUInt32:
			v, _ := val.(uint32)
			binary.BigEndian.PutUint32(fixed[col.Offset:col.Offset+4], v)
		case TypeFloat32:
			v, _ := val.(float32)
			binary.BigEndian.PutUint32(fixed[col.Offset:col.Offset+4], float32bits(v))
		case TypeInt64:
			v, _ := val.(int64)
			binary.BigEndian.PutUint64(fixed[col.Offset:col.Offset+8], uint64(v))
		case TypeUInt64:
			v, _ := val.(uint64)
			binary.BigEndian.PutUint64(fixed[col.Offset:col.Offset+8], v)
		default:
			return xerrors.Errorf("excel: unknown column data type %#x: %w", col.Type, errMalformed)
		}
	}

	if _, err := ws.Write(fixed); err != nil {
		return err
	}
	for _, s := range stringBlobs {
		if _, err := ws.Write(s); err != nil {
			return err
		}
	}
	return nil
}

func float32bits(f float32) uint32 {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.BigEndian, f)
	return binary.BigEndian.Uint32(buf.Bytes())
}
