// Package index parses SqPack .index and .index2 shards into a lookup table
// from path hash to archive entry (spec.md §3 "Index entry", §4.3 "Index
// reader (C3)").
package index

import (
	"encoding/binary"
	"io"

	"golang.org/x/xerrors"
)

const (
	sqpackHeaderSize = 1024
	sqpackMagic       = "SqPack"

	// entryStrideFull is the 16-byte stride of a .index entry:
	// {hash:u64, packed:u32, pad:u32}.
	entryStrideFull = 16
	// entryStrideIndex2 is the 8-byte stride of a .index2 entry:
	// {hash:u32, packed:u32}.
	entryStrideIndex2 = 8
)

// Entry is one resolved index record (spec.md §3 "Index entry").
type Entry struct {
	// Hash is the full 64-bit key for .index entries, or the zero-extended
	// 32-bit key for .index2 entries.
	Hash uint64
	// Synonym is bit 0 of the packed word. spec.md §9 notes this bit's
	// collision semantics are unspecified; readers parse and expose it but
	// never act on it.
	Synonym bool
	// DataFileID selects which numbered DAT shard (datN) holds the entry.
	DataFileID uint8
	// Offset is the absolute byte offset into the DAT shard (already
	// multiplied back up from the on-disk 128-byte unit, so it always
	// satisfies offset%128==0 per invariant I1).
	Offset uint64
}

func unpack(word uint32) (synonym bool, dataFileID uint8, offset uint64) {
	synonym = word&1 != 0
	dataFileID = uint8((word >> 1) & 0x7)
	offset = uint64(word>>4) << 7
	return
}

// Index is a parsed index shard, queryable by path hash.
type Index struct {
	entries map[uint64]Entry
}

// ParseFull parses a .index shard (full path hash, 16-byte entry stride).
func ParseFull(r io.ReaderAt, order binary.ByteOrder) (*Index, error) {
	return parse(r, order, entryStrideFull, false)
}

// ParseIndex2 parses a .index2 shard (filename-only hash, 8-byte entry
// stride).
func ParseIndex2(r io.ReaderAt, order binary.ByteOrder) (*Index, error) {
	return parse(r, order, entryStrideIndex2, true)
}

// sqpackHeader is the 1024-byte header shared by index and DAT shards
// (spec.md §4.3): a fixed magic, a platform byte, a size, and a trailing
// digest this reader never validates.
type sqpackHeader struct {
	magic       [6]byte
	platform    uint8
	_           uint8
	size        uint32
	version     uint32
	fileType    uint32
}

// indexSubHeader gives the entry table's location and size, immediately
// following sqpackHeader.
type indexSubHeader struct {
	tableOffset uint32
	tableSize   uint32
}

func parse(r io.ReaderAt, order binary.ByteOrder, stride int, index2 bool) (*Index, error) {
	var hdr [24]byte
	if _, err := r.ReadAt(hdr[:], 0); err != nil {
		return nil, xerrors.Errorf("index: reading header: %w", err)
	}
	if string(hdr[0:6]) != sqpackMagic {
		return nil, xerrors.Errorf("index: bad magic %q: %w", hdr[0:6], errMalformed)
	}

	var sub [8]byte
	if _, err := r.ReadAt(sub[:], sqpackHeaderSize); err != nil {
		return nil, xerrors.Errorf("index: reading sub-header: %w", err)
	}
	tableOffset := order.Uint32(sub[0:4])
	tableSize := order.Uint32(sub[4:8])

	if tableSize%uint32(stride) != 0 {
		return nil, xerrors.Errorf("index: table size %d not a multiple of entry stride %d: %w", tableSize, stride, errMalformed)
	}
	count := int(tableSize) / stride
	buf := make([]byte, tableSize)
	if _, err := r.ReadAt(buf, int64(tableOffset)); err != nil {
		return nil, xerrors.Errorf("index: reading entry table: %w", err)
	}

	idx := &Index{entries: make(map[uint64]Entry, count)}
	for i := 0; i < count; i++ {
		off := i * stride
		var hash uint64
		var packed uint32
		if index2 {
			hash = uint64(order.Uint32(buf[off : off+4]))
			packed = order.Uint32(buf[off+4 : off+8])
		} else {
			hash = order.Uint64(buf[off : off+8])
			packed = order.Uint32(buf[off+8 : off+12])
		}
		synonym, dataFileID, offset := unpack(packed)
		idx.entries[hash] = Entry{
			Hash:       hash,
			Synonym:    synonym,
			DataFileID: dataFileID,
			Offset:     offset,
		}
	}
	return idx, nil
}

var errMalformed = xerrors.New("index: malformed shard")

// ErrMalformed is returned (wrapped) for structural parse failures;
// exported so callers can errors.Is against it uniformly with
// sqpack.ErrMalformedArchive.
var ErrMalformed = errMalformed

// Find looks up hash, returning (entry, true) on a hit or (Entry{}, false)
// on a miss. A miss is not an error (spec.md I6): callers try both the
// full-path and filename-only shards before declaring absence.
func (idx *Index) Find(hash uint64) (Entry, bool) {
	e, ok := idx.entries[hash]
	return e, ok
}

// Len returns the number of entries parsed, for tests and preload metrics.
func (idx *Index) Len() int { return len(idx.entries) }
