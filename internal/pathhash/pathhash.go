// Package pathhash implements the two path-hashing schemes used to index
// virtual paths into archive shards (spec.md §3 "Virtual path and hashing",
// §4.2 "Path hasher (C2)").
//
// Both hashes are JAMCRC variants of the standard CRC-32 (polynomial
// 0xEDB88320, the same polynomial as crc32.IEEE): the register is seeded
// with 0xFFFFFFFF, and the result is the raw register value with no final
// XOR. hash/crc32's Update inverts the register on entry and on exit, so
// Update(0, ...) is the standard CRC-32 (seed 0xFFFFFFFF, final XOR), and
// its bitwise complement is JAMCRC.
package pathhash

import (
	"hash/crc32"
	"strings"
)

var table = crc32.MakeTable(crc32.IEEE)

// jamcrc computes CRC-32/JAMCRC over s: seed 0xFFFFFFFF, table-driven update
// with IEEE's polynomial, no final XOR.
func jamcrc(s string) uint32 {
	return ^crc32.Update(0, table, []byte(s))
}

// Hash computes the full-path hash used by .index shards: an independent
// JAMCRC over the lowercased directory half and filename half of path,
// packed as (dirCRC<<32 | fileCRC). path must already use forward slashes.
func Hash(path string) uint64 {
	path = strings.ToLower(path)
	dir, file := splitPath(path)
	dirCRC := jamcrc(dir)
	fileCRC := jamcrc(file)
	return uint64(dirCRC)<<32 | uint64(fileCRC)
}

// HashIndex2 computes the single-CRC hash used by .index2 shards: one
// JAMCRC over the entire lowercased path.
func HashIndex2(path string) uint32 {
	return jamcrc(strings.ToLower(path))
}

// splitPath splits path at its last slash into (dir, file). A path with no
// slash has an empty dir half, matching the reference behavior of hashing
// the directory half of a bare filename as the empty string.
func splitPath(path string) (dir, file string) {
	if idx := strings.LastIndexByte(path, '/'); idx >= 0 {
		return path[:idx], path[idx+1:]
	}
	return "", path
}
