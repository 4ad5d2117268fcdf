package sqpack

import "encoding/binary"

// Platform identifies the target platform a set of archive shards was built
// for. It selects both the shard filename suffix (spec.md §3 "Archive shard
// addressing") and the endianness used to decode every multi-byte pack
// field (Excel files are always big-endian regardless of Platform).
type Platform string

const (
	PlatformWin32 Platform = "win32"
	PlatformPS3   Platform = "ps3"
	PlatformPS4   Platform = "ps4"
	PlatformPS5   Platform = "ps5"
	PlatformXbox  Platform = "lys"
)

// Release distinguishes a retail shard from a debug shard (suffix ".d").
type Release int

const (
	ReleaseRetail Release = iota
	ReleaseDebug
)

// Suffix returns the filename suffix appended to shard names for r.
func (r Release) Suffix() string {
	if r == ReleaseDebug {
		return ".d"
	}
	return ""
}

// ByteOrder returns the binary.ByteOrder to use for multi-byte pack fields
// on p. PS3 is the only known big-endian platform.
func (p Platform) ByteOrder() binary.ByteOrder {
	if p == PlatformPS3 {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// knownPlatforms lists platforms in the order repo.DiscoverPlatform probes
// shard filenames for a match.
var knownPlatforms = []Platform{PlatformWin32, PlatformPS3, PlatformPS4, PlatformPS5, PlatformXbox}
