package sqpack_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/kobold/sqpack"
)

func writePatchChunk(buf *bytes.Buffer, tag string, body []byte) {
	hasCRC := tag != "EOF_"
	size := 4 + len(body)
	if hasCRC {
		size += 4
	}
	var sizeBuf [4]byte
	binary.BigEndian.PutUint32(sizeBuf[:], uint32(size))
	buf.Write(sizeBuf[:])
	buf.WriteString(tag)
	if hasCRC {
		buf.Write([]byte{0, 0, 0, 0})
	}
	buf.Write(body)
}

func sqpkPatchChunk(buf *bytes.Buffer, subTag string, body []byte) {
	full := append([]byte(subTag), body...)
	writePatchChunk(buf, "SQPK", full)
}

func pushPatchU8String(buf *bytes.Buffer, s string) {
	buf.WriteByte(byte(len(s)))
	buf.WriteString(s)
}

func pushPatchU16Bytes(buf *bytes.Buffer, b []byte) {
	var n [2]byte
	binary.BigEndian.PutUint16(n[:], uint16(len(b)))
	buf.Write(n[:])
	buf.Write(b)
}

func pushPatchU64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func pushPatchU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

// TestResourceApplyPatchAddsLooseFile exercises Resource.ApplyPatch
// end-to-end against a real game tree fixture, applying a FileOp.AddFile
// chunk and confirming the loose file it writes lands on disk under the
// Resource's root with the patched contents.
func TestResourceApplyPatchAddsLooseFile(t *testing.T) {
	root := buildGameTree(t)

	const content = "patched greeting"
	var blockStream bytes.Buffer
	// Uncompressed patch-stream block: header + payload, padded to 128.
	var hdr [16]byte
	binary.LittleEndian.PutUint32(hdr[0:4], 16)
	binary.LittleEndian.PutUint32(hdr[4:8], 32000)
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(len(content)))
	blockStream.Write(hdr[:])
	blockStream.WriteString(content)
	total := 16 + len(content)
	pad := (total+127)&^127 - total
	blockStream.Write(make([]byte, pad))

	var sub bytes.Buffer
	pushPatchU8String(&sub, "ffxiv")
	pushPatchU16Bytes(&sub, []byte("loose/greeting.txt"))
	pushPatchU64(&sub, 0)
	pushPatchU64(&sub, uint64(len(content)))
	sub.Write(blockStream.Bytes())

	var buf bytes.Buffer
	buf.Write(make([]byte, 12))
	sqpkPatchChunk(&buf, "FADD", sub.Bytes())
	writePatchChunk(&buf, "EOF_", nil)

	patchPath := filepath.Join(root, "greeting.patch")
	if err := os.WriteFile(patchPath, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}

	r, err := sqpack.Open(root)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.ApplyPatch(patchPath); err != nil {
		t.Fatal(err)
	}

	got, err := os.ReadFile(filepath.Join(root, "loose", "greeting.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != content {
		t.Fatalf("ApplyPatch wrote %q, want %q", got, content)
	}
}

func TestResourceApplyPatchUnknownRepositoryReportsRepositoryPatchError(t *testing.T) {
	root := buildGameTree(t)

	var sub bytes.Buffer
	pushPatchU8String(&sub, "nonexistent")
	sub.WriteByte(0x00) // categoryID
	sub.WriteByte(0)    // fileID
	pushPatchU32(&sub, 0) // blockOffset
	pushPatchU32(&sub, 1) // blockNumber
	pushPatchU32(&sub, 0) // blockDeleteNumber
	sub.Write(make([]byte, 128))

	var buf bytes.Buffer
	buf.Write(make([]byte, 12))
	sqpkPatchChunk(&buf, "ADAT", sub.Bytes())
	writePatchChunk(&buf, "EOF_", nil)

	patchPath := filepath.Join(root, "bad.patch")
	if err := os.WriteFile(patchPath, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}

	r, err := sqpack.Open(root)
	if err != nil {
		t.Fatal(err)
	}
	err = r.ApplyPatch(patchPath)
	var patchErr *sqpack.RepositoryPatchError
	if !errors.As(err, &patchErr) {
		t.Fatalf("ApplyPatch() error = %v, want *RepositoryPatchError", err)
	}
	if patchErr.Repository != "nonexistent" {
		t.Fatalf("RepositoryPatchError.Repository = %q, want %q", patchErr.Repository, "nonexistent")
	}
}
