// Package main implements a read-only FUSE view of a sqpack.Resource.
//
// Unlike a conventional filesystem image, a pack archive has no directory
// table: every virtual path is a hash lookup key, not an entry in an
// enumerable tree (spec.md §3 "Virtual path and hashing"). A caller that
// wants a browsable mount therefore has to supply the set of virtual paths
// to expose up front (see -paths in main.go); this tree then serves
// lookups and reads against those paths only, exactly as the pack itself
// would refuse a path it was never told about.
package main

import (
	"context"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"

	"github.com/kobold/sqpack"
)

// never is used for FUSE expiration timestamps: a pack archive mount is
// immutable for the lifetime of the process, so the kernel can cache
// attributes and directory entries forever.
var never = time.Now().Add(365 * 24 * time.Hour)

type dirent struct {
	name  string
	inode fuseops.InodeID
}

type dirNode struct {
	entries []dirent
	byName  map[string]fuseops.InodeID
}

type fileNode struct {
	virtualPath string
}

// fs is a read-only FUSE filesystem backed by a sqpack.Resource and a
// closed set of virtual paths (see package doc). It mirrors the teacher's
// inode-map shape (internal/fuse/fuse.go's fuseFS) without the
// squashfs-union machinery that domain doesn't need here.
type fs struct {
	fuseutil.NotImplementedFileSystem

	resource *sqpack.Resource

	mu       sync.Mutex
	inodeCnt fuseops.InodeID
	inodes   map[fuseops.InodeID]interface{} // *dirNode or *fileNode

	contentMu sync.Mutex
	content   map[fuseops.InodeID][]byte // lazily populated from resource.Read
}

const rootInode = fuseops.RootInodeID

// newFS builds the directory tree for every virtual path in paths,
// creating intermediate directories as needed, and returns a ready-to-mount
// filesystem.
func newFS(resource *sqpack.Resource, paths []string) *fs {
	f := &fs{
		resource: resource,
		inodeCnt: rootInode,
		inodes:   make(map[fuseops.InodeID]interface{}),
		content:  make(map[fuseops.InodeID][]byte),
	}
	root := &dirNode{byName: make(map[string]fuseops.InodeID)}
	f.inodes[rootInode] = root

	for _, p := range paths {
		f.addPath(strings.ToLower(strings.Trim(p, "/")))
	}
	return f
}

func (f *fs) allocateInode() fuseops.InodeID {
	f.inodeCnt++
	return f.inodeCnt
}

func (f *fs) dirAt(inode fuseops.InodeID) *dirNode {
	d, _ := f.inodes[inode].(*dirNode)
	return d
}

// mkdirAllLocked ensures every path component up to (but not including) the
// final segment of virtualPath exists as a directory, returning the inode
// of the immediate parent.
func (f *fs) mkdirAllLocked(virtualPath string) fuseops.InodeID {
	parent := rootInode
	dir := path.Dir(virtualPath)
	if dir == "." {
		return rootInode
	}
	components := strings.Split(dir, "/")
	for _, component := range components {
		d := f.dirAt(parent)
		if inode, ok := d.byName[component]; ok {
			parent = inode
			continue
		}
		inode := f.allocateInode()
		f.inodes[inode] = &dirNode{byName: make(map[string]fuseops.InodeID)}
		d.entries = append(d.entries, dirent{name: component, inode: inode})
		d.byName[component] = inode
		parent = inode
	}
	return parent
}

func (f *fs) addPath(virtualPath string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	parent := f.mkdirAllLocked(virtualPath)
	name := path.Base(virtualPath)
	d := f.dirAt(parent)
	if _, exists := d.byName[name]; exists {
		return
	}
	inode := f.allocateInode()
	f.inodes[inode] = &fileNode{virtualPath: virtualPath}
	d.entries = append(d.entries, dirent{name: name, inode: inode})
	d.byName[name] = inode
}

func dirAttrs() fuseops.InodeAttributes {
	return fuseops.InodeAttributes{
		Nlink: 1,
		Mode:  os.ModeDir | 0o555,
		Atime: never,
		Mtime: never,
		Ctime: never,
	}
}

func (f *fs) fileAttrs(inode fuseops.InodeID, node *fileNode) fuseops.InodeAttributes {
	size := uint64(0)
	if buf, err := f.readFile(inode, node); err == nil {
		size = uint64(len(buf))
	}
	return fuseops.InodeAttributes{
		Size:  size,
		Nlink: 1,
		Mode:  0o444,
		Atime: never,
		Mtime: never,
		Ctime: never,
	}
}

func (f *fs) readFile(inode fuseops.InodeID, node *fileNode) ([]byte, error) {
	f.contentMu.Lock()
	if buf, ok := f.content[inode]; ok {
		f.contentMu.Unlock()
		return buf, nil
	}
	f.contentMu.Unlock()

	buf, err := f.resource.Read(node.virtualPath)
	if err != nil {
		return nil, err
	}
	f.contentMu.Lock()
	f.content[inode] = buf
	f.contentMu.Unlock()
	return buf, nil
}

func (f *fs) StatFS(ctx context.Context, op *fuseops.StatFSOp) error {
	op.BlockSize = 4096
	op.IoSize = 65536
	return nil
}

func (f *fs) LookUpInode(ctx context.Context, op *fuseops.LookUpInodeOp) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	d := f.dirAt(op.Parent)
	if d == nil {
		return fuse.EIO
	}
	inode, ok := d.byName[op.Name]
	if !ok {
		return fuse.ENOENT
	}
	op.Entry.Child = inode
	op.Entry.AttributesExpiration = never
	op.Entry.EntryExpiration = never
	switch n := f.inodes[inode].(type) {
	case *dirNode:
		op.Entry.Attributes = dirAttrs()
	case *fileNode:
		op.Entry.Attributes = f.fileAttrs(inode, n)
	}
	return nil
}

func (f *fs) GetInodeAttributes(ctx context.Context, op *fuseops.GetInodeAttributesOp) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	op.AttributesExpiration = never
	switch n := f.inodes[op.Inode].(type) {
	case *dirNode:
		op.Attributes = dirAttrs()
	case *fileNode:
		op.Attributes = f.fileAttrs(op.Inode, n)
	default:
		return fuse.ENOENT
	}
	return nil
}

func (f *fs) OpenDir(ctx context.Context, op *fuseops.OpenDirOp) error {
	return nil
}

func (f *fs) ReadDir(ctx context.Context, op *fuseops.ReadDirOp) error {
	f.mu.Lock()
	d := f.dirAt(op.Inode)
	f.mu.Unlock()
	if d == nil {
		return fuse.EIO
	}

	var entries []fuseutil.Dirent
	for _, de := range d.entries {
		typ := fuseutil.DT_File
		if _, ok := f.inodes[de.inode].(*dirNode); ok {
			typ = fuseutil.DT_Directory
		}
		entries = append(entries, fuseutil.Dirent{
			Offset: fuseops.DirOffset(len(entries) + 1),
			Inode:  de.inode,
			Name:   de.name,
			Type:   typ,
		})
	}
	if op.Offset > fuseops.DirOffset(len(entries)) {
		return fuse.EIO
	}
	for _, e := range entries[op.Offset:] {
		n := fuseutil.WriteDirent(op.Dst[op.BytesRead:], e)
		if n == 0 {
			break
		}
		op.BytesRead += n
	}
	return nil
}

func (f *fs) OpenFile(ctx context.Context, op *fuseops.OpenFileOp) error {
	return nil
}

func (f *fs) ReadFile(ctx context.Context, op *fuseops.ReadFileOp) error {
	f.mu.Lock()
	node, ok := f.inodes[op.Inode].(*fileNode)
	f.mu.Unlock()
	if !ok {
		return fuse.EIO
	}
	buf, err := f.readFile(op.Inode, node)
	if err != nil {
		return fuse.ENOENT
	}
	if op.Offset >= int64(len(buf)) {
		op.BytesRead = 0
		return nil
	}
	op.BytesRead = copy(op.Dst, buf[op.Offset:])
	return nil
}

func (f *fs) Destroy() {}
