package sqpack

import (
	"os"
	"path/filepath"

	"golang.org/x/xerrors"
)

// DirSource is a Source backed by a plain directory tree, read/exists
// mapping a virtual path directly onto rootDir-relative filesystem paths
// (spec.md §4.11's "on-disk override directory"). It lets an installer or a
// modder stage loose, uncompressed replacement files that shadow the packed
// archive without rebuilding any shard.
type DirSource struct {
	rootDir string
}

// NewDirSource returns a DirSource rooted at rootDir. rootDir need not
// exist yet; a missing root simply reports every path as absent.
func NewDirSource(rootDir string) *DirSource {
	return &DirSource{rootDir: rootDir}
}

func (d *DirSource) resolve(virtualPath string) string {
	return filepath.Join(d.rootDir, filepath.FromSlash(virtualPath))
}

// Read returns the file contents at virtualPath, or ErrNotFound if no such
// file is staged.
func (d *DirSource) Read(virtualPath string) ([]byte, error) {
	buf, err := os.ReadFile(d.resolve(virtualPath))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, xerrors.Errorf("sqpack: reading override %s: %w", virtualPath, err)
	}
	return buf, nil
}

// Exists reports whether virtualPath is staged under the override
// directory.
func (d *DirSource) Exists(virtualPath string) (bool, error) {
	_, err := os.Stat(d.resolve(virtualPath))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, xerrors.Errorf("sqpack: stat override %s: %w", virtualPath, err)
	}
	return true, nil
}
