package sqpack

import (
	"bytes"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/kobold/sqpack/internal/dat"
	"github.com/kobold/sqpack/internal/excel"
	"github.com/kobold/sqpack/internal/index"
	"github.com/kobold/sqpack/internal/patch"
	"github.com/kobold/sqpack/internal/pathhash"
	"github.com/kobold/sqpack/internal/repo"
)

// shardExt enumerates the candidate index shard extensions a read/exists
// search tries, full-path hash first (spec.md I6 "miss on both ... is
// definitive absence").
var shardExt = []string{"index", "index2"}

// Resource is a pack archive instance (spec.md §4.6 "Pack resource (C6)"):
// a root directory, its discovered repositories, the platform/release the
// tree was installed for, and a cache of parsed index shards.
type Resource struct {
	rootDir     string
	platform    Platform
	release     Release
	repos       []repo.Repository
	logger      *log.Logger
	preloadOnly bool

	mu         sync.Mutex
	indexCache map[string]*index.Index
}

// Option configures Open.
type Option func(*Resource)

// WithLogger overrides the logger used for advisory diagnostics (spec.md §7
// "Logging is advisory and uses a structured logger abstraction"). Default
// is log.Default().
func WithLogger(l *log.Logger) Option {
	return func(r *Resource) { r.logger = l }
}

// WithPlatform overrides platform auto-detection (spec.md §4.5 "Determine
// platform and release"). Rarely needed outside tests.
func WithPlatform(p Platform) Option {
	return func(r *Resource) { r.platform = p }
}

// WithPreload causes Open to eagerly parse every index shard under root
// (spec.md §4.6 "preload()"), eliminating first-miss latency at the cost of
// open-time I/O proportional to the tree size.
func WithPreload() Option {
	return func(r *Resource) { r.preloadOnly = true }
}

// Open discovers repositories under rootDir, determines the platform and
// release the tree targets, and returns a ready-to-use Resource (spec.md
// §4.6, §6 "open(root_dir) -> Resource"). An empty or brand-new root is not
// an error: platform defaults to win32/retail and every read returns
// ErrNotFound (spec.md §8 "Empty repository root").
func Open(rootDir string, opts ...Option) (*Resource, error) {
	repos, err := repo.Discover(rootDir)
	if err != nil {
		return nil, xerrors.Errorf("sqpack: discovering repositories under %s: %w", rootDir, err)
	}

	r := &Resource{
		rootDir:    rootDir,
		platform:   PlatformWin32,
		release:    ReleaseRetail,
		repos:      repos,
		logger:     log.Default(),
		indexCache: make(map[string]*index.Index),
	}
	for _, opt := range opts {
		opt(r)
	}

	if base := findRepo(repos, "ffxiv"); base.Dir != "" {
		platforms := make([]string, len(knownPlatforms))
		for i, p := range knownPlatforms {
			platforms[i] = string(p)
		}
		if plat, debug, found := repo.DiscoverPlatform(base.Dir, platforms); found {
			r.platform = Platform(plat)
			if debug {
				r.release = ReleaseDebug
			}
		}
	}

	if r.preloadOnly {
		if err := r.Preload(); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func findRepo(repos []repo.Repository, name string) repo.Repository {
	for _, rp := range repos {
		if rp.Name == name {
			return rp
		}
	}
	return repo.Repository{}
}

// candidateShards returns every (indexPath, hash) pair to try, in search
// order, for virtualPath (spec.md §4.6 "read": "iterate candidate index
// filenames (both .index and .index2, chunks 0..N)").
func (r *Resource) candidateShards(virtualPath string) ([]shardCandidate, error) {
	loc, err := repo.Resolve(r.repos, virtualPath)
	if err != nil {
		return nil, err
	}
	fullHash := pathhash.Hash(strings.ToLower(virtualPath))
	index2Hash := uint64(pathhash.HashIndex2(strings.ToLower(virtualPath)))

	var out []shardCandidate
	for chunk := 0; chunk < 256; chunk++ {
		for _, ext := range shardExt {
			name := repo.ShardName(loc.CategoryID, loc.Repository.Number, chunk, string(r.platform), ext, r.release.Suffix())
			path := filepath.Join(loc.Repository.Dir, name)
			if _, err := os.Stat(path); err != nil {
				continue
			}
			hash := fullHash
			if ext == "index2" {
				hash = index2Hash
			}
			out = append(out, shardCandidate{path: path, repository: loc.Repository, categoryID: loc.CategoryID, hash: hash, index2: ext == "index2"})
		}
	}
	return out, nil
}

type shardCandidate struct {
	path       string
	repository repo.Repository
	categoryID uint8
	hash       uint64
	index2     bool
}

func (r *Resource) loadIndex(path string, index2 bool) (*index.Index, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if idx, ok := r.indexCache[path]; ok {
		return idx, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, xerrors.Errorf("sqpack: opening %s: %w", path, err)
	}
	defer f.Close()

	var idx *index.Index
	if index2 {
		idx, err = index.ParseIndex2(f, r.platform.ByteOrder())
	} else {
		idx, err = index.ParseFull(f, r.platform.ByteOrder())
	}
	if err != nil {
		return nil, xerrors.Errorf("sqpack: parsing %s: %w", path, err)
	}
	r.indexCache[path] = idx
	return idx, nil
}

// findEntry searches every candidate shard for virtualPath, returning the
// first hit (spec.md §4.6 "First hit wins").
func (r *Resource) findEntry(virtualPath string) (index.Entry, shardCandidate, bool, error) {
	candidates, err := r.candidateShards(virtualPath)
	if err != nil {
		return index.Entry{}, shardCandidate{}, false, err
	}
	for _, c := range candidates {
		idx, err := r.loadIndex(c.path, c.index2)
		if err != nil {
			return index.Entry{}, shardCandidate{}, false, err
		}
		if e, ok := idx.Find(c.hash); ok {
			return e, c, true, nil
		}
	}
	return index.Entry{}, shardCandidate{}, false, nil
}

// Read resolves virtualPath to its DAT entry and returns the decoded
// payload. It returns (nil, ErrNotFound) when the path is absent from
// every candidate shard (spec.md §4.6 "read(virtual_path) -> Option<bytes>").
func (r *Resource) Read(virtualPath string) ([]byte, error) {
	entry, c, ok, err := r.findEntry(virtualPath)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}

	datPath := filepath.Join(c.repository.Dir, repo.ShardName(c.categoryID, c.repository.Number, 0, string(r.platform), fmt.Sprintf("dat%d", entry.DataFileID), r.release.Suffix()))
	f, err := os.Open(datPath)
	if err != nil {
		return nil, xerrors.Errorf("sqpack: opening %s: %w", datPath, err)
	}
	defer f.Close()

	buf, err := dat.Read(f, int64(entry.Offset), r.platform.ByteOrder())
	if err != nil {
		return nil, xerrors.Errorf("%s: %w", virtualPath, combineErr(err, ErrMalformedArchive))
	}
	return buf, nil
}

func combineErr(inner, sentinel error) error {
	return xerrors.Errorf("%w: %v", sentinel, inner)
}

// Exists reports whether virtualPath is present in any candidate shard,
// without opening a DAT file (spec.md §4.6 "exists(path) -> bool").
func (r *Resource) Exists(virtualPath string) (bool, error) {
	_, _, ok, err := r.findEntry(virtualPath)
	if err != nil {
		return false, err
	}
	return ok, nil
}

// Preload walks every repository's shard directory and parses every
// .index/.index2 file found, eliminating first-miss latency (spec.md §4.6
// "preload()"). Shards are parsed concurrently via an errgroup, grounded on
// the teacher's per-package parallel-download pattern.
func (r *Resource) Preload() error {
	var eg errgroup.Group
	for _, rp := range r.repos {
		rp := rp
		entries, err := os.ReadDir(rp.Dir)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return xerrors.Errorf("sqpack: preload: reading %s: %w", rp.Dir, err)
		}
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() || !(strings.Contains(name, ".index")) {
				continue
			}
			path := filepath.Join(rp.Dir, name)
			index2 := strings.Contains(name, ".index2")
			eg.Go(func() error {
				_, err := r.loadIndex(path, index2)
				return err
			})
		}
	}
	if err := eg.Wait(); err != nil {
		return xerrors.Errorf("sqpack: preload: %w", err)
	}
	return nil
}

// ApplyPatch applies the patch container at patchPath against this
// Resource's root directory (spec.md §4.7, §6 "apply_patch(patch_file_path)
// -> Result<(), PatchError>"). It takes an advisory exclusive lock on the
// root for the duration of the call (spec.md §5) and invalidates every
// cached index shard afterward, since a patch may have mutated any of them.
//
// Callers must not call Read/Exists/ReadExcelSheet concurrently with
// ApplyPatch: the lock only excludes other sqpack processes, not goroutines
// within this one.
func (r *Resource) ApplyPatch(patchPath string) error {
	err := patch.Apply(r.rootDir, patchPath, string(r.platform), r.logger)

	r.mu.Lock()
	r.indexCache = make(map[string]*index.Index)
	r.mu.Unlock()

	if err == nil {
		return nil
	}
	var repoErr *patch.RepoError
	if xerrors.As(err, &repoErr) {
		return &RepositoryPatchError{Repository: repoErr.Repo, Err: repoErr.Err}
	}
	return &RepositoryPatchError{Err: err}
}

const sheetListPath = "exd/root.exl"

// ReadExcelSheetHeader reads and parses the EXH for the named sheet
// (spec.md §6 "Sheet file naming": "exd/<lowercased_name>.exh").
func (r *Resource) ReadExcelSheetHeader(name string) (*excel.Header, error) {
	path := "exd/" + strings.ToLower(name) + ".exh"
	raw, err := r.Read(path)
	if err != nil {
		return nil, err
	}
	h, err := excel.ParseHeader(bytes.NewReader(raw))
	if err != nil {
		return nil, xerrors.Errorf("%s: %w", path, combineErr(err, ErrMalformedSheet))
	}
	return h, nil
}

// ReadExcelSheet reads every page of the named sheet for the given
// language (empty lang selects the unlocalized naming convention). Pages
// are read in EXH page order (spec.md §4.6, §6 "Sheet file naming").
func (r *Resource) ReadExcelSheet(name string, exh *excel.Header, lang string) (*excel.Sheet, error) {
	lowered := strings.ToLower(name)
	pages := make([]*excel.Page, 0, len(exh.Pages))
	for _, p := range exh.Pages {
		path := sheetPagePath(lowered, p.StartRowID, lang)
		raw, err := r.Read(path)
		if err != nil {
			return nil, err
		}
		page, err := excel.ParsePage(raw, exh)
		if err != nil {
			return nil, xerrors.Errorf("%s: %w", path, combineErr(err, ErrMalformedSheet))
		}
		pages = append(pages, page)
	}
	return &excel.Sheet{Header: exh, Pages: pages}, nil
}

func sheetPagePath(lowered string, startRowID uint32, lang string) string {
	if lang == "" {
		return fmt.Sprintf("exd/%s_%d.exd", lowered, startRowID)
	}
	return fmt.Sprintf("exd/%s_%d_%s.exd", lowered, startRowID, lang)
}

// GetAllSheetNames reads exd/root.exl and returns every sheet name listed
// (spec.md §6 "Sheet list: exd/root.exl (plain text, one entry per line,
// Name,Id)").
func (r *Resource) GetAllSheetNames() ([]string, error) {
	raw, err := r.Read(sheetListPath)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name := line
		if idx := strings.LastIndex(line, ","); idx >= 0 {
			name = line[:idx]
		}
		names = append(names, name)
	}
	return names, nil
}

