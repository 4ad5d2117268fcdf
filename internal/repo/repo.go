// Package repo implements the repository model (spec.md §4.5 "Repository
// model (C5)"): discovering repositories under a game tree root, picking the
// platform/release a tree was installed for, and mapping virtual paths to
// archive shard filenames.
package repo

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/xerrors"
)

// Kind distinguishes the base game repository from expansion repositories.
type Kind int

const (
	KindBase Kind = iota
	KindExpansion
)

// Repository is one directory of archive shards for a base-game-or-expansion
// component (spec.md §3 "Repository").
type Repository struct {
	// Name is the directory name under <root>/sqpack/: "ffxiv" for the base
	// repository, "ex1", "ex2", ... for expansions.
	Name string
	Kind Kind
	// Number is the expansion index (1, 2, ...); zero for the base
	// repository.
	Number int
	// Dir is the absolute path to the repository's shard directory.
	Dir string
	// Version is the contents of the repository's .ver file, or "" if
	// absent (new-install case).
	Version string
}

// Less reports whether r sorts before other: base first, then expansions
// ascending by number.
func (r Repository) Less(other Repository) bool {
	if r.Kind != other.Kind {
		return r.Kind == KindBase
	}
	return r.Number < other.Number
}

const baseRepositoryName = "ffxiv"

// Discover enumerates repositories under root (spec.md §4.5): a base
// repository for root itself (version read from root/ffxivgame.ver), plus
// one repository per "exN" directory (N >= 1) under root/sqpack/; other
// directories are ignored. The result is sorted
// base-first, then expansions ascending by number.
func Discover(root string) ([]Repository, error) {
	base := Repository{
		Name:    baseRepositoryName,
		Kind:    KindBase,
		Dir:     filepath.Join(root, "sqpack", baseRepositoryName),
		Version: readVersionFile(filepath.Join(root, "ffxivgame.ver")),
	}
	repos := []Repository{base}

	sqpackDir := filepath.Join(root, "sqpack")
	entries, err := os.ReadDir(sqpackDir)
	if os.IsNotExist(err) {
		return repos, nil
	}
	if err != nil {
		return nil, xerrors.Errorf("repo: reading %s: %w", sqpackDir, err)
	}
	for _, e := range entries {
		if !e.IsDir() || e.Name() == baseRepositoryName {
			continue
		}
		num, ok := expansionNumber(e.Name())
		if !ok {
			continue
		}
		dir := filepath.Join(sqpackDir, e.Name())
		repos = append(repos, Repository{
			Name:    e.Name(),
			Kind:    KindExpansion,
			Number:  num,
			Dir:     dir,
			Version: readVersionFile(filepath.Join(dir, e.Name()+".ver")),
		})
	}
	sort.Slice(repos, func(i, j int) bool { return repos[i].Less(repos[j]) })
	return repos, nil
}

// expansionNumber parses a repository directory name of the form "exN".
func expansionNumber(name string) (int, bool) {
	if !strings.HasPrefix(name, "ex") {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimPrefix(name, "ex"))
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

func readVersionFile(path string) string {
	b, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

// categories lists the fixed small-integer category namespace (spec.md §3
// "Virtual path and hashing").
var categories = map[string]uint8{
	"common":      0x00,
	"bgcommon":    0x01,
	"bg":          0x02,
	"cut":         0x03,
	"chara":       0x04,
	"shader":      0x05,
	"ui":          0x06,
	"sound":       0x07,
	"vfx":         0x08,
	"ui_script":   0x09,
	"exd":         0x0a,
	"game_script": 0x0b,
	"music":       0x0c,
	"sqpack_test": 0x12,
	"debug":       0x13,
}

// CategoryID returns the fixed integer for a category token, and false if
// the token is not a known category.
func CategoryID(category string) (uint8, bool) {
	id, ok := categories[category]
	return id, ok
}

// Locator names the repository and category a virtual path resolves to.
type Locator struct {
	Repository Repository
	CategoryID uint8
	Category   string
}

// Resolve tokenizes a virtual path on "/" and maps it to a repository and
// category (spec.md §4.5 "Virtual-path-to-shard mapping"): if the second
// token names a known repository, that repository is used and the first
// token is the category; otherwise the base repository is used and the
// first token is the category.
func Resolve(repos []Repository, virtualPath string) (Locator, error) {
	tokens := strings.Split(strings.ToLower(virtualPath), "/")
	if len(tokens) == 0 || tokens[0] == "" {
		return Locator{}, xerrors.Errorf("repo: empty virtual path")
	}
	category := tokens[0]
	id, ok := CategoryID(category)
	if !ok {
		return Locator{}, xerrors.Errorf("repo: unknown category %q in path %q", category, virtualPath)
	}

	repository := findByName(repos, baseRepositoryName)
	if len(tokens) > 1 {
		if r, ok := findRepoByName(repos, tokens[1]); ok {
			repository = r
		}
	}
	if repository.Name == "" {
		return Locator{}, xerrors.Errorf("repo: no base repository discovered")
	}
	return Locator{Repository: repository, CategoryID: id, Category: category}, nil
}

func findRepoByName(repos []Repository, name string) (Repository, bool) {
	for _, r := range repos {
		if r.Name == name {
			return r, true
		}
	}
	return Repository{}, false
}

func findByName(repos []Repository, name string) Repository {
	r, _ := findRepoByName(repos, name)
	return r
}

// ShardName formats an archive shard filename (spec.md §3 "Archive shard
// addressing"): {category:02x}{expansion:02}{chunk:02}.{platform}.{ext}[suffix].
func ShardName(categoryID uint8, expansion, chunk int, platform string, ext string, suffix string) string {
	return fmt.Sprintf("%02x%02d%02d.%s.%s%s", categoryID, expansion, chunk, platform, ext, suffix)
}

// DiscoverPlatform scans the base repository's directory for a shard
// filename matching *.<plat>.index[suffix], returning the first platform
// (in probe order) with a hit, and whether it's a debug (suffixed) build.
// Callers default to (win32, retail) when dir has no shards (spec.md §4.5
// "Default to (win32, retail) if no shards exist").
func DiscoverPlatform(dir string, platforms []string) (platform string, debug bool, found bool) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", false, false
	}
	for _, plat := range platforms {
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			name := e.Name()
			marker := "." + plat + ".index"
			if idx := strings.Index(name, marker); idx >= 0 {
				rest := name[idx+len(marker):]
				return plat, rest == ".d", true
			}
		}
	}
	return "", false, false
}
