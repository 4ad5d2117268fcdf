package repo_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/kobold/sqpack/internal/repo"
)

func mustMkdirAll(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(path, 0o755); err != nil {
		t.Fatal(err)
	}
}

func TestDiscoverBaseAndExpansionsSorted(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "ffxivgame.ver"), []byte("2023.01.01.0000.0000\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	mustMkdirAll(t, filepath.Join(root, "sqpack", "ffxiv"))
	mustMkdirAll(t, filepath.Join(root, "sqpack", "ex2"))
	mustMkdirAll(t, filepath.Join(root, "sqpack", "ex1"))
	if err := os.WriteFile(filepath.Join(root, "sqpack", "ex1", "ex1.ver"), []byte("2023.02.01.0000.0000"), 0o644); err != nil {
		t.Fatal(err)
	}

	repos, err := repo.Discover(root)
	if err != nil {
		t.Fatal(err)
	}
	if len(repos) != 3 {
		t.Fatalf("Discover() returned %d repositories, want 3", len(repos))
	}
	if repos[0].Name != "ffxiv" || repos[0].Kind != repo.KindBase {
		t.Fatalf("repos[0] = %+v, want base ffxiv first", repos[0])
	}
	if repos[0].Version != "2023.01.01.0000.0000" {
		t.Fatalf("repos[0].Version = %q", repos[0].Version)
	}
	if repos[1].Name != "ex1" || repos[1].Number != 1 {
		t.Fatalf("repos[1] = %+v, want ex1", repos[1])
	}
	if repos[1].Version != "2023.02.01.0000.0000" {
		t.Fatalf("repos[1].Version = %q, want trimmed version string", repos[1].Version)
	}
	if repos[2].Name != "ex2" || repos[2].Number != 2 {
		t.Fatalf("repos[2] = %+v, want ex2", repos[2])
	}
}

func TestDiscoverEmptyRootHasOnlyBase(t *testing.T) {
	root := t.TempDir()
	repos, err := repo.Discover(root)
	if err != nil {
		t.Fatal(err)
	}
	if len(repos) != 1 || repos[0].Kind != repo.KindBase {
		t.Fatalf("Discover() on an empty root = %+v, want a single base repository", repos)
	}
	if repos[0].Version != "" {
		t.Fatalf("repos[0].Version = %q, want empty for a new install", repos[0].Version)
	}
}

func TestResolveDefaultsToBaseRepository(t *testing.T) {
	root := t.TempDir()
	mustMkdirAll(t, filepath.Join(root, "sqpack", "ex1"))
	repos, err := repo.Discover(root)
	if err != nil {
		t.Fatal(err)
	}
	loc, err := repo.Resolve(repos, "exd/root.exl")
	if err != nil {
		t.Fatal(err)
	}
	if loc.Repository.Name != "ffxiv" {
		t.Fatalf("Resolve() repository = %q, want ffxiv for a path with no repository token", loc.Repository.Name)
	}
	if loc.Category != "exd" {
		t.Fatalf("Resolve() category = %q, want exd", loc.Category)
	}
}

func TestResolveExpansionToken(t *testing.T) {
	root := t.TempDir()
	mustMkdirAll(t, filepath.Join(root, "sqpack", "ex1"))
	repos, err := repo.Discover(root)
	if err != nil {
		t.Fatal(err)
	}
	loc, err := repo.Resolve(repos, "bg/ex1/some/path.tex")
	if err != nil {
		t.Fatal(err)
	}
	if loc.Repository.Name != "ex1" {
		t.Fatalf("Resolve() repository = %q, want ex1", loc.Repository.Name)
	}
	if loc.Category != "bg" {
		t.Fatalf("Resolve() category = %q, want bg", loc.Category)
	}
}

func TestResolveUnknownCategory(t *testing.T) {
	repos := []repo.Repository{{Name: "ffxiv", Kind: repo.KindBase}}
	if _, err := repo.Resolve(repos, "nonsense/path"); err == nil {
		t.Fatalf("expected an error for an unknown category")
	}
}

func TestShardName(t *testing.T) {
	got := repo.ShardName(0x0a, 0, 0, "win32", "index", "")
	if want := "0a0000.win32.index"; got != want {
		t.Fatalf("ShardName() = %q, want %q", got, want)
	}
	debug := repo.ShardName(0x0a, 1, 2, "win32", "dat0", ".d")
	if want := "0a0102.win32.dat0.d"; debug != want {
		t.Fatalf("ShardName() (debug) = %q, want %q", debug, want)
	}
}

func TestDiscoverPlatformDefaultsWhenEmpty(t *testing.T) {
	dir := t.TempDir()
	platform, debug, found := repo.DiscoverPlatform(dir, []string{"win32", "ps3"})
	if found {
		t.Fatalf("DiscoverPlatform() on an empty dir = (%q, %v, %v), want found=false", platform, debug, found)
	}
}

func TestDiscoverPlatformFindsMatch(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "0a0000.ps4.index"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	platform, debug, found := repo.DiscoverPlatform(dir, []string{"win32", "ps3", "ps4"})
	if !found || platform != "ps4" || debug {
		t.Fatalf("DiscoverPlatform() = (%q, %v, %v), want (ps4, false, true)", platform, debug, found)
	}
}

func TestDiscoverPlatformDebugSuffix(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "0a0000.win32.index.d"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	platform, debug, found := repo.DiscoverPlatform(dir, []string{"win32"})
	if !found || platform != "win32" || !debug {
		t.Fatalf("DiscoverPlatform() = (%q, %v, %v), want (win32, true, true)", platform, debug, found)
	}
}
