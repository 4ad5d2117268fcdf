package sqpack_test

import (
	"testing"

	"github.com/kobold/sqpack"
)

type fakeSource struct {
	files map[string][]byte
}

func (f *fakeSource) Read(p string) ([]byte, error) {
	if buf, ok := f.files[p]; ok {
		return buf, nil
	}
	return nil, sqpack.ErrNotFound
}

func (f *fakeSource) Exists(p string) (bool, error) {
	_, ok := f.files[p]
	return ok, nil
}

func TestResolverPrefersFirstHit(t *testing.T) {
	override := &fakeSource{files: map[string][]byte{"common/font.tex": []byte("override")}}
	archive := &fakeSource{files: map[string][]byte{"common/font.tex": []byte("packed"), "common/other.tex": []byte("packed-only")}}

	r := sqpack.NewResolver(override, archive)

	buf, err := r.Read("common/font.tex")
	if err != nil {
		t.Fatal(err)
	}
	if string(buf) != "override" {
		t.Fatalf("Read() = %q, want override to win", buf)
	}

	buf, err = r.Read("common/other.tex")
	if err != nil {
		t.Fatal(err)
	}
	if string(buf) != "packed-only" {
		t.Fatalf("Read() = %q, want fallback to archive", buf)
	}
}

func TestResolverNotFoundWhenNoSourceHas(t *testing.T) {
	r := sqpack.NewResolver(&fakeSource{files: map[string][]byte{}})
	if _, err := r.Read("missing"); err != sqpack.ErrNotFound {
		t.Fatalf("Read() error = %v, want ErrNotFound", err)
	}
	if ok, err := r.Exists("missing"); err != nil || ok {
		t.Fatalf("Exists() = (%v, %v), want (false, nil)", ok, err)
	}
}

func TestResolverExistsShortCircuits(t *testing.T) {
	r := sqpack.NewResolver(
		&fakeSource{files: map[string][]byte{}},
		&fakeSource{files: map[string][]byte{"x": nil}},
	)
	ok, err := r.Exists("x")
	if err != nil || !ok {
		t.Fatalf("Exists() = (%v, %v), want (true, nil)", ok, err)
	}
}

func TestResolverAdd(t *testing.T) {
	r := sqpack.NewResolver()
	r.Add(&fakeSource{files: map[string][]byte{"a": []byte("1")}})
	if ok, _ := r.Exists("a"); !ok {
		t.Fatalf("Exists(a) = false after Add, want true")
	}
}
