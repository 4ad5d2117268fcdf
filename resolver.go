package sqpack

import "golang.org/x/xerrors"

// Source is anything that can answer read/exists for a virtual path: a
// Resource, an on-disk override directory, or another Resolver (spec.md
// §4.11 "Resource resolver (C11)").
type Source interface {
	Read(virtualPath string) ([]byte, error)
	Exists(virtualPath string) (bool, error)
}

// Resolver composes a priority-ordered list of Sources into one Source:
// read/exists try each in insertion order and return the first hit,
// enabling an on-disk override directory (registered first) to shadow a
// packed archive (registered after it) without the caller needing to know
// which source actually served a given path.
type Resolver struct {
	sources []Source
}

// NewResolver returns a Resolver that searches sources in the given order,
// highest priority first. More sources can be appended with Add.
func NewResolver(sources ...Source) *Resolver {
	return &Resolver{sources: append([]Source(nil), sources...)}
}

// Add appends src to the end of the search order, i.e. as the lowest
// remaining priority.
func (r *Resolver) Add(src Source) {
	r.sources = append(r.sources, src)
}

// Read tries every source in order and returns the first one whose Read
// succeeds. A source reporting ErrNotFound is skipped in favor of the next
// source; any other error aborts the search immediately, since it denotes a
// malformed source rather than an absent path.
func (r *Resolver) Read(virtualPath string) ([]byte, error) {
	for _, src := range r.sources {
		buf, err := src.Read(virtualPath)
		if err == nil {
			return buf, nil
		}
		if !xerrors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return nil, ErrNotFound
}

// Exists short-circuits on the first source reporting true (spec.md §4.11
// "exists(p): short-circuit on the first true").
func (r *Resolver) Exists(virtualPath string) (bool, error) {
	for _, src := range r.sources {
		ok, err := src.Exists(virtualPath)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}
