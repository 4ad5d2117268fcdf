package sqpack

import "golang.org/x/xerrors"

// Error taxonomy (spec.md §7). Callers use errors.Is against these
// sentinels. Resource.Read and the sheet helpers return ErrNotFound for an
// absent path and wrap DAT and EXH/EXD decoding failures in
// ErrMalformedArchive / ErrMalformedSheet; ApplyPatch failures match
// ErrPatchFailure. Other errors (an unknown category, an index shard that
// fails to open or parse) are returned with context but wrap none of them.
var (
	// ErrNotFound means a virtual path was absent from every candidate
	// index shard. Resource.Read, DirSource.Read and Resolver.Read return
	// it as is; Exists reports false instead.
	ErrNotFound = xerrors.New("sqpack: not found")

	// ErrMalformedArchive means a structural failure parsing a shard, DAT
	// entry, or block header (bad magic, out-of-range offset, deflate
	// failure).
	ErrMalformedArchive = xerrors.New("sqpack: malformed archive")

	// ErrMalformedSheet means an EXH/EXD parse failure, unknown column data
	// type, or section size inconsistency.
	ErrMalformedSheet = xerrors.New("sqpack: malformed sheet")

	// ErrPatchFailure means apply_patch failed; RepositoryPatchError
	// carries the failing repository name.
	ErrPatchFailure = xerrors.New("sqpack: patch failure")
)

// RepositoryPatchError tags ErrPatchFailure with the repository that failed
// to apply, per spec.md §7 "PatchFailure ... tagged with the failing
// repository."
type RepositoryPatchError struct {
	Repository string
	Err        error
}

func (e *RepositoryPatchError) Error() string {
	return "sqpack: patch failed for repository " + e.Repository + ": " + e.Err.Error()
}

func (e *RepositoryPatchError) Unwrap() error { return e.Err }

func (e *RepositoryPatchError) Is(target error) bool {
	return target == ErrPatchFailure
}
