package main

import (
	"context"
	"flag"

	"github.com/kobold/sqpack"
	"golang.org/x/xerrors"
)

const applyPatchHelp = `sqpack apply-patch [-flags] <root> <patch-file>

Apply a patch container to the tree under root, in place.

Example:
  % sqpack apply-patch ./game D2017.07.11.0000.0001a.patch
`

func cmdApplyPatch(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("apply-patch", flag.ExitOnError)
	fset.Usage = usage(fset, applyPatchHelp)
	fset.Parse(args)
	if fset.NArg() != 2 {
		return xerrors.Errorf("syntax: apply-patch <root> <patch-file>")
	}
	root, patchFile := fset.Arg(0), fset.Arg(1)

	r, err := sqpack.Open(root)
	if err != nil {
		return xerrors.Errorf("opening %s: %w", root, err)
	}

	if err := r.ApplyPatch(patchFile); err != nil {
		var repoErr *sqpack.RepositoryPatchError
		if xerrors.As(err, &repoErr) {
			warnf("patch failed for repository %s", repoErr.Repository)
		}
		return xerrors.Errorf("applying %s: %w", patchFile, err)
	}
	return nil
}
