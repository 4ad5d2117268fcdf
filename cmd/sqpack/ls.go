package main

import (
	"context"
	"flag"
	"fmt"
	"sort"

	"github.com/kobold/sqpack"
	"golang.org/x/xerrors"
)

const lsHelp = `sqpack ls [-flags] <root>

List every Excel sheet name carried by the archive under root.

Example:
  % sqpack ls ./game
`

func cmdLS(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("ls", flag.ExitOnError)
	fset.Usage = usage(fset, lsHelp)
	fset.Parse(args)
	if fset.NArg() != 1 {
		return xerrors.Errorf("syntax: ls <root>")
	}
	root := fset.Arg(0)

	r, err := sqpack.Open(root)
	if err != nil {
		return xerrors.Errorf("opening %s: %w", root, err)
	}

	names, err := r.GetAllSheetNames()
	if err != nil {
		if xerrors.Is(err, sqpack.ErrNotFound) {
			warnf("no sheet list (exd/root.exl) in %s", root)
			return nil
		}
		return xerrors.Errorf("listing sheets: %w", err)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Println(name)
	}
	return nil
}
