package main

import (
	"context"
	"flag"
	"os"

	"github.com/kobold/sqpack"
	"golang.org/x/xerrors"
)

const readHelp = `sqpack read [-flags] <root> <virtual-path>

Print a virtual path's decoded contents to stdout.

Example:
  % sqpack read ./game common/test.txt >test.txt
`

func cmdRead(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("read", flag.ExitOnError)
	out := fset.String("out", "", "write to this path instead of stdout")
	fset.Usage = usage(fset, readHelp)
	fset.Parse(args)
	if fset.NArg() != 2 {
		return xerrors.Errorf("syntax: read <root> <virtual-path>")
	}
	root, virtualPath := fset.Arg(0), fset.Arg(1)

	r, err := sqpack.Open(root)
	if err != nil {
		return xerrors.Errorf("opening %s: %w", root, err)
	}

	buf, err := r.Read(virtualPath)
	if err != nil {
		if xerrors.Is(err, sqpack.ErrNotFound) {
			warnf("%s: not found", virtualPath)
		}
		return xerrors.Errorf("reading %s: %w", virtualPath, err)
	}

	if *out == "" {
		_, err = os.Stdout.Write(buf)
		return err
	}
	return os.WriteFile(*out, buf, 0o644)
}
