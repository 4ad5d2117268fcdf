// Command sqpackfs mounts a read-only FUSE view of a sqpack.Resource over a
// caller-supplied list of virtual paths (see fs.go's package doc for why the
// path list can't be discovered automatically).
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseutil"
	"golang.org/x/xerrors"

	"github.com/kobold/sqpack"
)

const help = `sqpackfs [-flags] <root> <mountpoint>

Mount a read-only view of the pack archive at root onto mountpoint.

Example:
  % sqpackfs -paths paths.txt ./game /mnt/game
`

func usage(fset *flag.FlagSet) func() {
	return func() {
		fmt.Fprintln(os.Stderr, help)
		fmt.Fprintf(os.Stderr, "Flags for sqpackfs:\n")
		fset.PrintDefaults()
	}
}

func readPaths(pathsFile string) ([]string, error) {
	if pathsFile == "" {
		return nil, nil
	}
	f, err := os.Open(pathsFile)
	if err != nil {
		return nil, xerrors.Errorf("opening %s: %w", pathsFile, err)
	}
	defer f.Close()

	var paths []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		paths = append(paths, line)
	}
	return paths, scanner.Err()
}

func funcmain() error {
	fset := flag.NewFlagSet("sqpackfs", flag.ExitOnError)
	pathsFile := fset.String("paths", "", "file listing one virtual path per line to expose (sheet names from GetAllSheetNames are always included)")
	fset.Usage = usage(fset)
	fset.Parse(os.Args[1:])
	if fset.NArg() != 2 {
		fset.Usage()
		os.Exit(2)
	}
	root, mountpoint := fset.Arg(0), fset.Arg(1)

	resource, err := sqpack.Open(root)
	if err != nil {
		return xerrors.Errorf("opening %s: %w", root, err)
	}

	paths, err := readPaths(*pathsFile)
	if err != nil {
		return err
	}
	if names, err := resource.GetAllSheetNames(); err == nil {
		for _, name := range names {
			paths = append(paths, "exd/"+strings.ToLower(name)+".exh")
		}
	}

	f := newFS(resource, paths)
	server := fuseutil.NewFileSystemServer(f)

	ctx, canc := sqpack.InterruptibleContext()
	defer canc()

	mfs, err := fuse.Mount(mountpoint, server, &fuse.MountConfig{
		FSName:   "sqpack",
		ReadOnly: true,
		Options: map[string]string{
			"allow_other": "",
		},
		EnableNoOpenSupport:    true,
		EnableNoOpendirSupport: true,
	})
	if err != nil {
		return xerrors.Errorf("fuse.Mount: %w", err)
	}

	sqpack.RegisterAtExit(func() error {
		return fuse.Unmount(mountpoint)
	})

	go func() {
		<-ctx.Done()
		if err := sqpack.RunAtExit(); err != nil {
			fmt.Fprintf(os.Stderr, "sqpack: %v\n", err)
		}
	}()

	return mfs.Join(ctx)
}

func main() {
	if err := funcmain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
