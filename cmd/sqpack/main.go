// Command sqpack inspects and mutates a content-addressed pack archive tree
// from the command line: read a file out by virtual path, list the Excel
// sheets it carries, or apply a patch container to it in place.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/kobold/sqpack"
)

func main() {
	type cmd struct {
		fn func(ctx context.Context, args []string) error
	}
	verbs := map[string]cmd{
		"read":        {cmdRead},
		"ls":          {cmdLS},
		"apply-patch": {cmdApplyPatch},
	}

	args := os.Args[1:]
	verb := ""
	if len(args) > 0 {
		verb, args = args[0], args[1:]
	}

	if verb == "" || verb == "help" {
		fmt.Fprintf(os.Stderr, "sqpack <command> [-flags] [args]\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "\tread         - print a virtual path's decoded contents to stdout\n")
		fmt.Fprintf(os.Stderr, "\tls           - list every Excel sheet name in the archive\n")
		fmt.Fprintf(os.Stderr, "\tapply-patch  - apply a patch container to a tree in place\n")
		os.Exit(2)
	}

	v, ok := verbs[verb]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n", verb)
		fmt.Fprintf(os.Stderr, "syntax: sqpack <command> [options]\n")
		os.Exit(2)
	}

	ctx, canc := sqpack.InterruptibleContext()
	defer canc()
	if err := v.fn(ctx, args); err != nil {
		fmt.Fprintf(os.Stderr, "sqpack %s: %v\n", verb, err)
		os.Exit(1)
	}
}
