package main

import (
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
)

// colorStderr reports whether stderr is a terminal that understands ANSI
// color codes, gating the diagnostics below.
var colorStderr = isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())

func warnf(format string, args ...interface{}) {
	if colorStderr {
		fmt.Fprintf(os.Stderr, "\033[33m"+format+"\033[0m\n", args...)
		return
	}
	fmt.Fprintf(os.Stderr, format+"\n", args...)
}
