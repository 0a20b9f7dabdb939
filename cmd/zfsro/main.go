// Command zfsro is a read-only ZFS pool explorer: it opens a pool from its
// member leaf devices, walks its dataset tree, and either lists what it
// found or serves one dataset's files through a FUSE-less local mount
// (the mount verb resolves a dataset and prints its root directory listing; an
// actual kernel-visible mount is left to a host driver built on
// internal/zfsfs, matching the teacher's fuse verb split from its build
// verbs). Grounded on distri's verb-dispatch main (distri.go).
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/dominicusin/zfsro"
)

var debug = flag.Bool("debug", false, "format error messages with additional detail")

type cmd struct {
	fn   func(ctx context.Context, args []string) error
	help string
}

func usage(fset *flag.FlagSet, help string) func() {
	return func() {
		fmt.Fprintln(os.Stderr, help)
		fset.PrintDefaults()
	}
}

func funcmain() error {
	flag.Parse()

	verbs := map[string]cmd{
		"list":  {cmdlist, listHelp},
		"mount": {cmdmount, mountHelp},
	}

	args := flag.Args()
	verb := "list"
	if len(args) > 0 {
		verb, args = args[0], args[1:]
	}

	if verb == "help" {
		fmt.Fprintf(os.Stderr, "zfsro [-flags] <command> [-flags] <args>\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "\tlist   - list the pool and its dataset tree found on the given devices\n")
		fmt.Fprintf(os.Stderr, "\tmount  - resolve a dataset and print its root directory listing\n")
		os.Exit(2)
	}

	ctx, cancel := zfsro.InterruptibleContext()
	defer cancel()

	v, ok := verbs[verb]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n", verb)
		fmt.Fprintf(os.Stderr, "syntax: zfsro <command> [options]\n")
		os.Exit(2)
	}
	if err := v.fn(ctx, args); err != nil {
		if *debug {
			return fmt.Errorf("%s: %+v", verb, err)
		}
		return fmt.Errorf("%s: %v", verb, err)
	}
	return nil
}

func main() {
	log.SetFlags(0)
	if err := funcmain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
