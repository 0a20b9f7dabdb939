package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/dominicusin/zfsro/internal/dataset"
	"github.com/dominicusin/zfsro/internal/objset"
	"github.com/dominicusin/zfsro/internal/oninterrupt"
	"github.com/dominicusin/zfsro/internal/pool"
	"github.com/dominicusin/zfsro/internal/zfsfs"
)

const mountHelp = `zfsro mount <drive> <dataset-path> <pool-member...>

Open the pool spanning the given member devices, resolve dataset-path
within its dataset tree (a path of child dataset names below the pool's
root dataset, e.g. "home"; an empty path means the root), and publish its root
directory listing under drive — a host mount point path. Publishing to
the OS is left to a host filesystem driver built on internal/zfsfs; this
verb exercises the same traversal engine and reports what such a driver
would see.

Example:
  % zfsro mount /mnt/pool home /dev/sdb1
`

func cmdmount(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("mount", flag.ExitOnError)
	fset.Usage = usage(fset, mountHelp)
	fset.Parse(args)

	rest := fset.Args()
	if len(rest) < 3 {
		fset.Usage()
		return fmt.Errorf("mount requires <drive> <dataset-path> <pool-member...>")
	}
	drive, datasetPath, members := rest[0], rest[1], rest[2:]

	p, err := pool.Open("", members)
	if err != nil {
		return err
	}
	oninterrupt.Register(func() { p.Close() })
	defer p.Close()

	mos, err := objset.Open(ctx, p, p.RootBP)
	if err != nil {
		return err
	}
	root, err := dataset.Open(ctx, p, mos)
	if err != nil {
		return err
	}
	ds, ok := root.Find(datasetPath)
	if !ok {
		return fmt.Errorf("dataset %q not found in pool %q", datasetPath, p.Name)
	}

	fs := zfsfs.Open(ds, p.Capacity(), root.Dir.UsedBytes)
	entries, err := fs.ReadDir(ctx, "/", "*")
	if err != nil {
		return err
	}
	fmt.Printf("mounted %q at %s (%d entries at /)\n", datasetPath, drive, len(entries))
	for _, e := range entries {
		kind := "file"
		if e.IsDir {
			kind = "dir"
		}
		fmt.Printf("  %s\t%s\t%d bytes\n", kind, e.Name, e.Size)
	}
	return nil
}
