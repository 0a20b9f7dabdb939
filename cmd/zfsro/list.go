package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/dominicusin/zfsro/internal/dataset"
	"github.com/dominicusin/zfsro/internal/objset"
	"github.com/dominicusin/zfsro/internal/ondisk"
	"github.com/dominicusin/zfsro/internal/pool"
)

const listHelp = `zfsro list [-pool name] <device> [device...]

List the pool found across the given leaf devices, along with its dataset
tree.

Example:
  % zfsro list /dev/sdb1 /dev/sdc1
`

func cmdlist(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("list", flag.ExitOnError)
	poolName := fset.String("pool", "", "only consider leaves belonging to this pool name")
	fset.Usage = usage(fset, listHelp)
	fset.Parse(args)

	p, err := pool.Open(*poolName, fset.Args())
	if err != nil {
		return err
	}
	defer p.Close()

	fmt.Printf("pool %q (guid=%d txg=%d)\n", p.Name, p.GUID, p.TXG)

	mos, err := objset.Open(ctx, p, p.RootBP)
	if err != nil {
		return err
	}
	ds, err := dataset.Open(ctx, p, mos)
	if err != nil {
		return err
	}
	printDataset(ds, 0)
	return nil
}

func printDataset(ds *dataset.Dataset, depth int) {
	indent := ""
	for i := 0; i < depth; i++ {
		indent += "  "
	}
	name := ds.Name
	if name == "" {
		name = "<root>"
	}
	kind := "filesystem"
	if ds.DatasetRec.BP.Type != ondisk.DmuOtObjset {
		kind = "snapshot/volume"
	}
	fmt.Printf("%s%s (%s, mountpoint=%q, used=%d)\n", indent, name, kind, ds.Mountpoint, ds.DatasetRec.UsedBytes)
	for _, c := range ds.Children {
		printDataset(c, depth+1)
	}
}
