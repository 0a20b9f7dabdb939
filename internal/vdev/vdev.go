// Package vdev builds and reads the virtual device tree a pool's label
// describes: disk/file leaves, mirrors, and RAID-Z groups. Grounded on
// VirtualDevice::Init/Read (Device.cpp) for the tree shape and the
// disk/mirror/raidz read dispatch, and on zfs.h's raidz_map_t for RAID-Z's
// column layout, including the historic single-parity column rotation every
// other megabyte.
package vdev

import (
	"context"

	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/dominicusin/zfsro/internal/nvlist"
	"github.com/dominicusin/zfsro/internal/ondisk"
)

// Kind identifies which of the four vdev shapes a Node implements.
type Kind int

const (
	KindDisk Kind = iota
	KindFile
	KindMirror
	KindRaidZ
)

// ReaderAt is the subset of leaf.Device a vdev leaf needs; declared locally
// so this package never imports internal/leaf and stays acyclic.
type ReaderAt interface {
	ReadAt(b []byte, offset int64) (int, error)
}

// Node is one vertex of the virtual device tree.
type Node struct {
	Kind     Kind
	GUID     uint64
	ID       uint64 // vdev_tree "id", the value a DVA's VdevID addresses
	Ashift   uint64
	ASize    uint64 // vdev_tree "asize": this vdev's own allocatable size
	NParity  uint64
	Children []*Node
	leaf     ReaderAt // set only for KindDisk/KindFile; nil if the leaf is missing
	Path     string
}

// Capacity reports n's contribution to pool-wide free space, the same
// per-shape adjustment GetDiskFreeSpace applies: a raidz top vdev's asize
// already covers every column, so only the data fraction counts; a mirror's
// asize is divided across its redundant copies; anything else counts in
// full.
func (n *Node) Capacity() uint64 {
	switch n.Kind {
	case KindRaidZ:
		count := uint64(len(n.Children))
		if count > 1 {
			return n.ASize * (count - n.NParity) / count
		}
		return 0
	case KindMirror:
		count := uint64(len(n.Children))
		if count > 0 {
			return n.ASize / count
		}
		return 0
	default:
		return n.ASize
	}
}

// Missing reports whether this leaf's backing device failed to open.
func (n *Node) Missing() bool {
	return (n.Kind == KindDisk || n.Kind == KindFile) && n.leaf == nil
}

// BindLeaf attaches an opened leaf device to a disk/file node matched by
// GUID, the same matching Pool::Open performs against DeviceDesc.guid.
func (n *Node) BindLeaf(guid uint64, r ReaderAt, path string) bool {
	if (n.Kind == KindDisk || n.Kind == KindFile) && n.GUID == guid {
		n.leaf = r
		n.Path = path
		return true
	}
	for _, c := range n.Children {
		if c.BindLeaf(guid, r, path) {
			return true
		}
	}
	return false
}

// Leaves appends every disk/file descendant of n, matching
// VirtualDevice::GetLeaves.
func (n *Node) Leaves(out *[]*Node) {
	if n.Kind == KindDisk || n.Kind == KindFile {
		*out = append(*out, n)
		return
	}
	for _, c := range n.Children {
		c.Leaves(out)
	}
}

// Find locates the descendant (including n itself) with the given GUID,
// matching VirtualDevice::Find.
func (n *Node) Find(guid uint64) *Node {
	if n.GUID == guid {
		return n
	}
	for _, c := range n.Children {
		if f := c.Find(guid); f != nil {
			return f
		}
	}
	return nil
}

// Build constructs a vdev tree from a decoded vdev_tree nvlist.
func Build(tree nvlist.List) (*Node, error) {
	typ, _ := tree.String("type")
	guid, _ := tree.Uint64("guid")
	id, _ := tree.Uint64("id")
	n := &Node{GUID: guid, ID: id}

	switch typ {
	case "disk":
		n.Kind = KindDisk
	case "file":
		n.Kind = KindFile
	case "mirror":
		n.Kind = KindMirror
	case "raidz":
		n.Kind = KindRaidZ
		nparity, _ := tree.Uint64("nparity")
		n.NParity = nparity
	case "root", "":
		n.Kind = KindMirror // the synthetic root just needs first-success fan-out
	default:
		return nil, xerrors.Errorf("vdev: unsupported vdev type %q", typ)
	}
	if ashift, ok := tree.Uint64("ashift"); ok {
		n.Ashift = ashift
	}
	if asize, ok := tree.Uint64("asize"); ok {
		n.ASize = asize
	}

	children, _ := tree.ListArray("children")
	for _, c := range children {
		child, err := Build(c)
		if err != nil {
			return nil, err
		}
		n.Children = append(n.Children, child)
	}
	return n, nil
}

// Read fetches size bytes at the vdev-relative offset (the DVA's offset
// field, already converted to bytes).
func (n *Node) Read(ctx context.Context, offset, size uint64) ([]byte, error) {
	switch n.Kind {
	case KindDisk, KindFile:
		return n.readLeaf(offset, size)
	case KindMirror:
		return n.readMirror(ctx, offset, size)
	case KindRaidZ:
		return n.readRaidZ(ctx, offset, size)
	default:
		return nil, xerrors.Errorf("vdev: unknown kind %d", n.Kind)
	}
}

// readLeaf skips the 4 MiB of boot block + label reserved at the front of
// every leaf, matching Device::Read's fixed offset+0x400000 base.
func (n *Node) readLeaf(offset, size uint64) ([]byte, error) {
	if n.leaf == nil {
		return nil, xerrors.Errorf("vdev: leaf %d (guid %d): %w", n.ID, n.GUID, errLeafMissing)
	}
	buf := make([]byte, size)
	if _, err := n.leaf.ReadAt(buf, int64(offset)+ondisk.VdevLabelSkip); err != nil {
		return nil, xerrors.Errorf("vdev: leaf %d read at %d: %w", n.ID, offset, err)
	}
	return buf, nil
}

var errLeafMissing = xerrors.New("leaf device not present")

// readMirror tries each child in turn, returning the first success — no
// reconstruction needed since every child holds a full copy.
func (n *Node) readMirror(ctx context.Context, offset, size uint64) ([]byte, error) {
	var lastErr error
	for _, c := range n.Children {
		if c.Missing() {
			continue
		}
		buf, err := c.Read(ctx, offset, size)
		if err == nil {
			return buf, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errLeafMissing
	}
	return nil, xerrors.Errorf("vdev: mirror %d: all children failed: %w", n.ID, lastErr)
}

// raidzColumn describes one column's share of a RAID-Z group read.
type raidzColumn struct {
	child  *Node
	offset uint64
	size   uint64
	parity bool
}

// layout computes the per-column geometry for a RAID-Z read, following the
// canonical raidz_map_t construction: the request is striped across
// len(Children)-NParity data columns plus NParity parity columns, with the
// starting data column picked by (offset>>ashift) mod ncols.
//
// For single-parity groups, the starting column additionally rotates by one
// every other megabyte: whenever the logical offset's 1 MiB bit is set, the
// rule is (b+1)%ncols instead of b%ncols, matching raidz_map_t's periodic
// column rotation for parity-1 maps.
func (n *Node) layout(offset, size uint64) ([]raidzColumn, error) {
	if n.Ashift == 0 {
		return nil, xerrors.Errorf("vdev: raidz %d: ashift not set", n.ID)
	}
	ncols := uint64(len(n.Children))
	if ncols <= n.NParity {
		return nil, xerrors.Errorf("vdev: raidz %d: not enough columns for parity %d", n.ID, n.NParity)
	}
	unit := uint64(1) << n.Ashift
	b := offset / unit
	s := (size + unit - 1) / unit

	f := b % ncols
	if n.NParity == 1 && offset&(1<<20) != 0 {
		f = (b + 1) % ncols
	}
	o := (b / ncols) * unit

	ndata := ncols - n.NParity
	q := s / ndata
	r := s % ndata
	bc := uint64(0)
	if r != 0 {
		bc = r + n.NParity
	}

	cols := make([]raidzColumn, ncols)
	for i := uint64(0); i < ncols; i++ {
		c := (f + i) % ncols
		colSectors := q
		if i < bc {
			colSectors++
		}
		cols[c] = raidzColumn{
			child:  n.Children[c],
			offset: o,
			size:   colSectors * unit,
			parity: i < n.NParity,
		}
	}
	return cols, nil
}

// readRaidZ reads every column of the group in parallel via errgroup (the
// concurrency model spec.md §5 allows for multi-disk fan-out reads), then
// concatenates the data columns in column order and trims to size. Parity
// columns are not read, and a missing data column fails the read, since
// RAID-Z reconstruction is out of scope.
func (n *Node) readRaidZ(ctx context.Context, offset, size uint64) ([]byte, error) {
	cols, err := n.layout(offset, size)
	if err != nil {
		return nil, err
	}
	bufs := make([][]byte, len(cols))
	eg, egCtx := errgroup.WithContext(ctx)
	for i, col := range cols {
		i, col := i, col
		if col.parity {
			continue
		}
		if col.child.Missing() {
			return nil, xerrors.Errorf("vdev: raidz %d: data column %d missing, reconstruction unsupported: %w", n.ID, i, errLeafMissing)
		}
		eg.Go(func() error {
			select {
			case <-egCtx.Done():
				return egCtx.Err()
			default:
			}
			buf, err := col.child.Read(egCtx, col.offset, col.size)
			if err != nil {
				return err
			}
			bufs[i] = buf
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, xerrors.Errorf("vdev: raidz %d: %w", n.ID, err)
	}

	out := make([]byte, 0, size+uint64(1)<<n.Ashift)
	for i, col := range cols {
		if col.parity {
			continue
		}
		out = append(out, bufs[i]...)
	}
	if uint64(len(out)) < size {
		return nil, xerrors.Errorf("vdev: raidz %d: assembled %d bytes, wanted %d", n.ID, len(out), size)
	}
	return out[:size], nil
}
