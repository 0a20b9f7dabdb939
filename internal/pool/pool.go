// Package pool opens a ZFS storage pool from its member leaf devices: it
// parses each leaf's vdev label, groups leaves by pool GUID, builds the top
// vdev trees, picks the newest valid uberblock, and exposes the single
// ReadBlockPointer primitive every higher layer reads through. Grounded on
// Device::Open/DeviceDesc::Init and Pool::Open/Pool::Read (Device.cpp,
// Pool.cpp).
package pool

import (
	"context"
	"log"

	"golang.org/x/xerrors"

	"github.com/dominicusin/zfsro/internal/checksum"
	"github.com/dominicusin/zfsro/internal/compress"
	"github.com/dominicusin/zfsro/internal/leaf"
	"github.com/dominicusin/zfsro/internal/nvlist"
	"github.com/dominicusin/zfsro/internal/ondisk"
	"github.com/dominicusin/zfsro/internal/vdev"
	"github.com/dominicusin/zfsro"
)

// labelIdentity is DeviceDesc: the identity and pool membership a vdev label
// reports about its leaf.
type labelIdentity struct {
	guid     uint64
	topGUID  uint64
	poolGUID uint64
	poolName string
	txg      uint64
	version  uint64
	ubSize   uint64
	tree     nvlist.List
}

// Pool is an opened, read-only ZFS storage pool: one active uberblock's
// root block pointer, plus the vdev tree needed to resolve every DVA in it.
type Pool struct {
	Name      string
	GUID      uint64
	RootBP    ondisk.BlockPointer
	TXG       uint64
	top       []*vdev.Node
	leaves    []*leaf.Device
}

// Open parses every member path's vdev label, groups leaves into one pool
// (optionally filtered by name, matching Pool::Open's optional pool name
// filter), binds leaves to their vdev tree position, and selects the
// newest valid uberblock. Leaves that fail to open are tolerated up to each
// top vdev's redundancy (mirror: fewer than child count; raidz: at most
// nparity), matching Pool::Open's missing-device accounting.
func Open(name string, memberPaths []string) (*Pool, error) {
	type opened struct {
		dev *leaf.Device
		id  labelIdentity
	}
	var members []opened
	var failures []string

	for _, path := range memberPaths {
		dev, err := leaf.Open(path, 0)
		if err != nil {
			failures = append(failures, path)
			log.Printf("pool: %s: %v", path, err)
			continue
		}
		id, err := readLabel(dev)
		if err != nil {
			dev.Close()
			failures = append(failures, path)
			log.Printf("pool: %s: invalid label: %v", path, err)
			continue
		}
		if name != "" && id.poolName != name {
			dev.Close()
			continue
		}
		members = append(members, opened{dev, id})
	}
	if len(members) == 0 {
		return nil, xerrors.Errorf("pool: no usable members found among %d paths: %w", len(memberPaths), zfsro.ErrNotFound)
	}

	// Group by pool GUID; every member should agree, but tolerate a mixed
	// command line the way the original driver does.
	poolGUID := members[0].id.poolGUID
	p := &Pool{Name: members[0].id.poolName, GUID: poolGUID}

	topByGUID := map[uint64]*vdev.Node{}
	for _, m := range members {
		if m.id.poolGUID != poolGUID {
			continue
		}
		top, ok := topByGUID[m.id.topGUID]
		if !ok {
			built, err := vdev.Build(m.id.tree)
			if err != nil {
				return nil, xerrors.Errorf("pool: building vdev tree: %w", err)
			}
			topByGUID[m.id.topGUID] = built
			p.top = append(p.top, built)
			top = built
		}
		if !top.BindLeaf(m.id.guid, m.dev, m.dev.Path()) {
			log.Printf("pool: leaf %s (guid %d) did not match any vdev_tree entry", m.dev.Path(), m.id.guid)
		}
		p.leaves = append(p.leaves, m.dev)
	}

	for _, top := range p.top {
		var leaves []*vdev.Node
		top.Leaves(&leaves)
		missing := 0
		for _, l := range leaves {
			if l.Missing() {
				missing++
			}
		}
		tolerated := 0
		switch top.Kind {
		case vdev.KindRaidZ:
			tolerated = int(top.NParity)
		case vdev.KindMirror:
			tolerated = len(leaves) - 1
		}
		if missing > 0 {
			if missing <= tolerated {
				log.Printf("pool: top vdev %d degraded: %d of %d leaves missing", top.ID, missing, len(leaves))
			} else {
				return nil, xerrors.Errorf("pool: top vdev %d: %d of %d leaves missing, exceeds tolerance %d: %w", top.ID, missing, len(leaves), tolerated, zfsro.ErrMissingDevice)
			}
		}
	}

	var best ondisk.Uberblock
	found := false
	for _, m := range members {
		ub, err := selectUberblock(m.dev, m.id.ubSize)
		if err != nil {
			log.Printf("pool: leaf %s: %v", m.dev.Path(), err)
			continue
		}
		if !found || ub.TXG > best.TXG {
			best = ub
			found = true
		}
	}
	if !found {
		return nil, xerrors.Errorf("pool: selecting uberblock: no member has a valid uberblock: %w", zfsro.ErrInvalidFormat)
	}
	p.RootBP = best.RootBP
	p.TXG = best.TXG
	return p, nil
}

// readLabel reads vdev_label_t copy 0 off dev and decodes its nvlist.
func readLabel(dev *leaf.Device) (labelIdentity, error) {
	buf := make([]byte, ondisk.VdevPhysSize)
	if _, err := dev.ReadAt(buf, ondisk.VdevPhysOffset); err != nil {
		return labelIdentity{}, xerrors.Errorf("reading vdev_phys: %w", err)
	}
	// vdev_phys_t's nvlist begins right after a 4-byte version/flags word
	// NameValueList.cpp's Read itself also skips, so start at byte 4.
	list, err := nvlist.Decode(buf[4:])
	if err != nil {
		return labelIdentity{}, xerrors.Errorf("decoding label nvlist: %w", err)
	}
	var id labelIdentity
	id.tree = list
	id.guid, _ = list.Uint64("guid")
	id.topGUID, _ = list.Uint64("top_guid")
	id.txg, _ = list.Uint64("txg")
	id.version, _ = list.Uint64("version")
	if pool, ok := list.List("pool"); ok {
		id.poolGUID, _ = pool.Uint64("guid")
		id.poolName, _ = pool.String("name")
	} else {
		id.poolGUID, _ = list.Uint64("pool_guid")
		id.poolName, _ = list.String("name")
	}
	if tree, ok := list.List("vdev_tree"); ok {
		id.tree = tree
	}
	ashift, _ := id.tree.Uint64("ashift")
	id.ubSize = 1 << max64(ashift, ondisk.SectorShift+1) // UBERBLOCK_SHIFT == 10
	return id, nil
}

func max64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

// selectUberblock scans the uberblock ring (128 slots of ubSize bytes,
// starting 128 KiB into the label) and returns the valid one with the
// largest txg, matching Device::Open's ring scan.
func selectUberblock(dev *leaf.Device, ubSize uint64) (ondisk.Uberblock, error) {
	if ubSize == 0 {
		ubSize = 1 << 10
	}
	var best ondisk.Uberblock
	found := false
	slots := ondisk.VdevUberblockRing / ubSize
	buf := make([]byte, ubSize)
	for i := uint64(0); i < slots; i++ {
		off := int64(ondisk.VdevUberblockOff) + int64(i*ubSize)
		if _, err := dev.ReadAt(buf, off); err != nil {
			continue
		}
		ub, ok := ondisk.DecodeUberblock(buf)
		if !ok {
			continue
		}
		if !found || ub.TXG > best.TXG {
			best = ub
			found = true
		}
	}
	if !found {
		return ondisk.Uberblock{}, xerrors.Errorf("no valid uberblock found: %w", zfsro.ErrInvalidFormat)
	}
	return best, nil
}

// ReadBlockPointer resolves bp by trying each of its DVAs in turn: find the
// top vdev, read psize bytes at the DVA's offset, verify the checksum, and
// decompress into an lsize-byte buffer. The first DVA that verifies wins;
// Pool::Read only fails once every DVA has been tried, matching spec.md §7's
// "Integrity" category (log-and-retry-next-DVA, fail only when all are
// exhausted).
func (p *Pool) ReadBlockPointer(ctx context.Context, bp ondisk.BlockPointer) ([]byte, error) {
	if bp.IsHole() {
		return make([]byte, bp.LSize), nil
	}
	var lastErr error
	for i, dva := range bp.DVA {
		if dva.ASize == 0 && dva.Offset == 0 {
			continue
		}
		if dva.Gang {
			lastErr = xerrors.Errorf("dva %d: gang blocks: %w", i, zfsro.ErrUnsupported)
			log.Printf("pool: txg %d: %v", bp.Birth, lastErr)
			continue
		}
		top := p.findTop(dva.VdevID)
		if top == nil {
			lastErr = xerrors.Errorf("dva %d: vdev %d not found", i, dva.VdevID)
			log.Printf("pool: %v", lastErr)
			continue
		}
		raw, err := top.Read(ctx, dva.Offset, bp.PSize)
		if err != nil {
			lastErr = err
			log.Printf("pool: dva %d (vdev %d offset %d): read failed: %v", i, dva.VdevID, dva.Offset, err)
			continue
		}
		if !checksum.Verify(bp.Checksum, raw, checksum.Sum(bp.Cksum)) {
			lastErr = xerrors.Errorf("dva %d: %w", i, zfsro.ErrChecksum)
			log.Printf("pool: dva %d (vdev %d offset %d): checksum mismatch", i, dva.VdevID, dva.Offset)
			continue
		}
		out, err := compress.Decompress(bp.Compress, raw, int(bp.LSize))
		if err != nil {
			lastErr = xerrors.Errorf("dva %d: %w", i, err)
			continue
		}
		return out, nil
	}
	if lastErr == nil {
		lastErr = xerrors.Errorf("block pointer has no usable DVA")
	}
	return nil, xerrors.Errorf("pool: all DVAs failed: %w", lastErr)
}

// Capacity sums every top vdev's shape-adjusted allocatable size, matching
// GetDiskFreeSpace's pool-wide total.
func (p *Pool) Capacity() uint64 {
	var total uint64
	for _, t := range p.top {
		total += t.Capacity()
	}
	return total
}

// findTop returns the top vdev whose vdev_tree "id" matches a DVA's vdev
// field — DVAs always address a top-level vdev directly, never a leaf.
func (p *Pool) findTop(id uint32) *vdev.Node {
	for _, t := range p.top {
		if t.ID == uint64(id) {
			return t
		}
	}
	return nil
}

// Close closes every leaf device the pool opened.
func (p *Pool) Close() error {
	var firstErr error
	for _, l := range p.leaves {
		if err := l.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
