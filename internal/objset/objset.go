// Package objset presents an Object Set as an indexable array of dnodes: the
// meta-dnode's own block pointer tree is read through blockreader and
// sliced into fixed 512-byte dnode records. Grounded on
// ObjectSet::Init/GetIndex/Read (ObjectSet.cpp): dnode lookups memoize by
// index except for PLAIN_FILE_CONTENTS dnodes (file data dwarfs the cache
// otherwise), ZAP reads memoize per object (nvlist reads are decoded afresh
// each call), and every returned
// dnode is tagged with the index it was read from.
package objset

import (
	"context"

	"golang.org/x/xerrors"

	"github.com/dominicusin/zfsro"
	"github.com/dominicusin/zfsro/internal/blockreader"
	"github.com/dominicusin/zfsro/internal/nvlist"
	"github.com/dominicusin/zfsro/internal/ondisk"
	"github.com/dominicusin/zfsro/internal/zap"
)

// PoolReader is the narrow pool dependency this package needs.
type PoolReader = blockreader.PoolReader

// ObjectSet wraps an objset_phys_t's meta-dnode as a random-access array of
// dnodes, memoizing decoded dnodes and ZAP objects by index.
type ObjectSet struct {
	pool PoolReader
	meta *blockreader.Reader
	typ  uint64
	count uint64

	dnodeCache map[uint64]ondisk.Dnode
	zapCache   map[uint64]*zap.Zap
}

// Open constructs an ObjectSet from the block pointer naming its
// objset_phys_t root, rejecting block pointers typed other than
// DMU_OT_OBJSET or untyped DMU_OT_NONE.
func Open(ctx context.Context, pool PoolReader, bp ondisk.BlockPointer) (*ObjectSet, error) {
	if bp.Type != ondisk.DmuOtObjset && bp.Type != ondisk.DmuOtNone {
		return nil, xerrors.Errorf("objset: block pointer type %d is not DMU_OT_OBJSET", bp.Type)
	}
	raw, err := pool.ReadBlockPointer(ctx, bp)
	if err != nil {
		return nil, xerrors.Errorf("objset: reading root block: %w", err)
	}
	phys := ondisk.DecodeObjSet(raw)
	if phys.MetaDnode.Type != ondisk.DmuOtDnode {
		return nil, xerrors.Errorf("objset: meta dnode has type %d, want DMU_OT_DNODE: %w", phys.MetaDnode.Type, zfsro.ErrInvalidFormat)
	}
	meta := blockreader.New(pool, phys.MetaDnode)
	count := meta.Size() / ondisk.DnodeSize
	return &ObjectSet{
		pool:       pool,
		meta:       meta,
		typ:        phys.Type,
		count:      count,
		dnodeCache: map[uint64]ondisk.Dnode{},
		zapCache:   map[uint64]*zap.Zap{},
	}, nil
}

// Type returns the dmu_objset_type_t tag (filesystem, snapshot, zvol...).
func (os *ObjectSet) Type() uint64 { return os.typ }

// Count returns the number of dnode slots in the object array.
func (os *ObjectSet) Count() uint64 { return os.count }

// Dnode returns the dnode at index, optionally asserting its type (pass
// DmuOtNone to skip the check). dnodes are cached by index, except
// PLAIN_FILE_CONTENTS dnodes, whose data dwarfs everything else in an
// object set and would otherwise dominate memory for no benefit (file
// reads go through their own blockreader.Reader, constructed fresh each
// Open call).
func (os *ObjectSet) Dnode(ctx context.Context, index uint64, wantType uint8) (ondisk.Dnode, error) {
	if index >= os.count {
		return ondisk.Dnode{}, xerrors.Errorf("objset: index %d out of range (count %d): %w", index, os.count, zfsro.ErrNotFound)
	}
	if dn, ok := os.dnodeCache[index]; ok {
		if wantType != ondisk.DmuOtNone && dn.Type != wantType {
			return ondisk.Dnode{}, xerrors.Errorf("objset: dnode %d has type %d, want %d", index, dn.Type, wantType)
		}
		return dn, nil
	}
	buf := make([]byte, ondisk.DnodeSize)
	if _, err := os.meta.Read(ctx, buf, index*ondisk.DnodeSize); err != nil {
		return ondisk.Dnode{}, xerrors.Errorf("objset: reading dnode %d: %w", index, err)
	}
	dn := ondisk.DecodeDnode(buf)
	dn.Index = index
	if wantType != ondisk.DmuOtNone && dn.Type != wantType {
		return ondisk.Dnode{}, xerrors.Errorf("objset: dnode %d has type %d, want %d", index, dn.Type, wantType)
	}
	if dn.Type != ondisk.DmuOtPlainFileContents {
		os.dnodeCache[index] = dn
	}
	return dn, nil
}

// Zap reads and decodes the ZAP object at index, memoized per index.
func (os *ObjectSet) Zap(ctx context.Context, index uint64) (*zap.Zap, error) {
	if z, ok := os.zapCache[index]; ok {
		return z, nil
	}
	dn, err := os.Dnode(ctx, index, ondisk.DmuOtNone)
	if err != nil {
		return nil, err
	}
	raw, err := os.readWhole(ctx, dn)
	if err != nil {
		return nil, xerrors.Errorf("objset: reading zap object %d: %w", index, err)
	}
	z, err := zap.Parse(raw)
	if err != nil {
		return nil, xerrors.Errorf("objset: parsing zap object %d: %w", index, err)
	}
	os.zapCache[index] = z
	return z, nil
}

// Nvlist reads and decodes the PACKED_NVLIST object at index.
func (os *ObjectSet) Nvlist(ctx context.Context, index uint64) (nvlist.List, error) {
	dn, err := os.Dnode(ctx, index, ondisk.DmuOtPackedNvlist)
	if err != nil {
		return nil, err
	}
	raw, err := os.readWhole(ctx, dn)
	if err != nil {
		return nil, xerrors.Errorf("objset: reading nvlist object %d: %w", index, err)
	}
	return nvlist.Decode(raw)
}

// GetIndex looks up name in the ZAP at parentIndex (typically the object
// directory at index 1, or a dataset's child-map ZAP) and returns the
// object index it names.
func (os *ObjectSet) GetIndex(ctx context.Context, name string, parentIndex uint64) (uint64, error) {
	z, err := os.Zap(ctx, parentIndex)
	if err != nil {
		return 0, err
	}
	v, ok := z.LookupUint64(name)
	if !ok {
		return 0, xerrors.Errorf("objset: %q not found in zap %d: %w", name, parentIndex, zfsro.ErrNotFound)
	}
	return v, nil
}

// Reader returns a blockreader.Reader over the dnode at index, for reading
// plain file contents.
func (os *ObjectSet) Reader(ctx context.Context, index uint64) (*blockreader.Reader, ondisk.Dnode, error) {
	dn, err := os.Dnode(ctx, index, ondisk.DmuOtNone)
	if err != nil {
		return nil, ondisk.Dnode{}, err
	}
	return blockreader.New(os.pool, dn), dn, nil
}

func (os *ObjectSet) readWhole(ctx context.Context, dn ondisk.Dnode) ([]byte, error) {
	r := blockreader.New(os.pool, dn)
	buf := make([]byte, r.Size())
	if len(buf) == 0 {
		return buf, nil
	}
	if _, err := r.Read(ctx, buf, 0); err != nil {
		return nil, err
	}
	return buf, nil
}
