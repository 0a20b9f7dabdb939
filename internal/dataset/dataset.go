// Package dataset walks the DSL (Dataset and Snapshot Layer) directory
// tree: each DSL directory names a child-map ZAP of sub-directories and a
// head dataset whose block pointer opens that filesystem's own Object Set.
// Grounded on DataSet::Init/Find (DataSet.cpp), with one deliberate
// improvement spec.md calls for: the head Object Set is opened lazily, on
// the first Head call, instead of eagerly during Init.
package dataset

import (
	"context"
	"strings"
	"sync"

	"golang.org/x/xerrors"

	"github.com/dominicusin/zfsro"
	"github.com/dominicusin/zfsro/internal/objset"
	"github.com/dominicusin/zfsro/internal/ondisk"
)

// PoolReader is the narrow pool dependency this package needs.
type PoolReader = objset.PoolReader

// Dataset is one node of the DSL directory tree: a filesystem, snapshot, or
// volume, with its children (if it contains any) and lazily-opened head.
type Dataset struct {
	pool PoolReader
	root *objset.ObjectSet // the pool's MOS, used to resolve child indices

	Name       string
	Mountpoint string
	Dir        ondisk.DslDir
	DatasetRec ondisk.DslDataset

	Children []*Dataset

	mu   sync.Mutex
	head *objset.ObjectSet

	pathCache   map[string]ondisk.Dnode
	pathCacheMu sync.Mutex
}

const pathCacheCap = 256

// Open builds the dataset tree starting at the pool's root_dataset entry in
// the master object set's object directory (object 1), recursing over each
// directory's child-map ZAP. Matches DataSet::Init's root_index==-1 path.
func Open(ctx context.Context, pool PoolReader, mos *objset.ObjectSet) (*Dataset, error) {
	rootIdx, err := mos.GetIndex(ctx, "root_dataset", ondisk.MasterNodeObj)
	if err != nil {
		return nil, xerrors.Errorf("dataset: locating root_dataset: %w", err)
	}
	return openDir(ctx, pool, mos, rootIdx, "")
}

func openDir(ctx context.Context, pool PoolReader, mos *objset.ObjectSet, index uint64, name string) (*Dataset, error) {
	dn, err := mos.Dnode(ctx, index, ondisk.DmuOtDslDir)
	if err != nil {
		return nil, xerrors.Errorf("dataset: dsl dir %d: %w", index, err)
	}
	ds := &Dataset{
		pool:      pool,
		root:      mos,
		Name:      name,
		Dir:       ondisk.DecodeDslDir(dn.Bonus),
		pathCache: map[string]ondisk.Dnode{},
	}

	dsDn, err := mos.Dnode(ctx, ds.Dir.HeadDatasetObj, ondisk.DmuOtDslDataset)
	if err != nil {
		return nil, xerrors.Errorf("dataset: dsl dataset %d: %w", ds.Dir.HeadDatasetObj, err)
	}
	ds.DatasetRec = ondisk.DecodeDslDataset(dsDn.Bonus)

	if ds.Dir.PropsZapObj != 0 {
		if z, err := mos.Zap(ctx, ds.Dir.PropsZapObj); err == nil {
			if mp, ok := z.LookupString("mountpoint"); ok {
				ds.Mountpoint = mp
			}
		}
	}

	if ds.Dir.ChildDirZapObj != 0 {
		z, err := mos.Zap(ctx, ds.Dir.ChildDirZapObj)
		if err != nil {
			return nil, xerrors.Errorf("dataset: child map for %q: %w", name, err)
		}
		for _, childName := range z.Names() {
			childIdx, ok := z.LookupUint64(childName)
			if !ok {
				continue
			}
			child, err := openDir(ctx, pool, mos, childIdx, childName)
			if err != nil {
				return nil, err
			}
			ds.Children = append(ds.Children, child)
		}
	}
	return ds, nil
}

// Find descends the dataset tree along a "/"-separated path of dataset
// names (not filesystem paths — this is DataSet::Find's first overload,
// used by the CLI to pick which filesystem to mount).
func (ds *Dataset) Find(path string) (*Dataset, bool) {
	path = strings.Trim(path, "/")
	if path == "" {
		return ds, true
	}
	cur := ds
	for _, part := range strings.Split(path, "/") {
		var next *Dataset
		for _, c := range cur.Children {
			if c.Name == part {
				next = c
				break
			}
		}
		if next == nil {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

// Head lazily opens this dataset's head Object Set — the filesystem's own
// dnode array, rooted at DatasetRec.BP — matching the "opened lazily" design
// spec.md calls for.
func (ds *Dataset) Head(ctx context.Context) (*objset.ObjectSet, error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.head != nil {
		return ds.head, nil
	}
	if ds.DatasetRec.BP.Type != ondisk.DmuOtObjset {
		return nil, xerrors.Errorf("dataset: %q has no head object set: %w", ds.Name, zfsro.ErrUnsupported)
	}
	head, err := objset.Open(ctx, ds.pool, ds.DatasetRec.BP)
	if err != nil {
		return nil, xerrors.Errorf("dataset: opening head of %q: %w", ds.Name, err)
	}
	ds.head = head
	return head, nil
}

// FindPath resolves a filesystem path (e.g. "/etc/passwd") to its dnode,
// always starting the walk at the implicit "ROOT" object-directory entry
// zfs-win's original driver hard-codes, and masking each ZAP directory
// entry's object id down to the low 48 bits (the top 4 bits name a
// currently-unused dirent type). Results are cached up to pathCacheCap
// entries; beyond that the cache is reset rather than grown unbounded.
func (ds *Dataset) FindPath(ctx context.Context, path string) (ondisk.Dnode, error) {
	head, err := ds.Head(ctx)
	if err != nil {
		return ondisk.Dnode{}, err
	}
	norm := strings.ReplaceAll(path, "\\", "/")
	if !strings.HasPrefix(norm, "/") {
		return ondisk.Dnode{}, xerrors.Errorf("dataset: path %q must be absolute", path)
	}
	norm = strings.TrimRight(ondisk.ZFSRootObjStr+norm, "/")

	ds.pathCacheMu.Lock()
	if cached, ok := ds.pathCache[norm]; ok {
		ds.pathCacheMu.Unlock()
		return cached, nil
	}
	ds.pathCacheMu.Unlock()

	index := uint64(ondisk.MasterNodeObj)
	var dn ondisk.Dnode
	for _, part := range strings.Split(norm, "/") {
		if part == "" {
			continue
		}
		entry, err := head.GetIndex(ctx, part, index)
		if err != nil {
			return ondisk.Dnode{}, xerrors.Errorf("dataset: path %q: component %q: %w", path, part, zfsro.ErrNotFound)
		}
		index = entry & ((1 << 48) - 1) // ZFS_DIRENT_OBJ
		dn, err = head.Dnode(ctx, index, ondisk.DmuOtNone)
		if err != nil {
			return ondisk.Dnode{}, xerrors.Errorf("dataset: path %q: %w", path, err)
		}
		if dn.Type != ondisk.DmuOtDirectoryContents && dn.Type != ondisk.DmuOtPlainFileContents {
			return ondisk.Dnode{}, xerrors.Errorf("dataset: path %q: component %q has unexpected type %d", path, part, dn.Type)
		}
	}

	ds.pathCacheMu.Lock()
	if len(ds.pathCache) >= pathCacheCap {
		ds.pathCache = map[string]ondisk.Dnode{}
	}
	ds.pathCache[norm] = dn
	ds.pathCacheMu.Unlock()
	return dn, nil
}
