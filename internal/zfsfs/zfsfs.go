// Package zfsfs is the read-only filesystem facade an out-of-process FUSE
// (or similar) host driver consumes: Open/Read/Stat/ReadDir/StatFs over one
// mounted Dataset. It owns no on-disk knowledge of its own — every method is
// a thin, POSIX-shaped wrapper over dataset.Dataset and znode_phys_t.
package zfsfs

import (
	"context"
	"io/fs"
	"path"
	"time"

	"golang.org/x/xerrors"

	"github.com/dominicusin/zfsro"
	"github.com/dominicusin/zfsro/internal/blockreader"
	"github.com/dominicusin/zfsro/internal/dataset"
	"github.com/dominicusin/zfsro/internal/ondisk"
)

// FS is a single mounted dataset, exposed as a minimal read-only
// filesystem. The zero value is not usable; construct with Open.
type FS struct {
	ds            *dataset.Dataset
	capacity      uint64
	rootUsedBytes uint64
}

// Open binds ds as the filesystem root. capacity and rootUsedBytes are
// pool-wide numbers (Pool.Capacity and the pool root dataset's
// Dir.UsedBytes) that StatFs reports regardless of which dataset ds is.
func Open(ds *dataset.Dataset, capacity, rootUsedBytes uint64) *FS {
	return &FS{ds: ds, capacity: capacity, rootUsedBytes: rootUsedBytes}
}

// FileInfo is the Stat/ReadDir entry shape, independent of any particular
// host driver's own inode type.
type FileInfo struct {
	Name    string
	Size    int64
	Mode    fs.FileMode
	ModTime time.Time
	IsDir   bool
}

// Stat resolves path and returns its POSIX metadata.
func (f *FS) Stat(ctx context.Context, path string) (FileInfo, error) {
	dn, err := f.ds.FindPath(ctx, path)
	if err != nil {
		return FileInfo{}, xerrors.Errorf("zfsfs: stat %q: %w", path, err)
	}
	return dnodeInfo(path, dn), nil
}

func dnodeInfo(path string, dn ondisk.Dnode) FileInfo {
	zn := ondisk.DecodeZnode(dn.Bonus)
	isDir := dn.Type == ondisk.DmuOtDirectoryContents
	mode := fs.FileMode(zn.Mode & 0o777)
	if isDir {
		mode |= fs.ModeDir
	}
	return FileInfo{
		Name:  baseName(path),
		Size:  int64(zn.Size),
		Mode:  mode,
		IsDir: isDir,
	}
}

func baseName(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}

// Handle is an open regular file, streaming through its dnode's block
// pointer tree.
type Handle struct {
	r    *blockreader.Reader
	dn   ondisk.Dnode
	path string
}

// OpenFile resolves path to a plain file and returns a streaming handle.
func (f *FS) OpenFile(ctx context.Context, path string) (*Handle, error) {
	dn, err := f.ds.FindPath(ctx, path)
	if err != nil {
		return nil, xerrors.Errorf("zfsfs: open %q: %w", path, err)
	}
	if dn.Type != ondisk.DmuOtPlainFileContents {
		return nil, xerrors.Errorf("zfsfs: %q is not a regular file: %w", path, zfsro.ErrUnsupported)
	}
	head, err := f.ds.Head(ctx)
	if err != nil {
		return nil, err
	}
	r, realDn, err := head.Reader(ctx, dn.Index)
	if err != nil {
		return nil, xerrors.Errorf("zfsfs: opening %q: %w", path, err)
	}
	return &Handle{r: r, dn: realDn, path: path}, nil
}

// ReadAt reads len(b) bytes at offset, satisfying io.ReaderAt.
func (h *Handle) ReadAt(b []byte, offset int64) (int, error) {
	n, err := h.r.Read(context.Background(), b, uint64(offset))
	if err != nil {
		return n, xerrors.Errorf("zfsfs: reading %q at %d: %w", h.path, offset, err)
	}
	return n, nil
}

// Size returns the file's logical size in bytes.
func (h *Handle) Size() int64 { return int64(ondisk.DecodeZnode(h.dn.Bonus).Size) }

// ReadDir lists the directory at path's children whose name matches the
// shell-style wildcard pattern (*, ?; an empty pattern matches everything).
func (f *FS) ReadDir(ctx context.Context, dirPath, pattern string) ([]FileInfo, error) {
	dn, err := f.ds.FindPath(ctx, dirPath)
	if err != nil {
		return nil, xerrors.Errorf("zfsfs: readdir %q: %w", dirPath, err)
	}
	if dn.Type != ondisk.DmuOtDirectoryContents {
		return nil, xerrors.Errorf("zfsfs: %q is not a directory", dirPath)
	}
	head, err := f.ds.Head(ctx)
	if err != nil {
		return nil, err
	}
	z, err := head.Zap(ctx, dn.Index)
	if err != nil {
		return nil, xerrors.Errorf("zfsfs: reading directory %q: %w", dirPath, err)
	}
	if pattern == "" {
		pattern = "*"
	}
	var out []FileInfo
	for _, name := range z.Names() {
		if ok, err := path.Match(pattern, name); err != nil || !ok {
			continue
		}
		entry, ok := z.LookupUint64(name)
		if !ok {
			continue
		}
		childIdx := entry & ((1 << 48) - 1)
		childDn, err := head.Dnode(ctx, childIdx, ondisk.DmuOtNone)
		if err != nil {
			continue
		}
		out = append(out, dnodeInfo(name, childDn))
	}
	return out, nil
}

// StatFsResult mirrors the handful of pool-wide numbers a host driver's
// statfs call needs.
type StatFsResult struct {
	TotalBytes uint64
	UsedBytes  uint64
}

// StatFs reports pool-wide space usage: the vdev tree's shape-adjusted
// total capacity, and the root DSL directory's used_bytes — not the
// currently mounted dataset's own usage, matching GetDiskFreeSpace's
// ctx->root->m_dir.used_bytes.
func (f *FS) StatFs() StatFsResult {
	return StatFsResult{
		TotalBytes: f.capacity,
		UsedBytes:  f.rootUsedBytes,
	}
}
