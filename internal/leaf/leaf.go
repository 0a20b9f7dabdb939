// Package leaf opens a single ZFS leaf device — a raw block device, an
// image file, or a partition within either — and exposes positioned reads
// at byte offsets relative to the partition start (ReadAt does not check
// sector alignment). Grounded on Device::Open/Seek/Read
// (Device.cpp): an MBR scan at offset 0 picks up to two nested partition
// indices, then every other read is relative to the resulting [start,size)
// window.
package leaf

import (
	"io"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

const (
	mbrSize        = 512
	mbrSigOff      = 0x1fe
	mbrTableOff    = 0x1be
	mbrEntrySize   = 16
	mbrEntries     = 4
	mbrStartOff    = 8
	mbrSizeOff     = 12
	mbrNestedDepth = 2
)

// Device is an open leaf device: the underlying file plus the byte offset
// and size of the region actually belonging to the pool member, after any
// MBR partition indirection has been resolved.
type Device struct {
	f     *os.File
	path  string
	start int64
	size  int64
}

// Open opens path and, if it carries an MBR at offset 0, resolves up to two
// levels of nested partition index: the low byte of partition selects which
// of the 4 primary entries to descend into (0 selects entry 0) and the next
// byte selects the nested entry. Without an MBR, or when the selected entry
// is empty, the whole disk/file is used.
func Open(path string, partition uint16) (*Device, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, xerrors.Errorf("leaf: open %s: %w", path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, xerrors.Errorf("leaf: stat %s: %w", path, err)
	}
	size := fi.Size()
	if fi.Mode()&os.ModeDevice != 0 && fi.Mode()&os.ModeCharDevice == 0 {
		// Block devices report a zero Stat size on Linux; ask the kernel
		// directly for the device's byte size.
		if bsize, ok := blockDeviceSize(f); ok {
			size = bsize
		}
	}
	d := &Device{f: f, path: path, start: 0, size: size}

	part := partition
	for i := 0; i < mbrNestedDepth; i, part = i+1, part>>8 {
		idx := part & 0xff
		mbr := make([]byte, mbrSize)
		if _, err := f.ReadAt(mbr, d.start); err != nil {
			if err == io.EOF {
				break
			}
			return nil, xerrors.Errorf("leaf: reading MBR of %s: %w", path, err)
		}
		if !(mbr[mbrSigOff] == 0x55 && mbr[mbrSigOff+1] == 0xaa) {
			break
		}
		entryOff := mbrTableOff + int(idx)*mbrEntrySize
		if entryOff+mbrEntrySize > mbrSize {
			break
		}
		startSectors := le32(mbr[entryOff+mbrStartOff:])
		sizeSectors := le32(mbr[entryOff+mbrSizeOff:])
		if startSectors == 0 || sizeSectors == 0 {
			break
		}
		d.start += int64(startSectors) * 512
		d.size = int64(sizeSectors) * 512
	}
	return d, nil
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// blockDeviceSize issues BLKGETSIZE64 to retrieve a raw block device's byte
// size, which os.FileInfo.Size reports as 0 on Linux.
func blockDeviceSize(f *os.File) (int64, bool) {
	var size uint64
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), unix.BLKGETSIZE64, uintptr(unsafe.Pointer(&size)))
	if errno != 0 {
		return 0, false
	}
	return int64(size), true
}

// Close releases the underlying file handle.
func (d *Device) Close() error { return d.f.Close() }

// Path returns the device's originating filename.
func (d *Device) Path() string { return d.path }

// Size returns the effective size of the leaf's partition (or the whole
// file, if there was no MBR).
func (d *Device) Size() int64 { return d.size }

// ReadAt reads len(b) bytes starting at offset, relative to the leaf's
// resolved partition start, satisfying io.ReaderAt.
func (d *Device) ReadAt(b []byte, offset int64) (int, error) {
	if offset < 0 || offset+int64(len(b)) > d.size {
		return 0, xerrors.Errorf("leaf: read [%d,%d) out of range for %s (size %d)", offset, offset+int64(len(b)), d.path, d.size)
	}
	n, err := d.f.ReadAt(b, d.start+offset)
	if err != nil {
		return n, xerrors.Errorf("leaf: read %s at %d: %w", d.path, offset, err)
	}
	return n, nil
}

var _ io.ReaderAt = (*Device)(nil)
