package blockreader

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"

	"github.com/dominicusin/zfsro/internal/ondisk"
)

// fakePool serves block pointers out of an in-memory map keyed by a tag
// stashed in the block pointer's Fill field, avoiding the need to compute
// real DVAs/checksums for this package's tests.
type fakePool struct {
	blocks map[uint64][]byte
}

func (f *fakePool) ReadBlockPointer(ctx context.Context, bp ondisk.BlockPointer) ([]byte, error) {
	return f.blocks[bp.Fill], nil
}

func bpTagged(tag uint64) ondisk.BlockPointer {
	raw := make([]byte, 128)
	raw[88] = byte(tag) // Fill field, little-endian, low byte is enough here
	raw[89] = byte(tag >> 8)
	// Mark non-hole: birth != 0.
	raw[80] = 1
	return ondisk.DecodeBlockPointer(raw)
}

func TestReadSingleLevelDnode(t *testing.T) {
	blockSize := uint64(512)
	block0 := bytes.Repeat([]byte{0xaa}, int(blockSize))
	block1 := bytes.Repeat([]byte{0xbb}, int(blockSize))
	p := &fakePool{blocks: map[uint64][]byte{1: block0, 2: block1}}

	dn := ondisk.Dnode{
		NLevels:      1,
		DataBlkSzSec: uint16(blockSize / 512),
		MaxBlkID:     1,
		BlkPtr:       []ondisk.BlockPointer{bpTagged(1), bpTagged(2)},
	}
	r := New(p, dn)
	if r.Size() != 2*blockSize {
		t.Fatalf("Size() = %d, want %d", r.Size(), 2*blockSize)
	}

	dst := make([]byte, blockSize)
	if _, err := r.Read(context.Background(), dst, blockSize); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(dst, block1) {
		t.Fatalf("second block mismatch")
	}
}

func TestReadPastEndZeroFills(t *testing.T) {
	blockSize := uint64(512)
	p := &fakePool{blocks: map[uint64][]byte{1: bytes.Repeat([]byte{0x11}, int(blockSize))}}
	dn := ondisk.Dnode{
		NLevels:      1,
		DataBlkSzSec: uint16(blockSize / 512),
		MaxBlkID:     0,
		BlkPtr:       []ondisk.BlockPointer{bpTagged(1)},
	}
	r := New(p, dn)
	dst := make([]byte, 32)
	if _, err := r.Read(context.Background(), dst, blockSize*3); err != nil {
		t.Fatalf("Read: %v", err)
	}
	want := make([]byte, 32)
	if !bytes.Equal(dst, want) {
		t.Fatalf("expected zero-fill past end, got %x", dst)
	}
}

func TestReadInlineSymlinkPayload(t *testing.T) {
	p := &fakePool{blocks: map[uint64][]byte{}}
	bonus := make([]byte, ondisk.ZnodeHeaderSize+16)
	target := "../etc/passwd"
	binary.LittleEndian.PutUint64(bonus[5*8:5*8+8], uint64(len(target))) // znode.Size
	copy(bonus[ondisk.ZnodeHeaderSize:], target)

	dn := ondisk.Dnode{
		Type:     ondisk.DmuOtPlainFileContents,
		NLevels:  1,
		MaxBlkID: 0,
		BlkPtr:   []ondisk.BlockPointer{{}},
		Bonus:    bonus,
	}
	r := New(p, dn)
	if r.Size() != uint64(len(target)) {
		t.Fatalf("Size() = %d, want %d", r.Size(), len(target))
	}
	dst := make([]byte, len(target))
	n, err := r.Read(context.Background(), dst, 0)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(dst[:n]) != target {
		t.Fatalf("Read = %q, want %q", dst[:n], target)
	}
}

func TestReadTwoLevelIndirect(t *testing.T) {
	blockSize := uint64(512)
	// Indirect block at level 1 holds two level-0 pointers, encoded as two
	// consecutive 128-byte blkptr_t records.
	leaf0 := bpTagged(10)
	leaf1 := bpTagged(11)
	indirect := append(append([]byte{}, leaf0.Raw()...), leaf1.Raw()...)

	p := &fakePool{blocks: map[uint64][]byte{
		1:  indirect,
		10: bytes.Repeat([]byte{0xcc}, int(blockSize)),
		11: bytes.Repeat([]byte{0xdd}, int(blockSize)),
	}}
	dn := ondisk.Dnode{
		NLevels:      2,
		IndBlkShift:  8, // epb = 256/128 = 2
		DataBlkSzSec: uint16(blockSize / 512),
		MaxBlkID:     1,
		BlkPtr:       []ondisk.BlockPointer{bpTagged(1)},
	}
	r := New(p, dn)
	dst := make([]byte, blockSize)
	if _, err := r.Read(context.Background(), dst, blockSize); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(dst, bytes.Repeat([]byte{0xdd}, int(blockSize))) {
		t.Fatalf("second leaf mismatch")
	}
}
