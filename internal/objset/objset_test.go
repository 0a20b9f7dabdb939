package objset

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/dominicusin/zfsro/internal/ondisk"
)

type fakePool struct {
	blocks map[uint64][]byte
}

func (f *fakePool) ReadBlockPointer(ctx context.Context, bp ondisk.BlockPointer) ([]byte, error) {
	return f.blocks[bp.Fill], nil
}

func bpTagged(tag uint64, typ uint8) ondisk.BlockPointer {
	raw := make([]byte, 128)
	raw[80] = 1 // non-zero birth => not a hole
	prop := uint64(typ) << 48
	binary.LittleEndian.PutUint64(raw[48:56], prop)
	binary.LittleEndian.PutUint64(raw[88:96], tag)
	return ondisk.DecodeBlockPointer(raw)
}

func buildDnode(typ uint8, dataTag uint64, maxBlkID uint64) []byte {
	buf := make([]byte, ondisk.DnodeSize)
	buf[0] = typ
	buf[3] = 1 // nblkptr
	binary.LittleEndian.PutUint64(buf[16:24], maxBlkID)
	bp := bpTagged(dataTag, ondisk.DmuOtNone)
	copy(buf[64:64+128], bp.Raw())
	binary.LittleEndian.PutUint16(buf[8:10], 1) // 1 sector (512-byte) data blocks
	return buf
}

func TestOpenAndDnode(t *testing.T) {
	ctx := context.Background()
	// Meta-dnode's data block holds two 512-byte dnode slots.
	dnode0 := buildDnode(ondisk.DmuOtObjectDirectory, 100, 0)
	dnode1 := buildDnode(ondisk.DmuOtDslDir, 101, 0)
	metaBlock := append(append([]byte{}, dnode0...), dnode1...)

	objsetRoot := make([]byte, ondisk.ObjsetPhysSize)
	metaDnode := buildMetaDnode()
	copy(objsetRoot[0:512], metaDnode)
	binary.LittleEndian.PutUint64(objsetRoot[512+192:512+192+8], 2) // dataset type: ZFS filesystem

	pool := &fakePool{blocks: map[uint64][]byte{
		1:   objsetRoot,
		200: metaBlock,
		100: []byte("dir-data"),
		101: []byte("dsl-data"),
	}}

	rootBP := bpTagged(1, ondisk.DmuOtObjset)
	os, err := Open(ctx, pool, rootBP)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if os.Type() != 2 {
		t.Fatalf("Type() = %d, want 2", os.Type())
	}
	if os.Count() != 2 {
		t.Fatalf("Count() = %d, want 2", os.Count())
	}
	dn, err := os.Dnode(ctx, 1, ondisk.DmuOtDslDir)
	if err != nil {
		t.Fatalf("Dnode: %v", err)
	}
	if dn.Index != 1 {
		t.Fatalf("Index = %d, want 1", dn.Index)
	}
}

// buildMetaDnode constructs a dnode_phys_t whose data block size is 1024
// bytes (2 sectors) so it can hold two 512-byte dnode slots, with a single
// direct block pointer tagged 200 (the meta-block map key in fakePool).
func buildMetaDnode() []byte {
	buf := make([]byte, ondisk.DnodeSize)
	buf[0] = ondisk.DmuOtDnode
	buf[3] = 1
	binary.LittleEndian.PutUint16(buf[8:10], 2) // 2 sectors = 1024 bytes
	binary.LittleEndian.PutUint64(buf[16:24], 0)
	bp := bpTagged(200, ondisk.DmuOtNone)
	copy(buf[64:64+128], bp.Raw())
	return buf
}
