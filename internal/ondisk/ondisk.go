// Package ondisk decodes the fixed-layout C structures ZFS persists to disk:
// DVAs, block pointers, vdev labels, uberblocks, dnodes, object sets and DSL
// directory/dataset bonus buffers. Every struct here mirrors a struct in
// zfs's on-disk spec byte-for-byte; decoding is done by hand at fixed byte
// offsets rather than binary.Read against Go struct tags, since the C layout
// has no space for Go's alignment padding.
package ondisk

import "encoding/binary"

const (
	// SectorShift is SPA_MINBLOCKSHIFT: every on-disk offset/size field is
	// stored in units of 512-byte sectors.
	SectorShift = 9
	SectorSize  = 1 << SectorShift

	// Vdev label geometry: 4 copies of a 256 KiB label per leaf device, two
	// at the start and two at the end.
	VdevLabelSize      = 256 << 10
	VdevLabels         = 4
	VdevPhysOffset     = 8 << 10  // vdev_phys_t starts 8 KiB into the label
	VdevPhysSize       = 112 << 10
	VdevUberblockOff   = 128 << 10 // uberblock ring starts at 128 KiB
	VdevUberblockRing  = 128 << 10 // and spans the rest of the label
	VdevBootHeaderSize = 8 << 10

	// ASIZE of a vdev label region reserved at the front/back of a leaf,
	// matching the original driver's fixed 4 MiB skip for disk/file vdevs.
	VdevLabelSkip = 4 << 20

	UberblockMagic = 0x00bab10c
	ZECMagic       = 0x210da7ab10c7a11 // vdev_phys_t.zbt magic ("zectors")

	DnodeSize          = 512
	DnodeCoreSize      = 64 // fixed header before the inline block pointers
	DnodeMaxBlkptr     = 3
	DnodeBlockPtrBytes = 128

	ObjsetPhysSize = 2048 // fixed slots 0-2 (meta dnode, zil header, type) + padding

	ZapMagic      = 0x2f52ab2ab // ZBT_HEADER's zap_phys_t.zap_magic
	ZBTMicro      = 0x8000000000000003
	ZBTHeader     = 0x2f52ab2ab
	MzapEntLen    = 64
	MzapNameLen   = 50
	ZapLeafMagic  = 0x2AB1EAF1
	ZapLeafChunk  = 24
	ZapLeafArrayN = 21 // ZAP_LEAF_ARRAY_BYTES
	ZapLeafBlkSz  = 0x4000

	ZapChunkEntry = 252
	ZapChunkArray = 251
	ZapChunkFree  = 253

	MasterNodeObj = 1
	ZFSRootObjStr = "ROOT"
)

// dmu_object_type_t values this reader needs to recognize; the full
// enumeration has ~50 entries, most irrelevant to a read-only walk.
const (
	DmuOtNone                 = 0
	DmuOtObjectDirectory      = 1
	DmuOtObjectArray          = 2
	DmuOtPackedNvlist         = 3
	DmuOtPackedNvlistSize     = 4
	DmuOtDslDir               = 16
	DmuOtDslDirChildMap       = 17
	DmuOtDslDsSnapMap         = 18
	DmuOtDslProps             = 19
	DmuOtDslDataset           = 20
	DmuOtDnode                = 10
	DmuOtObjset               = 11
	DmuOtDirectoryContents    = 25
	DmuOtPlainFileContents    = 26
	DmuOtMasterNode           = 27
	DmuOtDeleteQueue          = 28
	DmuOtZvol                 = 29
	DmuOtZvolProp             = 30
	DmuOtPlainOtherContents   = 31
	DmuOtUint64OtherContents  = 32
	DmuOtBpObjHeader          = 47
)

// zio_compress values, the on-disk comp_type tag.
const (
	CompressInherit = 0
	CompressOn      = 1
	CompressOff     = 2
	CompressLzjb    = 3
	CompressEmpty   = 4
	CompressGzip1   = 5
	CompressGzip9   = 13
	CompressZle     = 14
)

// zio_checksum values, the on-disk cksum_type tag.
const (
	ChecksumInherit  = 0
	ChecksumOn       = 1
	ChecksumOff      = 2
	ChecksumLabel    = 3
	ChecksumGangHdr  = 4
	ChecksumZilog    = 5
	ChecksumFletcher2 = 6
	ChecksumFletcher4 = 7
	ChecksumSHA256    = 8
	ChecksumZilog2    = 9
)

// DVA is a Data Virtual Address: which top-level vdev, and where on it.
type DVA struct {
	VdevID uint32
	GRID   uint8
	ASize  uint64 // bytes
	Offset uint64 // bytes
	Gang   bool
}

func decodeDVA(b []byte) DVA {
	w0 := binary.LittleEndian.Uint64(b[0:8])
	w1 := binary.LittleEndian.Uint64(b[8:16])
	return DVA{
		VdevID: uint32(w0 >> 32),
		GRID:   uint8((w0 >> 24) & 0xff),
		ASize:  (w0 & 0xffffff) << SectorShift,
		Offset: (w1 &^ (1 << 63)) << SectorShift,
		Gang:   w1&(1<<63) != 0,
	}
}

// BlockPointer is blkptr_t: up to 3 DVAs plus the properties needed to read
// and validate the block they describe.
type BlockPointer struct {
	DVA         [3]DVA
	LSize       uint64 // logical (decompressed) size in bytes
	PSize       uint64 // physical (on-disk, compressed) size in bytes
	Compress    uint8
	Checksum    uint8
	Type        uint8
	Level       uint8
	Dedup       bool
	Encrypted   bool
	Birth       uint64
	PhysBirth   uint64
	Fill        uint64
	Cksum       [4]uint64
	raw         [128]byte
}

// DecodeBlockPointer parses a 128-byte blkptr_t.
func DecodeBlockPointer(b []byte) BlockPointer {
	var bp BlockPointer
	copy(bp.raw[:], b[:128])
	for i := 0; i < 3; i++ {
		bp.DVA[i] = decodeDVA(b[i*16 : i*16+16])
	}
	prop := binary.LittleEndian.Uint64(b[48:56])
	bp.LSize = ((prop & 0xffff) + 1) << SectorShift
	bp.PSize = (((prop >> 16) & 0xffff) + 1) << SectorShift
	bp.Compress = uint8((prop >> 32) & 0x7f)
	bp.Checksum = uint8((prop >> 40) & 0xff)
	bp.Type = uint8((prop >> 48) & 0xff)
	bp.Level = uint8((prop >> 56) & 0x1f)
	bp.Dedup = prop&(1<<62) != 0
	bp.Encrypted = prop&(1<<63) != 0
	bp.PhysBirth = binary.LittleEndian.Uint64(b[72:80])
	bp.Birth = binary.LittleEndian.Uint64(b[80:88])
	bp.Fill = binary.LittleEndian.Uint64(b[88:96])
	for i := 0; i < 4; i++ {
		bp.Cksum[i] = binary.LittleEndian.Uint64(b[96+i*8 : 104+i*8])
	}
	return bp
}

// IsHole reports whether bp is an all-zero placeholder for unallocated data,
// the dnode_phys_t equivalent of a sparse-file gap.
func (bp BlockPointer) IsHole() bool {
	return bp.DVA[0].ASize == 0 && bp.DVA[0].Offset == 0 && bp.Birth == 0
}

// Raw returns the original 128 bytes, needed to recompute the checksum over
// the whole pointer minus its own cksum field (the label checksum covers the
// zio_eck_t trailer the same way).
func (bp BlockPointer) Raw() []byte { return bp.raw[:] }

// Uberblock is the root of a transaction group: one rootbp plus the txg that
// produced it. The pool picks the highest-txg valid uberblock in the ring.
type Uberblock struct {
	Magic     uint64
	Version   uint64
	TXG       uint64
	GUIDSum   uint64
	Timestamp uint64
	RootBP    BlockPointer
}

// DecodeUberblock parses one slot of the uberblock ring (ub_size bytes,
// itself a multiple of the top vdev's sector size).
func DecodeUberblock(b []byte) (Uberblock, bool) {
	if len(b) < 32+128 {
		return Uberblock{}, false
	}
	ub := Uberblock{
		Magic:     binary.LittleEndian.Uint64(b[0:8]),
		Version:   binary.LittleEndian.Uint64(b[8:16]),
		TXG:       binary.LittleEndian.Uint64(b[16:24]),
		GUIDSum:   binary.LittleEndian.Uint64(b[24:32]),
		Timestamp: binary.LittleEndian.Uint64(b[32:40]),
	}
	if ub.Magic != UberblockMagic {
		return Uberblock{}, false
	}
	ub.RootBP = DecodeBlockPointer(b[40:168])
	return ub, true
}

// Dnode is dnode_phys_t: an object's metadata plus up to 3 inline block
// pointers and an optional bonus buffer, all packed into 512 bytes.
type Dnode struct {
	Type          uint8
	IndBlkShift   uint8
	NLevels       uint8
	NBlkPtr       uint8
	BonusType     uint8
	Checksum      uint8
	Compress      uint8
	DataBlkSzSec  uint16 // data block size, in 512-byte sectors
	BonusLen      uint16
	MaxBlkID      uint64
	SecPhys       uint64 // used, in 512-byte sectors
	BlkPtr        []BlockPointer
	Bonus         []byte
	Index         uint64 // object index, tagged on by objset.ObjectSet.Dnode (not on-disk)
}

// DecodeDnode parses one 512-byte dnode_phys_t slot.
func DecodeDnode(b []byte) Dnode {
	dn := Dnode{
		Type:         b[0],
		IndBlkShift:  b[1],
		NLevels:      b[2],
		NBlkPtr:      b[3],
		BonusType:    b[4],
		Checksum:     b[5],
		Compress:     b[6],
		DataBlkSzSec: binary.LittleEndian.Uint16(b[8:10]),
		BonusLen:     binary.LittleEndian.Uint16(b[10:12]),
	}
	dn.MaxBlkID = binary.LittleEndian.Uint64(b[16:24])
	dn.SecPhys = binary.LittleEndian.Uint64(b[24:32])
	n := int(dn.NBlkPtr)
	if n > DnodeMaxBlkptr {
		n = DnodeMaxBlkptr
	}
	dn.BlkPtr = make([]BlockPointer, n)
	for i := 0; i < n; i++ {
		off := DnodeCoreSize + i*DnodeBlockPtrBytes
		dn.BlkPtr[i] = DecodeBlockPointer(b[off : off+128])
	}
	// The bonus buffer starts right after the dnode's actual block pointers,
	// not after all 3 reserved slots: a dnode with nblkptr=0 (DSL dir/dataset,
	// znode) can grow its bonus into the whole remaining dnode body.
	bonusOff := DnodeCoreSize + n*DnodeBlockPtrBytes
	if int(dn.BonusLen) > 0 && bonusOff+int(dn.BonusLen) <= len(b) {
		dn.Bonus = append([]byte(nil), b[bonusOff:bonusOff+int(dn.BonusLen)]...)
	}
	return dn
}

// DataBlockSize is the dnode's fixed data block size in bytes.
func (d Dnode) DataBlockSize() uint64 { return uint64(d.DataBlkSzSec) << SectorShift }

// ObjSet is objset_phys_t: a meta-dnode pointing at an array of dnodes plus
// the dataset type and an (optional) ZIL header this reader never replays.
type ObjSet struct {
	MetaDnode Dnode
	Type      uint64
}

// DecodeObjSet parses an object set's 2048-byte (or larger, padded) root
// block: the meta-dnode occupies the first 512 bytes, the zil header the
// next 192, and the type tag the 8 bytes after that.
func DecodeObjSet(b []byte) ObjSet {
	var os ObjSet
	os.MetaDnode = DecodeDnode(b[0:512])
	if len(b) >= 512+192+8 {
		os.Type = binary.LittleEndian.Uint64(b[512+192 : 512+192+8])
	}
	return os
}

// DslDir is dsl_dir_phys_t's bonus buffer layout: a dataset's containing
// directory, pointing at its child-map ZAP and its head dataset object.
type DslDir struct {
	CreationTime  uint64
	HeadDatasetObj uint64
	ParentObj      uint64
	OriginObj      uint64
	ChildDirZapObj uint64
	UsedBytes      uint64
	CompressBytes  uint64
	UncompBytes    uint64
	QuotaBytes     uint64
	ReservedBytes  uint64
	PropsZapObj    uint64
}

// DecodeDslDir parses a DMU_OT_DSL_DIR bonus buffer (dsl_dir_phys_t).
func DecodeDslDir(b []byte) DslDir {
	u := func(i int) uint64 { return binary.LittleEndian.Uint64(b[i*8 : i*8+8]) }
	return DslDir{
		CreationTime:   u(0),
		HeadDatasetObj: u(1),
		ParentObj:      u(2),
		OriginObj:      u(3),
		ChildDirZapObj: u(4),
		UsedBytes:      u(5),
		CompressBytes:  u(6),
		UncompBytes:    u(7),
		QuotaBytes:     u(8),
		ReservedBytes:  u(9),
		PropsZapObj:    u(10),
	}
}

// DslDataset is dsl_dataset_phys_t's bonus buffer layout: a single
// filesystem/snapshot revision and the block pointer to its head Object Set.
type DslDataset struct {
	DirObj      uint64
	PrevSnapObj uint64
	PrevSnapTXG uint64
	NextSnapObj uint64
	SnapNamesZap uint64
	NumChildren uint64
	CreationTime uint64
	CreationTXG  uint64
	DeadListObj  uint64
	UsedBytes    uint64
	CompBytes    uint64
	UncompBytes  uint64
	BP           BlockPointer
}

// DecodeDslDataset parses a DMU_OT_DSL_DATASET bonus buffer
// (dsl_dataset_phys_t): 16 uint64 scalar fields (dir_obj..flags), then bp at
// a fixed 128-byte offset, per zfs-win's dsl_dataset_phys_t.
func DecodeDslDataset(b []byte) DslDataset {
	u := func(i int) uint64 { return binary.LittleEndian.Uint64(b[i*8 : i*8+8]) }
	ds := DslDataset{
		DirObj:       u(0),
		PrevSnapObj:  u(1),
		PrevSnapTXG:  u(2),
		NextSnapObj:  u(3),
		SnapNamesZap: u(4),
		NumChildren:  u(5),
		CreationTime: u(6),
		CreationTXG:  u(7),
		DeadListObj:  u(8),
		UsedBytes:    u(9),
		CompBytes:    u(10),
		UncompBytes:  u(11),
	}
	const bpOff = 16 * 8
	if len(b) >= bpOff+128 {
		ds.BP = DecodeBlockPointer(b[bpOff : bpOff+128])
	}
	return ds
}

// ZnodeHeaderSize is the portion of a znode_phys_t bonus buffer occupied by
// fixed POSIX metadata fields; a PLAIN_FILE_CONTENTS dnode with no block
// pointers stores its symlink target in the bytes beyond this header.
const ZnodeHeaderSize = 8 * 12

// Znode is znode_phys_t: POSIX metadata carried in a plain-file or
// directory dnode's bonus buffer.
type Znode struct {
	Mode  uint64
	Size  uint64
	Links uint64
	Parent uint64
}

// DecodeZnode parses a znode_phys_t bonus buffer far enough to expose mode,
// size, link count and parent object, the fields Stat/ReadDir need.
func DecodeZnode(b []byte) Znode {
	if len(b) < 8*12 {
		return Znode{}
	}
	u := func(i int) uint64 { return binary.LittleEndian.Uint64(b[i*8 : i*8+8]) }
	return Znode{
		Mode:   u(4),
		Size:   u(5),
		Links:  u(6),
		Parent: u(8),
	}
}
