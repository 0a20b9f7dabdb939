package vdev

import (
	"bytes"
	"context"
	"testing"

	"github.com/dominicusin/zfsro/internal/ondisk"
)

type fakeLeaf struct {
	data []byte
	fail bool
}

func (f *fakeLeaf) ReadAt(b []byte, offset int64) (int, error) {
	if f.fail {
		return 0, errFake
	}
	n := copy(b, f.data[offset:])
	return n, nil
}

var errFake = errLeafMissing

func newFakeDisk(guid uint64, fill byte, size int) *Node {
	data := make([]byte, size)
	for i := range data {
		data[i] = fill
	}
	return &Node{Kind: KindDisk, GUID: guid, leaf: &fakeLeaf{data: data}}
}

func TestMirrorFallsBackToSecondChild(t *testing.T) {
	good := newFakeDisk(2, 0xaa, int(ondisk.VdevLabelSkip)+64)
	bad := &Node{Kind: KindDisk, GUID: 1} // leaf nil => Missing()
	m := &Node{Kind: KindMirror, Children: []*Node{bad, good}}

	got, err := m.Read(context.Background(), 0, 16)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	want := bytes.Repeat([]byte{0xaa}, 16)
	if !bytes.Equal(got, want) {
		t.Fatalf("got %x, want %x", got, want)
	}
}

func TestRaidZLayoutColumnCount(t *testing.T) {
	n := &Node{
		Kind:    KindRaidZ,
		Ashift:  9,
		NParity: 1,
		Children: []*Node{
			newFakeDisk(1, 1, 1<<20),
			newFakeDisk(2, 2, 1<<20),
			newFakeDisk(3, 3, 1<<20),
		},
	}
	cols, err := n.layout(2<<20, 3*512)
	if err != nil {
		t.Fatalf("layout: %v", err)
	}
	if len(cols) != 3 {
		t.Fatalf("len(cols) = %d, want 3", len(cols))
	}
	parityCount := 0
	for _, c := range cols {
		if c.parity {
			parityCount++
		}
	}
	if parityCount != 1 {
		t.Fatalf("parityCount = %d, want 1", parityCount)
	}
}

func TestRaidZParity1ColumnRotatesEveryOtherMegabyte(t *testing.T) {
	n := &Node{
		Kind:    KindRaidZ,
		Ashift:  9,
		NParity: 1,
		Children: []*Node{
			newFakeDisk(1, 1, 3<<20),
			newFakeDisk(2, 2, 3<<20),
			newFakeDisk(3, 3, 3<<20),
		},
	}
	// b = offset/unit is a multiple of ncols at both offsets, so f = b%ncols
	// is 0 in both cases unless the 1 MiB bit of offset flips the rule.
	lowCols, err := n.layout(0, 512)
	if err != nil {
		t.Fatalf("layout(0): %v", err)
	}
	highCols, err := n.layout(3<<20, 512)
	if err != nil {
		t.Fatalf("layout(3<<20): %v", err)
	}
	if lowCols[0].parity == highCols[0].parity {
		t.Fatalf("expected column rotation to differ across the 1 MiB boundary: low parity=%v, high parity=%v", lowCols[0].parity, highCols[0].parity)
	}
}

func TestCapacityPerShape(t *testing.T) {
	disk := &Node{Kind: KindDisk, ASize: 1000}
	if got := disk.Capacity(); got != 1000 {
		t.Errorf("disk Capacity() = %d, want 1000", got)
	}

	mirror := &Node{Kind: KindMirror, ASize: 1000, Children: []*Node{{}, {}}}
	if got := mirror.Capacity(); got != 500 {
		t.Errorf("mirror Capacity() = %d, want 500", got)
	}

	raidz := &Node{Kind: KindRaidZ, ASize: 900, NParity: 1, Children: []*Node{{}, {}, {}}}
	if got := raidz.Capacity(); got != 600 {
		t.Errorf("raidz Capacity() = %d, want 600", got)
	}
}

func TestRaidZMissingDataColumnFails(t *testing.T) {
	n := &Node{
		Kind:    KindRaidZ,
		Ashift:  9,
		NParity: 1,
		Children: []*Node{
			newFakeDisk(1, 1, 1<<20),
			{Kind: KindDisk, GUID: 2}, // missing
			newFakeDisk(3, 3, 1<<20),
		},
	}
	// At offset 0, column 0 holds parity, so the missing disk holds data.
	if _, err := n.Read(context.Background(), 0, 3*512); err == nil {
		t.Fatalf("expected error when a data column is missing")
	}
}
