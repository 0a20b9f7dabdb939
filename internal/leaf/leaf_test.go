package leaf

import (
	"os"
	"path/filepath"
	"testing"
)

func writeImage(t *testing.T, data []byte) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "pool.img")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestOpenWholeImageNoMBR(t *testing.T) {
	data := make([]byte, 4096)
	for i := range data {
		data[i] = byte(i)
	}
	path := writeImage(t, data)
	d, err := Open(path, 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Close()
	if d.Size() != int64(len(data)) {
		t.Fatalf("Size() = %d, want %d", d.Size(), len(data))
	}
	buf := make([]byte, 16)
	if _, err := d.ReadAt(buf, 100); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	for i, b := range buf {
		if b != byte(100+i) {
			t.Fatalf("ReadAt mismatch at %d: got %d want %d", i, b, byte(100+i))
		}
	}
}

func TestReadAtOutOfRangeRejected(t *testing.T) {
	path := writeImage(t, make([]byte, 64))
	d, err := Open(path, 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Close()
	buf := make([]byte, 16)
	if _, err := d.ReadAt(buf, 60); err == nil {
		t.Fatalf("expected out-of-range read to fail")
	}
}

func TestOpenWithMBRPartition(t *testing.T) {
	data := make([]byte, 8192)
	data[0x1fe] = 0x55
	data[0x1ff] = 0xaa
	// Partition 0: start sector 2, size 4 sectors (2048 bytes).
	putLE32(data[0x1be+8:], 2)
	putLE32(data[0x1be+12:], 4)
	for i := 1024; i < 1024+16; i++ {
		data[i] = byte(i)
	}
	path := writeImage(t, data)
	d, err := Open(path, 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Close()
	if d.Size() != 2048 {
		t.Fatalf("Size() = %d, want 2048", d.Size())
	}
	buf := make([]byte, 16)
	if _, err := d.ReadAt(buf, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	for i, b := range buf {
		if b != byte(1024+i) {
			t.Fatalf("partition-relative read mismatch at %d: got %d want %d", i, b, byte(1024+i))
		}
	}
}

func putLE32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
