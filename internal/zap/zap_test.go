package zap

import (
	"encoding/binary"
	"testing"

	"github.com/dominicusin/zfsro/internal/ondisk"
)

func TestParseMicroZap(t *testing.T) {
	buf := make([]byte, ondisk.MzapEntLen*3) // header + 2 entries
	binary.LittleEndian.PutUint64(buf[0:8], ondisk.ZBTMicro)

	e1 := buf[ondisk.MzapEntLen : 2*ondisk.MzapEntLen]
	binary.LittleEndian.PutUint64(e1[0:8], 7)
	copy(e1[8:], "root_dataset")

	e2 := buf[2*ondisk.MzapEntLen : 3*ondisk.MzapEntLen]
	binary.LittleEndian.PutUint64(e2[0:8], 9)
	copy(e2[8:], "config")

	z, err := Parse(buf)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	v, ok := z.LookupUint64("root_dataset")
	if !ok || v != 7 {
		t.Fatalf("root_dataset = %d, %v", v, ok)
	}
	v2, ok := z.LookupUint64("config")
	if !ok || v2 != 9 {
		t.Fatalf("config = %d, %v", v2, ok)
	}
	if _, ok := z.LookupUint64("missing"); ok {
		t.Fatalf("expected missing key to be absent")
	}
}

func TestParseFatZapSingleLeaf(t *testing.T) {
	leafSize := 1024
	buf := make([]byte, 2*leafSize)
	binary.LittleEndian.PutUint64(buf[0:8], ondisk.ZBTHeader)

	leaf := buf[leafSize:]
	hashEntries := leafSize / 2 / 2
	chunks := leaf[hashEntries*2:]

	name := append([]byte("myfile"), 0)
	value := make([]byte, 8)
	binary.BigEndian.PutUint64(value, 0x1122334455) // fat-ZAP integers are big-endian

	// Chunk 0: entry. Chunk 1: name array. Chunk 2: value array.
	writeEntryChunk(chunks[0:ondisk.ZapLeafChunk], 1, uint16(len(name)), 2, 8, 1)
	writeArrayChunk(chunks[1*ondisk.ZapLeafChunk:2*ondisk.ZapLeafChunk], name, 0xffff)
	writeArrayChunk(chunks[2*ondisk.ZapLeafChunk:3*ondisk.ZapLeafChunk], value, 0xffff)

	z, err := Parse(buf)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	got, ok := z.LookupUint64("myfile")
	if !ok || got != 0x1122334455 {
		t.Fatalf("myfile = %#x, %v", got, ok)
	}
}

func TestLookupStringTrimsTrailingNul(t *testing.T) {
	leafSize := 1024
	buf := make([]byte, 2*leafSize)
	binary.LittleEndian.PutUint64(buf[0:8], ondisk.ZBTHeader)

	leaf := buf[leafSize:]
	hashEntries := leafSize / 2 / 2
	chunks := leaf[hashEntries*2:]

	name := append([]byte("mountpoint"), 0)
	value := append([]byte("/tank/data"), 0) // stored NUL-terminated, per fat ZAP string values

	writeEntryChunk(chunks[0:ondisk.ZapLeafChunk], 1, uint16(len(name)), 2, 1, uint16(len(value)))
	writeArrayChunk(chunks[1*ondisk.ZapLeafChunk:2*ondisk.ZapLeafChunk], name, 0xffff)
	writeArrayChunk(chunks[2*ondisk.ZapLeafChunk:3*ondisk.ZapLeafChunk], value, 0xffff)

	z, err := Parse(buf)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	got, ok := z.LookupString("mountpoint")
	if !ok {
		t.Fatalf("mountpoint not found")
	}
	if got != "/tank/data" {
		t.Fatalf("LookupString = %q, want %q (no trailing NUL)", got, "/tank/data")
	}
}

func writeEntryChunk(c []byte, nameChunk, nameNumInts, valueChunk uint16, valueIntLen uint8, valueNumInts uint16) {
	c[0] = byte(ondisk.ZapChunkEntry)
	binary.LittleEndian.PutUint16(c[2:4], nameChunk)
	binary.LittleEndian.PutUint16(c[4:6], nameNumInts)
	binary.LittleEndian.PutUint16(c[6:8], valueChunk)
	c[8] = valueIntLen
	binary.LittleEndian.PutUint16(c[10:12], valueNumInts)
}

func writeArrayChunk(c []byte, data []byte, next uint16) {
	c[0] = byte(ondisk.ZapChunkArray)
	n := len(data)
	if n > ondisk.ZapLeafArrayN {
		n = ondisk.ZapLeafArrayN
	}
	copy(c[1:1+n], data[:n])
	binary.LittleEndian.PutUint16(c[ondisk.ZapLeafArrayN+1:], next)
}
