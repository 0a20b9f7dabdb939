// Package zap decodes ZFS's key→value dictionary object, the ZAP: either
// the compact micro-ZAP (one 64-byte slot per entry, used by small
// directories and most object directories) or the fat-ZAP (a hash table of
// leaf blocks holding chunk-chained names and values, used once an object
// directory grows past a single block). Grounded on ZapObject.cpp's
// Parse/ParseMicro/ParseFat/ParseArray, generalized to fat-ZAP's documented
// multi-leaf-block layout (each leaf block is ZapLeafBlkSz bytes) instead of
// the original's single-leaf-block simplification.
package zap

import (
	"encoding/binary"

	"golang.org/x/xerrors"

	"github.com/dominicusin/zfsro/internal/ondisk"
)

// Zap is a decoded ZAP object: every entry's raw value bytes, keyed by name.
type Zap struct {
	values map[string][]byte
}

// Parse dispatches on the object's leading 8-byte block-type tag to the
// micro- or fat-ZAP decoder.
func Parse(buf []byte) (*Zap, error) {
	if len(buf) < 8 {
		return nil, xerrors.Errorf("zap: object too small")
	}
	tag := binary.LittleEndian.Uint64(buf[0:8])
	switch tag {
	case ondisk.ZBTMicro:
		return parseMicro(buf)
	case ondisk.ZBTHeader:
		return parseFat(buf)
	default:
		return nil, xerrors.Errorf("zap: unrecognized block type %#x", tag)
	}
}

// parseMicro reads mzap_phys_t: a header slot followed by fixed 64-byte
// entries, each a native uint64 value plus a NUL-terminated name. Values
// are byte-swapped into the same big-endian 8-byte shape ParseFat's values
// use, so Lookup can treat either kind of ZAP uniformly.
func parseMicro(buf []byte) (*Zap, error) {
	z := &Zap{values: map[string][]byte{}}
	n := len(buf)/ondisk.MzapEntLen - 1
	for i := 0; i < n; i++ {
		off := ondisk.MzapEntLen * (i + 1)
		if off+ondisk.MzapEntLen > len(buf) {
			break
		}
		entry := buf[off : off+ondisk.MzapEntLen]
		value := binary.LittleEndian.Uint64(entry[0:8])
		name := cString(entry[8:])
		if name == "" {
			continue
		}
		var v [8]byte
		binary.BigEndian.PutUint64(v[:], value)
		z.values[name] = v[:]
	}
	return z, nil
}

// leafEntry mirrors zap_leaf_entry_t's common header fields for a
// ZAP_CHUNK_ENTRY chunk.
type leafEntry struct {
	typ          uint8
	nameChunk    uint16
	nameNumInts  uint16
	valueChunk   uint16
	valueIntLen  uint8
	valueNumInts uint16
}

// parseFat reads zap_phys_t/zap_leaf_phys_t. spec.md describes leaf blocks
// of ZapLeafBlkSz bytes each; this reader accepts both a single-block fat
// ZAP (the whole object is one ZapLeafBlkSz-ish buffer, matching small
// directories in practice) and walks consecutive leaf blocks when the
// object is larger than one.
func parseFat(buf []byte) (*Zap, error) {
	z := &Zap{values: map[string][]byte{}}
	leafSize := ondisk.ZapLeafBlkSz
	if len(buf) < 2*leafSize {
		leafSize = len(buf) / 2
		if leafSize == 0 {
			return z, nil
		}
	}
	for start := leafSize; start < len(buf); start += leafSize {
		end := start + leafSize
		if end > len(buf) {
			end = len(buf)
		}
		if err := parseLeafBlock(buf[start:end], z); err != nil {
			return nil, err
		}
	}
	return z, nil
}

func parseLeafBlock(leaf []byte, z *Zap) error {
	hashEntries := len(leaf) / 2 / 2 // half the block is the hash table, 2 bytes/slot
	chunkAreaStart := hashEntries * 2
	if chunkAreaStart >= len(leaf) {
		return nil
	}
	chunks := leaf[chunkAreaStart:]
	nChunks := len(chunks) / ondisk.ZapLeafChunk
	for i := 0; i < nChunks; i++ {
		c := chunks[i*ondisk.ZapLeafChunk:]
		typ := c[0]
		if typ != byte(ondisk.ZapChunkEntry) {
			continue
		}
		e := decodeLeafEntry(c)
		name, ok := parseArray(chunks, e.nameChunk, int(e.nameNumInts))
		if !ok || len(name) == 0 {
			continue
		}
		value, ok := parseArray(chunks, e.valueChunk, int(e.valueNumInts)*int(e.valueIntLen))
		if !ok {
			continue
		}
		// Trim the name's trailing NUL, matching ZapObject::ParseFat.
		if name[len(name)-1] == 0 {
			name = name[:len(name)-1]
		}
		z.values[string(name)] = value
	}
	return nil
}

func decodeLeafEntry(c []byte) leafEntry {
	return leafEntry{
		typ:          c[0],
		nameChunk:    binary.LittleEndian.Uint16(c[2:4]),
		nameNumInts:  binary.LittleEndian.Uint16(c[4:6]),
		valueChunk:   binary.LittleEndian.Uint16(c[6:8]),
		valueIntLen:  c[8],
		valueNumInts: binary.LittleEndian.Uint16(c[10:12]),
	}
}

// parseArray follows a ZAP_CHUNK_ARRAY chunk chain, copying up to
// ZapLeafArrayN bytes per chunk until size bytes have been collected.
func parseArray(chunks []byte, index uint16, size int) ([]byte, bool) {
	out := make([]byte, 0, size)
	for index != 0xffff && len(out) < size {
		off := int(index) * ondisk.ZapLeafChunk
		if off+ondisk.ZapLeafChunk > len(chunks) {
			return nil, false
		}
		c := chunks[off : off+ondisk.ZapLeafChunk]
		if c[0] != byte(ondisk.ZapChunkArray) {
			return nil, false
		}
		n := size - len(out)
		if n > ondisk.ZapLeafArrayN {
			n = ondisk.ZapLeafArrayN
		}
		out = append(out, c[1:1+n]...)
		index = binary.LittleEndian.Uint16(c[ondisk.ZapLeafArrayN+1:])
	}
	return out, len(out) == size
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// LookupUint64 returns the 8-byte big-endian value stored under name.
func (z *Zap) LookupUint64(name string) (uint64, bool) {
	v, ok := z.values[name]
	if !ok || len(v) != 8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(v), true
}

// LookupString returns the value stored under name, trimmed at its first
// trailing NUL byte — fat ZAP string values are stored NUL-terminated.
func (z *Zap) LookupString(name string) (string, bool) {
	v, ok := z.values[name]
	if !ok {
		return "", false
	}
	return cString(v), true
}

// Names returns every key stored in the ZAP, for directory listing.
func (z *Zap) Names() []string {
	out := make([]string, 0, len(z.values))
	for k := range z.values {
		out = append(out, k)
	}
	return out
}
