// Package checksum implements the zio_checksum algorithms a block pointer
// can name: Fletcher-2, Fletcher-4, SHA-256 and the OFF no-op. Grounded on
// Hash.cpp's fletcher_2/fletcher_4/sha256 routines, including the on-disk
// quirk that SHA-256's four output words are byte-swapped to match zio's
// native word order.
package checksum

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/dominicusin/zfsro/internal/ondisk"
)

// Sum is a 4-word (32-byte) checksum, zio_cksum_t.
type Sum [4]uint64

// Compute runs the algorithm named by alg over buf.
func Compute(alg uint8, buf []byte) (Sum, bool) {
	switch alg {
	case ondisk.ChecksumOff, ondisk.ChecksumInherit:
		return Sum{}, true
	case ondisk.ChecksumOn, ondisk.ChecksumZilog, ondisk.ChecksumFletcher2:
		return fletcher2(buf), true
	case ondisk.ChecksumZilog2, ondisk.ChecksumFletcher4:
		return fletcher4(buf), true
	case ondisk.ChecksumLabel, ondisk.ChecksumGangHdr, ondisk.ChecksumSHA256:
		return sha256Sum(buf), true
	default:
		return Sum{}, false
	}
}

// Verify reports whether buf hashes to want under the named algorithm. The
// OFF/INHERIT algorithms always verify true — there is nothing to check.
func Verify(alg uint8, buf []byte, want Sum) bool {
	if alg == ondisk.ChecksumOff || alg == ondisk.ChecksumInherit {
		return true
	}
	got, ok := Compute(alg, buf)
	if !ok {
		return false
	}
	return got == want
}

// fletcher2 runs the classic two-accumulator Fletcher checksum over buf
// 16 bytes (two little-endian uint64 words) at a time.
func fletcher2(buf []byte) Sum {
	var a0, a1, b0, b1 uint64
	for i := 0; i+16 <= len(buf); i += 16 {
		w0 := binary.LittleEndian.Uint64(buf[i : i+8])
		w1 := binary.LittleEndian.Uint64(buf[i+8 : i+16])
		a0 += w0
		a1 += w1
		b0 += a0
		b1 += a1
	}
	return Sum{a0, a1, b0, b1}
}

// fletcher4 runs the four-accumulator Fletcher checksum over buf 4 bytes
// (one little-endian uint32 word) at a time.
func fletcher4(buf []byte) Sum {
	var a, b, c, d uint64
	for i := 0; i+4 <= len(buf); i += 4 {
		w := uint64(binary.LittleEndian.Uint32(buf[i : i+4]))
		a += w
		b += a
		c += b
		d += c
	}
	return Sum{a, b, c, d}
}

// sha256Sum computes a standard SHA-256 digest and byte-swaps each of the
// four 64-bit output words, matching zio's on-disk checksum word order.
func sha256Sum(buf []byte) Sum {
	h := sha256.Sum256(buf)
	var s Sum
	for i := 0; i < 4; i++ {
		s[i] = bswap64(binary.BigEndian.Uint64(h[i*8 : i*8+8]))
	}
	return s
}

func bswap64(v uint64) uint64 {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return binary.LittleEndian.Uint64(b[:])
}
