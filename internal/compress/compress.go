// Package compress implements the zio_compress decoders a block pointer can
// name: LZJB (ZFS's own LZ77 variant), zlib ("GZIP_1..9" on disk, actually an
// RFC 1950 stream), ZLE and plain copy. Grounded on Compress.cpp's
// lzjb_decompress/gzip_decompress/zle_decompress_64/copy_decompress and its
// decompress_func_t dispatch table.
package compress

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/zlib"

	"github.com/dominicusin/zfsro/internal/ondisk"
	"golang.org/x/xerrors"
)

// Decompress expands src (psize bytes) into a freshly-allocated lsize-byte
// buffer per the named zio_compress algorithm.
func Decompress(algorithm uint8, src []byte, lsize int) ([]byte, error) {
	switch {
	case algorithm == ondisk.CompressOff || algorithm == ondisk.CompressEmpty:
		return copyDecompress(src, lsize)
	case algorithm == ondisk.CompressOn || algorithm == ondisk.CompressLzjb:
		return lzjbDecompress(src, lsize)
	case algorithm >= ondisk.CompressGzip1 && algorithm <= ondisk.CompressGzip9:
		return zlibDecompress(src, lsize)
	case algorithm == ondisk.CompressZle:
		return zleDecompress(src, lsize, 64)
	default:
		return nil, xerrors.Errorf("compress: algorithm %d: %w", algorithm, errUnsupportedAlgorithm)
	}
}

var errUnsupportedAlgorithm = xerrors.New("unsupported compression algorithm")

func copyDecompress(src []byte, lsize int) ([]byte, error) {
	if len(src) != lsize {
		return nil, xerrors.Errorf("compress: copy algorithm requires psize==lsize, got %d != %d", len(src), lsize)
	}
	dst := make([]byte, lsize)
	copy(dst, src)
	return dst, nil
}

func zlibDecompress(src []byte, lsize int) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, xerrors.Errorf("compress: zlib: %w", err)
	}
	defer r.Close()
	dst := make([]byte, lsize)
	if _, err := io.ReadFull(r, dst); err != nil {
		return nil, xerrors.Errorf("compress: zlib: short stream: %w", err)
	}
	return dst, nil
}

// LZJB constants, matching Compress.cpp's MATCH_BITS/MATCH_MIN/OFFSET_MASK.
const (
	lzjbMatchBits  = 6
	lzjbMatchMin   = 3
	lzjbOffsetMask = (1 << (16 - lzjbMatchBits)) - 1
)

func lzjbDecompress(src []byte, lsize int) ([]byte, error) {
	dst := make([]byte, lsize)
	var si, di int
	copymask := 0x80
	var copymap byte
	for di < lsize {
		copymask <<= 1
		if copymask == 0x100 {
			copymask = 1
			if si >= len(src) {
				return nil, xerrors.Errorf("compress: lzjb: source exhausted reading copy map")
			}
			copymap = src[si]
			si++
		}
		if int(copymap)&copymask != 0 {
			if si+2 > len(src) {
				return nil, xerrors.Errorf("compress: lzjb: source exhausted reading match")
			}
			mlen := int(src[si]>>(8-lzjbMatchBits)) + lzjbMatchMin
			offset := ((int(src[si]) << 8) | int(src[si+1])) & lzjbOffsetMask
			si += 2
			cpy := di - offset
			if cpy < 0 {
				return nil, xerrors.Errorf("compress: lzjb: back-reference before buffer start")
			}
			for mlen > 0 && di < lsize {
				dst[di] = dst[cpy]
				di++
				cpy++
				mlen--
			}
		} else {
			if si >= len(src) {
				return nil, xerrors.Errorf("compress: lzjb: source exhausted reading literal")
			}
			dst[di] = src[si]
			di++
			si++
		}
	}
	return dst, nil
}

// zleDecompress reverses zle_compress: a length byte b < n introduces b+1
// literal bytes; b >= n introduces 256-b+1 zero bytes. n is the compression
// parameter (always 64 on disk, ZIO_COMPRESS_ZLE).
func zleDecompress(src []byte, lsize, n int) ([]byte, error) {
	dst := make([]byte, lsize)
	var si, di int
	for di < lsize {
		if si >= len(src) {
			return nil, xerrors.Errorf("compress: zle: source exhausted")
		}
		b := int(src[si])
		si++
		if b < n {
			count := b + 1
			if si+count > len(src) || di+count > lsize {
				return nil, xerrors.Errorf("compress: zle: literal run overruns buffer")
			}
			copy(dst[di:di+count], src[si:si+count])
			si += count
			di += count
		} else {
			count := 256 - b + 1
			if di+count > lsize {
				count = lsize - di
			}
			di += count // dst is already zero-valued
		}
	}
	return dst, nil
}
