// Package nvlist decodes the XDR-ish name/value list encoding ZFS uses for
// vdev labels and PACKED_NVLIST objects: big-endian, 4-byte-aligned,
// self-describing. Grounded on NameValueList.cpp's Read/ReadString/ReadU64.
package nvlist

import (
	"encoding/binary"

	"golang.org/x/xerrors"
)

// Type tags from the original's enum, only the ones zfs actually persists.
const (
	typeBoolean   = 1
	typeByte      = 2
	typeInt16     = 3
	typeUint16    = 4
	typeInt32     = 5
	typeUint32    = 6
	typeInt64     = 7
	typeUint64    = 8
	typeString    = 9
	typeByteArray = 10
	typeNVList    = 19
	typeNVListAry = 20
	typeUint64Ary = 17
	typeStringAry = 18
)

// List is a decoded name/value list. Values are stored as Go-native types:
// bool, byte, uint64 (every integer width), string, []byte, List, []List,
// []uint64, []string.
type List map[string]interface{}

// Decode parses an nvlist encoded the way vdev labels and PACKED_NVLIST
// objects store it: a 4-byte version, a 4-byte flags word, then a stream of
// (esize, dsize, name, type, count, data) elements terminated by an
// esize==0,dsize==0 pair.
func Decode(b []byte) (List, error) {
	if len(b) < 8 {
		return nil, xerrors.Errorf("nvlist: buffer too small for header")
	}
	list, _, err := decodeBody(b[8:])
	return list, err
}

// decodeBody parses one nvlist's elements starting at b[0], returning the
// list and the offset of the byte immediately after its terminator — the
// offset callers need to step over back-to-back nvlists in an array.
func decodeBody(b []byte) (List, int, error) {
	list := List{}
	ptr := 0
	for {
		if ptr+8 > len(b) {
			return nil, 0, xerrors.Errorf("nvlist: truncated element header")
		}
		esize := binary.BigEndian.Uint32(b[ptr : ptr+4])
		dsize := binary.BigEndian.Uint32(b[ptr+4 : ptr+8])
		if esize == 0 && dsize == 0 {
			return list, ptr + 8, nil
		}
		elemStart := ptr
		p := ptr + 8
		name, n, err := readString(b, p)
		if err != nil {
			return nil, 0, xerrors.Errorf("nvlist: name: %w", err)
		}
		p = n
		if p+8 > len(b) {
			return nil, 0, xerrors.Errorf("nvlist: truncated type/count")
		}
		typ := binary.BigEndian.Uint32(b[p : p+4])
		count := binary.BigEndian.Uint32(b[p+4 : p+8])
		p += 8
		val, err := readValue(b, p, int(elemStart)+int(esize), typ, int(count))
		if err != nil {
			return nil, 0, xerrors.Errorf("nvlist: value for %q: %w", name, err)
		}
		list[name] = val
		ptr = elemStart + int(esize)
		if ptr <= elemStart {
			return nil, 0, xerrors.Errorf("nvlist: non-advancing element")
		}
	}
}

func readString(b []byte, p int) (string, int, error) {
	if p+4 > len(b) {
		return "", 0, xerrors.Errorf("truncated string length")
	}
	size := int(binary.BigEndian.Uint32(b[p : p+4]))
	p += 4
	if p+size > len(b) {
		return "", 0, xerrors.Errorf("truncated string body")
	}
	s := string(b[p : p+size])
	p += size
	p = (p + 3) &^ 3 // 4-byte alignment
	return s, p, nil
}

func readValue(b []byte, p, bound int, typ uint32, count int) (interface{}, error) {
	switch typ {
	case typeBoolean:
		return true, nil
	case typeByte:
		if p >= len(b) {
			return nil, xerrors.Errorf("truncated byte")
		}
		return b[p], nil
	case typeInt16, typeUint16:
		if p+2 > len(b) {
			return nil, xerrors.Errorf("truncated 16-bit value")
		}
		return uint64(binary.BigEndian.Uint16(b[p : p+2])), nil
	case typeInt32, typeUint32:
		if p+4 > len(b) {
			return nil, xerrors.Errorf("truncated 32-bit value")
		}
		return uint64(binary.BigEndian.Uint32(b[p : p+4])), nil
	case typeInt64, typeUint64:
		if p+8 > len(b) {
			return nil, xerrors.Errorf("truncated 64-bit value")
		}
		return binary.BigEndian.Uint64(b[p : p+8]), nil
	case typeString:
		s, _, err := readString(b, p)
		return s, err
	case typeByteArray:
		if count < 0 || p+count > len(b) {
			return nil, xerrors.Errorf("truncated byte array")
		}
		return append([]byte(nil), b[p:p+count]...), nil
	case typeUint64Ary:
		out := make([]uint64, 0, count)
		for i := 0; i < count; i++ {
			if p+8 > len(b) {
				return nil, xerrors.Errorf("truncated uint64 array")
			}
			out = append(out, binary.BigEndian.Uint64(b[p:p+8]))
			p += 8
		}
		return out, nil
	case typeStringAry:
		out := make([]string, 0, count)
		for i := 0; i < count; i++ {
			s, n, err := readString(b, p)
			if err != nil {
				return nil, err
			}
			out = append(out, s)
			p = n
		}
		return out, nil
	case typeNVList:
		if p > bound || bound > len(b) {
			return nil, xerrors.Errorf("nested nvlist out of bounds")
		}
		nested, _, err := decodeBody(b[p:bound])
		return nested, err
	case typeNVListAry:
		out := make([]List, 0, count)
		for i := 0; i < count; i++ {
			if p >= bound || bound > len(b) {
				return nil, xerrors.Errorf("nvlist array element out of bounds")
			}
			nested, used, err := decodeBody(b[p:bound])
			if err != nil {
				return nil, err
			}
			out = append(out, nested)
			p += used
		}
		return out, nil
	default:
		return nil, xerrors.Errorf("unsupported nvlist value type %d", typ)
	}
}

// String returns list[key] as a string, or false if absent or wrong type.
func (l List) String(key string) (string, bool) {
	v, ok := l[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Uint64 returns list[key] as a uint64, or false if absent or wrong type.
func (l List) Uint64(key string) (uint64, bool) {
	v, ok := l[key]
	if !ok {
		return 0, false
	}
	u, ok := v.(uint64)
	return u, ok
}

// List returns list[key] as a nested List, or false if absent or wrong type.
func (l List) List(key string) (List, bool) {
	v, ok := l[key]
	if !ok {
		return nil, false
	}
	n, ok := v.(List)
	return n, ok
}

// ListArray returns list[key] as a []List, or false if absent or wrong type.
func (l List) ListArray(key string) ([]List, bool) {
	v, ok := l[key]
	if !ok {
		return nil, false
	}
	n, ok := v.([]List)
	return n, ok
}
