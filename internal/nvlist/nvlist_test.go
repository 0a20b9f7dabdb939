package nvlist

import (
	"encoding/binary"
	"testing"
)

func beU32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

func encodeStr(s string) []byte {
	b := beU32(uint32(len(s)))
	b = append(b, s...)
	for len(b)%4 != 0 {
		b = append(b, 0)
	}
	return b
}

func buildElement(name string, typ uint32, count uint32, data []byte) []byte {
	header := make([]byte, 0, 16)
	inner := append([]byte{}, encodeStr(name)...)
	inner = append(inner, beU32(typ)...)
	inner = append(inner, beU32(count)...)
	inner = append(inner, data...)
	esize := uint32(8 + len(inner))
	header = append(header, beU32(esize)...)
	header = append(header, beU32(uint32(len(inner)))...)
	header = append(header, inner...)
	return header
}

func buildList(elems ...[]byte) []byte {
	buf := make([]byte, 8) // version + flags
	for _, e := range elems {
		buf = append(buf, e...)
	}
	buf = append(buf, 0, 0, 0, 0, 0, 0, 0, 0) // terminator
	return buf
}

func TestDecodeStringAndUint64(t *testing.T) {
	nameElem := buildElement("name", typeString, 0, encodeStr("tank"))
	txgElem := buildElement("txg", typeUint64, 0, func() []byte {
		b := make([]byte, 8)
		binary.BigEndian.PutUint64(b, 42)
		return b
	}())
	buf := buildList(nameElem, txgElem)

	list, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	name, ok := list.String("name")
	if !ok || name != "tank" {
		t.Fatalf("name = %q, %v", name, ok)
	}
	txg, ok := list.Uint64("txg")
	if !ok || txg != 42 {
		t.Fatalf("txg = %d, %v", txg, ok)
	}
}

func TestDecodeNestedList(t *testing.T) {
	innerElem := buildElement("guid", typeUint64, 0, func() []byte {
		b := make([]byte, 8)
		binary.BigEndian.PutUint64(b, 7)
		return b
	}())
	inner := buildList(innerElem)
	// Strip the inner list's own 8-byte version/flags header: nested
	// nvlists inline their element stream directly, without a second
	// top-level header, per NameValueList.cpp's recursive Read call.
	nested := inner[8:]
	outerElem := buildElement("vdev_tree", typeNVList, 0, nested)
	buf := buildList(outerElem)

	list, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	tree, ok := list.List("vdev_tree")
	if !ok {
		t.Fatalf("vdev_tree missing or wrong type")
	}
	guid, ok := tree.Uint64("guid")
	if !ok || guid != 7 {
		t.Fatalf("guid = %d, %v", guid, ok)
	}
}
