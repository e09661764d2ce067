// Package secondary implements the byte-string-keyed B+ tree used for
// user-declared secondary indexes, per spec §4.5: same structural rules
// as internal/primary, but keys are length-prefixed byte sequences
// compared lexicographically, built from a sortable encoding of
// arbitrary component values (integers, strings, nulls) so composite
// keys iterate in natural order.
package secondary

import "encoding/binary"

// nullTag is a single reserved byte that sorts before any encoded value,
// used for SQL-style "nulls are distinct, nulls sort first" semantics.
const nullTag = 0x00

// stringTerminator ends a UTF-8 string component; component text must
// not contain a literal 0x00 byte, which the caller enforces.
const stringTerminator = 0x00

// componentTag prefixes follow nullTag so that any encoded non-null
// component sorts after every null. 0x01 reserved for null itself is
// folded into nullTag above; real components start at 0x02.
const (
	tagNull   = 0x00
	tagUint   = 0x02
	tagInt    = 0x03
	tagString = 0x04
)

// EncodeUint appends a sortable encoding of an unsigned integer
// component: big-endian bytes preserve natural order directly.
func EncodeUint(buf []byte, v uint64) []byte {
	buf = append(buf, tagUint)
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}

// EncodeInt appends a sortable encoding of a signed integer component:
// flipping the sign bit maps the signed range onto an unsigned range
// that compares correctly byte-for-byte.
func EncodeInt(buf []byte, v int64) []byte {
	buf = append(buf, tagInt)
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v)^(1<<63))
	return append(buf, b[:]...)
}

// EncodeString appends a sortable encoding of a UTF-8 string component,
// terminated by a 0x00 byte so that component boundaries are unambiguous
// (e.g. ("a","bc") must not collide with ("ab","c")). s must not contain
// a literal 0x00 byte.
func EncodeString(buf []byte, s string) []byte {
	buf = append(buf, tagString)
	buf = append(buf, s...)
	return append(buf, stringTerminator)
}

// EncodeNull appends the reserved null marker, which sorts before every
// other component tag.
func EncodeNull(buf []byte) []byte {
	return append(buf, tagNull)
}

// IsNullComponent reports whether the first component of an encoded key
// is the null marker -- used to implement "null keys are always distinct"
// in unique-constraint checks.
func IsNullComponent(key []byte) bool {
	return len(key) > 0 && key[0] == tagNull
}
