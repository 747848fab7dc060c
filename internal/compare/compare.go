// Package compare holds the byte-ordering helpers shared by the KVStore
// backends. Both backends store the key space flat, as
// prefix + separator + key, so ordering reduces to a single bytes.Compare
// once the separator's placement is accounted for.
package compare

import "bytes"

// Compare orders two flat-encoded keys lexicographically.
type Compare func(a, b []byte) int

// Bytes is the default Compare, a direct alias of bytes.Compare.
func Bytes(a, b []byte) int { return bytes.Compare(a, b) }

// Sep is the byte separating a prefix from its key in the flat encoding.
// It must never appear inside a prefix.
const Sep = 0x00

// NextPrefixSentinel is the byte appended to a prefix to form the
// exclusive upper bound of its (prefix, *) range.
const NextPrefixSentinel = 0x01

// EncodeKey returns the flat encoding of (prefix, key).
func EncodeKey(prefix, key string) []byte {
	buf := make([]byte, 0, len(prefix)+1+len(key))
	buf = append(buf, prefix...)
	buf = append(buf, Sep)
	buf = append(buf, key...)
	return buf
}

// PrefixLowerBound returns the smallest flat-encoded key beginning with
// prefix (i.e. prefix+Sep+"").
func PrefixLowerBound(prefix string) []byte {
	return EncodeKey(prefix, "")
}

// PrefixUpperBound returns the exclusive upper bound of the (prefix, *)
// range: the smallest flat-encoded key guaranteed to sort after every key
// stored under prefix.
func PrefixUpperBound(prefix string) []byte {
	buf := make([]byte, 0, len(prefix)+1)
	buf = append(buf, prefix...)
	buf = append(buf, NextPrefixSentinel)
	return buf
}

// SplitKey splits a flat-encoded key back into (prefix, key). It returns
// ok=false if buf does not contain the separator, which should not happen
// for keys produced by EncodeKey.
func SplitKey(buf []byte) (prefix, key string, ok bool) {
	i := bytes.IndexByte(buf, Sep)
	if i < 0 {
		return "", "", false
	}
	return string(buf[:i]), string(buf[i+1:]), true
}
