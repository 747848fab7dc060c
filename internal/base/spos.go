package base

import (
	"encoding/binary"
	"fmt"
)

// Spos ("sequencer position") is the pair (op_seq, op-index-within-batch)
// that identifies a single opcode within a journaled transaction batch. It
// is the value persisted onto objects and collections as a replay guard:
// an opcode is safe to skip on replay if the guard on its target already
// records an Spos greater than or equal to it.
type Spos struct {
	OpSeq SeqNum
	Index uint32
}

// Compare returns -1, 0 or 1 as s is less than, equal to, or greater than
// o, ordering first by OpSeq and then by Index.
func (s Spos) Compare(o Spos) int {
	switch {
	case s.OpSeq < o.OpSeq:
		return -1
	case s.OpSeq > o.OpSeq:
		return 1
	case s.Index < o.Index:
		return -1
	case s.Index > o.Index:
		return 1
	default:
		return 0
	}
}

func (s Spos) String() string {
	return fmt.Sprintf("%d.%d", s.OpSeq, s.Index)
}

// spos wire size: 8 bytes OpSeq + 4 bytes Index.
const sposEncodedLen = 12

// EncodeSpos appends the wire encoding of s to dst and returns the result.
func EncodeSpos(dst []byte, s Spos) []byte {
	var buf [sposEncodedLen]byte
	binary.BigEndian.PutUint64(buf[0:8], uint64(s.OpSeq))
	binary.BigEndian.PutUint32(buf[8:12], s.Index)
	return append(dst, buf[:]...)
}

// DecodeSpos parses an Spos from the front of b, returning the remaining
// bytes. It returns an error if b is shorter than the encoded Spos.
func DecodeSpos(b []byte) (Spos, []byte, error) {
	if len(b) < sposEncodedLen {
		return Spos{}, nil, fmt.Errorf("base: short buffer decoding spos: have %d want %d", len(b), sposEncodedLen)
	}
	s := Spos{
		OpSeq: SeqNum(binary.BigEndian.Uint64(b[0:8])),
		Index: binary.BigEndian.Uint32(b[8:12]),
	}
	return s, b[sposEncodedLen:], nil
}
