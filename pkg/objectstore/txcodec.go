package objectstore

import (
	"encoding/binary"

	"github.com/coldshard/objectcore/internal/ocerr"
)

// EncodeTransaction serializes tx into the flat binary framing the
// pipeline hands to the journal as an entry payload. Every Op carries the
// same fixed field layout regardless of opcode; unused fields simply
// encode as empty, the same trade a fixed-width WAL record frame makes
// for simplicity over density.
func EncodeTransaction(tx Transaction) []byte {
	buf := make([]byte, 0, 256*len(tx.Ops)+4)
	buf = appendUint32(buf, uint32(len(tx.Ops)))
	for _, op := range tx.Ops {
		buf = encodeOp(buf, op)
	}
	return buf
}

// DecodeTransaction parses a Transaction from the wire format
// EncodeTransaction produces.
func DecodeTransaction(b []byte) (Transaction, error) {
	n, b, err := readUint32(b)
	if err != nil {
		return Transaction{}, err
	}
	ops := make([]Op, 0, n)
	for i := uint32(0); i < n; i++ {
		var op Op
		op, b, err = decodeOp(b)
		if err != nil {
			return Transaction{}, err
		}
		ops = append(ops, op)
	}
	return Transaction{Ops: ops}, nil
}

func encodeOp(buf []byte, op Op) []byte {
	buf = append(buf, byte(op.Code))
	buf = appendString(buf, string(op.Coll))
	buf = appendString(buf, string(op.OID))
	buf = appendInt64(buf, op.Offset)
	buf = appendBytes(buf, op.Data)
	buf = appendInt64(buf, op.Length)
	buf = appendString(buf, string(op.DstColl))
	buf = appendString(buf, string(op.DstOID))
	buf = appendInt64(buf, op.DstOff)
	buf = appendString(buf, op.AttrName)
	buf = appendBytes(buf, op.AttrValue)
	buf = appendString(buf, string(op.NewColl))
	buf = appendUint32(buf, uint32(len(op.OmapKV)))
	for k, v := range op.OmapKV {
		buf = appendString(buf, k)
		buf = appendBytes(buf, v)
	}
	buf = appendUint32(buf, uint32(len(op.OmapKeys)))
	for _, k := range op.OmapKeys {
		buf = appendString(buf, k)
	}
	buf = appendBytes(buf, op.OmapValue)
	return buf
}

func decodeOp(b []byte) (Op, []byte, error) {
	var op Op
	if len(b) < 1 {
		return op, nil, shortBuffer()
	}
	op.Code = OpCode(b[0])
	b = b[1:]

	var s string
	var err error
	if s, b, err = readString(b); err != nil {
		return op, nil, err
	}
	op.Coll = CollID(s)
	if s, b, err = readString(b); err != nil {
		return op, nil, err
	}
	op.OID = OID(s)
	if op.Offset, b, err = readInt64(b); err != nil {
		return op, nil, err
	}
	if op.Data, b, err = readBytes(b); err != nil {
		return op, nil, err
	}
	if op.Length, b, err = readInt64(b); err != nil {
		return op, nil, err
	}
	if s, b, err = readString(b); err != nil {
		return op, nil, err
	}
	op.DstColl = CollID(s)
	if s, b, err = readString(b); err != nil {
		return op, nil, err
	}
	op.DstOID = OID(s)
	if op.DstOff, b, err = readInt64(b); err != nil {
		return op, nil, err
	}
	if op.AttrName, b, err = readString(b); err != nil {
		return op, nil, err
	}
	if op.AttrValue, b, err = readBytes(b); err != nil {
		return op, nil, err
	}
	if s, b, err = readString(b); err != nil {
		return op, nil, err
	}
	op.NewColl = CollID(s)

	var kvCount uint32
	if kvCount, b, err = readUint32(b); err != nil {
		return op, nil, err
	}
	if kvCount > 0 {
		op.OmapKV = make(map[string][]byte, kvCount)
		for i := uint32(0); i < kvCount; i++ {
			var k string
			var v []byte
			if k, b, err = readString(b); err != nil {
				return op, nil, err
			}
			if v, b, err = readBytes(b); err != nil {
				return op, nil, err
			}
			op.OmapKV[k] = v
		}
	}

	var keyCount uint32
	if keyCount, b, err = readUint32(b); err != nil {
		return op, nil, err
	}
	if keyCount > 0 {
		op.OmapKeys = make([]string, keyCount)
		for i := uint32(0); i < keyCount; i++ {
			if op.OmapKeys[i], b, err = readString(b); err != nil {
				return op, nil, err
			}
		}
	}

	if op.OmapValue, b, err = readBytes(b); err != nil {
		return op, nil, err
	}
	return op, b, nil
}

func shortBuffer() error {
	return ocerr.New("objectstore.DecodeTransaction", ocerr.Corruption, "short buffer decoding transaction")
}

func appendUint32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendInt64(buf []byte, v int64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], uint64(v))
	return append(buf, tmp[:]...)
}

func appendBytes(buf []byte, v []byte) []byte {
	buf = appendUint32(buf, uint32(len(v)))
	return append(buf, v...)
}

func appendString(buf []byte, v string) []byte { return appendBytes(buf, []byte(v)) }

func readUint32(b []byte) (uint32, []byte, error) {
	if len(b) < 4 {
		return 0, nil, shortBuffer()
	}
	return binary.BigEndian.Uint32(b[:4]), b[4:], nil
}

func readInt64(b []byte) (int64, []byte, error) {
	if len(b) < 8 {
		return 0, nil, shortBuffer()
	}
	return int64(binary.BigEndian.Uint64(b[:8])), b[8:], nil
}

func readBytes(b []byte) ([]byte, []byte, error) {
	n, b, err := readUint32(b)
	if err != nil {
		return nil, nil, err
	}
	if uint32(len(b)) < n {
		return nil, nil, shortBuffer()
	}
	out := append([]byte(nil), b[:n]...)
	return out, b[n:], nil
}

func readString(b []byte) (string, []byte, error) {
	raw, b, err := readBytes(b)
	if err != nil {
		return "", nil, err
	}
	return string(raw), b, nil
}
