package objectstore

// OpCode names one mutating operation a Transaction can carry. Each
// object-touching code consults the target's replay guard before it runs
// and updates the guard after, per the idempotent-replay contract; the
// collection-level codes do the same against a KVStore guard record keyed
// by collection id.
type OpCode int

const (
	OpTouch OpCode = iota
	OpWrite
	OpZero
	OpTruncate
	OpRemove
	OpClone
	OpCloneRange
	OpSetAttr
	OpRmAttr
	OpRmAttrs
	OpCreateCollection
	OpDestroyCollection
	OpCollectionAdd
	OpCollectionRename
	OpOmapSetKeys
	OpOmapRmKeys
	OpOmapClear
	OpOmapSetHeader
)

// Op is one opcode within a Transaction. Only the fields relevant to Code
// are meaningful; the rest are the zero value.
type Op struct {
	Code OpCode

	Coll CollID
	OID  OID

	// Byte-stream opcodes: Write/Zero/Truncate/CloneRange.
	Offset int64
	Data   []byte
	Length int64

	// Clone/CloneRange destination.
	DstColl CollID
	DstOID  OID
	DstOff  int64

	// SetAttr/RmAttr.
	AttrName  string
	AttrValue []byte

	// CollectionRename.
	NewColl CollID

	// Omap opcodes.
	OmapKV    map[string][]byte
	OmapKeys  []string
	OmapValue []byte
}

// Transaction is one journaled, atomically-applied batch of opcodes, all
// sharing the op_seq assigned at admission time.
type Transaction struct {
	Ops []Op
}

func Touch(coll CollID, oid OID) Op { return Op{Code: OpTouch, Coll: coll, OID: oid} }

func Write(coll CollID, oid OID, offset int64, data []byte) Op {
	return Op{Code: OpWrite, Coll: coll, OID: oid, Offset: offset, Data: data}
}

func Zero(coll CollID, oid OID, offset, length int64) Op {
	return Op{Code: OpZero, Coll: coll, OID: oid, Offset: offset, Length: length}
}

func Truncate(coll CollID, oid OID, length int64) Op {
	return Op{Code: OpTruncate, Coll: coll, OID: oid, Length: length}
}

func Remove(coll CollID, oid OID) Op { return Op{Code: OpRemove, Coll: coll, OID: oid} }

func Clone(srcColl CollID, srcOID OID, dstColl CollID, dstOID OID) Op {
	return Op{Code: OpClone, Coll: srcColl, OID: srcOID, DstColl: dstColl, DstOID: dstOID}
}

func CloneRange(srcColl CollID, srcOID OID, srcOff int64, length int64, dstColl CollID, dstOID OID, dstOff int64) Op {
	return Op{Code: OpCloneRange, Coll: srcColl, OID: srcOID, Offset: srcOff, Length: length, DstColl: dstColl, DstOID: dstOID, DstOff: dstOff}
}

func SetAttr(coll CollID, oid OID, name string, value []byte) Op {
	return Op{Code: OpSetAttr, Coll: coll, OID: oid, AttrName: name, AttrValue: value}
}

func RmAttr(coll CollID, oid OID, name string) Op {
	return Op{Code: OpRmAttr, Coll: coll, OID: oid, AttrName: name}
}

func RmAttrs(coll CollID, oid OID) Op { return Op{Code: OpRmAttrs, Coll: coll, OID: oid} }

func CreateCollection(coll CollID) Op { return Op{Code: OpCreateCollection, Coll: coll} }

func DestroyCollection(coll CollID) Op { return Op{Code: OpDestroyCollection, Coll: coll} }

func CollectionAdd(coll CollID, oid OID) Op { return Op{Code: OpCollectionAdd, Coll: coll, OID: oid} }

func CollectionRename(coll, newColl CollID) Op {
	return Op{Code: OpCollectionRename, Coll: coll, NewColl: newColl}
}

func OmapSetKeys(coll CollID, oid OID, kv map[string][]byte) Op {
	return Op{Code: OpOmapSetKeys, Coll: coll, OID: oid, OmapKV: kv}
}

func OmapRmKeys(coll CollID, oid OID, keys []string) Op {
	return Op{Code: OpOmapRmKeys, Coll: coll, OID: oid, OmapKeys: keys}
}

func OmapClear(coll CollID, oid OID) Op { return Op{Code: OpOmapClear, Coll: coll, OID: oid} }

func OmapSetHeader(coll CollID, oid OID, header []byte) Op {
	return Op{Code: OpOmapSetHeader, Coll: coll, OID: oid, OmapValue: header}
}
