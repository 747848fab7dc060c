package objectstore

import (
	"encoding/binary"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/coldshard/objectcore/internal/base"
	"github.com/coldshard/objectcore/internal/ocerr"
	"github.com/coldshard/objectcore/pkg/config"
	"github.com/coldshard/objectcore/pkg/kvstore"
	"github.com/coldshard/objectcore/pkg/omap"
)

// omapHeaderAttr is the xattr an object carries once it has an omap: the
// big-endian encoding of the omap.HeaderID allocated for it.
const omapHeaderAttr = "omap-header-id"

// omapRefcountKeySpace tracks how many objects currently point at a given
// omap.HeaderID. A header id with no row here is solely owned (refcount 1);
// one is written only once Clone re-parents a header onto a second object,
// per the copy-on-write clone discipline described in component 4.E.
const omapRefcountKeySpace = "omap-refcount"

// Store is a mounted ObjectStore: a HashIndex-organized byte-data tree
// plus the KVStore-backed attribute overflow and omap layers described in
// component 4.C.
type Store struct {
	root  string
	hi    *HashIndex
	fds   *fdCache
	attrs *attrStore
	kv    kvstore.Store
	cfg   config.StoreConfig

	mu sync.Mutex // serializes collection create/destroy/rename bookkeeping
}

// Mkfs lays out an empty ObjectStore directory tree at root.
func Mkfs(root string) error {
	return ocerr.Wrap("objectstore.Mkfs", ocerr.Io, os.MkdirAll(root, 0755))
}

// Mount opens an ObjectStore rooted at root, backed by kv for omap and
// attribute overflow.
func Mount(root string, kv kvstore.Store, cfg config.StoreConfig) (*Store, error) {
	if _, err := os.Stat(root); err != nil {
		return nil, ocerr.Wrap("objectstore.Mount", ocerr.Io, err)
	}
	return &Store{
		root:  root,
		hi:    NewHashIndex(root, cfg.HashIndexSplitThreshold),
		fds:   newFDCache(cfg.FDCacheSize),
		attrs: newAttrStore(kv, cfg.AttrOverflowThreshold),
		kv:    kv,
		cfg:   cfg,
	}, nil
}

// Umount closes cached file descriptors. It does not close kv, which
// outlives the ObjectStore layered on top of it.
func (s *Store) Umount() error { return s.fds.Close() }

// ApplyTransaction is the _do_transaction equivalent: it iterates tx's
// opcodes in order, applying each exactly once per opSeq via the
// replay-guard protocol, and returns the first error encountered (which
// the pipeline treats as fatal per the failure contract).
func (s *Store) ApplyTransaction(tx Transaction, opSeq base.SeqNum) error {
	for i, op := range tx.Ops {
		spos := base.Spos{OpSeq: opSeq, Index: uint32(i)}
		if err := s.applyOp(op, spos); err != nil {
			return err
		}
	}
	return nil
}

// applyOp runs op's replay-guard/dispatch/commit sequence. Collection-level
// opcodes (OpCreateCollection, OpDestroyCollection, OpCollectionRename)
// guard against a KVStore record keyed by collection id, since a
// collection's directory may not exist yet at guard-check time; every
// other opcode guards against an xattr on the object file it touches.
func (s *Store) applyOp(op Op, spos base.Spos) error {
	if isCollectionOp(op.Code) {
		decision, err := s.checkCollReplayGuard(op.Coll, spos)
		if err != nil {
			return err
		}
		if decision == GuardSkip {
			return nil
		}
		if err := s.beginCollReplayGuard(op.Coll, spos); err != nil {
			return err
		}
		if err := s.dispatch(op); err != nil {
			return err
		}
		return s.commitCollReplayGuard(op.Coll, spos)
	}

	path, oid, err := s.objectGuardTarget(op)
	if err != nil {
		return err
	}
	// An object file that does not exist yet carries no guard, so the
	// opcode applies; its guard is recorded once the opcode has created it.
	if _, statErr := os.Stat(path); statErr == nil {
		decision, err := s.checkReplayGuard(path, op.Coll, oid, spos)
		if err != nil {
			return err
		}
		if decision == GuardSkip {
			return nil
		}
		if err := s.beginReplayGuard(path, op.Coll, oid, spos); err != nil {
			return err
		}
	}
	if err := s.dispatch(op); err != nil {
		return err
	}
	if _, statErr := os.Stat(path); statErr != nil {
		// No object file remains (e.g. after OpRemove): nothing to guard.
		return nil
	}
	return s.commitReplayGuard(path, op.Coll, oid, spos)
}

func isCollectionOp(code OpCode) bool {
	switch code {
	case OpCreateCollection, OpDestroyCollection, OpCollectionRename:
		return true
	default:
		return false
	}
}

// objectGuardTarget resolves the object file path an object-touching
// opcode's replay guard is checked against.
func (s *Store) objectGuardTarget(op Op) (path string, oid OID, err error) {
	switch op.Code {
	case OpTouch, OpWrite, OpZero, OpTruncate, OpRemove, OpClone, OpCloneRange,
		OpSetAttr, OpRmAttr, OpRmAttrs, OpCollectionAdd,
		OpOmapSetKeys, OpOmapRmKeys, OpOmapClear, OpOmapSetHeader:
		p, err := s.ensurePath(op.Coll, op.OID)
		if err != nil {
			return "", "", err
		}
		return p, op.OID, nil
	default:
		return "", "", ocerr.New("objectstore.objectGuardTarget", ocerr.InvalidArgument, "unknown opcode")
	}
}

// ensurePath resolves oid's path, creating its containing directories (but
// not the file itself) if this is the first time oid has been named.
func (s *Store) ensurePath(coll CollID, oid OID) (string, error) {
	if p, ok := s.hi.Lookup(coll, oid); ok {
		return p, nil
	}
	return s.hi.CreatePath(coll, oid)
}

func (s *Store) dispatch(op Op) error {
	switch op.Code {
	case OpTouch:
		return s.opTouch(op)
	case OpWrite:
		return s.opWrite(op)
	case OpZero:
		return s.opZero(op)
	case OpTruncate:
		return s.opTruncate(op)
	case OpRemove:
		return s.opRemove(op)
	case OpClone:
		return s.opClone(op)
	case OpCloneRange:
		return s.opCloneRange(op)
	case OpSetAttr:
		return s.attrs.SetAttr(mustPath(s, op.Coll, op.OID), op.Coll, op.OID, op.AttrName, op.AttrValue)
	case OpRmAttr:
		return s.attrs.RmAttr(mustPath(s, op.Coll, op.OID), op.Coll, op.OID, op.AttrName)
	case OpRmAttrs:
		return s.attrs.RmAttrs(mustPath(s, op.Coll, op.OID), op.Coll, op.OID)
	case OpCreateCollection:
		return s.hi.CreateCollection(op.Coll)
	case OpDestroyCollection:
		return s.hi.DestroyCollection(op.Coll)
	case OpCollectionAdd:
		return s.opTouch(op)
	case OpCollectionRename:
		return s.opCollectionRename(op)
	case OpOmapSetKeys:
		return s.opOmapSetKeys(op)
	case OpOmapRmKeys:
		return s.opOmapRmKeys(op)
	case OpOmapClear:
		return s.opOmapClear(op)
	case OpOmapSetHeader:
		return s.opOmapSetHeader(op)
	default:
		return ocerr.New("objectstore.dispatch", ocerr.InvalidArgument, "unknown opcode")
	}
}

func mustPath(s *Store, coll CollID, oid OID) string {
	p, ok := s.hi.Lookup(coll, oid)
	if !ok {
		p, _ = s.hi.CreatePath(coll, oid)
	}
	return p
}

func (s *Store) opTouch(op Op) error {
	path, err := s.ensurePath(op.Coll, op.OID)
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return ocerr.Wrap("objectstore.Touch", ocerr.Io, err)
	}
	return ocerr.Wrap("objectstore.Touch", ocerr.Io, f.Close())
}

func (s *Store) opWrite(op Op) error {
	path, err := s.ensurePath(op.Coll, op.OID)
	if err != nil {
		return err
	}
	f, err := s.fds.Open(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return ocerr.Wrap("objectstore.Write", ocerr.Io, err)
	}
	if _, err := f.WriteAt(op.Data, op.Offset); err != nil {
		return ocerr.Wrap("objectstore.Write", ocerr.Io, err)
	}
	return nil
}

func (s *Store) opZero(op Op) error {
	path, err := s.ensurePath(op.Coll, op.OID)
	if err != nil {
		return err
	}
	f, err := s.fds.Open(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return ocerr.Wrap("objectstore.Zero", ocerr.Io, err)
	}
	if err := unix.Fallocate(int(f.Fd()), unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE, op.Offset, op.Length); err == nil {
		return nil
	}
	// Fall back to writing explicit zero bytes when punch-hole isn't
	// supported by the underlying filesystem.
	zeros := make([]byte, op.Length)
	if _, err := f.WriteAt(zeros, op.Offset); err != nil {
		return ocerr.Wrap("objectstore.Zero", ocerr.Io, err)
	}
	return nil
}

func (s *Store) opTruncate(op Op) error {
	path, err := s.ensurePath(op.Coll, op.OID)
	if err != nil {
		return err
	}
	f, err := s.fds.Open(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return ocerr.Wrap("objectstore.Truncate", ocerr.Io, err)
	}
	return ocerr.Wrap("objectstore.Truncate", ocerr.Io, f.Truncate(op.Length))
}

func (s *Store) opRemove(op Op) error {
	path, ok := s.hi.Lookup(op.Coll, op.OID)
	if !ok {
		return nil
	}
	s.fds.Invalidate(path)
	if id, ok, err := s.omapHeaderID(op.Coll, op.OID); err != nil {
		return err
	} else if ok {
		rc, err := s.omapRefcount(id)
		if err != nil {
			return err
		}
		txn := s.kv.NewTransaction()
		if rc > 1 {
			// Header is shared with a sibling created by a COW clone;
			// drop this object's share without touching the data.
			s.setOmapRefcount(txn, id, rc-1)
		} else {
			omap.Open(s.kv, id).Destroy(txn)
		}
		if err := txn.Commit(); err != nil {
			return ocerr.Wrap("objectstore.Remove", ocerr.Io, err)
		}
	}
	if err := s.attrs.RmAttrs(path, op.Coll, op.OID); err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return ocerr.Wrap("objectstore.Remove", ocerr.Io, err)
	}
	return nil
}

// opClone copies byte data, attributes, and omap from (op.Coll, op.OID)
// to (op.DstColl, op.DstOID), preferring a filesystem-native
// reflink/copy-on-write clone when the underlying filesystem supports it.
func (s *Store) opClone(op Op) error {
	srcPath, ok := s.hi.Lookup(op.Coll, op.OID)
	if !ok {
		return ocerr.New("objectstore.Clone", ocerr.NotFound, "source object not found")
	}
	dstPath, err := s.ensurePath(op.DstColl, op.DstOID)
	if err != nil {
		return err
	}
	if err := cloneFile(srcPath, dstPath); err != nil {
		return ocerr.Wrap("objectstore.Clone", ocerr.Io, err)
	}
	if err := s.cloneAttrs(srcPath, op.Coll, op.OID, dstPath, op.DstColl, op.DstOID); err != nil {
		return err
	}
	return s.cloneOmap(op.Coll, op.OID, op.DstColl, op.DstOID)
}

func (s *Store) opCloneRange(op Op) error {
	srcPath, ok := s.hi.Lookup(op.Coll, op.OID)
	if !ok {
		return ocerr.New("objectstore.CloneRange", ocerr.NotFound, "source object not found")
	}
	dstPath, err := s.ensurePath(op.DstColl, op.DstOID)
	if err != nil {
		return err
	}
	src, err := s.fds.Open(srcPath, os.O_RDONLY, 0)
	if err != nil {
		return ocerr.Wrap("objectstore.CloneRange", ocerr.Io, err)
	}
	dst, err := s.fds.Open(dstPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return ocerr.Wrap("objectstore.CloneRange", ocerr.Io, err)
	}
	if err := unix.IoctlFileCloneRange(int(dst.Fd()), &unix.FileCloneRange{
		Src_fd:      int64(src.Fd()),
		Src_offset:  uint64(op.Offset),
		Src_length:  uint64(op.Length),
		Dest_offset: uint64(op.DstOff),
	}); err == nil {
		return nil
	}
	buf := make([]byte, op.Length)
	if _, err := src.ReadAt(buf, op.Offset); err != nil && err != io.EOF {
		return ocerr.Wrap("objectstore.CloneRange", ocerr.Io, err)
	}
	if _, err := dst.WriteAt(buf, op.DstOff); err != nil {
		return ocerr.Wrap("objectstore.CloneRange", ocerr.Io, err)
	}
	return nil
}

// cloneFile tries FICLONE (whole-file reflink) before falling back to a
// plain read+write copy.
func cloneFile(srcPath, dstPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()
	dst, err := os.OpenFile(dstPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	defer dst.Close()

	if err := unix.IoctlFileClone(int(dst.Fd()), int(src.Fd())); err == nil {
		return nil
	}
	_, err = io.Copy(dst, src)
	return err
}

func (s *Store) cloneAttrs(srcPath string, srcColl CollID, srcOID OID, dstPath string, dstColl CollID, dstOID OID) error {
	names, err := s.attrs.ListAttrs(srcPath)
	if err != nil {
		return err
	}
	for _, name := range names {
		if name == guardAttrName || name == omapHeaderAttr {
			continue
		}
		v, err := s.attrs.GetAttr(srcPath, srcColl, srcOID, name)
		if err != nil {
			return err
		}
		if err := s.attrs.SetAttr(dstPath, dstColl, dstOID, name, v); err != nil {
			return err
		}
	}
	return nil
}

// cloneOmap gives (dstColl, dstOID) the same omap contents as
// (srcColl, srcOID). Below OmapCowCloneThreshold keys it's cheaper to copy
// eagerly than to pay for the extra refcount bookkeeping and the eventual
// fork-on-write; at or above the threshold it re-parents dstOID onto the
// source's header id and defers the copy to whichever side writes first,
// keeping Clone itself close to O(1) regardless of omap size.
func (s *Store) cloneOmap(srcColl CollID, srcOID OID, dstColl CollID, dstOID OID) error {
	id, ok, err := s.omapHeaderID(srcColl, srcOID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	keys, err := omap.Open(s.kv, id).GetKeys()
	if err != nil {
		return err
	}
	if len(keys) >= s.cfg.OmapCowCloneThreshold {
		return s.shareOmap(dstColl, dstOID, id)
	}

	dstID, err := s.ensureOmapHeaderID(dstColl, dstOID)
	if err != nil {
		return err
	}
	txn := s.kv.NewTransaction()
	if err := omap.Open(s.kv, id).CopyInto(txn, omap.Open(s.kv, dstID)); err != nil {
		return err
	}
	return ocerr.Wrap("objectstore.cloneOmap", ocerr.Io, txn.Commit())
}

// shareOmap points dstOID's omap-header-id attribute at id, the same
// header srcOID already uses, and bumps id's refcount so a later Remove or
// mutating omap opcode knows the header is shared.
func (s *Store) shareOmap(dstColl CollID, dstOID OID, id omap.HeaderID) error {
	path, err := s.ensurePath(dstColl, dstOID)
	if err != nil {
		return err
	}
	rc, err := s.omapRefcount(id)
	if err != nil {
		return err
	}
	txn := s.kv.NewTransaction()
	s.setOmapRefcount(txn, id, rc+1)
	if err := txn.Commit(); err != nil {
		return ocerr.Wrap("objectstore.shareOmap", ocerr.Io, err)
	}
	var raw [8]byte
	binary.BigEndian.PutUint64(raw[:], uint64(id))
	return s.attrs.SetAttr(path, dstColl, dstOID, omapHeaderAttr, raw[:])
}

// omapRefcount reports how many objects currently share id's header. A
// header with no row in omapRefcountKeySpace is solely owned.
func (s *Store) omapRefcount(id omap.HeaderID) (int64, error) {
	key := strconv.FormatUint(uint64(id), 10)
	got, err := s.kv.Get(omapRefcountKeySpace, []string{key})
	if err != nil {
		return 0, ocerr.Wrap("objectstore.omapRefcount", ocerr.Io, err)
	}
	raw, ok := got[key]
	if !ok {
		return 1, nil
	}
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, ocerr.New("objectstore.omapRefcount", ocerr.Corruption, "malformed omap refcount")
	}
	return n, nil
}

func (s *Store) setOmapRefcount(txn kvstore.Transaction, id omap.HeaderID, n int64) {
	key := strconv.FormatUint(uint64(id), 10)
	if n <= 1 {
		txn.RmKey(omapRefcountKeySpace, key)
		return
	}
	txn.Set(omapRefcountKeySpace, key, []byte(strconv.FormatInt(n, 10)))
}

// forkIfShared returns the header id op's target should mutate through. If
// the object has no omap yet, one is allocated. If the bound header is
// shared with a sibling created by a COW clone, its contents are copied
// into a fresh, privately-owned header first, so the mutation that follows
// never leaks into that sibling.
func (s *Store) forkIfShared(coll CollID, oid OID) (omap.HeaderID, error) {
	id, ok, err := s.omapHeaderID(coll, oid)
	if err != nil {
		return 0, err
	}
	if !ok {
		return s.ensureOmapHeaderID(coll, oid)
	}
	rc, err := s.omapRefcount(id)
	if err != nil {
		return 0, err
	}
	if rc <= 1 {
		return id, nil
	}

	newID, err := omap.AllocateHeaderID(s.kv, string(coll))
	if err != nil {
		return 0, err
	}
	txn := s.kv.NewTransaction()
	if err := omap.Open(s.kv, id).CopyInto(txn, omap.Open(s.kv, newID)); err != nil {
		return 0, err
	}
	s.setOmapRefcount(txn, id, rc-1)
	if err := txn.Commit(); err != nil {
		return 0, ocerr.Wrap("objectstore.forkIfShared", ocerr.Io, err)
	}

	path, err := s.ensurePath(coll, oid)
	if err != nil {
		return 0, err
	}
	var raw [8]byte
	binary.BigEndian.PutUint64(raw[:], uint64(newID))
	if err := s.attrs.SetAttr(path, coll, oid, omapHeaderAttr, raw[:]); err != nil {
		return 0, err
	}
	return newID, nil
}

// opCollectionRename renames coll's directory (atomic at the filesystem
// level) and rewrites every attribute-overflow row keyed under the old
// collection identifier, matching the "omap rebinding is a KVStore
// transaction that updates the collection identifier component of
// affected prefixes" contract — omap rows themselves need no rewrite
// since they're keyed by an opaque per-object header id, never by coll.
func (s *Store) opCollectionRename(op Op) error {
	if err := s.hi.RenameCollection(op.Coll, op.NewColl); err != nil {
		return err
	}
	it := s.kv.NewIterator(attrKeySpace)
	defer it.Close()
	oldPrefix := string(op.Coll) + "\x00"
	txn := s.kv.NewTransaction()
	dirty := false
	for ok := it.First(); ok; ok = it.Next() {
		key := it.Key()
		if !strings.HasPrefix(key, oldPrefix) {
			continue
		}
		newKey := string(op.NewColl) + key[len(string(op.Coll)):]
		txn.Set(attrKeySpace, newKey, append([]byte(nil), it.Value()...))
		txn.RmKey(attrKeySpace, key)
		dirty = true
	}
	if !dirty {
		return nil
	}
	return ocerr.Wrap("objectstore.CollectionRename", ocerr.Io, txn.Commit())
}

func (s *Store) omapHeaderID(coll CollID, oid OID) (omap.HeaderID, bool, error) {
	path, ok := s.hi.Lookup(coll, oid)
	if !ok {
		return 0, false, nil
	}
	raw, err := s.attrs.GetAttr(path, coll, oid, omapHeaderAttr)
	if err != nil {
		if ocerr.Is(err, ocerr.NoData) {
			return 0, false, nil
		}
		return 0, false, err
	}
	if len(raw) != 8 {
		return 0, false, ocerr.New("objectstore.omapHeaderID", ocerr.Corruption, "malformed omap header id attribute")
	}
	return omap.HeaderID(binary.BigEndian.Uint64(raw)), true, nil
}

func (s *Store) ensureOmapHeaderID(coll CollID, oid OID) (omap.HeaderID, error) {
	if id, ok, err := s.omapHeaderID(coll, oid); err != nil {
		return 0, err
	} else if ok {
		return id, nil
	}
	id, err := omap.AllocateHeaderID(s.kv, string(coll))
	if err != nil {
		return 0, err
	}
	path, err := s.ensurePath(coll, oid)
	if err != nil {
		return 0, err
	}
	var raw [8]byte
	binary.BigEndian.PutUint64(raw[:], uint64(id))
	if err := s.attrs.SetAttr(path, coll, oid, omapHeaderAttr, raw[:]); err != nil {
		return 0, err
	}
	return id, nil
}

func (s *Store) opOmapSetKeys(op Op) error {
	id, err := s.forkIfShared(op.Coll, op.OID)
	if err != nil {
		return err
	}
	txn := s.kv.NewTransaction()
	omap.Open(s.kv, id).SetKeys(txn, op.OmapKV)
	return ocerr.Wrap("objectstore.OmapSetKeys", ocerr.Io, txn.Commit())
}

func (s *Store) opOmapRmKeys(op Op) error {
	if _, ok, err := s.omapHeaderID(op.Coll, op.OID); err != nil {
		return err
	} else if !ok {
		return nil
	}
	id, err := s.forkIfShared(op.Coll, op.OID)
	if err != nil {
		return err
	}
	txn := s.kv.NewTransaction()
	omap.Open(s.kv, id).RmKeys(txn, op.OmapKeys)
	return ocerr.Wrap("objectstore.OmapRmKeys", ocerr.Io, txn.Commit())
}

func (s *Store) opOmapClear(op Op) error {
	if _, ok, err := s.omapHeaderID(op.Coll, op.OID); err != nil {
		return err
	} else if !ok {
		return nil
	}
	id, err := s.forkIfShared(op.Coll, op.OID)
	if err != nil {
		return err
	}
	txn := s.kv.NewTransaction()
	omap.Open(s.kv, id).Clear(txn)
	return ocerr.Wrap("objectstore.OmapClear", ocerr.Io, txn.Commit())
}

func (s *Store) opOmapSetHeader(op Op) error {
	id, err := s.forkIfShared(op.Coll, op.OID)
	if err != nil {
		return err
	}
	txn := s.kv.NewTransaction()
	omap.Open(s.kv, id).SetHeader(txn, op.OmapValue)
	return ocerr.Wrap("objectstore.OmapSetHeader", ocerr.Io, txn.Commit())
}
