package objectstore

import (
	"os"

	"golang.org/x/sys/unix"

	"github.com/coldshard/objectcore/internal/base"
	"github.com/coldshard/objectcore/internal/ocerr"
	"github.com/coldshard/objectcore/pkg/kvstore"
)

// xattrNamespace is the extended-attribute namespace every attribute key
// is stored under, matching the "user." prefix required for unprivileged
// xattr access on Linux.
const xattrNamespace = "user.oc."

// overflowMarker is written as an xattr's value when the real value has
// spilled into KVStore; it's shorter than any real overflow threshold so
// it can never collide with a value that happened to fit.
var overflowMarker = []byte("\x00OCOVERFLOW\x00")

const attrKeySpace = "attr-overflow"

// attrStore reads and writes an object's attributes, spilling any value
// larger than threshold into kvstore under attrKeySpace instead of the
// filesystem's xattr namespace.
type attrStore struct {
	store     kvstore.Store
	threshold int
}

func newAttrStore(store kvstore.Store, threshold int) *attrStore {
	return &attrStore{store: store, threshold: threshold}
}

// overflowKey identifies an overflowed attribute by (coll, oid, name)
// rather than by filesystem path, so a collection rename — which changes
// every affected object's path — doesn't orphan its overflow rows. The
// rename handler instead runs an explicit KVStore rekeying pass over
// attrKeySpace; omap rows need no such pass, since they are keyed by
// header id rather than by collection.
func overflowKey(coll CollID, oid OID, name string) string {
	return string(coll) + "\x00" + string(oid) + "\x00" + name
}

// SetAttr stores value under name on the file at path, identified for
// overflow purposes by (coll, oid). The replay guard never spills: it is
// always written as a single xattr.
func (a *attrStore) SetAttr(path string, coll CollID, oid OID, name string, value []byte) error {
	if len(value) > a.threshold && name != guardAttrName {
		txn := a.store.NewTransaction()
		txn.Set(attrKeySpace, overflowKey(coll, oid, name), append([]byte(nil), value...))
		if err := txn.Commit(); err != nil {
			return ocerr.Wrap("attrs.SetAttr", ocerr.Io, err)
		}
		if err := unix.Setxattr(path, xattrNamespace+name, overflowMarker, 0); err != nil {
			return ocerr.Wrap("attrs.SetAttr", ocerr.Io, err)
		}
		return nil
	}
	if err := unix.Setxattr(path, xattrNamespace+name, value, 0); err != nil {
		return ocerr.Wrap("attrs.SetAttr", ocerr.Io, err)
	}
	// A previous larger value may have left an overflow record behind;
	// clean it up so a later read doesn't chase a stale marker.
	txn := a.store.NewTransaction()
	txn.RmKey(attrKeySpace, overflowKey(coll, oid, name))
	return ocerr.Wrap("attrs.SetAttr", ocerr.Io, txn.Commit())
}

// GetAttr returns the value stored under name, or ocerr.NoData if absent.
func (a *attrStore) GetAttr(path string, coll CollID, oid OID, name string) ([]byte, error) {
	size, err := unix.Getxattr(path, xattrNamespace+name, nil)
	if err != nil {
		if err == unix.ENODATA {
			return nil, ocerr.New("attrs.GetAttr", ocerr.NoData, "no such attribute")
		}
		if os.IsNotExist(err) {
			return nil, ocerr.New("attrs.GetAttr", ocerr.NotFound, "object not found")
		}
		return nil, ocerr.Wrap("attrs.GetAttr", ocerr.Io, err)
	}
	buf := make([]byte, size)
	if size > 0 {
		if _, err := unix.Getxattr(path, xattrNamespace+name, buf); err != nil {
			return nil, ocerr.Wrap("attrs.GetAttr", ocerr.Io, err)
		}
	}
	if isOverflowMarker(buf) {
		key := overflowKey(coll, oid, name)
		got, err := a.store.Get(attrKeySpace, []string{key})
		if err != nil {
			return nil, ocerr.Wrap("attrs.GetAttr", ocerr.Io, err)
		}
		v, ok := got[key]
		if !ok {
			return nil, ocerr.New("attrs.GetAttr", ocerr.Corruption, "overflow attribute marker with no KVStore row")
		}
		return v, nil
	}
	return buf, nil
}

func isOverflowMarker(b []byte) bool {
	if len(b) != len(overflowMarker) {
		return false
	}
	for i := range b {
		if b[i] != overflowMarker[i] {
			return false
		}
	}
	return true
}

// ListAttrs returns every attribute name set on path.
func (a *attrStore) ListAttrs(path string) ([]string, error) {
	size, err := unix.Listxattr(path, nil)
	if err != nil {
		return nil, ocerr.Wrap("attrs.ListAttrs", ocerr.Io, err)
	}
	if size == 0 {
		return nil, nil
	}
	buf := make([]byte, size)
	n, err := unix.Listxattr(path, buf)
	if err != nil {
		return nil, ocerr.Wrap("attrs.ListAttrs", ocerr.Io, err)
	}
	var out []string
	for _, raw := range splitNulTerminated(buf[:n]) {
		if len(raw) > len(xattrNamespace) && raw[:len(xattrNamespace)] == xattrNamespace {
			out = append(out, raw[len(xattrNamespace):])
		}
	}
	return out, nil
}

func splitNulTerminated(buf []byte) []string {
	var out []string
	start := 0
	for i, b := range buf {
		if b == 0 {
			if i > start {
				out = append(out, string(buf[start:i]))
			}
			start = i + 1
		}
	}
	return out
}

// RmAttr removes name from path, along with any overflow row.
func (a *attrStore) RmAttr(path string, coll CollID, oid OID, name string) error {
	if err := unix.Removexattr(path, xattrNamespace+name); err != nil && err != unix.ENODATA {
		return ocerr.Wrap("attrs.RmAttr", ocerr.Io, err)
	}
	txn := a.store.NewTransaction()
	txn.RmKey(attrKeySpace, overflowKey(coll, oid, name))
	return ocerr.Wrap("attrs.RmAttr", ocerr.Io, txn.Commit())
}

// RmAttrs removes every attribute on path except the replay guard and
// the omap header pointer.
func (a *attrStore) RmAttrs(path string, coll CollID, oid OID) error {
	names, err := a.ListAttrs(path)
	if err != nil {
		return err
	}
	for _, n := range names {
		if n == guardAttrName || n == omapHeaderAttr {
			continue
		}
		if err := a.RmAttr(path, coll, oid, n); err != nil {
			return err
		}
	}
	return nil
}

// encodeGuard/decodeGuard implement the replay-guard xattr wire format:
// {spos(12), in_progress(1)}.
func encodeGuard(g ReplayGuard) []byte {
	buf := base.EncodeSpos(nil, g.LastApplied)
	flag := byte(0)
	if g.InProgress {
		flag = 1
	}
	return append(buf, flag)
}

func decodeGuard(b []byte) (ReplayGuard, bool) {
	spos, rest, err := base.DecodeSpos(b)
	if err != nil || len(rest) < 1 {
		return ReplayGuard{}, false
	}
	return ReplayGuard{LastApplied: spos, InProgress: rest[0] != 0}, true
}
