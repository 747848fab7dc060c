// Package omap implements the per-object sorted key-value map described
// in component 4.E, layered over kvstore.Store using synthesized
// per-object prefixes.
package omap

import (
	"fmt"
	"strconv"

	"github.com/coldshard/objectcore/internal/ocerr"
	"github.com/coldshard/objectcore/pkg/kvstore"
)

const (
	keysPrefixFmt   = "omap_P/%d/"
	headerPrefixFmt = "omap_header_P/%d"
	allocPrefix     = "omap-alloc"
	headerKeySpace  = "omap-header"
)

// HeaderID identifies one object's omap key range and header blob. It is
// allocated the first time an object gains an omap entry, and is what
// clone re-parenting shares between two objects to implement
// copy-on-write (see objectstore's cloneOmap).
type HeaderID uint64

// OMap is a handle bound to a single object's header id.
type OMap struct {
	store kvstore.Store
	id    HeaderID
}

// Open returns an OMap handle for an already-allocated header id.
func Open(store kvstore.Store, id HeaderID) *OMap {
	return &OMap{store: store, id: id}
}

// AllocateHeaderID returns a fresh, never-before-used header id, drawn
// from a monotonic counter persisted in KVStore under allocPrefix/coll so
// it survives remounts.
func AllocateHeaderID(store kvstore.Store, coll string) (HeaderID, error) {
	for {
		cur, err := store.Get(allocPrefix, []string{coll})
		if err != nil {
			return 0, ocerr.Wrap("omap.AllocateHeaderID", ocerr.Io, err)
		}
		var next uint64
		if b, ok := cur[coll]; ok {
			v, err := strconv.ParseUint(string(b), 10, 64)
			if err != nil {
				return 0, ocerr.New("omap.AllocateHeaderID", ocerr.Corruption, "malformed allocator counter")
			}
			next = v + 1
		} else {
			next = 1
		}
		txn := store.NewTransaction()
		txn.Set(allocPrefix, coll, []byte(strconv.FormatUint(next, 10)))
		if err := txn.Commit(); err != nil {
			return 0, ocerr.Wrap("omap.AllocateHeaderID", ocerr.Io, err)
		}
		return HeaderID(next), nil
	}
}

func (o *OMap) keysPrefix() string   { return fmt.Sprintf(keysPrefixFmt, o.id) }
func (o *OMap) headerPrefix() string { return fmt.Sprintf(headerPrefixFmt, o.id) }

// Get returns the values for the requested keys, omitting any that are
// absent.
func (o *OMap) Get(keys []string) (map[string][]byte, error) {
	m, err := o.store.Get(o.keysPrefix(), keys)
	if err != nil {
		return nil, ocerr.Wrap("omap.Get", ocerr.Io, err)
	}
	return m, nil
}

// GetHeader returns the object's header blob, or ocerr.NoData if none has
// been set.
func (o *OMap) GetHeader() ([]byte, error) {
	m, err := o.store.Get(headerKeySpace, []string{o.headerPrefix()})
	if err != nil {
		return nil, ocerr.Wrap("omap.GetHeader", ocerr.Io, err)
	}
	v, ok := m[o.headerPrefix()]
	if !ok {
		return nil, ocerr.New("omap.GetHeader", ocerr.NoData, "no header set")
	}
	return v, nil
}

// GetKeys returns every key currently stored in the omap, in sorted
// order.
func (o *OMap) GetKeys() ([]string, error) {
	it := o.store.NewIterator(o.keysPrefix())
	defer it.Close()
	var keys []string
	for ok := it.First(); ok; ok = it.Next() {
		keys = append(keys, it.Key())
	}
	return keys, nil
}

// GetValues returns the value for every key currently stored.
func (o *OMap) GetValues() (map[string][]byte, error) {
	it := o.store.NewIterator(o.keysPrefix())
	defer it.Close()
	out := map[string][]byte{}
	for ok := it.First(); ok; ok = it.Next() {
		out[it.Key()] = append([]byte(nil), it.Value()...)
	}
	return out, nil
}

// CheckKeys reports which of the requested keys are present.
func (o *OMap) CheckKeys(keys []string) (map[string]bool, error) {
	got, err := o.Get(keys)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(keys))
	for _, k := range keys {
		_, out[k] = got[k]
	}
	return out, nil
}

// Iterator returns a prefix-scoped iterator over the omap's key range.
// Callers that must traverse under concurrent mutation should use
// SnapshotIterator instead.
func (o *OMap) Iterator() kvstore.Iterator {
	return o.store.NewIterator(o.keysPrefix())
}

// SnapshotIterator returns an iterator whose view is fixed at the instant
// of creation.
func (o *OMap) SnapshotIterator() kvstore.Iterator {
	return o.store.NewSnapshotIterator(o.keysPrefix())
}

// SetKeys, like RmKeys, Clear and SetHeader, stages its writes onto an
// already-open kvstore.Transaction, so that ObjectStore can fold omap
// changes into the same atomic transaction as the rest of a
// transaction opcode's on-disk effect.
func (o *OMap) SetKeys(txn kvstore.Transaction, kv map[string][]byte) {
	for k, v := range kv {
		txn.Set(o.keysPrefix(), k, v)
	}
}

func (o *OMap) RmKeys(txn kvstore.Transaction, keys []string) {
	for _, k := range keys {
		txn.RmKey(o.keysPrefix(), k)
	}
}

func (o *OMap) Clear(txn kvstore.Transaction) {
	txn.RmKeysByPrefix(o.keysPrefix())
}

func (o *OMap) SetHeader(txn kvstore.Transaction, header []byte) {
	txn.Set(headerKeySpace, o.headerPrefix(), header)
}

// Destroy removes every key belonging to this omap, including its
// header blob. This is invariant 3.4: an object's omap must not survive
// object removal.
func (o *OMap) Destroy(txn kvstore.Transaction) {
	txn.RmKeysByPrefix(o.keysPrefix())
	txn.RmKey(headerKeySpace, o.headerPrefix())
}

// CopyInto copies every key and the header blob from o into dst within
// txn, used for an eager (non-COW) clone. The source is left untouched.
func (o *OMap) CopyInto(txn kvstore.Transaction, dst *OMap) error {
	it := o.store.NewSnapshotIterator(o.keysPrefix())
	defer it.Close()
	for ok := it.First(); ok; ok = it.Next() {
		txn.Set(dst.keysPrefix(), it.Key(), append([]byte(nil), it.Value()...))
	}
	if h, err := o.GetHeader(); err == nil {
		dst.SetHeader(txn, h)
	} else if !ocerr.Is(err, ocerr.NoData) {
		return err
	}
	return nil
}
