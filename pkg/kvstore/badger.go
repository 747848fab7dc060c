package kvstore

import (
	"context"
	"errors"

	"github.com/dgraph-io/badger/v4"

	"github.com/coldshard/objectcore/internal/compare"
)

// BadgerBackend is the concrete KVStore backend over an embedded LSM
// store. It flattens the (prefix, key) space into a single badger
// keyspace using the shared prefix+separator+key encoding, and leans on
// badger's own MVCC transactions for both the atomic-transaction and
// snapshot-iterator requirements: a badger.Txn is already a consistent
// point-in-time view, which is exactly what a snapshot iterator needs.
type BadgerBackend struct {
	db *badger.DB
}

// OpenBadger opens (creating if necessary) a badger-backed store rooted
// at dir.
func OpenBadger(dir string) (*BadgerBackend, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, wrapIO("kvstore.OpenBadger", err)
	}
	return &BadgerBackend{db: db}, nil
}

func (b *BadgerBackend) Close() error {
	return wrapIO("kvstore.BadgerBackend.Close", b.db.Close())
}

func (b *BadgerBackend) Get(prefix string, keys []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	err := b.db.View(func(txn *badger.Txn) error {
		for _, k := range keys {
			item, err := txn.Get(compare.EncodeKey(prefix, k))
			if err != nil {
				if errors.Is(err, badger.ErrKeyNotFound) {
					continue
				}
				return err
			}
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			out[k] = v
		}
		return nil
	})
	if err != nil {
		return nil, wrapIO("kvstore.BadgerBackend.Get", err)
	}
	return out, nil
}

func (b *BadgerBackend) NewTransaction() Transaction {
	return &badgerTxn{db: b.db, txn: b.db.NewTransaction(true)}
}

func (b *BadgerBackend) NewIterator(prefix string) Iterator {
	return &badgerLiveIterator{db: b.db, prefix: prefix, scoped: prefix != ""}
}

func (b *BadgerBackend) NewSnapshotIterator(prefix string) Iterator {
	txn := b.db.NewTransaction(false)
	return &badgerSnapshotIterator{txn: txn, prefix: prefix, scoped: prefix != ""}
}

// badgerTxn implements Transaction. RmKeysByPrefix must resolve the set
// of matching keys before issuing deletes because badger does not allow
// safely mutating a keyspace while an iterator over it is open on the
// same transaction.
type badgerTxn struct {
	db      *badger.DB
	txn     *badger.Txn
	pending []func(*badger.Txn) error
}

func (t *badgerTxn) Set(prefix, key string, value []byte) {
	t.pending = append(t.pending, func(txn *badger.Txn) error {
		return txn.Set(compare.EncodeKey(prefix, key), value)
	})
}

func (t *badgerTxn) RmKey(prefix, key string) {
	t.pending = append(t.pending, func(txn *badger.Txn) error {
		return txn.Delete(compare.EncodeKey(prefix, key))
	})
}

func (t *badgerTxn) RmKeysByPrefix(prefix string) {
	t.pending = append(t.pending, func(txn *badger.Txn) error {
		var keys [][]byte
		lo := compare.PrefixLowerBound(prefix)
		hi := compare.PrefixUpperBound(prefix)
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		for it.Seek(lo); it.Valid(); it.Next() {
			k := it.Item().KeyCopy(nil)
			if compare.Bytes(k, hi) >= 0 {
				break
			}
			keys = append(keys, k)
		}
		it.Close()
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (t *badgerTxn) apply() error {
	for _, op := range t.pending {
		if err := op(t.txn); err != nil {
			return err
		}
	}
	return nil
}

func (t *badgerTxn) Commit() error {
	if err := t.apply(); err != nil {
		t.txn.Discard()
		return wrapIO("kvstore.BadgerBackend.Commit", err)
	}
	if err := t.txn.Commit(); err != nil {
		return wrapIO("kvstore.BadgerBackend.Commit", err)
	}
	return nil
}

func (t *badgerTxn) CommitAsync(ctx context.Context, done func(error)) {
	if err := t.apply(); err != nil {
		t.txn.Discard()
		done(wrapIO("kvstore.BadgerBackend.CommitAsync", err))
		return
	}
	t.txn.CommitWith(func(err error) {
		if err != nil {
			err = wrapIO("kvstore.BadgerBackend.CommitAsync", err)
		}
		select {
		case <-ctx.Done():
		default:
			done(err)
		}
	})
}

// badgerLiveIterator re-opens a fresh read transaction on every
// positioning call so it always observes the latest committed state, but
// caches the item it is currently positioned on so that a concurrent
// mutation does not change what Key/Value report until the iterator is
// moved again. This gives the "positioned on the pre-mutation key, then
// proceeds over post-mutation state on Next/Prev" contract recommended
// by the KVStore spec for live iterators.
type badgerLiveIterator struct {
	db     *badger.DB
	prefix string
	scoped bool
	valid  bool
	key    string
	value  []byte
}

// bounds returns the key range movement is confined to. Only an iterator
// constructed via NewIterator(prefix) with a non-empty prefix is scoped;
// a whole-space iterator keeps ranging over the full keyspace even after
// a LowerBound/UpperBound call that names a specific prefix to seek
// within.
func (it *badgerLiveIterator) bounds() (lo, hi []byte) {
	if !it.scoped {
		return nil, nil
	}
	return compare.PrefixLowerBound(it.prefix), compare.PrefixUpperBound(it.prefix)
}

func (it *badgerLiveIterator) seek(reverse bool, from []byte, inclusive bool) bool {
	lo, hi := it.bounds()
	found := false
	_ = it.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = reverse
		iter := txn.NewIterator(opts)
		defer iter.Close()
		if from == nil {
			if reverse {
				if hi != nil {
					iter.Seek(prevKey(hi))
				} else {
					iter.Rewind()
				}
			} else {
				if lo != nil {
					iter.Seek(lo)
				} else {
					iter.Rewind()
				}
			}
		} else {
			iter.Seek(from)
			if iter.Valid() && !inclusive && compare.Bytes(iter.Item().Key(), from) == 0 {
				iter.Next()
			}
		}
		if !iter.Valid() {
			return nil
		}
		k := iter.Item().KeyCopy(nil)
		if lo != nil {
			if reverse && compare.Bytes(k, lo) < 0 {
				return nil
			}
			if !reverse && hi != nil && compare.Bytes(k, hi) >= 0 {
				return nil
			}
		}
		v, err := iter.Item().ValueCopy(nil)
		if err != nil {
			return err
		}
		prefix, key, ok := compare.SplitKey(k)
		if !ok {
			return nil
		}
		it.prefix, it.key, it.value, found = prefix, key, v, true
		return nil
	})
	it.valid = found
	return found
}

// prevKey returns the largest byte string strictly less than k, used to
// seek to the last key below an exclusive upper bound in reverse mode.
func prevKey(k []byte) []byte {
	out := append([]byte(nil), k...)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] > 0 {
			out[i]--
			return append(out[:i+1], 0xff)
		}
	}
	return out
}

func (it *badgerLiveIterator) First() bool                        { return it.seek(false, nil, true) }
func (it *badgerLiveIterator) Last() bool                         { return it.seek(true, nil, true) }
func (it *badgerLiveIterator) FirstInPrefix(prefix string) bool   { it.prefix = prefix; return it.First() }
func (it *badgerLiveIterator) LastInPrefix(prefix string) bool    { it.prefix = prefix; return it.Last() }
func (it *badgerLiveIterator) LowerBound(prefix, key string) bool {
	it.prefix = prefix
	return it.seek(false, compare.EncodeKey(prefix, key), true)
}
func (it *badgerLiveIterator) UpperBound(prefix, key string) bool {
	it.prefix = prefix
	return it.seek(false, compare.EncodeKey(prefix, key), false)
}
func (it *badgerLiveIterator) Next() bool {
	if !it.valid {
		return false
	}
	return it.seek(false, compare.EncodeKey(it.prefix, it.key), false)
}
func (it *badgerLiveIterator) Prev() bool {
	if !it.valid {
		return false
	}
	return it.seek(true, compare.EncodeKey(it.prefix, it.key), false)
}
func (it *badgerLiveIterator) Valid() bool      { return it.valid }
func (it *badgerLiveIterator) Key() string      { return it.key }
func (it *badgerLiveIterator) Value() []byte    { return it.value }
func (it *badgerLiveIterator) Prefix() string   { return it.prefix }
func (it *badgerLiveIterator) Close() error     { return nil }

// badgerSnapshotIterator holds a single read transaction open for its
// entire lifetime, so its view of the keyspace never changes regardless
// of writes made through other handles after it was created. Each
// positioning call opens a fresh badger.Iterator against that same fixed
// transaction (badger iterators are single-direction), seeking from the
// current key when moving rather than re-scanning from an end.
type badgerSnapshotIterator struct {
	txn    *badger.Txn
	prefix string
	scoped bool
	valid  bool
	key    string
	value  []byte
}

func (it *badgerSnapshotIterator) bounds() (lo, hi []byte) {
	if !it.scoped {
		return nil, nil
	}
	return compare.PrefixLowerBound(it.prefix), compare.PrefixUpperBound(it.prefix)
}

// seek scans in the given direction starting at from (or an unbounded
// end if from is nil), landing on the first in-range key that is
// after/before from (inclusive controls whether from itself qualifies).
func (it *badgerSnapshotIterator) seek(reverse bool, from []byte, inclusive bool) bool {
	lo, hi := it.bounds()
	opts := badger.DefaultIteratorOptions
	opts.Reverse = reverse
	iter := it.txn.NewIterator(opts)
	defer iter.Close()

	switch {
	case from != nil:
		iter.Seek(from)
		if iter.Valid() && !inclusive && compare.Bytes(iter.Item().Key(), from) == 0 {
			iter.Next()
		}
	case reverse:
		if hi != nil {
			iter.Seek(prevKey(hi))
		} else {
			iter.Rewind()
		}
	default:
		if lo != nil {
			iter.Seek(lo)
		} else {
			iter.Rewind()
		}
	}

	if !iter.Valid() {
		it.valid = false
		return false
	}
	k := iter.Item().KeyCopy(nil)
	if lo != nil {
		if reverse && compare.Bytes(k, lo) < 0 {
			it.valid = false
			return false
		}
		if !reverse && hi != nil && compare.Bytes(k, hi) >= 0 {
			it.valid = false
			return false
		}
	}
	v, err := iter.Item().ValueCopy(nil)
	if err != nil {
		it.valid = false
		return false
	}
	prefix, key, ok := compare.SplitKey(k)
	if !ok {
		it.valid = false
		return false
	}
	it.prefix, it.key, it.value, it.valid = prefix, key, v, true
	return true
}

func (it *badgerSnapshotIterator) First() bool { return it.seek(false, nil, true) }
func (it *badgerSnapshotIterator) Last() bool  { return it.seek(true, nil, true) }

func (it *badgerSnapshotIterator) FirstInPrefix(prefix string) bool {
	it.prefix = prefix
	return it.First()
}

func (it *badgerSnapshotIterator) LastInPrefix(prefix string) bool {
	it.prefix = prefix
	return it.Last()
}

func (it *badgerSnapshotIterator) LowerBound(prefix, key string) bool {
	it.prefix = prefix
	return it.seek(false, compare.EncodeKey(prefix, key), true)
}

func (it *badgerSnapshotIterator) UpperBound(prefix, key string) bool {
	it.prefix = prefix
	return it.seek(false, compare.EncodeKey(prefix, key), false)
}

func (it *badgerSnapshotIterator) Next() bool {
	if !it.valid {
		return false
	}
	return it.seek(false, compare.EncodeKey(it.prefix, it.key), false)
}

func (it *badgerSnapshotIterator) Prev() bool {
	if !it.valid {
		return false
	}
	return it.seek(true, compare.EncodeKey(it.prefix, it.key), false)
}

func (it *badgerSnapshotIterator) Valid() bool    { return it.valid }
func (it *badgerSnapshotIterator) Key() string    { return it.key }
func (it *badgerSnapshotIterator) Value() []byte  { return it.value }
func (it *badgerSnapshotIterator) Prefix() string { return it.prefix }
func (it *badgerSnapshotIterator) Close() error {
	it.txn.Discard()
	return nil
}
