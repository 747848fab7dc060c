// Package kvstore implements the abstract ordered key-value store
// contract described in the component design: an (prefix, key) keyspace
// ordered lexicographically by (prefix, key), atomic transactions, and
// iterators with an explicit snapshot variant. Two backends are provided:
// a badger-backed store for durable use, and an in-memory store for
// tests.
package kvstore

import (
	"context"

	"github.com/coldshard/objectcore/internal/compare"
)

// Store is the abstract KVStore contract. Every method is safe for
// concurrent use.
type Store interface {
	// Get retrieves the named keys from prefix. Keys absent from the
	// store are simply absent from the returned map; Get never returns
	// NotFound.
	Get(prefix string, keys []string) (map[string][]byte, error)

	// NewTransaction returns a batch of set/remove operations to be
	// applied atomically by Commit or CommitAsync.
	NewTransaction() Transaction

	// NewIterator returns a live iterator over the whole keyspace, or
	// over a single prefix if prefix != "".
	NewIterator(prefix string) Iterator

	// NewSnapshotIterator returns an iterator whose view is fixed at the
	// instant of creation, unaffected by subsequent writes through this
	// or any other handle.
	NewSnapshotIterator(prefix string) Iterator

	// Close releases resources held by the backend.
	Close() error
}

// Transaction accumulates a set of mutations to be applied atomically.
// A Transaction is not safe for concurrent use; build it on one
// goroutine and call Commit/CommitAsync exactly once.
type Transaction interface {
	Set(prefix, key string, value []byte)
	RmKey(prefix, key string)
	RmKeysByPrefix(prefix string)

	// Commit applies the transaction and returns once it is durable.
	Commit() error

	// CommitAsync applies the transaction and invokes done with the
	// result once it is durable, without blocking the caller.
	CommitAsync(ctx context.Context, done func(error))
}

// Iterator is the capability set every backend's iterator implements,
// per Design Note §9: one interface, several variants (badger-backed,
// sorted-slice-backed, snapshot-of-either) instead of a class hierarchy.
type Iterator interface {
	First() bool
	Last() bool
	FirstInPrefix(prefix string) bool
	LastInPrefix(prefix string) bool
	LowerBound(prefix, key string) bool
	UpperBound(prefix, key string) bool

	Next() bool
	Prev() bool

	Valid() bool
	Key() string
	Value() []byte
	Prefix() string

	Close() error
}

// EncodeKey and the prefix bound helpers are re-exported for callers
// (omap, objectstore) that need to reason about the flat encoding
// directly, e.g. when constructing a prefix to hand to NewIterator.
var (
	EncodeKey        = compare.EncodeKey
	PrefixLowerBound = compare.PrefixLowerBound
	PrefixUpperBound = compare.PrefixUpperBound
	SplitKey         = compare.SplitKey
)
