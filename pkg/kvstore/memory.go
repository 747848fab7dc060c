package kvstore

import (
	"context"
	"sort"
	"sync"

	"github.com/coldshard/objectcore/internal/compare"
)

// MemoryBackend is the in-memory reference KVStore backend used by tests.
// It stores the flat-encoded keyspace as a single sorted slice guarded by
// a mutex. Design Note §9 calls out two divergent in-memory iterator
// behaviors seen in prior art (one bucketed by a nested map, one keyed by
// a raw (prefix,key) pair) and asks for them to be reconciled into one
// implementation with snapshot-iterator invariance; a single flat sorted
// index naturally gives both prefix-scoped and whole-space iteration
// without needing separate code paths for either.
type MemoryBackend struct {
	mu   sync.RWMutex
	keys [][]byte
	vals [][]byte
}

// NewMemory returns an empty in-memory backend.
func NewMemory() *MemoryBackend {
	return &MemoryBackend{}
}

func (m *MemoryBackend) Close() error { return nil }

// find returns the index of the smallest stored key >= target.
func (m *MemoryBackend) find(target []byte) int {
	return sort.Search(len(m.keys), func(i int) bool {
		return compare.Bytes(m.keys[i], target) >= 0
	})
}

func (m *MemoryBackend) Get(prefix string, keys []string) (map[string][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		enc := compare.EncodeKey(prefix, k)
		i := m.find(enc)
		if i < len(m.keys) && compare.Bytes(m.keys[i], enc) == 0 {
			out[k] = append([]byte(nil), m.vals[i]...)
		}
	}
	return out, nil
}

func (m *MemoryBackend) NewTransaction() Transaction {
	return &memoryTxn{backend: m}
}

func (m *MemoryBackend) NewIterator(prefix string) Iterator {
	return &memoryIterator{backend: m, prefix: prefix, scoped: prefix != ""}
}

// NewSnapshotIterator copies the matching key range into an immutable
// sorted slice at creation time, so the returned iterator's view can
// never be affected by subsequent writes.
func (m *MemoryBackend) NewSnapshotIterator(prefix string) Iterator {
	m.mu.RLock()
	defer m.mu.RUnlock()

	lo, hi := 0, len(m.keys)
	if prefix != "" {
		lo = m.find(compare.PrefixLowerBound(prefix))
		hi = m.find(compare.PrefixUpperBound(prefix))
	}
	keys := make([][]byte, hi-lo)
	vals := make([][]byte, hi-lo)
	copy(keys, m.keys[lo:hi])
	copy(vals, m.vals[lo:hi])
	return &memorySnapshotIterator{prefix: prefix, keys: keys, vals: vals, pos: -1}
}

// set inserts or overwrites a single flat-encoded key, maintaining sort
// order. Deletions and sets within one transaction are applied under a
// single lock acquisition so the transaction is atomic with respect to
// concurrent readers.
func (m *MemoryBackend) set(enc, val []byte) {
	i := m.find(enc)
	if i < len(m.keys) && compare.Bytes(m.keys[i], enc) == 0 {
		m.vals[i] = val
		return
	}
	m.keys = append(m.keys, nil)
	m.vals = append(m.vals, nil)
	copy(m.keys[i+1:], m.keys[i:])
	copy(m.vals[i+1:], m.vals[i:])
	m.keys[i] = enc
	m.vals[i] = val
}

func (m *MemoryBackend) rm(enc []byte) {
	i := m.find(enc)
	if i < len(m.keys) && compare.Bytes(m.keys[i], enc) == 0 {
		m.keys = append(m.keys[:i], m.keys[i+1:]...)
		m.vals = append(m.vals[:i], m.vals[i+1:]...)
	}
}

func (m *MemoryBackend) rmPrefix(prefix string) {
	lo := m.find(compare.PrefixLowerBound(prefix))
	hi := m.find(compare.PrefixUpperBound(prefix))
	m.keys = append(m.keys[:lo], m.keys[hi:]...)
	m.vals = append(m.vals[:lo], m.vals[hi:]...)
}

type memoryOp func(*MemoryBackend)

type memoryTxn struct {
	backend *MemoryBackend
	ops     []memoryOp
}

func (t *memoryTxn) Set(prefix, key string, value []byte) {
	enc := compare.EncodeKey(prefix, key)
	v := append([]byte(nil), value...)
	t.ops = append(t.ops, func(m *MemoryBackend) { m.set(enc, v) })
}

func (t *memoryTxn) RmKey(prefix, key string) {
	enc := compare.EncodeKey(prefix, key)
	t.ops = append(t.ops, func(m *MemoryBackend) { m.rm(enc) })
}

func (t *memoryTxn) RmKeysByPrefix(prefix string) {
	t.ops = append(t.ops, func(m *MemoryBackend) { m.rmPrefix(prefix) })
}

func (t *memoryTxn) Commit() error {
	t.backend.mu.Lock()
	defer t.backend.mu.Unlock()
	for _, op := range t.ops {
		op(t.backend)
	}
	return nil
}

func (t *memoryTxn) CommitAsync(ctx context.Context, done func(error)) {
	err := t.Commit()
	select {
	case <-ctx.Done():
	default:
		done(err)
	}
}

// memoryIterator is the live iterator: every positioning call re-reads
// the backend's current sorted slice under a read lock, so it observes
// concurrent mutations on Next/Prev while its cached Key/Value stay put
// in between, matching the recommended live-iterator contract.
type memoryIterator struct {
	backend *MemoryBackend
	prefix  string // last prefix touched, for Prefix() and seek encoding
	scoped  bool   // true if constructed with a fixed prefix; bounds movement
	valid   bool
	key     string
	value   []byte
}

// bounds returns the index range movement is confined to. An iterator
// constructed via NewIterator(prefix) with prefix != "" is scoped and
// never leaves that prefix; a whole-space iterator (NewIterator(""))
// ranges over the entire keyspace even after a LowerBound/UpperBound
// call naming a specific prefix, matching the "generic iterator" seek
// contract: the seek target is prefix-qualified, but movement is not.
func (it *memoryIterator) bounds(m *MemoryBackend) (lo, hi int) {
	if !it.scoped {
		return 0, len(m.keys)
	}
	return m.find(compare.PrefixLowerBound(it.prefix)), m.find(compare.PrefixUpperBound(it.prefix))
}

func (it *memoryIterator) landAt(m *MemoryBackend, i, lo, hi int) bool {
	if i < lo || i >= hi {
		it.valid = false
		return false
	}
	prefix, key, ok := compare.SplitKey(m.keys[i])
	if !ok {
		it.valid = false
		return false
	}
	it.prefix = prefix
	it.key = key
	it.value = append([]byte(nil), m.vals[i]...)
	it.valid = true
	return true
}

func (it *memoryIterator) First() bool {
	it.backend.mu.RLock()
	defer it.backend.mu.RUnlock()
	lo, hi := it.bounds(it.backend)
	return it.landAt(it.backend, lo, lo, hi)
}

func (it *memoryIterator) Last() bool {
	it.backend.mu.RLock()
	defer it.backend.mu.RUnlock()
	lo, hi := it.bounds(it.backend)
	return it.landAt(it.backend, hi-1, lo, hi)
}

func (it *memoryIterator) FirstInPrefix(prefix string) bool { it.prefix = prefix; return it.First() }
func (it *memoryIterator) LastInPrefix(prefix string) bool  { it.prefix = prefix; return it.Last() }

func (it *memoryIterator) LowerBound(prefix, key string) bool {
	it.prefix = prefix
	it.backend.mu.RLock()
	defer it.backend.mu.RUnlock()
	lo, hi := it.bounds(it.backend)
	i := it.backend.find(compare.EncodeKey(prefix, key))
	return it.landAt(it.backend, i, lo, hi)
}

func (it *memoryIterator) UpperBound(prefix, key string) bool {
	it.prefix = prefix
	it.backend.mu.RLock()
	defer it.backend.mu.RUnlock()
	lo, hi := it.bounds(it.backend)
	enc := compare.EncodeKey(prefix, key)
	i := it.backend.find(enc)
	if i < len(it.backend.keys) && compare.Bytes(it.backend.keys[i], enc) == 0 {
		i++
	}
	return it.landAt(it.backend, i, lo, hi)
}

func (it *memoryIterator) Next() bool {
	if !it.valid {
		return false
	}
	it.backend.mu.RLock()
	defer it.backend.mu.RUnlock()
	lo, hi := it.bounds(it.backend)
	i := it.backend.find(compare.EncodeKey(it.prefix, it.key))
	// i currently points at the smallest key >= our cached key; since our
	// cached key may since have been deleted, advance past any position
	// whose key is <= the cached key before landing.
	for i < hi && compare.Bytes(it.backend.keys[i], compare.EncodeKey(it.prefix, it.key)) <= 0 {
		i++
	}
	return it.landAt(it.backend, i, lo, hi)
}

func (it *memoryIterator) Prev() bool {
	if !it.valid {
		return false
	}
	it.backend.mu.RLock()
	defer it.backend.mu.RUnlock()
	lo, hi := it.bounds(it.backend)
	i := it.backend.find(compare.EncodeKey(it.prefix, it.key)) - 1
	return it.landAt(it.backend, i, lo, hi)
}

func (it *memoryIterator) Valid() bool    { return it.valid }
func (it *memoryIterator) Key() string    { return it.key }
func (it *memoryIterator) Value() []byte  { return it.value }
func (it *memoryIterator) Prefix() string { return it.prefix }
func (it *memoryIterator) Close() error   { return nil }

// memorySnapshotIterator walks an immutable copy of the matching key
// range taken at creation time.
type memorySnapshotIterator struct {
	prefix string
	keys   [][]byte
	vals   [][]byte
	pos    int
}

func (it *memorySnapshotIterator) land(i int) bool {
	if i < 0 || i >= len(it.keys) {
		it.pos = -1
		return false
	}
	it.pos = i
	return true
}

func (it *memorySnapshotIterator) First() bool { return it.land(0) }
func (it *memorySnapshotIterator) Last() bool  { return it.land(len(it.keys) - 1) }
func (it *memorySnapshotIterator) FirstInPrefix(prefix string) bool {
	it.prefix = prefix
	return it.First()
}
func (it *memorySnapshotIterator) LastInPrefix(prefix string) bool {
	it.prefix = prefix
	return it.Last()
}
func (it *memorySnapshotIterator) LowerBound(prefix, key string) bool {
	it.prefix = prefix
	enc := compare.EncodeKey(prefix, key)
	i := sort.Search(len(it.keys), func(i int) bool { return compare.Bytes(it.keys[i], enc) >= 0 })
	return it.land(i)
}
func (it *memorySnapshotIterator) UpperBound(prefix, key string) bool {
	it.prefix = prefix
	enc := compare.EncodeKey(prefix, key)
	i := sort.Search(len(it.keys), func(i int) bool { return compare.Bytes(it.keys[i], enc) > 0 })
	return it.land(i)
}
func (it *memorySnapshotIterator) Next() bool { return it.land(it.pos + 1) }
func (it *memorySnapshotIterator) Prev() bool { return it.land(it.pos - 1) }
func (it *memorySnapshotIterator) Valid() bool { return it.pos >= 0 && it.pos < len(it.keys) }
func (it *memorySnapshotIterator) Key() string {
	_, key, _ := compare.SplitKey(it.keys[it.pos])
	return key
}
func (it *memorySnapshotIterator) Value() []byte  { return it.vals[it.pos] }
func (it *memorySnapshotIterator) Prefix() string { return it.prefix }
func (it *memorySnapshotIterator) Close() error   { return nil }
