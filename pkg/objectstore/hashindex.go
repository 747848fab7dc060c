package objectstore

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/coldshard/objectcore/internal/ocerr"
)

// HashIndex maps (coll, oid) onto a path in a directory tree fanned out
// by the FNV-1a hash of oid, one byte of hash per directory level. A
// collection starts at depth 0 (all objects directly under the
// collection directory) and gains a level, for objects created from then
// on, once a directory's entry count crosses splitThreshold. Existing
// objects are not moved when a split happens, so a lookup that misses at
// the collection's current depth falls back to shallower depths — the
// same amortized-rebalance trick used by on-disk hashed object stores
// that can't afford to move everything synchronously at split time.
type HashIndex struct {
	root      string
	threshold int

	mu    sync.Mutex
	depth map[CollID]int
}

func NewHashIndex(root string, splitThreshold int) *HashIndex {
	return &HashIndex{root: root, threshold: splitThreshold, depth: map[CollID]int{}}
}

func hashOID(oid OID) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(oid))
	return h.Sum32()
}

func hexLevels(hash uint32, depth int) []string {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], hash)
	levels := make([]string, depth)
	for i := 0; i < depth; i++ {
		levels[i] = fmt.Sprintf("%02x", buf[i%4])
	}
	return levels
}

func (h *HashIndex) collDir(coll CollID) string {
	return filepath.Join(h.root, string(coll))
}

func (h *HashIndex) depthFile(coll CollID) string {
	return filepath.Join(h.collDir(coll), ".depth")
}

// currentDepth returns the collection's current fanout depth, loading it
// from the on-disk marker on first use.
func (h *HashIndex) currentDepth(coll CollID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if d, ok := h.depth[coll]; ok {
		return d
	}
	d := 0
	if b, err := os.ReadFile(h.depthFile(coll)); err == nil {
		if v, err := strconv.Atoi(string(b)); err == nil {
			d = v
		}
	}
	h.depth[coll] = d
	return d
}

func (h *HashIndex) pathAtDepth(coll CollID, oid OID, depth int) string {
	levels := hexLevels(hashOID(oid), depth)
	parts := append([]string{h.collDir(coll)}, levels...)
	parts = append(parts, sanitizeOID(oid))
	return filepath.Join(parts...)
}

// sanitizeOID escapes the path separator out of an oid so it can never
// point outside the collection's hashed subtree.
func sanitizeOID(oid OID) string {
	out := make([]byte, 0, len(oid))
	for i := 0; i < len(oid); i++ {
		if oid[i] == '/' {
			out = append(out, '_')
			continue
		}
		out = append(out, oid[i])
	}
	return string(out)
}

// CreatePath returns the path a new object should be created at, using
// the collection's current fanout depth, and ensures every directory
// component along that path exists.
func (h *HashIndex) CreatePath(coll CollID, oid OID) (string, error) {
	depth := h.currentDepth(coll)
	path := h.pathAtDepth(coll, oid, depth)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", ocerr.Wrap("hashindex.CreatePath", ocerr.Io, err)
	}
	h.maybeSplit(coll, filepath.Dir(path), depth)
	return path, nil
}

// maybeSplit bumps the collection's depth for future creates once the
// directory just written to holds more than threshold entries. It never
// rewrites existing object paths.
func (h *HashIndex) maybeSplit(coll CollID, dir string, depth int) {
	if h.threshold <= 0 {
		return
	}
	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) <= h.threshold {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.depth[coll] != depth {
		return // another goroutine already split
	}
	h.depth[coll] = depth + 1
	_ = os.WriteFile(h.depthFile(coll), []byte(strconv.Itoa(depth+1)), 0644)
}

// Lookup finds an existing object's path, trying the collection's current
// depth first and then walking shallower depths back to 0 to find
// objects created before the last split.
func (h *HashIndex) Lookup(coll CollID, oid OID) (string, bool) {
	depth := h.currentDepth(coll)
	for d := depth; d >= 0; d-- {
		p := h.pathAtDepth(coll, oid, d)
		if _, err := os.Stat(p); err == nil {
			return p, true
		}
	}
	return "", false
}

// CreateCollection makes the collection's root directory.
func (h *HashIndex) CreateCollection(coll CollID) error {
	if err := os.MkdirAll(h.collDir(coll), 0755); err != nil {
		return ocerr.Wrap("hashindex.CreateCollection", ocerr.Io, err)
	}
	return nil
}

// DestroyCollection removes a collection's entire directory tree. Callers
// must have already ensured the collection is empty of objects; this is
// not itself atomic with that check.
func (h *HashIndex) DestroyCollection(coll CollID) error {
	h.mu.Lock()
	delete(h.depth, coll)
	h.mu.Unlock()
	if err := os.RemoveAll(h.collDir(coll)); err != nil {
		return ocerr.Wrap("hashindex.DestroyCollection", ocerr.Io, err)
	}
	return nil
}

// RenameCollection renames a collection's directory in place, which on
// any POSIX filesystem is atomic with respect to concurrent lookups: a
// reader either sees the old name or the new one, never a partial tree.
func (h *HashIndex) RenameCollection(from, to CollID) error {
	h.mu.Lock()
	if d, ok := h.depth[from]; ok {
		h.depth[to] = d
		delete(h.depth, from)
	}
	h.mu.Unlock()
	if err := os.Rename(h.collDir(from), h.collDir(to)); err != nil {
		return ocerr.Wrap("hashindex.RenameCollection", ocerr.Io, err)
	}
	return nil
}

// ListPartial lists up to limit object ids in coll, in directory-walk
// order, resuming after the given marker (empty means from the start).
// It is a partial, not a sorted, listing: real hash index directory walks
// don't produce lexical order across split boundaries, and callers that
// need a total order should read the omap or attribute keyspace instead.
func (h *HashIndex) ListPartial(coll CollID, marker string, limit int) (oids []string, next string, err error) {
	seenMarker := marker == ""
	err = filepath.Walk(h.collDir(coll), func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if info.IsDir() || filepath.Base(path) == ".depth" {
			return nil
		}
		if len(oids) >= limit {
			next = marker
			if len(oids) > 0 {
				next = oids[len(oids)-1]
			}
			return filepath.SkipAll
		}
		name := filepath.Base(path)
		if !seenMarker {
			if name == marker {
				seenMarker = true
			}
			return nil
		}
		oids = append(oids, name)
		return nil
	})
	if err != nil {
		return nil, "", ocerr.Wrap("hashindex.ListPartial", ocerr.Io, err)
	}
	return oids, next, nil
}
