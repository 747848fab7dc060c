package objectstore

import (
	"io"
	"os"

	"golang.org/x/sys/unix"

	"github.com/coldshard/objectcore/internal/ocerr"
)

// Exists reports whether (coll, oid) currently names a live object.
func (s *Store) Exists(coll CollID, oid OID) bool {
	_, ok := s.hi.Lookup(coll, oid)
	return ok
}

// Stat returns the byte-stream metadata for (coll, oid).
func (s *Store) Stat(coll CollID, oid OID) (Stat, error) {
	path, ok := s.hi.Lookup(coll, oid)
	if !ok {
		return Stat{}, ocerr.New("objectstore.Stat", ocerr.NotFound, "object not found")
	}
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return Stat{}, ocerr.Wrap("objectstore.Stat", ocerr.Io, err)
	}
	return Stat{Size: st.Size, Blksize: int64(st.Blksize)}, nil
}

// Read returns up to length bytes starting at offset from (coll, oid).
// A read that runs past end-of-file returns the bytes available with no
// error, matching pread(2) short-read semantics.
func (s *Store) Read(coll CollID, oid OID, offset, length int64) ([]byte, error) {
	path, ok := s.hi.Lookup(coll, oid)
	if !ok {
		return nil, ocerr.New("objectstore.Read", ocerr.NotFound, "object not found")
	}
	f, err := s.fds.Open(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, ocerr.Wrap("objectstore.Read", ocerr.Io, err)
	}
	buf := make([]byte, length)
	n, err := f.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return nil, ocerr.Wrap("objectstore.Read", ocerr.Io, err)
	}
	return buf[:n], nil
}

// GetAttr returns one attribute value on (coll, oid).
func (s *Store) GetAttr(coll CollID, oid OID, name string) ([]byte, error) {
	path, ok := s.hi.Lookup(coll, oid)
	if !ok {
		return nil, ocerr.New("objectstore.GetAttr", ocerr.NotFound, "object not found")
	}
	return s.attrs.GetAttr(path, coll, oid, name)
}

// GetAttrs returns every attribute set on (coll, oid).
func (s *Store) GetAttrs(coll CollID, oid OID) (map[string][]byte, error) {
	path, ok := s.hi.Lookup(coll, oid)
	if !ok {
		return nil, ocerr.New("objectstore.GetAttrs", ocerr.NotFound, "object not found")
	}
	names, err := s.attrs.ListAttrs(path)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(names))
	for _, n := range names {
		if n == guardAttrName || n == omapHeaderAttr {
			continue
		}
		v, err := s.attrs.GetAttr(path, coll, oid, n)
		if err != nil {
			return nil, err
		}
		out[n] = v
	}
	return out, nil
}

// ListCollections returns every collection currently present under the
// store's root.
func (s *Store) ListCollections() ([]CollID, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, ocerr.Wrap("objectstore.ListCollections", ocerr.Io, err)
	}
	out := make([]CollID, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, CollID(e.Name()))
		}
	}
	return out, nil
}

// CollectionListPartial lists between min and max object ids of coll
// starting after marker, returning a resumption marker for the next
// call. It is a directory-walk order listing, not a sorted one; see
// HashIndex.ListPartial.
func (s *Store) CollectionListPartial(coll CollID, marker string, min, max int) ([]string, string, error) {
	limit := max
	if limit <= 0 {
		limit = min
	}
	return s.hi.ListPartial(coll, marker, limit)
}
