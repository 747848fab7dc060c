package kvstore

import "github.com/coldshard/objectcore/internal/ocerr"

// wrapIO wraps a backend I/O failure as the single StoreError variant
// described in spec §4.A: callers branch on ocerr.Kind, not on which
// backend produced the error.
func wrapIO(op string, err error) error {
	return ocerr.Wrap(op, ocerr.Io, err)
}
