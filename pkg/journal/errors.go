package journal

import "github.com/coldshard/objectcore/internal/ocerr"

// IsFull reports whether err is the "ring journal full" condition that
// should apply pipeline-level backpressure rather than fail the op.
func IsFull(err error) bool { return ocerr.Is(err, ocerr.NoSpace) }

// IsCorrupt reports whether err reflects a bad header or an unrecoverable
// read failure encountered outside of normal torn-tail replay handling
// (which is silent, not an error).
func IsCorrupt(err error) bool { return ocerr.Is(err, ocerr.Corruption) }
