// Package objectstore implements component 4.C: mapping each (collection,
// object) pair to a file in a hashed directory tree, applying journaled
// transaction batches to those files idempotently, and layering
// attributes and per-object omaps on top of kvstore.Store.
package objectstore

import (
	"github.com/coldshard/objectcore/internal/base"
)

// CollID names a collection: a namespace of objects sharing one HashIndex
// directory tree and one omap keyspace.
type CollID string

// OID names an object within a collection.
type OID string

// SnapID names a KVStore-visible point-in-time snapshot; SnapNone means
// "the live view".
type SnapID uint64

const SnapNone SnapID = 0

// Stat describes an object's byte-stream metadata, the subset ObjectStore
// tracks itself rather than delegating to the filesystem inode.
type Stat struct {
	Size    int64
	Blksize int64
}

// ReplayGuard is the decoded form of the guard recorded for every object
// (as an xattr) and every collection (as a KVStore record under
// collGuardKeySpace) that has ever been touched by a transaction:
// the highest Spos applied so far, and whether a multi-step opcode left
// it mid-flight.
type ReplayGuard struct {
	LastApplied base.Spos
	InProgress  bool
}

// GuardDecision is the result of consulting a ReplayGuard against an
// incoming opcode's Spos.
type GuardDecision int

const (
	GuardApply GuardDecision = iota
	GuardSkip
	GuardInProgress
)

// Check implements the replay-guard decision table: apply if this spos is
// new, skip if it was already durably applied, or report in-progress if a
// previous attempt at this exact spos was interrupted mid-opcode.
func (g ReplayGuard) Check(spos base.Spos) GuardDecision {
	switch {
	case spos.Compare(g.LastApplied) > 0:
		return GuardApply
	case g.InProgress && spos.Compare(g.LastApplied) == 0:
		return GuardInProgress
	default:
		return GuardSkip
	}
}
