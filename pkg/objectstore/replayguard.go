package objectstore

import (
	"github.com/coldshard/objectcore/internal/base"
	"github.com/coldshard/objectcore/internal/ocerr"
)

// guardAttrName is the xattr name an object file's replay guard is
// recorded under. Collection guards live in KVStore (collGuardKeySpace).
const guardAttrName = "replay-guard"

// checkReplayGuard reads path's replay guard and evaluates spos against
// it. A missing guard behaves as GuardApply: the object has never been
// touched by a journaled operation.
func (s *Store) checkReplayGuard(path string, coll CollID, oid OID, spos base.Spos) (GuardDecision, error) {
	raw, err := s.attrs.GetAttr(path, coll, oid, guardAttrName)
	if err != nil {
		if ocerr.Is(err, ocerr.NoData) {
			return GuardApply, nil
		}
		return GuardApply, err
	}
	g, ok := decodeGuard(raw)
	if !ok {
		return GuardApply, ocerr.New("objectstore.checkReplayGuard", ocerr.Corruption, "malformed replay guard")
	}
	return g.Check(spos), nil
}

// beginReplayGuard marks spos in-progress on path before a multi-step
// opcode (e.g. a clone-range spanning several syscalls) so that a crash
// mid-opcode is recognized as GuardInProgress on the next replay rather
// than silently skipped or double-applied.
func (s *Store) beginReplayGuard(path string, coll CollID, oid OID, spos base.Spos) error {
	return s.attrs.SetAttr(path, coll, oid, guardAttrName, encodeGuard(ReplayGuard{LastApplied: spos, InProgress: true}))
}

// commitReplayGuard records spos as fully applied and clears the
// in-progress flag.
func (s *Store) commitReplayGuard(path string, coll CollID, oid OID, spos base.Spos) error {
	return s.attrs.SetAttr(path, coll, oid, guardAttrName, encodeGuard(ReplayGuard{LastApplied: spos, InProgress: false}))
}

// collGuardKeySpace is the KVStore keyspace collection-level replay guards
// are persisted under, keyed by collection id. Unlike an object, a
// collection may not have a directory yet at guard-check time — that's
// exactly what OpCreateCollection's own guard check runs before — so its
// guard can't live in an xattr the way an object's does.
const collGuardKeySpace = "coll-replay-guard"

func (s *Store) checkCollReplayGuard(coll CollID, spos base.Spos) (GuardDecision, error) {
	key := string(coll)
	got, err := s.kv.Get(collGuardKeySpace, []string{key})
	if err != nil {
		return GuardApply, ocerr.Wrap("objectstore.checkCollReplayGuard", ocerr.Io, err)
	}
	raw, ok := got[key]
	if !ok {
		return GuardApply, nil
	}
	g, ok := decodeGuard(raw)
	if !ok {
		return GuardApply, ocerr.New("objectstore.checkCollReplayGuard", ocerr.Corruption, "malformed replay guard")
	}
	return g.Check(spos), nil
}

func (s *Store) beginCollReplayGuard(coll CollID, spos base.Spos) error {
	txn := s.kv.NewTransaction()
	txn.Set(collGuardKeySpace, string(coll), encodeGuard(ReplayGuard{LastApplied: spos, InProgress: true}))
	return ocerr.Wrap("objectstore.beginCollReplayGuard", ocerr.Io, txn.Commit())
}

func (s *Store) commitCollReplayGuard(coll CollID, spos base.Spos) error {
	txn := s.kv.NewTransaction()
	txn.Set(collGuardKeySpace, string(coll), encodeGuard(ReplayGuard{LastApplied: spos, InProgress: false}))
	return ocerr.Wrap("objectstore.commitCollReplayGuard", ocerr.Io, txn.Commit())
}
