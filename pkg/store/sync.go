package store

import (
	"time"

	"github.com/coldshard/objectcore/internal/base"
)

// syncLoop is the one sync thread named in the concurrency model: it
// wakes at least every MaxSyncInterval and at most every MinSyncInterval,
// pushing filesystem writes to stable storage, recording the last durably
// applied op_seq, and trimming the journal behind it.
func (s *Store) syncLoop() {
	defer s.syncWG.Done()
	max := s.cfg.MaxSyncInterval
	if max <= 0 {
		max = time.Second
	}
	ticker := time.NewTicker(max)
	defer ticker.Stop()
	for {
		select {
		case <-s.syncStop:
			return
		case <-ticker.C:
			if err := s.doSync(); err != nil {
				s.log.WithError(err).Warn("periodic sync failed")
			}
			if min := s.cfg.MinSyncInterval; min > 0 {
				time.Sleep(min)
			}
		}
	}
}

// doSync performs one sync cycle: flush filesystem buffers, advance the
// on-disk commit_op_seq watermark to the journal's committed_thru, then
// trim the journal behind it so ring space is reclaimed.
func (s *Store) doSync() error {
	if err := s.objs.SyncFS(); err != nil {
		return err
	}
	thru := s.jrn.CommittedThru()
	if thru == 0 {
		return nil
	}
	seq := base.SeqNum(thru)
	if err := s.objs.WriteCommitSeq(seq); err != nil {
		return err
	}
	return s.jrn.Trim(thru)
}

// Sync performs one sync cycle immediately, for a caller that needs an
// explicit durability barrier rather than waiting for the background
// cadence.
func (s *Store) Sync() error {
	return s.doSync()
}
