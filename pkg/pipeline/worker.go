package pipeline

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/coldshard/objectcore/pkg/config"
)

// runWorkers starts n apply workers, each pulling a ready Sequencer off
// workCh and applying its head-of-queue op. Workers exit when ctx is
// cancelled; Shutdown cancels ctx after every sequencer has flushed.
func (p *Pipeline) runWorkers(ctx context.Context, n int) {
	for i := 0; i < n; i++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			p.workerLoop(ctx, id)
		}(i)
	}
}

func (p *Pipeline) workerLoop(ctx context.Context, id int) {
	log := p.log.WithField("worker", id)
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-p.workCh:
			p.applyOne(log, s)
		}
	}
}

// applyOne executes the sequencer's head-of-queue op under its apply
// lock, per the "apply worker holds the per-sequencer apply_lock across
// the entire transaction" suspension-point rule, then fires the readable
// callbacks and reschedules the sequencer if more work is queued. Commit
// callbacks fire from the journal's onDurable, not from here.
func (p *Pipeline) applyOne(log *logrus.Entry, s *Sequencer) {
	s.applyLock.Lock()
	e := s.front()
	if e == nil {
		s.applyLock.Unlock()
		return
	}
	// In writeahead mode the head is applied only once the journal has
	// confirmed it; its onDurable schedules this sequencer again.
	if d := p.cfg.JournalDurability; d != config.Parallel && d != config.Trailing {
		s.qlock.Lock()
		awaitingJournal := false
		for _, sq := range s.jq {
			awaitingJournal = awaitingJournal || sq == e.seq
		}
		s.qlock.Unlock()
		if awaitingJournal {
			s.applyLock.Unlock()
			return
		}
	}

	start := e.submitted
	err := p.store.ApplyTransaction(e.tx, e.seq)
	if err != nil {
		log.WithError(err).WithField("seq", e.seq).Error("transaction apply failed")
	}
	if e.applied != nil {
		close(e.applied)
	}
	if slow := p.cfg.SlowOpThreshold; slow > 0 {
		if elapsed := time.Since(start); elapsed > slow {
			log.WithField("seq", e.seq).WithField("elapsed", elapsed).Warn("slow op")
		}
	}

	hasMore := s.popAndReschedule()

	if e.cb.OnReadableSync != nil {
		e.cb.OnReadableSync()
	}
	if e.cb.OnReadable != nil {
		fn := e.cb.OnReadable
		s.finisher <- fn
	}
	s.applyLock.Unlock()

	p.throttle.release(e.nbytes)

	if hasMore {
		p.schedule(s)
	}
}
