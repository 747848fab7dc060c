package pipeline

import (
	"sync"
	"time"

	"github.com/coldshard/objectcore/internal/base"
	"github.com/coldshard/objectcore/pkg/objectstore"
)

// entry is one admitted op awaiting or undergoing apply.
type entry struct {
	seq       base.SeqNum
	tx        objectstore.Transaction
	cb        Callbacks
	nbytes    int64
	submitted time.Time

	// applied is closed once applyOne has run this entry's transaction
	// against the object store, whatever the outcome. Trailing durability
	// mode waits on it before starting the journal write, since that
	// mode's whole point is applying before journaling rather than
	// racing the two.
	applied chan struct{}
}

// Sequencer is an OpSequencer: one FIFO ordering domain. Every op
// admitted against the same sequencer applies in submission order and
// journal order; two different sequencers may apply concurrently. q holds
// ops awaiting or undergoing apply; jq holds seqs awaiting journal
// durability. flush() blocks until both are empty.
type Sequencer struct {
	id string

	qlock     sync.Mutex
	cond      *sync.Cond
	q         []*entry
	jq        []base.SeqNum
	scheduled bool // true while this sequencer sits on the pipeline's work channel

	applyLock sync.Mutex

	finisherOnce sync.Once
	finisher     chan func()
}

func newSequencer(id string) *Sequencer {
	s := &Sequencer{id: id, finisher: make(chan func(), 256)}
	s.cond = sync.NewCond(&s.qlock)
	go s.runFinisher()
	return s
}

func (s *Sequencer) runFinisher() {
	for fn := range s.finisher {
		fn()
	}
}

// enqueue pushes e onto q and jq and reports whether the sequencer needs
// to be (re-)scheduled for apply.
func (s *Sequencer) enqueue(e *entry) (needsSchedule bool) {
	s.qlock.Lock()
	defer s.qlock.Unlock()
	s.q = append(s.q, e)
	s.jq = append(s.jq, e.seq)
	if !s.scheduled {
		s.scheduled = true
		return true
	}
	return false
}

// front returns the head of q without removing it.
func (s *Sequencer) front() *entry {
	s.qlock.Lock()
	defer s.qlock.Unlock()
	if len(s.q) == 0 {
		return nil
	}
	return s.q[0]
}

// popAndReschedule removes the applied head of q and reports whether more
// work remains, clearing the scheduled flag if not.
func (s *Sequencer) popAndReschedule() (hasMore bool) {
	s.qlock.Lock()
	defer s.qlock.Unlock()
	if len(s.q) > 0 {
		s.q = s.q[1:]
	}
	s.cond.Broadcast()
	hasMore = len(s.q) > 0
	s.scheduled = hasMore
	return hasMore
}

// markJournaled removes seq from jq once the journal confirms (or
// definitively fails) its durability.
func (s *Sequencer) markJournaled(seq base.SeqNum) {
	s.qlock.Lock()
	defer s.qlock.Unlock()
	for i, sq := range s.jq {
		if sq == seq {
			s.jq = append(s.jq[:i], s.jq[i+1:]...)
			break
		}
	}
	s.cond.Broadcast()
}

// flush blocks until every op admitted so far has both applied and had
// its journal durability resolved.
func (s *Sequencer) flush() {
	s.qlock.Lock()
	defer s.qlock.Unlock()
	for len(s.q) != 0 || len(s.jq) != 0 {
		s.cond.Wait()
	}
}

func (s *Sequencer) depth() int {
	s.qlock.Lock()
	defer s.qlock.Unlock()
	return len(s.q)
}

func (s *Sequencer) close() {
	s.finisherOnce.Do(func() { close(s.finisher) })
}
