// Package pipeline implements component 4.D OpPipeline: it accepts
// transaction batches keyed by an ordering domain (Sequencer), journals
// them, and dispatches their application to ObjectStore, invoking
// completion callbacks as each op crosses the readable and durable
// thresholds.
package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/coldshard/objectcore/internal/base"
	"github.com/coldshard/objectcore/internal/ocerr"
	"github.com/coldshard/objectcore/pkg/config"
	"github.com/coldshard/objectcore/pkg/journal"
	"github.com/coldshard/objectcore/pkg/objectstore"
)

// Pipeline is the mounted OpPipeline: the sequencer registry, apply
// worker pool, and throttle sit here; Journal and ObjectStore are wired
// in at construction and owned by the caller (pkg/store's facade).
type Pipeline struct {
	journal *journal.Journal
	store   *objectstore.Store
	cfg     config.StoreConfig
	log     *logrus.Entry

	nextSeq uint64

	seqMu      sync.Mutex
	sequencers map[string]*Sequencer

	throttle *throttle
	workCh   chan *Sequencer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closing atomic.Bool
}

// New starts a Pipeline's worker pool over an already-mounted journal and
// object store. Callers that are recovering from a mount should call
// Replay before accepting new submissions.
func New(j *journal.Journal, store *objectstore.Store, cfg config.StoreConfig) *Pipeline {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		journal:    j,
		store:      store,
		cfg:        cfg,
		log:        logrus.WithField("component", "pipeline"),
		sequencers: map[string]*Sequencer{},
		throttle:   newThrottle(cfg.QueueMaxOps, cfg.QueueMaxBytes),
		workCh:     make(chan *Sequencer, 4096),
		ctx:        ctx,
		cancel:     cancel,
	}
	workers := cfg.ApplyWorkers
	if workers <= 0 {
		workers = 1
	}
	p.runWorkers(ctx, workers)
	return p
}

// Replay asks the journal to replay every entry not yet reflected on
// disk, feeding each one through ObjectStore's replay-guard-protected
// apply path directly (not through the sequencer/worker machinery, since
// there are no live submitters yet during recovery).
func (p *Pipeline) Replay(afterSeq uint64) error {
	err := p.journal.Replay(afterSeq, func(seq uint64, payload []byte) error {
		tx, err := objectstore.DecodeTransaction(payload)
		if err != nil {
			return err
		}
		if err := p.store.ApplyTransaction(tx, base.SeqNum(seq)); err != nil {
			return err
		}
		for {
			cur := atomic.LoadUint64(&p.nextSeq)
			if seq <= cur || atomic.CompareAndSwapUint64(&p.nextSeq, cur, seq) {
				break
			}
		}
		return nil
	})
	return err
}

func (p *Pipeline) sequencerFor(id string) *Sequencer {
	p.seqMu.Lock()
	defer p.seqMu.Unlock()
	s, ok := p.sequencers[id]
	if !ok {
		s = newSequencer(id)
		p.sequencers[id] = s
	}
	return s
}

// schedule pushes s onto the work channel. It is called when s
// transitions from idle to non-idle, when applyOne leaves work behind,
// and, in writeahead mode, from every onDurable; a redundant entry finds
// nothing ready and applyOne returns without applying.
func (p *Pipeline) schedule(s *Sequencer) {
	select {
	case p.workCh <- s:
	case <-p.ctx.Done():
	}
}

// mergeTransactions folds txs into the single transaction that will be
// journaled and applied together. maxEntries, drawn from
// config.MaxLogEntriesPerEvent, caps how many transactions may be
// coalesced into one journal append; callers that exceed it must split
// the batch themselves rather than have it silently truncated.
func mergeTransactions(txs []objectstore.Transaction, maxEntries int) (objectstore.Transaction, error) {
	if maxEntries > 0 && len(txs) > maxEntries {
		return objectstore.Transaction{}, ErrTooManyTransactions
	}
	var ops []objectstore.Op
	for _, tx := range txs {
		ops = append(ops, tx.Ops...)
	}
	return objectstore.Transaction{Ops: ops}, nil
}

// QueueTransactions is queue_transactions: it admits txs as one journaled
// batch against sequencerID's ordering domain, reserving throttle
// capacity (blocking if the pipeline is over its in-flight caps) and
// returning the assigned op_seq. cb's hooks fire as the op crosses the
// readable and durable thresholds described in Callbacks.
func (p *Pipeline) QueueTransactions(sequencerID string, txs []objectstore.Transaction, cb Callbacks) (base.SeqNum, error) {
	if p.closing.Load() {
		return 0, ErrShuttingDown
	}

	merged, err := mergeTransactions(txs, p.cfg.MaxLogEntriesPerEvent)
	if err != nil {
		return 0, err
	}
	payload := objectstore.EncodeTransaction(merged)
	nbytes := int64(len(payload))

	if err := p.throttle.acquire(p.ctx, nbytes); err != nil {
		return 0, ocerr.Wrap("pipeline.QueueTransactions", ocerr.Fatal, err)
	}

	seq := base.SeqNum(atomic.AddUint64(&p.nextSeq, 1))
	s := p.sequencerFor(sequencerID)
	e := &entry{seq: seq, tx: merged, cb: cb, nbytes: nbytes, submitted: time.Now()}
	if p.cfg.JournalDurability == config.Trailing {
		e.applied = make(chan struct{})
	}
	needsSchedule := s.enqueue(e)

	onDurable := func(err error) {
		s.markJournaled(seq)
		s.finisher <- func() {
			if cb.OnCommit != nil {
				cb.OnCommit(err)
			}
		}
		if p.cfg.JournalDurability == config.Writeahead {
			p.schedule(s)
		}
	}

	switch p.cfg.JournalDurability {
	case config.Parallel:
		// Apply is enqueued immediately and the journal write races it;
		// on_commit resolves independently once onDurable fires.
		if needsSchedule {
			p.schedule(s)
		}
		go p.appendJournal(seq, payload, onDurable)
	case config.Trailing:
		// Apply is enqueued immediately, but the journal write does not
		// start until this entry's apply has actually finished. Only
		// safe for a snapshotting backend, since a crash between apply
		// and journal write loses the op.
		if needsSchedule {
			p.schedule(s)
		}
		go func() {
			<-e.applied
			p.appendJournal(seq, payload, onDurable)
		}()
	default: // config.Writeahead
		// Apply does not begin until the journal confirms durability;
		// onDurable itself schedules the sequencer.
		go p.appendJournal(seq, payload, onDurable)
	}

	return seq, nil
}

func (p *Pipeline) appendJournal(seq base.SeqNum, payload []byte, onDurable func(error)) {
	if err := p.journal.Append(uint64(seq), payload, onDurable); err != nil {
		p.log.WithError(err).WithField("seq", seq).Warn("journal append reported an error")
	}
}

// Flush blocks until sequencerID's queue is empty: every admitted op has
// applied and had its journal durability resolved.
func (p *Pipeline) Flush(sequencerID string) {
	p.sequencerFor(sequencerID).flush()
}

// Shutdown refuses new submissions, drains every sequencer, stops the
// worker pool, and returns once all in-flight work has quiesced. It does
// not close the journal or object store; the caller (pkg/store) owns
// that.
func (p *Pipeline) Shutdown() {
	p.closing.Store(true)

	p.seqMu.Lock()
	seqs := make([]*Sequencer, 0, len(p.sequencers))
	for _, s := range p.sequencers {
		seqs = append(seqs, s)
	}
	p.seqMu.Unlock()

	for _, s := range seqs {
		s.flush()
	}

	p.cancel()
	p.wg.Wait()

	for _, s := range seqs {
		s.close()
	}
}
