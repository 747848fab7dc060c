// Package base holds the small value types shared across the storage
// engine: the monotone submission-order sequence number and the
// per-opcode replay position derived from it.
package base

import "sync/atomic"

// SeqNum is the monotone op-sequence number ("op_seq") assigned to a batch
// of transactions as it is admitted by the pipeline. Sequence numbers are
// dense per store, not per sequencer: two batches submitted against
// different sequencers still receive distinct, totally ordered SeqNums,
// which is what lets the journal record a single linear replay order
// while ObjectStore's replay guard enforces per-object idempotence.
type SeqNum uint64

// SeqNumInvalid is never assigned to a real batch; it is used as the zero
// value meaning "no replay guard has ever been set".
const SeqNumInvalid SeqNum = 0

// AtomicSeqNum is a SeqNum that can be read and advanced concurrently by
// submitters racing to be admitted into the pipeline.
type AtomicSeqNum struct {
	value atomic.Uint64
}

// Load atomically loads and returns the stored SeqNum.
func (a *AtomicSeqNum) Load() SeqNum { return SeqNum(a.value.Load()) }

// Store atomically stores s.
func (a *AtomicSeqNum) Store(s SeqNum) { a.value.Store(uint64(s)) }

// Next atomically increments the counter and returns the new value. The
// first call after a zero-value AtomicSeqNum returns 1, so SeqNumInvalid
// (0) is never handed out as a real op_seq.
func (a *AtomicSeqNum) Next() SeqNum { return SeqNum(a.value.Add(1)) }

// CompareAndSwap executes the compare-and-swap operation.
func (a *AtomicSeqNum) CompareAndSwap(old, new SeqNum) bool {
	return a.value.CompareAndSwap(uint64(old), uint64(new))
}
