package pipeline

// Callbacks bundles the three completion hooks a submitter registers with
// QueueTransactions. The pipeline guarantees each non-nil hook is invoked
// exactly once; a submitter that only cares about one signal leaves the
// others nil.
type Callbacks struct {
	// OnReadableSync fires inline, on the apply worker's own goroutine,
	// before that worker begins applying the next op on this sequencer.
	// It must not block.
	OnReadableSync func()

	// OnReadable fires on the sequencer's finisher goroutine, in order
	// relative to other OnReadable calls on the same sequencer, but with
	// no ordering guarantee relative to OnReadableSync timing beyond
	// "after apply".
	OnReadable func()

	// OnCommit fires once the journal has confirmed this op's durability,
	// with the durability error (nil on success). In parallel mode it is
	// independent of apply and can fire before, during, or after it; in
	// trailing mode it fires after apply.
	OnCommit func(err error)
}
