package pipeline

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// throttle bounds in-flight ops and in-flight bytes. Submit blocks in
// acquire once either cap is reached, per the backpressure contract.
type throttle struct {
	ops      *semaphore.Weighted
	bytes    *semaphore.Weighted
	maxBytes int64
}

func newThrottle(maxOps int, maxBytes int64) *throttle {
	if maxOps <= 0 {
		maxOps = 1
	}
	if maxBytes <= 0 {
		maxBytes = 1
	}
	return &throttle{
		ops:      semaphore.NewWeighted(int64(maxOps)),
		bytes:    semaphore.NewWeighted(maxBytes),
		maxBytes: maxBytes,
	}
}

// acquire reserves capacity for one op of nbytes, clamping a single op
// larger than the entire byte budget rather than blocking forever on a
// request the semaphore could never satisfy.
func (t *throttle) acquire(ctx context.Context, nbytes int64) error {
	if nbytes > t.maxBytes {
		nbytes = t.maxBytes
	}
	if nbytes < 1 {
		nbytes = 1
	}
	if err := t.ops.Acquire(ctx, 1); err != nil {
		return err
	}
	if err := t.bytes.Acquire(ctx, nbytes); err != nil {
		t.ops.Release(1)
		return err
	}
	return nil
}

func (t *throttle) release(nbytes int64) {
	if nbytes > t.maxBytes {
		nbytes = t.maxBytes
	}
	if nbytes < 1 {
		nbytes = 1
	}
	t.bytes.Release(nbytes)
	t.ops.Release(1)
}
