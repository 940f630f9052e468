package correlation

import (
	"sync/atomic"
	"time"
)

// maxAdaptiveBatchSize caps batch growth under sustained load.
const maxAdaptiveBatchSize = 100

// throttle adapts the engine's behavior when per-event latency exceeds the
// target: past 2x the target parallel rule evaluation is switched off, past
// 1.5x the batch size grows. Both settings are process-local and reset on
// every rule reload.
type throttle struct {
	target time.Duration

	parallelDisabled atomic.Bool
	batchSize        atomic.Int64
	baseBatch        int64
}

func newThrottle(target time.Duration, batchSize int) *throttle {
	t := &throttle{
		target:    target,
		baseBatch: int64(batchSize),
	}
	t.batchSize.Store(int64(batchSize))
	return t
}

// Observe feeds one per-event latency sample.
func (t *throttle) Observe(latency time.Duration) {
	if t.target <= 0 || latency <= t.target {
		return
	}

	if latency > 2*t.target {
		t.parallelDisabled.Store(true)
	}
	if latency > t.target*3/2 {
		for {
			cur := t.batchSize.Load()
			if cur >= maxAdaptiveBatchSize {
				break
			}
			next := cur * 2
			if next > maxAdaptiveBatchSize {
				next = maxAdaptiveBatchSize
			}
			if t.batchSize.CompareAndSwap(cur, next) {
				break
			}
		}
	}
}

// ParallelAllowed reports whether parallel rule evaluation is still on.
func (t *throttle) ParallelAllowed() bool {
	return !t.parallelDisabled.Load()
}

// BatchSize returns the current batch size.
func (t *throttle) BatchSize() int {
	return int(t.batchSize.Load())
}

// Reset restores the configured behavior. Called on rule reloads.
func (t *throttle) Reset() {
	t.parallelDisabled.Store(false)
	t.batchSize.Store(t.baseBatch)
}
