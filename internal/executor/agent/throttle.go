package agent

import (
	"sync/atomic"
	"time"
)

// progressInterval is the minimum spacing between progress callbacks.
const progressInterval = 300 * time.Millisecond

// throttle suppresses calls arriving within progressInterval of the last
// accepted one. Suppressed updates are dropped, not queued; the terminal
// update is sent outside the throttle and always carries the full output.
type throttle struct {
	last atomic.Int64
}

// allow reports whether a call at the current time should go through.
func (t *throttle) allow() bool {
	now := time.Now().UnixMilli()
	for {
		last := t.last.Load()
		if now-last < progressInterval.Milliseconds() {
			return false
		}
		if t.last.CompareAndSwap(last, now) {
			return true
		}
	}
}

// wrap returns fn gated by the throttle.
func (t *throttle) wrap(fn func(string)) func(string) {
	return func(out string) {
		if t.allow() {
			fn(out)
		}
	}
}
