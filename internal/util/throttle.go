package util

import (
	"sync/atomic"
	"time"
)

// ShouldLog reports whether at least period has passed since the last time
// it returned true for last. It is safe for concurrent use.
func ShouldLog(last *atomic.Int64, period time.Duration) bool {
	if last == nil || period <= 0 {
		return true
	}

	now := time.Now().UnixNano()
	for {
		prev := last.Load()
		if prev != 0 && time.Duration(now-prev) < period {
			return false
		}
		if last.CompareAndSwap(prev, now) {
			return true
		}
	}
}
