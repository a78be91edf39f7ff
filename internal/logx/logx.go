// Package logx holds small logging helpers shared by pipeline stages.
package logx

import (
	"log/slog"
	"sync/atomic"
	"time"
)

// Every reports whether at least period has passed since the last time it
// returned true for last. Used to rate-limit drop and slow-write logs on
// hot paths.
func Every(last *atomic.Int64, period time.Duration) bool {
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

// Component returns log scoped to a pipeline component. A nil log falls back
// to slog.Default().
func Component(log *slog.Logger, name string) *slog.Logger {
	if log == nil {
		log = slog.Default()
	}
	return log.With("component", name)
}
