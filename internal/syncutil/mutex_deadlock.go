//go:build deadlock

// Package syncutil provides the mutex types guarding device handles and
// polling sessions. This file is compiled when building with -tags=deadlock.
package syncutil

import (
	"time"

	deadlock "github.com/sasha-s/go-deadlock"
)

// Mutex wraps deadlock.Mutex for deadlock detection.
type Mutex struct {
	deadlock.Mutex
}

// RWMutex wraps deadlock.RWMutex for deadlock detection.
type RWMutex struct {
	deadlock.RWMutex
}

// DetectionEnabled reports whether lock-order checking is compiled in.
const DetectionEnabled = true

// SetLockTimeout sets how long a lock may be waited on before it is
// reported. A device sweep holds the handle lock for up to ~30s, so callers
// should pick a value above that.
func SetLockTimeout(d time.Duration) {
	deadlock.Opts.DeadlockTimeout = d
}
