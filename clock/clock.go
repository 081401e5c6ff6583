// Package clock provides the cancellable timer used for call timeouts, reconnect backoff
// and heartbeats, so that all three can be driven by a fake clock in tests.
package clock

import "time"

// Timer is a scheduled callback. Stop reports whether it prevented the callback from running.
type Timer interface {
	Stop() bool
}

// Scheduler runs f once after d has elapsed.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realScheduler struct{}

// Real returns a Scheduler backed by time.AfterFunc. Callbacks run on their own goroutine.
func Real() Scheduler {
	return realScheduler{}
}

func (realScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
