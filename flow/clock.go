package flow

import "time"

// Clock abstracts time for the engine, the expression date helpers, and the
// retry/delay paths so tests can substitute their own source.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time                         { return time.Now() }
func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// SystemClock returns the wall clock used by default.
func SystemClock() Clock { return systemClock{} }
