package domain

import "time"

// Clock abstracts wall time so the periodic loops (reconciler, risk guard)
// run on deterministic, mockable schedules in tests.
type Clock interface {
	Now() time.Time
	NewTicker(d time.Duration) ClockTicker
	After(d time.Duration) <-chan time.Time
}

// ClockTicker mirrors time.Ticker behind an interface.
type ClockTicker interface {
	C() <-chan time.Time
	Stop()
}

type realClock struct{}

// RealClock returns a Clock backed by the time package.
func RealClock() Clock { return realClock{} }

func (realClock) Now() time.Time                         { return time.Now().UTC() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (realClock) NewTicker(d time.Duration) ClockTicker {
	return &realTicker{t: time.NewTicker(d)}
}

type realTicker struct{ t *time.Ticker }

func (r *realTicker) C() <-chan time.Time { return r.t.C }
func (r *realTicker) Stop()               { r.t.Stop() }
