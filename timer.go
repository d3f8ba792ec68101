package pipemux

import (
	"context"
	"time"
)

// Clock abstracts timer scheduling so tests can drive virtual time instead of
// sleeping on the wall clock. Request timeouts, the startup grace period,
// reconnect backoff and the health probe interval all go through it.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
	NewTicker(d time.Duration) Ticker
	Sleep(ctx context.Context, d time.Duration) error
}

// Timer is a stoppable pending callback.
type Timer interface {
	Stop() bool
}

// Ticker delivers ticks on a channel until stopped.
type Ticker interface {
	Chan() <-chan time.Time
	Stop()
}

// systemClock is the wall-clock implementation used outside tests.
type systemClock struct{}

// SystemClock returns the wall-clock Clock.
func SystemClock() Clock { return systemClock{} }

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

func (systemClock) NewTicker(d time.Duration) Ticker {
	return &systemTicker{t: time.NewTicker(d)}
}

func (systemClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type systemTicker struct {
	t *time.Ticker
}

func (s *systemTicker) Chan() <-chan time.Time { return s.t.C }
func (s *systemTicker) Stop()                  { s.t.Stop() }
