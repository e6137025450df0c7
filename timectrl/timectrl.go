package timectrl

import (
	"context"
	"sync"
	"time"
)

// SimClock is an interface for reading simulation time and tick count.
type SimClock interface {
	// Now returns the current simulation time.
	Now() time.Time
	// Ticks returns how many ticks have elapsed since start.
	Ticks() uint64
}

// Mode describes how the TimeController advances simulation time.
type Mode int

const (
	// RealTime advances according to wall-clock time.
	RealTime Mode = iota
	// Accelerated advances as quickly as the loop can run while still stepping by Tick.
	Accelerated
)

// Listener is invoked once per tick with the new simulation time.
type Listener func(ctx context.Context, simTime time.Time)

// TimeController drives simulation time and notifies registered listeners.
// Listeners run sequentially on the controller's goroutine, so a tick is
// never interleaved with the next one.
type TimeController struct {
	mu        sync.RWMutex
	StartTime time.Time
	Tick      time.Duration
	Mode      Mode

	currentTime time.Time
	ticks       uint64

	listeners []Listener
}

// NewTimeController constructs a controller.
func NewTimeController(start time.Time, tick time.Duration, mode Mode) *TimeController {
	return &TimeController{
		StartTime:   start,
		Tick:        tick,
		Mode:        mode,
		currentTime: start,
	}
}

// Now returns the current simulation time. Implements SimClock.
func (tc *TimeController) Now() time.Time {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.currentTime
}

// Ticks returns the number of ticks taken. Implements SimClock.
func (tc *TimeController) Ticks() uint64 {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.ticks
}

// SetTime moves the simulation clock without notifying listeners.
func (tc *TimeController) SetTime(t time.Time) {
	tc.mu.Lock()
	tc.currentTime = t
	tc.mu.Unlock()
}

// AddListener registers a callback invoked on every tick.
func (tc *TimeController) AddListener(fn Listener) {
	if fn == nil {
		return
	}
	tc.mu.Lock()
	tc.listeners = append(tc.listeners, fn)
	tc.mu.Unlock()
}

// Step advances one tick synchronously and returns the new simulation time.
func (tc *TimeController) Step(ctx context.Context) time.Time {
	tc.mu.Lock()
	tc.currentTime = tc.currentTime.Add(tc.Tick)
	tc.ticks++
	now := tc.currentTime
	listeners := append([]Listener(nil), tc.listeners...)
	tc.mu.Unlock()

	for _, fn := range listeners {
		fn(ctx, now)
	}
	return now
}

// Run ticks until ctx is cancelled or, when maxTicks > 0, until that many
// ticks have been taken. It returns a channel closed when the loop exits.
func (tc *TimeController) Run(ctx context.Context, maxTicks uint64) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)

		var ticker *time.Ticker
		if tc.Mode == RealTime {
			ticker = time.NewTicker(tc.Tick)
			defer ticker.Stop()
		}

		for taken := uint64(0); maxTicks == 0 || taken < maxTicks; taken++ {
			if ticker != nil {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
				}
			} else if ctx.Err() != nil {
				return
			}
			tc.Step(ctx)
		}
	}()
	return done
}
