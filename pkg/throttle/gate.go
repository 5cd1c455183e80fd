// Package throttle tracks the remote API's shared rate budget. Any caller that
// is rejected with a retry-after hint puts every caller on hold until the
// hint has passed.
package throttle

import (
	"context"
	"sync"
	"time"
)

const (
	modeNormal = "normal"
	modeHeld   = "held"
)

// DefaultPad is added on top of every retry-after hint.
const DefaultPad = time.Second

type State struct {
	Mode        string
	HoldUntil   time.Time
	LastWait    time.Duration
	Throttles   int
	LastTrigger string
}

type Gate struct {
	mu    sync.Mutex
	st    State
	pad   time.Duration
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

type Option func(*Gate)

func WithPad(d time.Duration) Option {
	return func(g *Gate) {
		if d >= 0 {
			g.pad = d
		}
	}
}

// WithClock replaces the time source and the sleep primitive; tests use it to
// observe waits without sleeping.
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(g *Gate) {
		if now != nil {
			g.now = now
		}
		if sleep != nil {
			g.sleep = sleep
		}
	}
}

func NewGate(opts ...Option) *Gate {
	g := &Gate{
		st:    State{Mode: modeNormal},
		pad:   DefaultPad,
		now:   time.Now,
		sleep: Sleep,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// OnThrottled records a rejection and returns the hold it imposes. A shorter
// hint never shortens an existing hold.
func (g *Gate) OnThrottled(trigger string, retryAfter time.Duration) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	wait := retryAfter + g.pad
	holdUntil := now.Add(wait)
	if holdUntil.After(g.st.HoldUntil) {
		g.st.HoldUntil = holdUntil
	}
	g.st.Mode = modeHeld
	g.st.LastWait = wait
	g.st.LastTrigger = trigger
	g.st.Throttles++
	return g.st.HoldUntil.Sub(now)
}

// Wait blocks until any hold has expired or ctx is done.
func (g *Gate) Wait(ctx context.Context) error {
	for {
		g.mu.Lock()
		now := g.now()
		remaining := g.st.HoldUntil.Sub(now)
		if remaining <= 0 {
			g.st.Mode = modeNormal
			g.mu.Unlock()
			return ctx.Err()
		}
		g.mu.Unlock()

		if err := g.sleep(ctx, remaining); err != nil {
			return err
		}
	}
}

// Pause sleeps for d using the gate's clock.
func (g *Gate) Pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	return g.sleep(ctx, d)
}

func (g *Gate) Held() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.now().Before(g.st.HoldUntil)
}

func (g *Gate) Snapshot() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.st
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
