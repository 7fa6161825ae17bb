// Package pacer holds each benchmark round to a fixed wall-clock budget.
package pacer

import (
	"context"
	"sync/atomic"
	"time"
)

// Outcome describes how a round used its budget.
type Outcome struct {
	Busy    time.Duration // time from round start to Wait
	Slept   time.Duration // time spent sleeping out the remainder
	Overrun bool          // the round used its whole budget or more
}

// Pacer sleeps out the remainder of a round's budget.
//
// Unlike a token bucket, a round that overruns is not paid back by
// shortening the next one: every round starts from its own start time.
type Pacer struct {
	budget time.Duration
	now    func() time.Time

	rounds   atomic.Int64
	overruns atomic.Int64
}

// New creates a Pacer with the given per-round budget. A budget of zero or
// less disables pacing.
func New(budget time.Duration) *Pacer {
	return &Pacer{budget: budget, now: time.Now}
}

// Budget returns the per-round budget.
func (p *Pacer) Budget() time.Duration {
	return p.budget
}

// Wait blocks until budget has passed since start, or the context is
// cancelled. A round that already used its budget returns at once with
// Overrun set.
func (p *Pacer) Wait(ctx context.Context, start time.Time) (Outcome, error) {
	busy := p.now().Sub(start)
	out := Outcome{Busy: busy}
	p.rounds.Add(1)

	if p.budget <= 0 {
		return out, ctx.Err()
	}

	remaining := p.budget - busy
	if remaining <= 0 {
		out.Overrun = true
		p.overruns.Add(1)
		return out, ctx.Err()
	}

	timer := time.NewTimer(remaining)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		out.Slept = p.now().Sub(start) - busy
		return out, ctx.Err()
	case <-timer.C:
		out.Slept = remaining
		return out, nil
	}
}

// Rounds returns the number of rounds paced so far.
func (p *Pacer) Rounds() int64 {
	return p.rounds.Load()
}

// Overruns returns the number of rounds that used their whole budget.
func (p *Pacer) Overruns() int64 {
	return p.overruns.Load()
}

// Persistent reports whether more than half of the paced rounds overran.
func (p *Pacer) Persistent() bool {
	n := p.rounds.Load()
	return n > 0 && 2*p.overruns.Load() > n
}
