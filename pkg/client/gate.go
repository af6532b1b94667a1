package client

import (
	"context"
	"sync"
	"time"

	"github.com/Sternrassler/manga-cache/pkg/clock"
)

// cooldownGate is the pool-wide pause imposed after throttle and ban
// replies. Every attempt of every call passes through it.
type cooldownGate struct {
	mu     sync.Mutex
	until  time.Time
	reason ErrorClass
}

// extend pushes the gate out to until. An earlier deadline never
// shortens a pending cool-down.
func (g *cooldownGate) extend(until time.Time, reason ErrorClass) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if until.After(g.until) {
		g.until = until
		g.reason = reason
	}
}

// wait blocks until the gate is open. The deadline is re-read after each
// sleep since another call may have extended it meanwhile.
func (g *cooldownGate) wait(ctx context.Context, clk clock.Clock) (time.Duration, error) {
	var waited time.Duration
	for {
		g.mu.Lock()
		remaining := g.until.Sub(clk.Now())
		g.mu.Unlock()
		if remaining <= 0 {
			return waited, nil
		}
		if err := clk.Sleep(ctx, remaining); err != nil {
			return waited, err
		}
		waited += remaining
	}
}

// remaining returns the open cool-down and its cause.
func (g *cooldownGate) remaining(now time.Time) (time.Duration, ErrorClass) {
	g.mu.Lock()
	defer g.mu.Unlock()
	d := g.until.Sub(now)
	if d <= 0 {
		return 0, ""
	}
	return d, g.reason
}
