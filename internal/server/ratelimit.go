package server

import (
	"context"
	"sync"
	"time"
)

// rateLimiter is a per-agent fixed-window limiter.
type rateLimiter struct {
	mu     sync.Mutex
	agents map[string]*window
	rate   int
	window time.Duration
	now    func() time.Time
}

type window struct {
	count int
	start time.Time
}

func newRateLimiter(rate int, w time.Duration) *rateLimiter {
	return &rateLimiter{
		agents: make(map[string]*window),
		rate:   rate,
		window: w,
		now:    time.Now,
	}
}

// allow counts one call for agentID and reports whether it is within the limit.
func (rl *rateLimiter) allow(agentID string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	w, ok := rl.agents[agentID]
	if !ok || now.Sub(w.start) >= rl.window {
		rl.agents[agentID] = &window{count: 1, start: now}
		return true
	}
	w.count++
	return w.count <= rl.rate
}

func (rl *rateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	for id, w := range rl.agents {
		if now.Sub(w.start) >= rl.window {
			delete(rl.agents, id)
		}
	}
}

// run drops stale windows every interval until ctx ends.
func (rl *rateLimiter) run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.cleanup()
		}
	}
}
