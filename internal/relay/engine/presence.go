package engine

import (
	"sync"
	"time"
)

// presence remembers when each provider last talked to the relay.
type presence struct {
	mu   sync.RWMutex
	seen map[string]time.Time
}

func newPresence() *presence {
	return &presence{seen: make(map[string]time.Time)}
}

func (p *presence) touch(providerID string, at time.Time) {
	p.mu.Lock()
	if at.After(p.seen[providerID]) {
		p.seen[providerID] = at
	}
	p.mu.Unlock()
}

// anyAlive reports whether a provider in ids, or any provider at all when
// ids is empty, was seen at or after since.
func (p *presence) anyAlive(ids []string, since time.Time) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if len(ids) == 0 {
		for _, at := range p.seen {
			if !at.Before(since) {
				return true
			}
		}
		return false
	}
	for _, id := range ids {
		if at, ok := p.seen[id]; ok && !at.Before(since) {
			return true
		}
	}
	return false
}
