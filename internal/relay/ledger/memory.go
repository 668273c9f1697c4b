package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type entry struct {
	mu         sync.Mutex
	req        Request
	resp       *Response
	finishedAt time.Time
}

// snapshot copies the entry. Callers hold e.mu.
func (e *entry) snapshot() (*Request, *Response) {
	req := e.req
	req.Visibility = copyStrings(e.req.Visibility)
	if e.resp == nil {
		return &req, nil
	}
	resp := *e.resp
	return &req, &resp
}

// MemoryLedger keeps requests in process. The map lock guards membership
// only; every state change happens under the entry's own lock.
type MemoryLedger struct {
	opts Options

	mu      sync.RWMutex
	entries map[string]*entry
}

// NewMemoryLedger creates an empty in-process ledger.
func NewMemoryLedger(opts Options) *MemoryLedger {
	return &MemoryLedger{
		opts:    opts.withDefaults(),
		entries: make(map[string]*entry),
	}
}

func (l *MemoryLedger) Create(ctx context.Context, nr NewRequest) (*Request, error) {
	if nr.Timeout <= 0 {
		return nil, fmt.Errorf("create request: timeout must be positive")
	}
	id := nr.ID
	if id == "" {
		id = NewID()
	}
	now := l.opts.Now()
	e := &entry{req: Request{
		ID:         id,
		From:       nr.From,
		Schema:     nr.Schema,
		Input:      nr.Input,
		PostedAt:   now,
		TimeoutAt:  now.Add(nr.Timeout),
		Visibility: copyStrings(nr.Visibility),
		Status:     StatusPending,
	}}

	l.mu.Lock()
	if _, exists := l.entries[id]; exists {
		l.mu.Unlock()
		return nil, ErrDuplicateRequest
	}
	l.entries[id] = e
	l.mu.Unlock()

	req, _ := e.snapshot()
	return req, nil
}

func (l *MemoryLedger) ListPendingFor(ctx context.Context, providerID string) ([]*Request, error) {
	now := l.opts.Now()
	var out []*Request
	for _, e := range l.all() {
		e.mu.Lock()
		if e.req.Status == StatusPending && now.Before(e.req.TimeoutAt) && e.req.VisibleTo(providerID) {
			req, _ := e.snapshot()
			out = append(out, req)
		}
		e.mu.Unlock()
	}
	sortByPosted(out)
	return out, nil
}

func (l *MemoryLedger) SubmitResponse(ctx context.Context, requestID, providerID string) (*Request, error) {
	e := l.get(requestID)
	if e == nil {
		return nil, ErrRequestNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.req.Status != StatusPending || !l.opts.Now().Before(e.req.TimeoutAt) {
		return nil, ErrRequestNotFound
	}
	if !e.req.VisibleTo(providerID) {
		return nil, ErrRequestNotFound
	}
	e.req.Status = StatusValidating
	e.req.ClaimedBy = providerID
	req, _ := e.snapshot()
	return req, nil
}

func (l *MemoryLedger) Complete(ctx context.Context, resp *Response) (*Request, error) {
	if resp == nil {
		return nil, fmt.Errorf("complete request: nil response")
	}
	e := l.get(resp.RequestID)
	if e == nil {
		return nil, ErrRequestNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	now := l.opts.Now()
	if e.req.Status.Terminal() || overdue(&e.req, now, l.opts.ClaimGrace) {
		return nil, ErrRequestNotFound
	}
	if e.req.Status == StatusValidating && resp.ProviderID != e.req.ClaimedBy {
		return nil, ErrRequestNotFound
	}

	stored := *resp
	if stored.CompletedAt.IsZero() {
		stored.CompletedAt = now
	}
	if stored.Status == ResponseSuccess {
		e.req.Status = StatusFulfilled
	} else {
		e.req.Status = StatusFailed
	}
	e.resp = &stored
	e.finishedAt = now
	req, _ := e.snapshot()
	return req, nil
}

func (l *MemoryLedger) GetResult(ctx context.Context, requestID string) (*Result, error) {
	e := l.get(requestID)
	if e == nil {
		return nil, ErrRequestNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	req, resp := e.snapshot()
	return resultOf(req, resp, l.opts.Now(), l.opts.ClaimGrace), nil
}

func (l *MemoryLedger) Sweep(ctx context.Context) ([]*Request, error) {
	now := l.opts.Now()
	var expired []*Request
	var evict []string

	for _, e := range l.all() {
		e.mu.Lock()
		switch {
		case overdue(&e.req, now, l.opts.ClaimGrace):
			e.req.Status = StatusExpired
			e.finishedAt = now
			req, _ := e.snapshot()
			expired = append(expired, req)
		case e.req.Status.Terminal() && now.Sub(e.finishedAt) >= l.opts.Retention:
			evict = append(evict, e.req.ID)
		}
		e.mu.Unlock()
	}

	if len(evict) > 0 {
		l.mu.Lock()
		for _, id := range evict {
			delete(l.entries, id)
		}
		l.mu.Unlock()
	}
	sortByPosted(expired)
	return expired, nil
}

func (l *MemoryLedger) PendingCount(ctx context.Context) (int, error) {
	n := 0
	for _, e := range l.all() {
		e.mu.Lock()
		if !e.req.Status.Terminal() {
			n++
		}
		e.mu.Unlock()
	}
	return n, nil
}

func (l *MemoryLedger) Ping(ctx context.Context) error {
	return nil
}

func (l *MemoryLedger) Close() error {
	l.mu.Lock()
	l.entries = make(map[string]*entry)
	l.mu.Unlock()
	return nil
}

func (l *MemoryLedger) get(id string) *entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.entries[id]
}

func (l *MemoryLedger) all() []*entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*entry, 0, len(l.entries))
	for _, e := range l.entries {
		out = append(out, e)
	}
	return out
}
