// Package archive fans terminal exchange records out to audit sinks.
//
// A Record carries metadata only. Request input, schemas and provider
// output never leave the ledger through this package.
package archive

import (
	"context"
	"sync"
	"time"

	"agent-relay/internal/common/logger"
	"agent-relay/internal/common/metrics"
)

// Record describes one request that reached a terminal state.
type Record struct {
	RequestID     string    `json:"request_id"`
	From          string    `json:"from"`
	ProviderID    string    `json:"provider_id,omitempty"`
	Status        string    `json:"status"`
	ErrorCode     string    `json:"error_code,omitempty"`
	PostedAt      time.Time `json:"posted_at"`
	FinishedAt    time.Time `json:"finished_at"`
	DurationMs    int64     `json:"duration_ms"`
	OutputBytes   int       `json:"output_bytes"`
	EncodedFields int       `json:"encoded_fields"`
}

// Sink persists records somewhere.
type Sink interface {
	Name() string
	Write(ctx context.Context, rec Record) error
}

// Publisher accepts records without blocking the caller.
type Publisher interface {
	Publish(rec Record)
}

// Nop discards every record.
type Nop struct{}

func (Nop) Publish(Record) {}

// Dispatcher delivers records to sinks from a bounded queue served by a
// fixed worker pool. Records are dropped, and counted, when the queue is full.
type Dispatcher struct {
	sinks        []Sink
	queue        chan Record
	workers      int
	writeTimeout time.Duration
	logger       logger.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher. Call Start before publishing.
func NewDispatcher(log logger.Logger, workers, queueSize int, sinks ...Sink) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 1
	}
	return &Dispatcher{
		sinks:        sinks,
		queue:        make(chan Record, queueSize),
		workers:      workers,
		writeTimeout: 10 * time.Second,
		logger:       log.Named("archive"),
	}
}

// Start launches the worker pool.
func (d *Dispatcher) Start() {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	d.logger.Info("archive dispatcher started", map[string]interface{}{
		"workers": d.workers,
		"sinks":   len(d.sinks),
	})
}

// Publish enqueues rec. It never blocks.
func (d *Dispatcher) Publish(rec Record) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed || len(d.sinks) == 0 {
		return
	}
	select {
	case d.queue <- rec:
	default:
		metrics.ArchiveRecords.WithLabelValues("queue", "dropped").Inc()
		d.logger.Warn("archive queue full, record dropped", map[string]interface{}{
			"requestId": rec.RequestID,
		})
	}
}

// Close stops accepting records and waits for queued ones to be written or
// for ctx to end.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for rec := range d.queue {
		for _, sink := range d.sinks {
			d.write(sink, rec)
		}
	}
}

func (d *Dispatcher) write(sink Sink, rec Record) {
	ctx, cancel := context.WithTimeout(context.Background(), d.writeTimeout)
	defer cancel()

	if err := sink.Write(ctx, rec); err != nil {
		metrics.ArchiveRecords.WithLabelValues(sink.Name(), "error").Inc()
		d.logger.Error("archive write failed", map[string]interface{}{
			"sink":      sink.Name(),
			"requestId": rec.RequestID,
			"error":     err,
		})
		return
	}
	metrics.ArchiveRecords.WithLabelValues(sink.Name(), "ok").Inc()
}
