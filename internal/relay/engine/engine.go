// Package engine runs the relay protocol: request intake, provider polling,
// response intake with validation and encoding, and result delivery.
package engine

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"agent-relay/internal/common/errors"
	"agent-relay/internal/common/logger"
	"agent-relay/internal/common/metrics"
	"agent-relay/internal/common/observability"
	"agent-relay/internal/relay/archive"
	"agent-relay/internal/relay/encoder"
	"agent-relay/internal/relay/ledger"
	"agent-relay/internal/relay/schema"
	"agent-relay/pkg/token"
)

// Config holds the protocol limits.
type Config struct {
	DefaultTimeout      time.Duration
	MinTimeout          time.Duration
	MaxTimeout          time.Duration
	MaxSchemaBytes      int
	SweepInterval       time.Duration
	FailFastNoProviders bool
	ProviderLiveness    time.Duration
}

func (c Config) withDefaults() Config {
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 30 * time.Second
	}
	if c.MinTimeout <= 0 {
		c.MinTimeout = 10 * time.Millisecond
	}
	if c.MaxTimeout <= 0 {
		c.MaxTimeout = 10 * time.Minute
	}
	if c.MaxSchemaBytes <= 0 {
		c.MaxSchemaBytes = 64 << 10
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Second
	}
	if c.ProviderLiveness <= 0 {
		c.ProviderLiveness = time.Minute
	}
	return c
}

// Submission is a requester's intake envelope.
type Submission struct {
	// RequestID is optional.
	RequestID string
	Schema    json.RawMessage
	Input     json.RawMessage
	// TimeoutMs of zero selects the default timeout.
	TimeoutMs int64
	// Visibility lists the providers allowed to see the request; empty is open.
	Visibility []string
}

// Answer is a provider's response envelope. Exactly one of Output and
// Error is set.
type Answer struct {
	RequestID string
	Output    json.RawMessage
	Error     *ProviderFailure
}

// ProviderFailure lets a provider decline a request with a message.
type ProviderFailure struct {
	Message string `json:"message"`
}

type Option func(*Engine)

// WithObservability attaches spans and otel metrics.
func WithObservability(o *observability.Observability) Option {
	return func(e *Engine) { e.obs = o }
}

// WithArchive publishes a record for every terminal transition.
func WithArchive(p archive.Publisher) Option {
	return func(e *Engine) { e.archive = p }
}

// WithClock overrides time.Now. The ledger keeps its own clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine owns the per-request state machine on top of a Ledger.
type Engine struct {
	ledger   ledger.Ledger
	cfg      Config
	logger   logger.Logger
	obs      *observability.Observability
	archive  archive.Publisher
	presence *presence
	now      func() time.Time
	started  time.Time
}

func New(l ledger.Ledger, cfg Config, log logger.Logger, opts ...Option) *Engine {
	e := &Engine{
		ledger:   l,
		cfg:      cfg.withDefaults(),
		logger:   log.Named("engine"),
		archive:  archive.Nop{},
		presence: newPresence(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.started = e.now()
	return e
}

// Submit validates the envelope, parses the schema and creates the ledger
// entry. With fail-fast enabled and no live eligible provider, the entry is
// created and immediately failed with NO_PROVIDERS.
func (e *Engine) Submit(ctx context.Context, from string, sub Submission) (*ledger.Request, error) {
	ctx, span := e.obs.StartSpan(ctx, "relay.submit", attribute.String("from", from))
	defer span.End()

	if len(sub.Schema) > e.cfg.MaxSchemaBytes {
		return nil, e.fail(span, errors.NewInvalidSchemaError(fmt.Errorf("schema exceeds %d bytes", e.cfg.MaxSchemaBytes)))
	}
	if _, err := schema.Parse(sub.Schema); err != nil {
		return nil, e.fail(span, errors.NewInvalidSchemaError(err))
	}
	timeout, serr := e.timeout(sub.TimeoutMs)
	if serr != nil {
		return nil, e.fail(span, serr)
	}
	input := sub.Input
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}

	req, err := e.ledger.Create(ctx, ledger.NewRequest{
		ID:         sub.RequestID,
		From:       from,
		Schema:     sub.Schema,
		Input:      input,
		Timeout:    timeout,
		Visibility: sub.Visibility,
	})
	if stderrors.Is(err, ledger.ErrDuplicateRequest) {
		return nil, e.fail(span, errors.NewDuplicateIDError(sub.RequestID))
	}
	if err != nil {
		return nil, e.fail(span, errors.NewLedgerFailureError(err))
	}
	span.SetAttributes(attribute.String("request_id", req.ID))

	visibility := "open"
	if len(req.Visibility) > 0 {
		visibility = "scoped"
	}
	metrics.RequestsCreated.WithLabelValues(visibility).Inc()

	log := e.logger.WithFields(map[string]interface{}{
		"requestId": req.ID,
		"from":      from,
	})
	log.Info("request created", map[string]interface{}{
		"timeoutMs":  timeout.Milliseconds(),
		"visibility": len(req.Visibility),
	})

	if e.cfg.FailFastNoProviders && !e.providersAvailable(req.Visibility) {
		details, _ := json.Marshal("no eligible provider has polled recently")
		resp := &ledger.Response{
			RequestID:    req.ID,
			Status:       ledger.ResponseError,
			ErrorCode:    string(errors.ErrCodeNoProviders),
			ErrorDetails: details,
		}
		if done, err := e.ledger.Complete(ctx, resp); err == nil {
			e.finish(ctx, done, resp, 0)
			log.Warn("request failed fast, no providers", nil)
			req = done
		} else {
			log.Error("failed to record NO_PROVIDERS", map[string]interface{}{"error": err})
		}
	}
	return req, nil
}

// Poll lists the requests visible to providerID and marks it alive.
func (e *Engine) Poll(ctx context.Context, providerID string) ([]*ledger.Request, error) {
	ctx, span := e.obs.StartSpan(ctx, "relay.poll", attribute.String("provider", providerID))
	defer span.End()

	e.presence.touch(providerID, e.now())
	metrics.ProviderPolls.Inc()

	reqs, err := e.ledger.ListPendingFor(ctx, providerID)
	if err != nil {
		return nil, e.fail(span, errors.NewLedgerFailureError(err))
	}
	span.SetAttributes(attribute.Int("requests", len(reqs)))
	return reqs, nil
}

// Respond claims the request for providerID and settles it. A nil error
// means the submission was accepted, even when the output then failed
// validation and the request was failed with VALIDATION_FAILED.
func (e *Engine) Respond(ctx context.Context, providerID string, ans Answer) error {
	ctx, span := e.obs.StartSpan(ctx, "relay.respond",
		attribute.String("provider", providerID),
		attribute.String("request_id", ans.RequestID),
	)
	defer span.End()

	e.presence.touch(providerID, e.now())

	req, err := e.ledger.SubmitResponse(ctx, ans.RequestID, providerID)
	if stderrors.Is(err, ledger.ErrRequestNotFound) {
		metrics.ResponsesRejected.WithLabelValues("not_found").Inc()
		return e.fail(span, errors.NewRequestNotFoundError(ans.RequestID))
	}
	if err != nil {
		return e.fail(span, errors.NewLedgerFailureError(err))
	}

	log := e.logger.WithFields(map[string]interface{}{
		"requestId": req.ID,
		"provider":  providerID,
	})

	resp, encoded := e.settle(req, providerID, ans, log)
	done, err := e.ledger.Complete(ctx, resp)
	if stderrors.Is(err, ledger.ErrRequestNotFound) {
		metrics.ResponsesRejected.WithLabelValues("expired_while_validating").Inc()
		return e.fail(span, errors.NewRequestNotFoundError(ans.RequestID))
	}
	if err != nil {
		return e.fail(span, errors.NewLedgerFailureError(err))
	}

	e.finish(ctx, done, resp, encoded)
	log.Info("response settled", map[string]interface{}{
		"status":    resp.Status,
		"errorCode": resp.ErrorCode,
	})
	return nil
}

// settle turns a claimed answer into the terminal response.
func (e *Engine) settle(req *ledger.Request, providerID string, ans Answer, log logger.Logger) (*ledger.Response, int) {
	resp := &ledger.Response{RequestID: req.ID, ProviderID: providerID, Status: ledger.ResponseError}

	if ans.Error != nil {
		details, _ := json.Marshal(ProviderFailure{Message: token.Encode(ans.Error.Message)})
		resp.ErrorCode = string(errors.ErrCodeProviderError)
		resp.ErrorDetails = details
		return resp, 0
	}

	node, err := schema.Parse(req.Schema)
	if err != nil {
		log.Error("stored schema no longer parses", map[string]interface{}{"error": err})
		resp.ErrorCode = string(errors.ErrCodeInternal)
		return resp, 0
	}

	violations, err := schema.ValidateJSON(node, ans.Output)
	if err != nil {
		violations = []schema.Violation{{Path: "$", Expected: "JSON document", Actual: "malformed JSON"}}
	}
	if len(violations) > 0 {
		details, _ := json.Marshal(violations)
		resp.ErrorCode = string(errors.ErrCodeValidationFailed)
		resp.ErrorDetails = details
		log.Warn("response failed validation", map[string]interface{}{"violations": len(violations)})
		return resp, 0
	}

	output, encoded, err := encoder.Encode(node, ans.Output)
	if err != nil {
		log.Error("encoding validated output failed", map[string]interface{}{"error": err})
		resp.ErrorCode = string(errors.ErrCodeInternal)
		return resp, 0
	}
	metrics.FieldsEncoded.Add(float64(encoded))
	resp.Status = ledger.ResponseSuccess
	resp.Output = output
	return resp, encoded
}

// Result returns the outcome of a request posted by requesterID. Requests
// posted by anyone else read as not found.
func (e *Engine) Result(ctx context.Context, requesterID, requestID string) (*ledger.Result, error) {
	ctx, span := e.obs.StartSpan(ctx, "relay.result", attribute.String("request_id", requestID))
	defer span.End()

	res, err := e.ledger.GetResult(ctx, requestID)
	if stderrors.Is(err, ledger.ErrRequestNotFound) {
		return nil, e.fail(span, errors.NewRequestNotFoundError(requestID))
	}
	if err != nil {
		return nil, e.fail(span, errors.NewLedgerFailureError(err))
	}
	if res.Request.From != requesterID {
		return nil, e.fail(span, errors.NewRequestNotFoundError(requestID))
	}
	span.SetAttributes(attribute.String("state", string(res.State)))
	return res, nil
}

// RunReaper sweeps the ledger every SweepInterval until ctx ends.
func (e *Engine) RunReaper(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()

	e.logger.Info("reaper started", map[string]interface{}{
		"intervalMs": e.cfg.SweepInterval.Milliseconds(),
	})
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("reaper stopped", nil)
			return
		case <-ticker.C:
			if _, err := e.Sweep(ctx); err != nil && ctx.Err() == nil {
				e.logger.Error("sweep failed", map[string]interface{}{"error": err})
			}
		}
	}
}

// Sweep runs one reaper pass and returns the number of requests expired.
func (e *Engine) Sweep(ctx context.Context) (int, error) {
	expired, err := e.ledger.Sweep(ctx)
	for _, req := range expired {
		resp := &ledger.Response{
			RequestID:   req.ID,
			Status:      ledger.ResponseError,
			ErrorCode:   string(errors.ErrCodeTimeout),
			CompletedAt: req.TimeoutAt,
		}
		e.finish(ctx, req, resp, 0)
		e.logger.Info("request expired", map[string]interface{}{
			"requestId": req.ID,
			"from":      req.From,
		})
	}
	if err != nil {
		return len(expired), err
	}

	if n, err := e.ledger.PendingCount(ctx); err == nil {
		metrics.PendingRequests.Set(float64(n))
	}
	return len(expired), nil
}

// Ready reports whether the ledger is reachable.
func (e *Engine) Ready(ctx context.Context) error {
	return e.ledger.Ping(ctx)
}

func (e *Engine) timeout(ms int64) (time.Duration, *errors.StandardError) {
	if ms == 0 {
		return e.cfg.DefaultTimeout, nil
	}
	d := time.Duration(ms) * time.Millisecond
	if ms < 0 || d < e.cfg.MinTimeout || d > e.cfg.MaxTimeout {
		return 0, errors.NewInvalidEnvelopeError(fmt.Sprintf(
			"timeout_ms must be between %d and %d", e.cfg.MinTimeout.Milliseconds(), e.cfg.MaxTimeout.Milliseconds()))
	}
	return d, nil
}

func (e *Engine) providersAvailable(visibility []string) bool {
	now := e.now()
	if now.Sub(e.started) < e.cfg.ProviderLiveness {
		// Providers have not had a full window to check in yet.
		return true
	}
	return e.presence.anyAlive(visibility, now.Add(-e.cfg.ProviderLiveness))
}

// finish records a terminal transition everywhere it is observed.
func (e *Engine) finish(ctx context.Context, req *ledger.Request, resp *ledger.Response, encoded int) {
	status := string(req.Status)
	finishedAt := resp.CompletedAt
	if finishedAt.IsZero() {
		finishedAt = e.now()
	}
	duration := finishedAt.Sub(req.PostedAt)

	metrics.RequestsFinished.WithLabelValues(status, resp.ErrorCode).Inc()
	metrics.ExchangeDuration.WithLabelValues(status).Observe(duration.Seconds())
	e.obs.RecordExchange(ctx, status, resp.ErrorCode, duration)

	e.archive.Publish(archive.Record{
		RequestID:     req.ID,
		From:          req.From,
		ProviderID:    resp.ProviderID,
		Status:        status,
		ErrorCode:     resp.ErrorCode,
		PostedAt:      req.PostedAt,
		FinishedAt:    finishedAt,
		DurationMs:    duration.Milliseconds(),
		OutputBytes:   len(resp.Output),
		EncodedFields: encoded,
	})
}

func (e *Engine) fail(span trace.Span, err *errors.StandardError) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, string(err.Code))
	return err
}
