// Package ledger stores relay requests and arbitrates the single answer each
// one may receive.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"

	apperrors "agent-relay/internal/common/errors"
)

var (
	// ErrRequestNotFound covers unknown, expired and already answered ids.
	ErrRequestNotFound = errors.New("request not found")
	// ErrDuplicateRequest is returned by Create for an id already in use.
	ErrDuplicateRequest = errors.New("request id already exists")
)

// Status of a request. Transitions only move forward:
// pending -> validating -> {fulfilled, failed}, pending -> {failed, expired}.
type Status string

const (
	StatusPending Status = "pending"
	// StatusValidating marks a request claimed by a provider whose output is
	// being checked. It reads as pending.
	StatusValidating Status = "validating"
	StatusFulfilled  Status = "fulfilled"
	StatusFailed     Status = "failed"
	StatusExpired    Status = "expired"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == StatusFulfilled || s == StatusFailed || s == StatusExpired
}

// Response statuses.
const (
	ResponseSuccess = "success"
	ResponseError   = "error"
)

// Request is one posted request.
type Request struct {
	ID         string          `json:"request_id"`
	From       string          `json:"from"`
	Schema     json.RawMessage `json:"schema"`
	Input      json.RawMessage `json:"input,omitempty"`
	PostedAt   time.Time       `json:"posted_at"`
	TimeoutAt  time.Time       `json:"timeout_at"`
	Visibility []string        `json:"visibility,omitempty"`
	Status     Status          `json:"status"`
	ClaimedBy  string          `json:"claimed_by,omitempty"`
}

// VisibleTo reports whether providerID may see the request. An empty
// visibility set is open to every provider.
func (r *Request) VisibleTo(providerID string) bool {
	if len(r.Visibility) == 0 {
		return true
	}
	for _, id := range r.Visibility {
		if id == providerID {
			return true
		}
	}
	return false
}

// Response is the terminal outcome attached to a request.
type Response struct {
	RequestID    string          `json:"request_id"`
	ProviderID   string          `json:"provider_id,omitempty"`
	Status       string          `json:"status"`
	Output       json.RawMessage `json:"output,omitempty"`
	ErrorCode    string          `json:"error_code,omitempty"`
	ErrorDetails json.RawMessage `json:"error_details,omitempty"`
	CompletedAt  time.Time       `json:"completed_at"`
}

// ResultState is what a requester sees when it reads a result.
type ResultState string

const (
	ResultPending   ResultState = "pending"
	ResultFulfilled ResultState = "fulfilled"
	ResultFailed    ResultState = "failed"
)

// Result is a non-blocking snapshot of a request outcome.
type Result struct {
	State    ResultState
	Request  *Request
	Response *Response
}

// NewRequest carries the intake parameters for Create.
type NewRequest struct {
	// ID is optional; a random id is generated when empty.
	ID         string
	From       string
	Schema     json.RawMessage
	Input      json.RawMessage
	Timeout    time.Duration
	Visibility []string
}

// Ledger is the request store shared by every relay operation.
type Ledger interface {
	// Create stores a pending request with deadline now + Timeout.
	Create(ctx context.Context, req NewRequest) (*Request, error)
	// ListPendingFor returns pending, unexpired requests visible to providerID,
	// oldest first.
	ListPendingFor(ctx context.Context, providerID string) ([]*Request, error)
	// SubmitResponse claims a pending request for providerID. Exactly one
	// caller wins; the rest, and any caller past the deadline, get
	// ErrRequestNotFound.
	SubmitResponse(ctx context.Context, requestID, providerID string) (*Request, error)
	// Complete attaches the terminal response to a pending or claimed request.
	Complete(ctx context.Context, resp *Response) (*Request, error)
	// GetResult reads the current outcome. Unknown ids give ErrRequestNotFound.
	GetResult(ctx context.Context, requestID string) (*Result, error)
	// Sweep expires overdue requests, evicts terminal ones past retention and
	// returns the requests it expired.
	Sweep(ctx context.Context) ([]*Request, error)
	// PendingCount returns the number of requests not yet terminal.
	PendingCount(ctx context.Context) (int, error)
	Ping(ctx context.Context) error
	Close() error
}

// Options tune either backend.
type Options struct {
	// Retention keeps terminal requests readable after they finish.
	Retention time.Duration
	// ClaimGrace bounds how long a claimed request may stay validating past
	// its deadline before the sweep expires it.
	ClaimGrace time.Duration
	// Now overrides the clock. Defaults to time.Now.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Retention <= 0 {
		o.Retention = 5 * time.Minute
	}
	if o.ClaimGrace <= 0 {
		o.ClaimGrace = 30 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// NewID returns a random request id.
func NewID() string {
	return uuid.NewString()
}

// overdue reports whether req can no longer be claimed or is stuck claimed.
func overdue(req *Request, now time.Time, grace time.Duration) bool {
	switch req.Status {
	case StatusPending:
		return !now.Before(req.TimeoutAt)
	case StatusValidating:
		return !now.Before(req.TimeoutAt.Add(grace))
	}
	return false
}

// timeoutResponse is the outcome reported for an expired request.
func timeoutResponse(req *Request) *Response {
	return &Response{
		RequestID:   req.ID,
		Status:      ResponseError,
		ErrorCode:   string(apperrors.ErrCodeTimeout),
		CompletedAt: req.TimeoutAt,
	}
}

// resultOf derives what a reader sees. Expiry is applied lazily here so a
// read never waits for the sweep.
func resultOf(req *Request, resp *Response, now time.Time, grace time.Duration) *Result {
	if overdue(req, now, grace) {
		return &Result{State: ResultFailed, Request: req, Response: timeoutResponse(req)}
	}
	switch req.Status {
	case StatusFulfilled:
		return &Result{State: ResultFulfilled, Request: req, Response: resp}
	case StatusFailed:
		return &Result{State: ResultFailed, Request: req, Response: resp}
	case StatusExpired:
		return &Result{State: ResultFailed, Request: req, Response: timeoutResponse(req)}
	default:
		return &Result{State: ResultPending, Request: req}
	}
}

func sortByPosted(reqs []*Request) {
	sort.Slice(reqs, func(i, j int) bool {
		if reqs[i].PostedAt.Equal(reqs[j].PostedAt) {
			return reqs[i].ID < reqs[j].ID
		}
		return reqs[i].PostedAt.Before(reqs[j].PostedAt)
	})
}

func copyStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
