// Package wire holds the JSON shapes exchanged over the relay transport.
package wire

import (
	"encoding/json"
	"time"

	"agent-relay/internal/relay/ledger"
)

// Envelope types.
const (
	TypeRequest  = "request"
	TypePoll     = "poll"
	TypeResponse = "response"
	TypeResult   = "result"
)

// Body statuses.
const (
	StatusAccepted = "accepted"
	StatusPending  = "pending"
	StatusSuccess  = "success"
	StatusError    = "error"
)

// Envelope is the union of the four relay calls, discriminated by Type.
type Envelope struct {
	Type       string          `json:"type"`
	RequestID  string          `json:"request_id,omitempty"`
	Schema     json.RawMessage `json:"schema,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	TimeoutMs  int64           `json:"timeout_ms,omitempty"`
	Visibility []string        `json:"visibility,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	Error      *ProviderError  `json:"error,omitempty"`
}

// ProviderError lets a provider decline a request.
type ProviderError struct {
	Message string `json:"message"`
}

// Ack acknowledges a request or response submission.
type Ack struct {
	Status    string     `json:"status"`
	RequestID string     `json:"request_id"`
	TimeoutAt *time.Time `json:"timeout_at,omitempty"`
}

// PendingRequest is one entry of a poll response.
type PendingRequest struct {
	RequestID string          `json:"request_id"`
	From      string          `json:"from"`
	Schema    json.RawMessage `json:"schema"`
	Input     json.RawMessage `json:"input"`
	PostedAt  time.Time       `json:"posted_at"`
	TimeoutAt time.Time       `json:"timeout_at"`
}

// PollResponse lists requests a provider may answer.
type PollResponse struct {
	Requests []PendingRequest `json:"requests"`
}

// Result is the body of a result fetch.
type Result struct {
	Status       string          `json:"status"`
	RequestID    string          `json:"request_id"`
	Output       json.RawMessage `json:"output,omitempty"`
	ErrorCode    string          `json:"error_code,omitempty"`
	ErrorDetails json.RawMessage `json:"error_details,omitempty"`
	ProviderID   string          `json:"provider_id,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

// Terminal reports whether the result will not change any more.
func (r *Result) Terminal() bool {
	return r.Status == StatusSuccess || r.Status == StatusError
}

// FromRequest converts a ledger request for a poll response.
func FromRequest(req *ledger.Request) PendingRequest {
	return PendingRequest{
		RequestID: req.ID,
		From:      req.From,
		Schema:    req.Schema,
		Input:     req.Input,
		PostedAt:  req.PostedAt,
		TimeoutAt: req.TimeoutAt,
	}
}

// FromResult converts a ledger result for the requester.
func FromResult(res *ledger.Result) Result {
	out := Result{Status: StatusPending, RequestID: res.Request.ID}
	if res.State == ledger.ResultPending || res.Response == nil {
		return out
	}
	resp := res.Response
	completed := resp.CompletedAt
	out.CompletedAt = &completed
	out.ProviderID = resp.ProviderID
	if res.State == ledger.ResultFulfilled {
		out.Status = StatusSuccess
		out.Output = resp.Output
		return out
	}
	out.Status = StatusError
	out.ErrorCode = resp.ErrorCode
	out.ErrorDetails = resp.ErrorDetails
	return out
}
