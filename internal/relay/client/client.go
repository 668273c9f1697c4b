// Package client is the HTTP client agents use to talk to the relay.
package client

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"agent-relay/internal/common/errors"
	relayhttp "agent-relay/internal/common/http"
	"agent-relay/internal/relay/wire"
)

// Client calls the relay on behalf of one agent. It is safe for concurrent
// use.
type Client struct {
	baseURL string
	token   string
	http    *relayhttp.Client
	backoff Backoff

	rngMu sync.Mutex
	rng   *rand.Rand
}

type Option func(*Client)

// WithHTTPClient replaces the transport client.
func WithHTTPClient(c *relayhttp.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithBackoff replaces DefaultBackoff for Await.
func WithBackoff(b Backoff) Option {
	return func(cl *Client) { cl.backoff = b }
}

func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		http:    relayhttp.NewClient(30 * time.Second),
		backoff: DefaultBackoff,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RequestOptions are the optional fields of a submitted request.
type RequestOptions struct {
	RequestID  string
	Timeout    time.Duration
	Visibility []string
}

// Submit posts a request and returns its acknowledgement.
func (c *Client) Submit(ctx context.Context, schema, input json.RawMessage, opts RequestOptions) (*wire.Ack, error) {
	env := wire.Envelope{
		Type:       wire.TypeRequest,
		RequestID:  opts.RequestID,
		Schema:     schema,
		Input:      input,
		TimeoutMs:  opts.Timeout.Milliseconds(),
		Visibility: opts.Visibility,
	}
	var ack wire.Ack
	if _, err := c.relay(ctx, env, &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

// Poll lists requests this provider may answer.
func (c *Client) Poll(ctx context.Context) ([]wire.PendingRequest, error) {
	var out wire.PollResponse
	if _, err := c.relay(ctx, wire.Envelope{Type: wire.TypePoll}, &out); err != nil {
		return nil, err
	}
	return out.Requests, nil
}

// Respond submits output for a request.
func (c *Client) Respond(ctx context.Context, requestID string, output json.RawMessage) error {
	_, err := c.relay(ctx, wire.Envelope{Type: wire.TypeResponse, RequestID: requestID, Output: output}, nil)
	return err
}

// Decline fails a request with a provider error message.
func (c *Client) Decline(ctx context.Context, requestID, message string) error {
	env := wire.Envelope{Type: wire.TypeResponse, RequestID: requestID, Error: &wire.ProviderError{Message: message}}
	_, err := c.relay(ctx, env, nil)
	return err
}

// Result reads the current outcome once. A pending request is not an error.
func (c *Client) Result(ctx context.Context, requestID string) (*wire.Result, error) {
	var res wire.Result
	status, body, err := c.http.JSON(ctx, http.MethodGet, c.baseURL+"/v1/results/"+url.PathEscape(requestID), nil, c.headers())
	if err != nil {
		return nil, errors.NewInternalError(err)
	}
	if status != http.StatusOK && status != http.StatusAccepted {
		return nil, decodeError(status, body)
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, errors.NewInternalError(fmt.Errorf("failed to decode result: %w", err))
	}
	return &res, nil
}

// Await polls Result with exponential backoff until the request is terminal
// or ctx ends. Context expiry is reported as a TIMEOUT result rather than an
// error, matching what the relay itself reports for an expired request.
func (c *Client) Await(ctx context.Context, requestID string) (*wire.Result, error) {
	for attempt := 1; ; attempt++ {
		res, err := c.Result(ctx, requestID)
		switch {
		case err == nil && res.Terminal():
			return res, nil
		case err != nil && ctx.Err() != nil:
			return timeoutResult(requestID), nil
		case err != nil:
			return nil, err
		}

		timer := time.NewTimer(c.nextDelay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return timeoutResult(requestID), nil
		case <-timer.C:
		}
	}
}

// Ask submits a request and waits for its result, bounded by the request's
// own timeout.
func (c *Client) Ask(ctx context.Context, schema, input json.RawMessage, opts RequestOptions) (*wire.Result, error) {
	ack, err := c.Submit(ctx, schema, input, opts)
	if err != nil {
		return nil, err
	}
	if ack.TimeoutAt != nil {
		var cancel context.CancelFunc
		// A little slack lets the relay's own TIMEOUT verdict arrive first.
		ctx, cancel = context.WithDeadline(ctx, ack.TimeoutAt.Add(c.backoff.Max))
		defer cancel()
	}
	return c.Await(ctx, ack.RequestID)
}

func (c *Client) nextDelay(attempt int) time.Duration {
	c.rngMu.Lock()
	defer c.rngMu.Unlock()
	return c.backoff.delay(attempt, c.rng)
}

func (c *Client) relay(ctx context.Context, env wire.Envelope, out interface{}) (int, error) {
	status, body, err := c.http.JSON(ctx, http.MethodPost, c.baseURL+"/v1/relay", env, c.headers())
	if err != nil {
		if stderrors.Is(err, context.DeadlineExceeded) {
			return 0, errors.NewTimeoutError(env.RequestID)
		}
		return 0, errors.NewInternalError(err)
	}
	if status >= http.StatusBadRequest {
		return status, decodeError(status, body)
	}
	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return status, errors.NewInternalError(fmt.Errorf("failed to decode %s reply: %w", env.Type, err))
		}
	}
	return status, nil
}

func (c *Client) headers() map[string]string {
	return map[string]string{"Authorization": "Bearer " + c.token}
}

// decodeError rebuilds the relay's StandardError from an error body.
func decodeError(status int, body []byte) error {
	var b errors.Body
	if err := json.Unmarshal(body, &b); err != nil || b.ErrorCode == "" {
		return errors.NewInternalError(fmt.Errorf("relay returned status %d", status))
	}
	details, _ := b.ErrorDetails.(string)
	return &errors.StandardError{
		Code:      b.ErrorCode,
		Message:   b.Message,
		Details:   details,
		Retryable: status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable,
		Timestamp: time.Now().UTC(),
	}
}

func timeoutResult(requestID string) *wire.Result {
	return &wire.Result{
		Status:    wire.StatusError,
		RequestID: requestID,
		ErrorCode: string(errors.ErrCodeTimeout),
	}
}
