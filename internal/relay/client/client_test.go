package client

import (
	"context"
	"encoding/json"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agent-relay/internal/common/auth"
	"agent-relay/internal/common/errors"
	relayhttp "agent-relay/internal/common/http"
	"agent-relay/internal/common/logger"
	"agent-relay/internal/relay/engine"
	"agent-relay/internal/relay/ledger"
	"agent-relay/internal/relay/wire"
	"agent-relay/internal/server"
	"agent-relay/pkg/registry"
	"agent-relay/pkg/token"
)

var fastBackoff = Backoff{Initial: 5 * time.Millisecond, Multiplier: 2, Max: 20 * time.Millisecond}

func startRelay(t *testing.T) *httptest.Server {
	t.Helper()
	reg := &registry.AgentRegistry{Agents: []registry.Agent{
		{ID: "alice", Token: "tok-alice", Roles: []string{registry.RoleRequester}},
		{ID: "p1", Token: "tok-p1", Roles: []string{registry.RoleProvider}},
		{ID: "p2", Token: "tok-p2", Roles: []string{registry.RoleProvider}},
	}}
	authn, err := auth.NewStaticAuthenticator(reg)
	require.NoError(t, err)

	log := logger.NewTestLogger(t)
	eng := engine.New(ledger.NewMemoryLedger(ledger.Options{}), engine.Config{}, log)
	srv, err := server.New(eng, authn, log, server.Options{})
	require.NoError(t, err)

	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return ts
}

func newClient(ts *httptest.Server, tok string) *Client {
	return New(ts.URL+"/", tok, WithHTTPClient(relayhttp.NewClientWith(ts.Client())), WithBackoff(fastBackoff))
}

func TestClient_AskAndAnswer(t *testing.T) {
	ts := startRelay(t)
	requester := newClient(ts, "tok-alice")
	provider := newClient(ts, "tok-p1")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go func() {
		for ctx.Err() == nil {
			reqs, err := provider.Poll(ctx)
			if err == nil && len(reqs) > 0 {
				_ = provider.Respond(ctx, reqs[0].RequestID, json.RawMessage(`{"subject":"Hello","lang":"en"}`))
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	res, err := requester.Ask(ctx,
		json.RawMessage(`{"subject":{"type":"string","unstructured":true},"lang":{"type":"string"}}`),
		json.RawMessage(`{"text":"hi"}`),
		RequestOptions{Timeout: 2 * time.Second},
	)
	require.NoError(t, err)
	assert.Equal(t, wire.StatusSuccess, res.Status)
	assert.JSONEq(t, `{"subject":"§b64:SGVsbG8=§","lang":"en"}`, string(res.Output))
	assert.JSONEq(t, `{"subject":"Hello","lang":"en"}`, token.Decode(string(res.Output)))
}

func TestClient_RelayReportsTimeout(t *testing.T) {
	ts := startRelay(t)
	requester := newClient(ts, "tok-alice")

	res, err := requester.Ask(context.Background(), json.RawMessage(`{"x":{"type":"string"}}`), nil,
		RequestOptions{RequestID: "slow", Timeout: 20 * time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, wire.StatusError, res.Status)
	assert.Equal(t, "TIMEOUT", res.ErrorCode)

	err = newClient(ts, "tok-p1").Respond(context.Background(), "slow", json.RawMessage(`{"x":"late"}`))
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeRequestNotFound, errors.Normalize(err).Code)
}

func TestClient_AwaitContextExpiry(t *testing.T) {
	ts := startRelay(t)
	requester := newClient(ts, "tok-alice")

	ack, err := requester.Submit(context.Background(), json.RawMessage(`{"x":{"type":"string"}}`), nil,
		RequestOptions{Timeout: time.Minute})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	res, err := requester.Await(ctx, ack.RequestID)
	require.NoError(t, err)
	assert.Equal(t, "TIMEOUT", res.ErrorCode)
}

func TestClient_Decline(t *testing.T) {
	ts := startRelay(t)
	requester := newClient(ts, "tok-alice")
	provider := newClient(ts, "tok-p1")

	ack, err := requester.Submit(context.Background(), json.RawMessage(`{"x":{"type":"string"}}`), nil, RequestOptions{})
	require.NoError(t, err)
	require.NoError(t, provider.Decline(context.Background(), ack.RequestID, "busy"))

	res, err := requester.Result(context.Background(), ack.RequestID)
	require.NoError(t, err)
	assert.Equal(t, "PROVIDER_ERROR", res.ErrorCode)
}

func TestClient_SingleWinnerOverHTTP(t *testing.T) {
	ts := startRelay(t)
	requester := newClient(ts, "tok-alice")
	ack, err := requester.Submit(context.Background(), json.RawMessage(`{"x":{"type":"string"}}`), nil, RequestOptions{})
	require.NoError(t, err)

	var (
		wg   sync.WaitGroup
		wins int32
	)
	for _, tok := range []string{"tok-p1", "tok-p2", "tok-p1", "tok-p2"} {
		wg.Add(1)
		go func(tok string) {
			defer wg.Done()
			if newClient(ts, tok).Respond(context.Background(), ack.RequestID, json.RawMessage(`{"x":"y"}`)) == nil {
				atomic.AddInt32(&wins, 1)
			}
		}(tok)
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)
}

func TestClient_ErrorDecoding(t *testing.T) {
	ts := startRelay(t)

	_, err := newClient(ts, "bad-token").Poll(context.Background())
	require.Error(t, err)
	se := errors.Normalize(err)
	assert.Equal(t, errors.ErrCodeUnauthorized, se.Code)
	assert.False(t, se.Retryable)

	_, err = newClient(ts, "tok-alice").Result(context.Background(), "nope")
	assert.Equal(t, errors.ErrCodeRequestNotFound, errors.Normalize(err).Code)
}

func TestClient_NonRelayErrorBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer ts.Close()

	_, err := newClient(ts, "x").Poll(context.Background())
	assert.Equal(t, errors.ErrCodeInternal, errors.Normalize(err).Code)
}

func TestBackoff_Delay(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{5, 1600 * time.Millisecond},
		{6, 2 * time.Second},
		{20, 2 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, DefaultBackoff.delay(tt.attempt, nil), "attempt %d", tt.attempt)
	}

	jittered := DefaultBackoff
	jittered.Jitter = true
	rng := rand.New(rand.NewSource(1))
	for i := 1; i < 10; i++ {
		d := jittered.delay(i, rng)
		base := DefaultBackoff.delay(i, nil)
		assert.GreaterOrEqual(t, d, base/2)
		assert.Less(t, d, base*3/2)
	}

	assert.Equal(t, time.Duration(0), Backoff{}.delay(3, nil))
}
