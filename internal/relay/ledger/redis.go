package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Each request lives in a hash at <prefix>req:<id> with the fields below.
// <prefix>pending is a sorted set of non-terminal ids scored by deadline.
const (
	fieldRequest   = "request"
	fieldStatus    = "status"
	fieldDeadline  = "deadline"
	fieldResponse  = "response"
	fieldClaimedBy = "claimed_by"
)

// KEYS: hash, pending. ARGV: request json, deadline ms, ttl ms, id.
var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], 'request', ARGV[1], 'status', 'pending', 'deadline', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[4])
return 1
`)

// KEYS: hash. ARGV: now ms, provider.
var claimScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'status') ~= 'pending' then
  return 0
end
if tonumber(ARGV[1]) >= tonumber(redis.call('HGET', KEYS[1], 'deadline')) then
  return 0
end
redis.call('HSET', KEYS[1], 'status', 'validating', 'claimed_by', ARGV[2])
return 1
`)

// KEYS: hash, pending. ARGV: status, response json, retention ms, id,
// provider, now ms, claim grace ms.
var completeScript = redis.NewScript(`
local st = redis.call('HGET', KEYS[1], 'status')
local now = tonumber(ARGV[6])
local deadline = tonumber(redis.call('HGET', KEYS[1], 'deadline'))
if st == 'validating' then
  if redis.call('HGET', KEYS[1], 'claimed_by') ~= ARGV[5] then
    return 0
  end
  if now >= deadline + tonumber(ARGV[7]) then
    return 0
  end
elseif st == 'pending' then
  if now >= deadline then
    return 0
  end
else
  return 0
end
redis.call('HSET', KEYS[1], 'status', ARGV[1], 'response', ARGV[2])
redis.call('ZREM', KEYS[2], ARGV[4])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

// KEYS: hash, pending. ARGV: now ms, claim grace ms, retention ms, id.
// Returns the request json when the entry was expired by this call.
var expireScript = redis.NewScript(`
local st = redis.call('HGET', KEYS[1], 'status')
if not st then
  redis.call('ZREM', KEYS[2], ARGV[4])
  return false
end
local now = tonumber(ARGV[1])
local deadline = tonumber(redis.call('HGET', KEYS[1], 'deadline'))
local due = (st == 'pending' and now >= deadline)
  or (st == 'validating' and now >= deadline + tonumber(ARGV[2]))
if not due then
  if st ~= 'pending' and st ~= 'validating' then
    redis.call('ZREM', KEYS[2], ARGV[4])
  end
  return false
end
redis.call('HSET', KEYS[1], 'status', 'expired')
redis.call('ZREM', KEYS[2], ARGV[4])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return redis.call('HGET', KEYS[1], 'request')
`)

// RedisLedger shares requests between relay instances. Every state change
// runs as a Lua script so the status check and the write are one atomic
// step on the server. Deadlines are compared against the caller's clock.
type RedisLedger struct {
	client redis.UniversalClient
	prefix string
	opts   Options
}

// NewRedisLedger creates a ledger over client with keys under prefix.
func NewRedisLedger(client redis.UniversalClient, prefix string, opts Options) *RedisLedger {
	return &RedisLedger{client: client, prefix: prefix, opts: opts.withDefaults()}
}

func (l *RedisLedger) key(id string) string {
	return l.prefix + "req:" + id
}

func (l *RedisLedger) pendingKey() string {
	return l.prefix + "pending"
}

func (l *RedisLedger) Create(ctx context.Context, nr NewRequest) (*Request, error) {
	if nr.Timeout <= 0 {
		return nil, fmt.Errorf("create request: timeout must be positive")
	}
	id := nr.ID
	if id == "" {
		id = NewID()
	}
	now := l.opts.Now()
	req := &Request{
		ID:         id,
		From:       nr.From,
		Schema:     nr.Schema,
		Input:      nr.Input,
		PostedAt:   now,
		TimeoutAt:  now.Add(nr.Timeout),
		Visibility: copyStrings(nr.Visibility),
		Status:     StatusPending,
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	ttl := nr.Timeout + l.opts.ClaimGrace + l.opts.Retention
	created, err := createScript.Run(ctx, l.client,
		[]string{l.key(id), l.pendingKey()},
		payload, millis(req.TimeoutAt), ttl.Milliseconds(), id,
	).Int()
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if created == 0 {
		return nil, ErrDuplicateRequest
	}
	return req, nil
}

func (l *RedisLedger) ListPendingFor(ctx context.Context, providerID string) ([]*Request, error) {
	ids, err := l.client.ZRangeByScore(ctx, l.pendingKey(), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(millis(l.opts.Now()), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := l.client.Pipeline()
	cmds := make([]*redis.SliceCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HMGet(ctx, l.key(id), fieldRequest, fieldStatus)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("list pending: %w", err)
	}

	var out []*Request
	for _, cmd := range cmds {
		vals, err := cmd.Result()
		if err != nil || len(vals) != 2 {
			continue
		}
		raw, ok := vals[0].(string)
		if !ok || vals[1] != string(StatusPending) {
			continue
		}
		var req Request
		if err := json.Unmarshal([]byte(raw), &req); err != nil {
			return nil, fmt.Errorf("list pending: decode %s: %w", cmd.Args()[1], err)
		}
		req.Status = StatusPending
		if req.VisibleTo(providerID) {
			out = append(out, &req)
		}
	}
	sortByPosted(out)
	return out, nil
}

func (l *RedisLedger) SubmitResponse(ctx context.Context, requestID, providerID string) (*Request, error) {
	req, _, err := l.load(ctx, requestID)
	if err != nil {
		return nil, err
	}
	// Visibility never changes after creation, so checking it outside the
	// script is safe.
	if !req.VisibleTo(providerID) {
		return nil, ErrRequestNotFound
	}

	claimed, err := claimScript.Run(ctx, l.client,
		[]string{l.key(requestID)},
		millis(l.opts.Now()), providerID,
	).Int()
	if err != nil {
		return nil, fmt.Errorf("claim request: %w", err)
	}
	if claimed == 0 {
		return nil, ErrRequestNotFound
	}
	req.Status = StatusValidating
	req.ClaimedBy = providerID
	return req, nil
}

func (l *RedisLedger) Complete(ctx context.Context, resp *Response) (*Request, error) {
	if resp == nil {
		return nil, fmt.Errorf("complete request: nil response")
	}
	now := l.opts.Now()
	stored := *resp
	if stored.CompletedAt.IsZero() {
		stored.CompletedAt = now
	}
	payload, err := json.Marshal(&stored)
	if err != nil {
		return nil, fmt.Errorf("complete request: %w", err)
	}
	status := StatusFailed
	if stored.Status == ResponseSuccess {
		status = StatusFulfilled
	}

	done, err := completeScript.Run(ctx, l.client,
		[]string{l.key(resp.RequestID), l.pendingKey()},
		string(status), payload, l.opts.Retention.Milliseconds(), resp.RequestID, resp.ProviderID, millis(now), l.opts.ClaimGrace.Milliseconds(),
	).Int()
	if err != nil {
		return nil, fmt.Errorf("complete request: %w", err)
	}
	if done == 0 {
		return nil, ErrRequestNotFound
	}

	req, _, err := l.load(ctx, resp.RequestID)
	if err != nil {
		return nil, err
	}
	return req, nil
}

func (l *RedisLedger) GetResult(ctx context.Context, requestID string) (*Result, error) {
	req, resp, err := l.load(ctx, requestID)
	if err != nil {
		return nil, err
	}
	return resultOf(req, resp, l.opts.Now(), l.opts.ClaimGrace), nil
}

func (l *RedisLedger) Sweep(ctx context.Context) ([]*Request, error) {
	now := millis(l.opts.Now())
	ids, err := l.client.ZRangeByScore(ctx, l.pendingKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now, 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("sweep: %w", err)
	}

	var expired []*Request
	for _, id := range ids {
		raw, err := expireScript.Run(ctx, l.client,
			[]string{l.key(id), l.pendingKey()},
			now, l.opts.ClaimGrace.Milliseconds(), l.opts.Retention.Milliseconds(), id,
		).Text()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return expired, fmt.Errorf("sweep %s: %w", id, err)
		}
		var req Request
		if err := json.Unmarshal([]byte(raw), &req); err != nil {
			return expired, fmt.Errorf("sweep %s: %w", id, err)
		}
		req.Status = StatusExpired
		expired = append(expired, &req)
	}
	sortByPosted(expired)
	return expired, nil
}

func (l *RedisLedger) PendingCount(ctx context.Context) (int, error) {
	n, err := l.client.ZCard(ctx, l.pendingKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("pending count: %w", err)
	}
	return int(n), nil
}

func (l *RedisLedger) Ping(ctx context.Context) error {
	if err := l.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

func (l *RedisLedger) Close() error {
	return l.client.Close()
}

func (l *RedisLedger) load(ctx context.Context, id string) (*Request, *Response, error) {
	vals, err := l.client.HMGet(ctx, l.key(id), fieldRequest, fieldStatus, fieldResponse, fieldClaimedBy).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("load request %s: %w", id, err)
	}
	raw, ok := vals[0].(string)
	if !ok {
		return nil, nil, ErrRequestNotFound
	}

	var req Request
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		return nil, nil, fmt.Errorf("load request %s: %w", id, err)
	}
	if status, ok := vals[1].(string); ok {
		req.Status = Status(status)
	}
	if claimedBy, ok := vals[3].(string); ok {
		req.ClaimedBy = claimedBy
	}

	var resp *Response
	if rawResp, ok := vals[2].(string); ok {
		resp = &Response{}
		if err := json.Unmarshal([]byte(rawResp), resp); err != nil {
			return nil, nil, fmt.Errorf("load response %s: %w", id, err)
		}
	}
	return &req, resp, nil
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}
