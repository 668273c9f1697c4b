package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockLedger(t *testing.T) (*RedisLedger, redismock.ClientMock) {
	t.Helper()
	db, mock := redismock.NewClientMock()
	clock := &fakeClock{now: baseTime}
	l := NewRedisLedger(db, "relay:", Options{Now: clock.Now})
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
	})
	return l, mock
}

func TestRedisLedger_GetResultConnectionError(t *testing.T) {
	l, mock := newMockLedger(t)
	mock.ExpectHMGet("relay:req:abc", fieldRequest, fieldStatus, fieldResponse, fieldClaimedBy).
		SetErr(errors.New("connection refused"))

	_, err := l.GetResult(context.Background(), "abc")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrRequestNotFound)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestRedisLedger_ListPendingError(t *testing.T) {
	l, mock := newMockLedger(t)
	mock.ExpectZRangeByScore("relay:pending", &redis.ZRangeBy{
		Min: "(1700000000000",
		Max: "+inf",
	}).SetErr(errors.New("LOADING"))

	_, err := l.ListPendingFor(context.Background(), "p1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "list pending")
}

func TestRedisLedger_ListPendingEmpty(t *testing.T) {
	l, mock := newMockLedger(t)
	mock.ExpectZRangeByScore("relay:pending", &redis.ZRangeBy{
		Min: "(1700000000000",
		Max: "+inf",
	}).SetVal([]string{})

	reqs, err := l.ListPendingFor(context.Background(), "p1")
	require.NoError(t, err)
	assert.Empty(t, reqs)
}

func TestRedisLedger_SweepError(t *testing.T) {
	l, mock := newMockLedger(t)
	mock.ExpectZRangeByScore("relay:pending", &redis.ZRangeBy{
		Min: "-inf",
		Max: "1700000000000",
	}).SetErr(errors.New("READONLY"))

	_, err := l.Sweep(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "READONLY")
}

func TestRedisLedger_PendingCountAndPing(t *testing.T) {
	l, mock := newMockLedger(t)
	mock.ExpectZCard("relay:pending").SetVal(3)
	mock.ExpectPing().SetErr(errors.New("dial tcp: i/o timeout"))

	n, err := l.PendingCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	err = l.Ping(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis ping failed")
}

func TestRedisLedger_CorruptRecord(t *testing.T) {
	l, mock := newMockLedger(t)
	mock.ExpectHMGet("relay:req:abc", fieldRequest, fieldStatus, fieldResponse, fieldClaimedBy).
		SetVal([]interface{}{"{not json", "pending", nil, nil})

	_, err := l.GetResult(context.Background(), "abc")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrRequestNotFound)
}

func TestRedisLedger_KeyLayout(t *testing.T) {
	l := NewRedisLedger(redis.NewClient(&redis.Options{Addr: "localhost:0"}), "relay:", Options{Retention: time.Second})
	assert.Equal(t, "relay:req:x", l.key("x"))
	assert.Equal(t, "relay:pending", l.pendingKey())
	assert.Equal(t, time.Second, l.opts.Retention)
	assert.Equal(t, 30*time.Second, l.opts.ClaimGrace)
	require.NoError(t, l.Close())
}
