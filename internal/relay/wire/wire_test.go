package wire

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"agent-relay/internal/relay/ledger"
)

func TestFromResult(t *testing.T) {
	posted := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	req := &ledger.Request{ID: "r1", From: "alice", PostedAt: posted, TimeoutAt: posted.Add(time.Second)}

	tests := []struct {
		name string
		res  *ledger.Result
		want Result
	}{
		{
			name: "pending",
			res:  &ledger.Result{State: ledger.ResultPending, Request: req},
			want: Result{Status: StatusPending, RequestID: "r1"},
		},
		{
			name: "fulfilled",
			res: &ledger.Result{State: ledger.ResultFulfilled, Request: req, Response: &ledger.Response{
				RequestID: "r1", ProviderID: "p1", Status: ledger.ResponseSuccess,
				Output: json.RawMessage(`{"x":"y"}`), CompletedAt: posted,
			}},
			want: Result{Status: StatusSuccess, RequestID: "r1", ProviderID: "p1", Output: json.RawMessage(`{"x":"y"}`), CompletedAt: &posted},
		},
		{
			name: "failed",
			res: &ledger.Result{State: ledger.ResultFailed, Request: req, Response: &ledger.Response{
				RequestID: "r1", Status: ledger.ResponseError, ErrorCode: "TIMEOUT", CompletedAt: posted,
			}},
			want: Result{Status: StatusError, RequestID: "r1", ErrorCode: "TIMEOUT", CompletedAt: &posted},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FromResult(tt.res)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.want.Status != StatusPending, got.Terminal())
		})
	}
}

func TestEnvelopeOmitsEmptyFields(t *testing.T) {
	data, err := json.Marshal(Envelope{Type: TypePoll})
	assert.NoError(t, err)
	assert.JSONEq(t, `{"type":"poll"}`, string(data))
}
