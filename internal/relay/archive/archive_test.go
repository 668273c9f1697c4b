package archive

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/elastic/go-elasticsearch/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agent-relay/internal/common/logger"
)

var posted = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func sampleRecord() Record {
	return Record{
		RequestID:     "r1",
		From:          "alice",
		ProviderID:    "p1",
		Status:        "failed",
		ErrorCode:     "VALIDATION_FAILED",
		PostedAt:      posted,
		FinishedAt:    posted.Add(1500 * time.Millisecond),
		DurationMs:    1500,
		OutputBytes:   12,
		EncodedFields: 0,
	}
}

type recordingSink struct {
	mu   sync.Mutex
	name string
	recs []Record
	err  error
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Write(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, rec)
	return s.err
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.recs)
}

func TestDispatcher_DeliversToEverySink(t *testing.T) {
	good := &recordingSink{name: "good"}
	bad := &recordingSink{name: "bad", err: errors.New("disk full")}
	d := NewDispatcher(logger.NewTestLogger(t), 2, 16, good, bad)
	d.Start()

	for i := 0; i < 5; i++ {
		d.Publish(sampleRecord())
	}
	require.NoError(t, d.Close(context.Background()))

	assert.Equal(t, 5, good.count())
	assert.Equal(t, 5, bad.count(), "a failing sink does not stop delivery")

	d.Publish(sampleRecord())
	assert.Equal(t, 5, good.count(), "closed dispatcher ignores records")
	require.NoError(t, d.Close(context.Background()))
}

func TestDispatcher_DropsWhenFull(t *testing.T) {
	sink := &recordingSink{name: "s"}
	d := NewDispatcher(logger.NewNoOpLogger(), 1, 1, sink)

	d.Publish(sampleRecord())
	d.Publish(sampleRecord())

	d.Start()
	require.NoError(t, d.Close(context.Background()))
	assert.Equal(t, 1, sink.count())
}

func TestPostgresSink(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS relay_exchanges")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO relay_exchanges")).
		WithArgs("r1", "alice", "p1", "failed", "VALIDATION_FAILED", posted, posted.Add(1500*time.Millisecond), int64(1500), 12, 0).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO relay_exchanges")).
		WithArgs("r2", "bob", nil, "expired", "TIMEOUT", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnError(errors.New("connection reset"))

	sink := NewPostgresSink(db)
	require.NoError(t, sink.EnsureSchema(context.Background()))
	require.NoError(t, sink.Write(context.Background(), sampleRecord()))

	err = sink.Write(context.Background(), Record{RequestID: "r2", From: "bob", Status: "expired", ErrorCode: "TIMEOUT"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "r2")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func newESClient(t *testing.T, handler http.HandlerFunc) *elasticsearch.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		w.Header().Set("Content-Type", "application/json")
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	client, err := elasticsearch.NewClient(elasticsearch.Config{Addresses: []string{srv.URL}})
	require.NoError(t, err)
	return client
}

func TestElasticsearchSink(t *testing.T) {
	var (
		gotPath string
		gotDoc  map[string]interface{}
	)
	client := newESClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.Method + " " + r.URL.Path
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotDoc)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"result":"created"}`))
	})

	sink := NewElasticsearchSink(client, "relay-exchanges")
	require.NoError(t, sink.Write(context.Background(), sampleRecord()))

	assert.Equal(t, "PUT /relay-exchanges/_doc/r1", gotPath)
	assert.Equal(t, "r1", gotDoc["request_id"])
	assert.Equal(t, "VALIDATION_FAILED", gotDoc["error_code"])
	assert.NotContains(t, gotDoc, "output")
}

func TestElasticsearchSink_ErrorStatus(t *testing.T) {
	client := newESClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"mapper_parsing_exception"}`))
	})

	err := NewElasticsearchSink(client, "relay-exchanges").Write(context.Background(), sampleRecord())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}

type fakeTopic struct {
	calls []string
	err   error
}

func (f *fakeTopic) PublishToTopic(ctx context.Context, topicARN, subject, message string) (string, error) {
	f.calls = append(f.calls, topicARN+"|"+subject)
	return "m1", f.err
}

type fakeEmail struct {
	bodies []string
}

func (f *fakeEmail) SendText(ctx context.Context, from string, to []string, subject, body string) error {
	f.bodies = append(f.bodies, body)
	return nil
}

func TestNotifySink(t *testing.T) {
	topic := &fakeTopic{}
	email := &fakeEmail{}
	sink := NewNotifySink(topic, email, NotifyConfig{
		TopicARN:  "arn:topic",
		FromEmail: "relay@example.com",
		To:        []string{"ops@example.com"},
		Codes:     []string{"INTERNAL_ERROR", "NO_PROVIDERS"},
	})

	rec := sampleRecord()
	require.NoError(t, sink.Write(context.Background(), rec))
	assert.Empty(t, topic.calls, "codes outside the set are ignored")

	rec.ErrorCode = "NO_PROVIDERS"
	require.NoError(t, sink.Write(context.Background(), rec))
	require.Len(t, topic.calls, 1)
	assert.Equal(t, "arn:topic|relay request r1 failed: NO_PROVIDERS", topic.calls[0])
	require.Len(t, email.bodies, 1)
	assert.Contains(t, email.bodies[0], "requester: alice")
	assert.Contains(t, email.bodies[0], "duration_ms: 1500")

	topic.err = errors.New("throttled")
	err := sink.Write(context.Background(), rec)
	require.Error(t, err)
	assert.Len(t, email.bodies, 2, "email is still attempted when the topic fails")
}
