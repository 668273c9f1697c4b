package archive

import (
	"context"
	"database/sql"
	"fmt"
)

const createExchangesTable = `CREATE TABLE IF NOT EXISTS relay_exchanges (
	request_id     TEXT PRIMARY KEY,
	requester_id   TEXT NOT NULL,
	provider_id    TEXT,
	status         TEXT NOT NULL,
	error_code     TEXT,
	posted_at      TIMESTAMPTZ NOT NULL,
	finished_at    TIMESTAMPTZ NOT NULL,
	duration_ms    BIGINT NOT NULL,
	output_bytes   INTEGER NOT NULL DEFAULT 0,
	encoded_fields INTEGER NOT NULL DEFAULT 0
)`

const insertExchange = `INSERT INTO relay_exchanges
	(request_id, requester_id, provider_id, status, error_code, posted_at, finished_at, duration_ms, output_bytes, encoded_fields)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	ON CONFLICT (request_id) DO NOTHING`

// PostgresSink writes records to the relay_exchanges table.
type PostgresSink struct {
	db *sql.DB
}

func NewPostgresSink(db *sql.DB) *PostgresSink {
	return &PostgresSink{db: db}
}

func (s *PostgresSink) Name() string { return "postgres" }

// EnsureSchema creates the table when it does not exist.
func (s *PostgresSink) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, createExchangesTable); err != nil {
		return fmt.Errorf("create relay_exchanges: %w", err)
	}
	return nil
}

func (s *PostgresSink) Write(ctx context.Context, rec Record) error {
	_, err := s.db.ExecContext(ctx, insertExchange,
		rec.RequestID,
		rec.From,
		nullable(rec.ProviderID),
		rec.Status,
		nullable(rec.ErrorCode),
		rec.PostedAt,
		rec.FinishedAt,
		rec.DurationMs,
		rec.OutputBytes,
		rec.EncodedFields,
	)
	if err != nil {
		return fmt.Errorf("insert exchange %s: %w", rec.RequestID, err)
	}
	return nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
