package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chat-bridge/pkg/job"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Pool is the subset of *pgxpool.Pool the client uses.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

type Client struct {
	pool Pool
}

// New connects to Postgres. maxConns <= 0 keeps the pgxpool default.
func New(ctx context.Context, url string, maxConns int) (*Client, error) {
	// Parse connection string into pgxpool.Config to allow tweaking settings.
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database URL: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	return &Client{pool: pool}, nil
}

func NewWithPool(pool Pool) *Client {
	return &Client{pool: pool}
}

func (c *Client) Close() {
	c.pool.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS delivery_results (
    id BIGSERIAL PRIMARY KEY,
    job_id TEXT NOT NULL,
    mode TEXT NOT NULL,
    position INTEGER NOT NULL,
    recipient TEXT NOT NULL,
    address TEXT NOT NULL,
    success BOOLEAN NOT NULL,
    message_id TEXT,
    error TEXT,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_delivery_results_job ON delivery_results (job_id);

-- Outbox table for transactional outbox pattern
CREATE TABLE IF NOT EXISTS message_outbox (
    id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    payload TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

// InitSchema creates the ledger and outbox tables.
func (c *Client) InitSchema(ctx context.Context) error {
	_, err := c.pool.Exec(ctx, schema)
	return err
}

const insertResult = `INSERT INTO delivery_results (job_id, mode, position, recipient, address, success, message_id, error)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

// RecordResults stores every result of a job in one transaction, keeping recipient order.
func (c *Client) RecordResults(ctx context.Context, jobID string, mode job.Mode, results []job.DeliveryResult) error {
	if len(results) == 0 {
		return nil
	}
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin ledger tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for i, r := range results {
		if _, err := tx.Exec(ctx, insertResult,
			jobID, string(mode), i, r.Recipient, r.Address, r.Success, nullable(r.MessageID), nullable(r.Error),
		); err != nil {
			return fmt.Errorf("insert delivery result %d: %w", i, err)
		}
	}
	return tx.Commit(ctx)
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// ResultsForJob returns the recorded results of jobID in recipient order.
func (c *Client) ResultsForJob(ctx context.Context, jobID string) ([]job.DeliveryResult, error) {
	rows, err := c.pool.Query(ctx,
		`SELECT recipient, address, success, message_id, error FROM delivery_results WHERE job_id = $1 ORDER BY position`,
		jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []job.DeliveryResult{}
	for rows.Next() {
		var r job.DeliveryResult
		var msgID, errStr *string
		if err := rows.Scan(&r.Recipient, &r.Address, &r.Success, &msgID, &errStr); err != nil {
			return nil, err
		}
		if msgID != nil {
			r.MessageID = *msgID
		}
		if errStr != nil {
			r.Error = *errStr
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// OutboxMessage represents a row in the message_outbox table.
type OutboxMessage struct {
	ID        string
	Payload   string
	CreatedAt time.Time
}

// CreateOutboxMessage stores a validated queue payload for the publisher to relay.
func (c *Client) CreateOutboxMessage(ctx context.Context, payload []byte) (string, error) {
	var id string
	err := c.pool.QueryRow(ctx, `INSERT INTO message_outbox (payload) VALUES ($1) RETURNING id`, string(payload)).Scan(&id)
	return id, err
}

// FetchOutboxMessages retrieves up to 'limit' outbox messages ordered by creation time.
func (c *Client) FetchOutboxMessages(ctx context.Context, limit int) ([]OutboxMessage, error) {
	rows, err := c.pool.Query(ctx, `SELECT id, payload, created_at FROM message_outbox ORDER BY created_at LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := []OutboxMessage{}
	for rows.Next() {
		var m OutboxMessage
		if err := rows.Scan(&m.ID, &m.Payload, &m.CreatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// DeleteOutboxMessage removes an outbox message after successful publish.
func (c *Client) DeleteOutboxMessage(ctx context.Context, id string) error {
	_, err := c.pool.Exec(ctx, `DELETE FROM message_outbox WHERE id = $1`, id)
	return err
}

// Ping checks the pool can reach the database.
func (c *Client) Ping(ctx context.Context) error {
	var one int
	if err := c.pool.QueryRow(ctx, `SELECT 1`).Scan(&one); err != nil {
		return err
	}
	if one != 1 {
		return errors.New("unexpected ping result")
	}
	return nil
}
