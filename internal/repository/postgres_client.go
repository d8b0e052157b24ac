package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	// Register the "postgres" database/sql driver.
	_ "github.com/lib/pq"

	"coach-relay/internal/domain"
)

const insertMessageSQL = `INSERT INTO messages (conversation_id, sender_id, content)
	VALUES ($1, $2, $3)
	RETURNING id, created_at`

// execer is the subset of *sql.DB used by PostgresClient.
type execer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	PingContext(ctx context.Context) error
}

// PostgresClient writes messages to the `messages` table of a Postgres
// database. Row ids and creation times are assigned by the database.
type PostgresClient struct {
	db execer
}

// NewPostgres wraps an open database handle.
func NewPostgres(db execer) (*PostgresClient, error) {
	if db == nil {
		return nil, errors.New("repository: db must not be nil")
	}
	return &PostgresClient{db: db}, nil
}

// OpenPostgres opens a pooled connection for dsn. sql.Open does not dial, so
// an unreachable database surfaces on the first insert.
func OpenPostgres(dsn string) (*PostgresClient, *sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("repository: open postgres: %w", err)
	}
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	c, err := NewPostgres(db)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return c, db, nil
}

// Ready implements MessageWriter. It does not touch the network.
func (c *PostgresClient) Ready(_ context.Context) error {
	return nil
}

// Ping checks connectivity; used by health checks, not on the request path.
func (c *PostgresClient) Ping(ctx context.Context) error {
	if err := c.db.PingContext(ctx); err != nil {
		return fmt.Errorf("repository: ping postgres: %w", err)
	}
	return nil
}

// InsertMessage inserts one message row and returns it with the generated id
// and creation time.
func (c *PostgresClient) InsertMessage(ctx context.Context, msg domain.Message) (domain.Message, error) {
	if err := validateMessage(msg); err != nil {
		return domain.Message{}, err
	}
	row := c.db.QueryRowContext(ctx, insertMessageSQL, msg.ConversationID, msg.SenderID, msg.Content)
	if err := row.Scan(&msg.ID, &msg.CreatedAt); err != nil {
		return domain.Message{}, fmt.Errorf("repository: InsertMessage: %w", err)
	}
	if msg.ContentType == "" {
		msg.ContentType = domain.ContentText
	}
	return msg, nil
}
