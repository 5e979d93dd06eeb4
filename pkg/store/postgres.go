package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kinorez/stagehand/pkg/log"
)

// Postgres is the durable store adapter. It owns a connection pool to
// the relational backend holding bot users and their requests.
type Postgres struct {
	dsn  string
	pool *pgxpool.Pool
}

// NewPostgres creates an adapter for the given DSN. No connection is
// made until Connect; the orchestrator only calls Connect once the
// backend's health probes pass.
func NewPostgres(dsn string) *Postgres {
	return &Postgres{dsn: dsn}
}

// Connect establishes the pool and verifies it with a ping
func (p *Postgres) Connect(ctx context.Context) error {
	cfg, err := pgxpool.ParseConfig(p.dsn)
	if err != nil {
		return fmt.Errorf("store: parse postgres config: %w", err)
	}
	// Pool bounds match the original deployment
	cfg.MinConns = 2
	cfg.MaxConns = 10

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("store: create postgres pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("store: postgres ping: %w", err)
	}

	p.pool = pool
	log.WithComponent("store").Info().Msg("postgres pool established")
	return nil
}

// Ping round-trips a trivial query
func (p *Postgres) Ping(ctx context.Context) error {
	var one int
	return p.pool.QueryRow(ctx, "SELECT 1").Scan(&one)
}

// InitSchema creates the bot's tables if they do not exist
func (p *Postgres) InitSchema(ctx context.Context) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: begin schema tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS users (
			user_id BIGINT PRIMARY KEY,
			username TEXT,
			first_name TEXT,
			last_name TEXT,
			is_authorized BOOLEAN DEFAULT FALSE,
			is_waiting_for_password BOOLEAN DEFAULT FALSE,
			password_attempts INTEGER DEFAULT 0,
			created_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP,
			last_attempt_at TIMESTAMP WITH TIME ZONE
		)`); err != nil {
		return fmt.Errorf("store: create users table: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS requests (
			id SERIAL PRIMARY KEY,
			user_id BIGINT NOT NULL,
			request_text TEXT,
			video_url TEXT,
			start_time TEXT,
			end_time TEXT,
			status TEXT,
			created_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (user_id) REFERENCES users(user_id)
		)`); err != nil {
		return fmt.Errorf("store: create requests table: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("store: commit schema: %w", err)
	}

	log.WithComponent("store").Info().Msg("database schema initialized")
	return nil
}

// UpsertUser records or refreshes a bot user
func (p *Postgres) UpsertUser(ctx context.Context, userID int64, username, firstName, lastName string) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO users (user_id, username, first_name, last_name)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE
		SET username = $2, first_name = $3, last_name = $4`,
		userID, username, firstName, lastName)
	return err
}

// Authorize marks a user as authorized
func (p *Postgres) Authorize(ctx context.Context, userID int64) error {
	_, err := p.pool.Exec(ctx,
		`UPDATE users SET is_authorized = TRUE, last_attempt_at = $2 WHERE user_id = $1`,
		userID, time.Now())
	return err
}

// IsAuthorized reports whether a user passed authentication
func (p *Postgres) IsAuthorized(ctx context.Context, userID int64) (bool, error) {
	var authorized bool
	err := p.pool.QueryRow(ctx,
		`SELECT is_authorized FROM users WHERE user_id = $1`, userID).Scan(&authorized)
	return authorized, err
}

// RecordRequest persists one media request for auditability
func (p *Postgres) RecordRequest(ctx context.Context, userID int64, text, videoURL, startTime, endTime, status string) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO requests (user_id, request_text, video_url, start_time, end_time, status)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		userID, text, videoURL, startTime, endTime, status)
	return err
}

// Close releases the pool
func (p *Postgres) Close() {
	if p.pool != nil {
		p.pool.Close()
		p.pool = nil
	}
}
