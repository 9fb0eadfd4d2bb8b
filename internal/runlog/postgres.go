package runlog

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists run summaries in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmt := `CREATE TABLE IF NOT EXISTS run_summaries (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		task TEXT NOT NULL,
		outcome TEXT NOT NULL,
		steps INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		final_url TEXT NOT NULL DEFAULT '',
		started_at TIMESTAMPTZ NOT NULL,
		ended_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);`
	if _, err := pool.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	if _, err := pool.Exec(ctx,
		`CREATE INDEX IF NOT EXISTS idx_run_summaries_ended ON run_summaries (ended_at);`); err != nil {
		return fmt.Errorf("init schema index: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveSummary(ctx context.Context, summary Summary) error {
	if summary.ID == "" {
		summary.ID = uuid.NewString()
	}
	if summary.EndedAt.IsZero() {
		summary.EndedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO run_summaries (id, task_id, task, outcome, steps, error, final_url, started_at, ended_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		summary.ID,
		summary.TaskID,
		summary.Task,
		summary.Outcome,
		summary.Steps,
		summary.Error,
		summary.FinalURL,
		summary.StartedAt,
		summary.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("save run summary: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecentSummaries(ctx context.Context, limit int) ([]Summary, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, task_id, task, outcome, steps, error, final_url, started_at, ended_at
		 FROM run_summaries ORDER BY ended_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query run summaries: %w", err)
	}
	defer rows.Close()

	items := make([]Summary, 0, limit)
	for rows.Next() {
		var r Summary
		if err := rows.Scan(&r.ID, &r.TaskID, &r.Task, &r.Outcome, &r.Steps, &r.Error, &r.FinalURL, &r.StartedAt, &r.EndedAt); err != nil {
			return nil, fmt.Errorf("scan run summary: %w", err)
		}
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run summaries: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
