package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"coderunner/internal/config"
	"coderunner/internal/history"
)

var ErrNotFound = errors.New("not found")

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id              TEXT PRIMARY KEY,
	engine          TEXT NOT NULL,
	language        TEXT NOT NULL,
	principal       TEXT NOT NULL DEFAULT '',
	file_name       TEXT NOT NULL DEFAULT '',
	code_hash       TEXT NOT NULL,
	exit_code       INTEGER NOT NULL,
	output          TEXT NOT NULL DEFAULT '',
	lines           INTEGER NOT NULL DEFAULT 0,
	duration_ms     BIGINT NOT NULL,
	security_events INTEGER NOT NULL DEFAULT 0,
	outcome         TEXT NOT NULL,
	request_ip      TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL,
	completed_at    TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS runs_created_at_idx ON runs (created_at DESC);

CREATE TABLE IF NOT EXISTS security_events (
	id         TEXT PRIMARY KEY,
	run_id     TEXT NOT NULL,
	type       TEXT NOT NULL,
	severity   TEXT NOT NULL,
	detail     TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS run_history (
	principal  TEXT PRIMARY KEY,
	entries    JSONB NOT NULL DEFAULT '[]',
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`

// DB wraps a PostgreSQL connection pool for the audit log and, when
// selected, per-principal run history.
type DB struct {
	pool *pgxpool.Pool
}

// New creates a new database connection pool.
func New(ctx context.Context, cfg config.DatabaseConfig) (*DB, error) {
	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing database DSN: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		pc.MaxConns = int32(cfg.MaxOpenConns) // #nosec G115 -- small config value
	}
	if cfg.MaxIdleConns > 0 {
		pc.MinConns = int32(cfg.MaxIdleConns) // #nosec G115 -- small config value
	}
	if cfg.ConnMaxLifetime > 0 {
		pc.MaxConnLifetime = cfg.ConnMaxLifetime
	}
	pc.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	log.Info().Msg("connected to PostgreSQL")
	return &DB{pool: pool}, nil
}

// Migrate creates the tables if they do not exist.
func (db *DB) Migrate(ctx context.Context) error {
	if _, err := db.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}
	return nil
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.pool.Close()
}

// Healthy checks database connectivity.
func (db *DB) Healthy(ctx context.Context) bool {
	return db.pool.Ping(ctx) == nil
}

// LogRun inserts a run record into the audit log.
func (db *DB) LogRun(ctx context.Context, rec *RunRecord) error {
	query := `
		INSERT INTO runs (id, engine, language, principal, file_name, code_hash,
			exit_code, output, lines, duration_ms, security_events, outcome,
			request_ip, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

	_, err := db.pool.Exec(ctx, query,
		rec.ID, rec.Engine, rec.Language, rec.Principal, rec.FileName, rec.CodeHash,
		rec.ExitCode, truncateForDB(rec.Output, 65535), rec.Lines, rec.DurationMS,
		rec.SecurityEvents, rec.Outcome, rec.RequestIP,
		rec.CreatedAt, rec.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting run: %w", err)
	}
	return nil
}

// LogSecurityEvent inserts a security event record.
func (db *DB) LogSecurityEvent(ctx context.Context, event *SecurityEventRecord) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO security_events (id, run_id, type, severity, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := db.pool.Exec(ctx, query,
		event.ID, event.RunID, event.Type, event.Severity, event.Detail, event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting security event: %w", err)
	}
	return nil
}

// GetRun retrieves a single run by ID.
func (db *DB) GetRun(ctx context.Context, id string) (*RunRecord, error) {
	query := `
		SELECT id, engine, language, principal, file_name, code_hash, exit_code,
			output, lines, duration_ms, security_events, outcome, request_ip,
			created_at, completed_at
		FROM runs WHERE id = $1`

	var rec RunRecord
	err := db.pool.QueryRow(ctx, query, id).Scan(
		&rec.ID, &rec.Engine, &rec.Language, &rec.Principal, &rec.FileName,
		&rec.CodeHash, &rec.ExitCode, &rec.Output, &rec.Lines, &rec.DurationMS,
		&rec.SecurityEvents, &rec.Outcome, &rec.RequestIP,
		&rec.CreatedAt, &rec.CompletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying run %s: %w", id, err)
	}
	return &rec, nil
}

// ListRuns queries runs with optional filters, newest first.
func (db *DB) ListRuns(ctx context.Context, filter RunFilter) ([]RunRecord, error) {
	query := `
		SELECT id, engine, language, principal, file_name, code_hash, exit_code,
			lines, duration_ms, security_events, outcome, created_at, completed_at
		FROM runs
		WHERE ($1 = '' OR engine = $1)
		  AND ($2 = '' OR outcome = $2)
		  AND ($3 = '' OR principal = $3)
		ORDER BY created_at DESC
		LIMIT $4 OFFSET $5`

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	rows, err := db.pool.Query(ctx, query,
		filter.Engine, filter.Outcome, filter.Principal, limit, filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer rows.Close()

	results := []RunRecord{}
	for rows.Next() {
		var rec RunRecord
		if err := rows.Scan(
			&rec.ID, &rec.Engine, &rec.Language, &rec.Principal, &rec.FileName,
			&rec.CodeHash, &rec.ExitCode, &rec.Lines, &rec.DurationMS,
			&rec.SecurityEvents, &rec.Outcome, &rec.CreatedAt, &rec.CompletedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning run row: %w", err)
		}
		results = append(results, rec)
	}

	return results, rows.Err()
}

// GetHistory implements history.Store.
func (db *DB) GetHistory(ctx context.Context, principal string) ([]history.Entry, error) {
	var raw []byte
	err := db.pool.QueryRow(ctx,
		`SELECT entries FROM run_history WHERE principal = $1`, principal,
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying history for %s: %w", principal, err)
	}

	var entries []history.Entry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("decoding history for %s: %w", principal, err)
	}
	return entries, nil
}

// SaveHistory implements history.Store.
func (db *DB) SaveHistory(ctx context.Context, principal string, entries []history.Entry) error {
	if entries == nil {
		entries = []history.Entry{}
	}
	raw, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encoding history: %w", err)
	}

	_, err = db.pool.Exec(ctx, `
		INSERT INTO run_history (principal, entries, updated_at)
		VALUES ($1, $2::jsonb, now())
		ON CONFLICT (principal) DO UPDATE SET entries = EXCLUDED.entries, updated_at = now()`,
		principal, string(raw),
	)
	if err != nil {
		return fmt.Errorf("saving history for %s: %w", principal, err)
	}
	return nil
}

func truncateForDB(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
