package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/markconroy/markie-sub000/internal/db"
	"github.com/markconroy/markie-sub000/internal/model"
	"github.com/markconroy/markie-sub000/internal/resilience"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the most frequently used store operations.
var preparedStatements = map[string]string{
	"insert_run":   `INSERT INTO runs (id, record_type, record_id, rule_id, field_name, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
	"complete_run": `UPDATE runs SET result = $1, status = $2, updated_at = $3 WHERE id = $4`,
	"get_run":      `SELECT id, record_type, record_id, rule_id, field_name, status, result, created_at, updated_at FROM runs WHERE id = $1`,
	"get_file":     `SELECT id::text, uri, filename, mime, size, owner FROM files WHERE id = $1::bigint`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool, shared with the pgvector
// search backend when both live in one database.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	record_type TEXT NOT NULL,
	record_id   TEXT NOT NULL,
	rule_id     TEXT NOT NULL,
	field_name  TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'running',
	result      JSONB,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_record ON runs(record_type, record_id);

CREATE TABLE IF NOT EXISTS terms (
	id          BIGSERIAL PRIMARY KEY,
	vocabulary  TEXT NOT NULL,
	name        TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	owner       TEXT NOT NULL DEFAULT '',
	UNIQUE (vocabulary, name)
);

CREATE TABLE IF NOT EXISTS entities (
	id          BIGSERIAL PRIMARY KEY,
	entity_type TEXT NOT NULL,
	bundle      TEXT NOT NULL,
	owner       TEXT NOT NULL DEFAULT '',
	fields      JSONB NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS files (
	id         BIGSERIAL PRIMARY KEY,
	uri        TEXT NOT NULL UNIQUE,
	filename   TEXT NOT NULL,
	mime       TEXT NOT NULL DEFAULT '',
	size       BIGINT NOT NULL DEFAULT 0,
	owner      TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS dead_letter_queue (
	id             TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	record_path    TEXT NOT NULL,
	record_id      TEXT NOT NULL DEFAULT '',
	rule_id        TEXT NOT NULL DEFAULT '',
	error          TEXT NOT NULL,
	error_type     TEXT NOT NULL DEFAULT 'transient',
	retry_count    INTEGER NOT NULL DEFAULT 0,
	max_retries    INTEGER NOT NULL DEFAULT 3,
	next_retry_at  TIMESTAMPTZ NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_failed_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_dlq_error_type ON dead_letter_queue(error_type);
CREATE INDEX IF NOT EXISTS idx_dlq_next_retry ON dead_letter_queue(next_retry_at);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// Runs

func (s *PostgresStore) CreateRun(ctx context.Context, run model.Run) (*model.Run, error) {
	run.ID = uuid.New().String()
	now := time.Now().UTC()
	run.CreatedAt, run.UpdatedAt = now, now
	if run.Status == "" {
		run.Status = model.RunStatusRunning
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO runs (id, record_type, record_id, rule_id, field_name, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		run.ID, run.RecordType, run.RecordID, run.RuleID, run.FieldName, string(run.Status), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert run")
	}
	return &run, nil
}

func (s *PostgresStore) CompleteRun(ctx context.Context, id string, status model.RunStatus, result *model.RunResult) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal result")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET result = $1, status = $2, updated_at = $3 WHERE id = $4`,
		resultJSON, string(status), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete run %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("run not found: %s", id)
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	r, err := scanPgRun(s.pool.QueryRow(ctx,
		`SELECT id, record_type, record_id, rule_id, field_name, status, result, created_at, updated_at FROM runs WHERE id = $1`,
		id,
	))
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get run %s", id)
	}
	return r, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT id, record_type, record_id, rule_id, field_name, status, result, created_at, updated_at FROM runs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.RecordID != "" {
		query += fmt.Sprintf(` AND record_id = $%d`, argIdx)
		args = append(args, filter.RecordID)
		argIdx++
	}
	if filter.RuleID != "" {
		query += fmt.Sprintf(` AND rule_id = $%d`, argIdx)
		args = append(args, filter.RuleID)
		argIdx++
	}
	query += ` ORDER BY created_at DESC`

	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, defaultLimit(filter.Limit))
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanPgRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

func scanPgRun(row pgx.Row) (*model.Run, error) {
	var r model.Run
	var resultNull *[]byte
	if err := row.Scan(&r.ID, &r.RecordType, &r.RecordID, &r.RuleID, &r.FieldName, &r.Status, &resultNull, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	if resultNull != nil {
		r.Result = &model.RunResult{}
		if err := json.Unmarshal(*resultNull, r.Result); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal result")
		}
	}
	return &r, nil
}

// Terms

func (s *PostgresStore) FindTerms(ctx context.Context, vocabularies []string) ([]model.Term, error) {
	query := `SELECT id::text, vocabulary, name, description, owner FROM terms`
	args := []any{}
	if len(vocabularies) > 0 {
		query += ` WHERE vocabulary = ANY($1)`
		args = append(args, vocabularies)
	}
	query += ` ORDER BY vocabulary, name`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: find terms")
	}
	defer rows.Close()

	var terms []model.Term
	for rows.Next() {
		var t model.Term
		if err := rows.Scan(&t.ID, &t.Vocabulary, &t.Name, &t.Description, &t.Owner); err != nil {
			return nil, eris.Wrap(err, "postgres: scan term")
		}
		terms = append(terms, t)
	}
	return terms, eris.Wrap(rows.Err(), "postgres: find terms iterate")
}

// CreateTerm inserts a term or returns the existing one of that name.
func (s *PostgresStore) CreateTerm(ctx context.Context, vocabulary, name, owner string) (*model.Term, error) {
	t := model.Term{Vocabulary: vocabulary, Name: name}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO terms (vocabulary, name, owner) VALUES ($1, $2, $3)
		 ON CONFLICT (vocabulary, name) DO UPDATE SET name = EXCLUDED.name
		 RETURNING id::text, description, owner`,
		vocabulary, name, owner,
	).Scan(&t.ID, &t.Description, &t.Owner)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: create term %q", name)
	}
	return &t, nil
}

// Entities

func (s *PostgresStore) CreateEntity(ctx context.Context, e model.Entity) (*model.Entity, error) {
	fieldsJSON, err := json.Marshal(e.Fields)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal entity fields")
	}
	err = s.pool.QueryRow(ctx,
		`INSERT INTO entities (entity_type, bundle, owner, fields) VALUES ($1, $2, $3, $4) RETURNING id::text`,
		e.EntityType, e.Bundle, e.Owner, fieldsJSON,
	).Scan(&e.ID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: insert %s entity", e.EntityType)
	}
	return &e, nil
}

func (s *PostgresStore) GetEntity(ctx context.Context, id string) (*model.Entity, error) {
	var e model.Entity
	var fieldsJSON []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id::text, entity_type, bundle, owner, fields FROM entities WHERE id = $1::bigint`, id,
	).Scan(&e.ID, &e.EntityType, &e.Bundle, &e.Owner, &fieldsJSON)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Errorf("entity not found: %s", id)
		}
		return nil, eris.Wrapf(err, "postgres: get entity %s", id)
	}
	if err := json.Unmarshal(fieldsJSON, &e.Fields); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal entity fields")
	}
	return &e, nil
}

// Files

func (s *PostgresStore) InsertFile(ctx context.Context, f model.File) (*model.File, error) {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO files (uri, filename, mime, size, owner) VALUES ($1, $2, $3, $4, $5) RETURNING id::text`,
		f.URI, f.Filename, f.Mime, f.Size, f.Owner,
	).Scan(&f.ID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: insert file %s", f.URI)
	}
	return &f, nil
}

func (s *PostgresStore) GetFile(ctx context.Context, id string) (*model.File, error) {
	var f model.File
	err := s.pool.QueryRow(ctx,
		`SELECT id::text, uri, filename, mime, size, owner FROM files WHERE id = $1::bigint`, id,
	).Scan(&f.ID, &f.URI, &f.Filename, &f.Mime, &f.Size, &f.Owner)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Errorf("file not found: %s", id)
		}
		return nil, eris.Wrapf(err, "postgres: get file %s", id)
	}
	return &f, nil
}

func (s *PostgresStore) FileExists(ctx context.Context, uri string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM files WHERE uri = $1)`, uri).Scan(&exists)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: file exists %s", uri)
	}
	return exists, nil
}

// Dead letter queue

func (s *PostgresStore) EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO dead_letter_queue
		 (id, record_path, record_id, rule_id, error, error_type, retry_count, max_retries, next_retry_at, created_at, last_failed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (id) DO UPDATE SET
		   rule_id = $4, error = $5, error_type = $6, retry_count = $7,
		   next_retry_at = $9, last_failed_at = $11`,
		entry.ID, entry.RecordPath, entry.RecordID, entry.RuleID, entry.Error, entry.ErrorType,
		entry.RetryCount, entry.MaxRetries, entry.NextRetryAt, entry.CreatedAt, entry.LastFailedAt,
	)
	return eris.Wrap(err, "postgres: enqueue dlq")
}

func (s *PostgresStore) DequeueDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	query := `SELECT id, record_path, record_id, rule_id, error, error_type, retry_count, max_retries, next_retry_at, created_at, last_failed_at
	          FROM dead_letter_queue
	          WHERE next_retry_at <= now() AND retry_count < max_retries`
	args := []any{}
	argIdx := 1

	if filter.ErrorType != "" {
		query += fmt.Sprintf(` AND error_type = $%d`, argIdx)
		args = append(args, filter.ErrorType)
		argIdx++
	}

	query += ` ORDER BY next_retry_at ASC`
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, defaultLimit(filter.Limit))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: dequeue dlq")
	}
	defer rows.Close()

	var entries []resilience.DLQEntry
	for rows.Next() {
		var e resilience.DLQEntry
		if err := rows.Scan(&e.ID, &e.RecordPath, &e.RecordID, &e.RuleID, &e.Error, &e.ErrorType,
			&e.RetryCount, &e.MaxRetries, &e.NextRetryAt, &e.CreatedAt, &e.LastFailedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan dlq entry")
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: dequeue dlq iterate")
}

func (s *PostgresStore) IncrementDLQRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE dead_letter_queue
		 SET retry_count = retry_count + 1, next_retry_at = $1, error = $2, last_failed_at = now()
		 WHERE id = $3`,
		nextRetryAt, lastErr, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: increment dlq retry %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("dlq_entry not found: %s", id)
	}
	return nil
}

func (s *PostgresStore) RemoveDLQ(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM dead_letter_queue WHERE id = $1`, id)
	return eris.Wrap(err, "postgres: remove dlq")
}

func (s *PostgresStore) CountDLQ(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM dead_letter_queue`).Scan(&count)
	return count, eris.Wrap(err, "postgres: count dlq")
}
