package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/markconroy/markie-sub000/internal/model"
	"github.com/markconroy/markie-sub000/internal/resilience"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	record_type TEXT NOT NULL,
	record_id   TEXT NOT NULL,
	rule_id     TEXT NOT NULL,
	field_name  TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'running',
	result      TEXT,
	created_at  DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at  DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS terms (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	vocabulary  TEXT NOT NULL,
	name        TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	owner       TEXT NOT NULL DEFAULT '',
	UNIQUE (vocabulary, name)
);

CREATE TABLE IF NOT EXISTS entities (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	entity_type TEXT NOT NULL,
	bundle      TEXT NOT NULL,
	owner       TEXT NOT NULL DEFAULT '',
	fields      TEXT NOT NULL,
	created_at  DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS files (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	uri        TEXT NOT NULL UNIQUE,
	filename   TEXT NOT NULL,
	mime       TEXT NOT NULL DEFAULT '',
	size       INTEGER NOT NULL DEFAULT 0,
	owner      TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS dead_letter_queue (
	id             TEXT PRIMARY KEY,
	record_path    TEXT NOT NULL,
	record_id      TEXT NOT NULL DEFAULT '',
	rule_id        TEXT NOT NULL DEFAULT '',
	error          TEXT NOT NULL,
	error_type     TEXT NOT NULL DEFAULT 'transient',
	retry_count    INTEGER NOT NULL DEFAULT 0,
	max_retries    INTEGER NOT NULL DEFAULT 3,
	next_retry_at  DATETIME NOT NULL,
	created_at     DATETIME NOT NULL DEFAULT (datetime('now')),
	last_failed_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_record ON runs(record_type, record_id);
CREATE INDEX IF NOT EXISTS idx_terms_vocabulary ON terms(vocabulary);
CREATE INDEX IF NOT EXISTS idx_dlq_next_retry ON dead_letter_queue(next_retry_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Runs

func (s *SQLiteStore) CreateRun(ctx context.Context, run model.Run) (*model.Run, error) {
	run.ID = uuid.New().String()
	now := time.Now().UTC()
	run.CreatedAt, run.UpdatedAt = now, now
	if run.Status == "" {
		run.Status = model.RunStatusRunning
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, record_type, record_id, rule_id, field_name, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.RecordType, run.RecordID, run.RuleID, run.FieldName, string(run.Status), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert run")
	}
	return &run, nil
}

func (s *SQLiteStore) CompleteRun(ctx context.Context, id string, status model.RunStatus, result *model.RunResult) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal result")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET result = ?, status = ?, updated_at = ? WHERE id = ?`,
		string(resultJSON), string(status), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete run %s", id)
	}
	return checkRowsAffected(res, "run", id)
}

const runColumns = `id, record_type, record_id, rule_id, field_name, status, result, created_at, updated_at`

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	return scanRun(row)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.RecordID != "" {
		query += ` AND record_id = ?`
		args = append(args, filter.RecordID)
	}
	if filter.RuleID != "" {
		query += ` AND rule_id = ?`
		args = append(args, filter.RuleID)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, defaultLimit(filter.Limit))

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

// Terms

func (s *SQLiteStore) FindTerms(ctx context.Context, vocabularies []string) ([]model.Term, error) {
	query := `SELECT id, vocabulary, name, description, owner FROM terms`
	args := make([]any, 0, len(vocabularies))
	if len(vocabularies) > 0 {
		query += ` WHERE vocabulary IN (?` + strings.Repeat(`, ?`, len(vocabularies)-1) + `)`
		for _, v := range vocabularies {
			args = append(args, v)
		}
	}
	query += ` ORDER BY vocabulary, name`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: find terms")
	}
	defer rows.Close()

	var terms []model.Term
	for rows.Next() {
		var t model.Term
		var id int64
		if err := rows.Scan(&id, &t.Vocabulary, &t.Name, &t.Description, &t.Owner); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan term")
		}
		t.ID = strconv.FormatInt(id, 10)
		terms = append(terms, t)
	}
	return terms, eris.Wrap(rows.Err(), "sqlite: find terms iterate")
}

// CreateTerm inserts a term. A term with the same name in the vocabulary is
// returned instead of a duplicate.
func (s *SQLiteStore) CreateTerm(ctx context.Context, vocabulary, name, owner string) (*model.Term, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO terms (vocabulary, name, owner) VALUES (?, ?, ?)
		 ON CONFLICT (vocabulary, name) DO NOTHING`,
		vocabulary, name, owner,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: insert term %q", name)
	}

	t := model.Term{Vocabulary: vocabulary, Name: name}
	var id int64
	err = s.db.QueryRowContext(ctx,
		`SELECT id, description, owner FROM terms WHERE vocabulary = ? AND name = ?`,
		vocabulary, name,
	).Scan(&id, &t.Description, &t.Owner)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: read term %q", name)
	}
	t.ID = strconv.FormatInt(id, 10)
	return &t, nil
}

// Entities

func (s *SQLiteStore) CreateEntity(ctx context.Context, e model.Entity) (*model.Entity, error) {
	fieldsJSON, err := json.Marshal(e.Fields)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal entity fields")
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO entities (entity_type, bundle, owner, fields, created_at) VALUES (?, ?, ?, ?, ?)`,
		e.EntityType, e.Bundle, e.Owner, string(fieldsJSON), time.Now().UTC(),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: insert %s entity", e.EntityType)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: entity id")
	}
	e.ID = strconv.FormatInt(id, 10)
	return &e, nil
}

func (s *SQLiteStore) GetEntity(ctx context.Context, id string) (*model.Entity, error) {
	var e model.Entity
	var rowID int64
	var fieldsJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, entity_type, bundle, owner, fields FROM entities WHERE id = ?`, id,
	).Scan(&rowID, &e.EntityType, &e.Bundle, &e.Owner, &fieldsJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Errorf("entity not found: %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get entity %s", id)
	}
	e.ID = strconv.FormatInt(rowID, 10)
	if err := json.Unmarshal([]byte(fieldsJSON), &e.Fields); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal entity fields")
	}
	return &e, nil
}

// Files

func (s *SQLiteStore) InsertFile(ctx context.Context, f model.File) (*model.File, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO files (uri, filename, mime, size, owner, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		f.URI, f.Filename, f.Mime, f.Size, f.Owner, time.Now().UTC(),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: insert file %s", f.URI)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: file id")
	}
	f.ID = strconv.FormatInt(id, 10)
	return &f, nil
}

func (s *SQLiteStore) GetFile(ctx context.Context, id string) (*model.File, error) {
	var f model.File
	var rowID int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, uri, filename, mime, size, owner FROM files WHERE id = ?`, id,
	).Scan(&rowID, &f.URI, &f.Filename, &f.Mime, &f.Size, &f.Owner)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Errorf("file not found: %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get file %s", id)
	}
	f.ID = strconv.FormatInt(rowID, 10)
	return &f, nil
}

func (s *SQLiteStore) FileExists(ctx context.Context, uri string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM files WHERE uri = ?`, uri).Scan(&n)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: file exists %s", uri)
	}
	return n > 0, nil
}

// Dead letter queue

func (s *SQLiteStore) EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dead_letter_queue
		 (id, record_path, record_id, rule_id, error, error_type, retry_count, max_retries, next_retry_at, created_at, last_failed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   error = excluded.error, error_type = excluded.error_type, rule_id = excluded.rule_id,
		   retry_count = excluded.retry_count, next_retry_at = excluded.next_retry_at,
		   last_failed_at = excluded.last_failed_at`,
		entry.ID, entry.RecordPath, entry.RecordID, entry.RuleID, entry.Error, entry.ErrorType,
		entry.RetryCount, entry.MaxRetries, entry.NextRetryAt.UTC(), entry.CreatedAt.UTC(), entry.LastFailedAt.UTC(),
	)
	return eris.Wrap(err, "sqlite: enqueue dlq")
}

func (s *SQLiteStore) DequeueDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	query := `SELECT id, record_path, record_id, rule_id, error, error_type, retry_count, max_retries, next_retry_at, created_at, last_failed_at
	          FROM dead_letter_queue
	          WHERE next_retry_at <= ? AND retry_count < max_retries`
	args := []any{time.Now().UTC()}

	if filter.ErrorType != "" {
		query += ` AND error_type = ?`
		args = append(args, filter.ErrorType)
	}
	query += ` ORDER BY next_retry_at ASC LIMIT ?`
	args = append(args, defaultLimit(filter.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: dequeue dlq")
	}
	defer rows.Close()

	var entries []resilience.DLQEntry
	for rows.Next() {
		var e resilience.DLQEntry
		if err := rows.Scan(&e.ID, &e.RecordPath, &e.RecordID, &e.RuleID, &e.Error, &e.ErrorType,
			&e.RetryCount, &e.MaxRetries, &e.NextRetryAt, &e.CreatedAt, &e.LastFailedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan dlq entry")
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "sqlite: dequeue dlq iterate")
}

func (s *SQLiteStore) IncrementDLQRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE dead_letter_queue
		 SET retry_count = retry_count + 1, next_retry_at = ?, error = ?, last_failed_at = ?
		 WHERE id = ?`,
		nextRetryAt.UTC(), lastErr, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: increment dlq retry %s", id)
	}
	return checkRowsAffected(res, "dlq_entry", id)
}

func (s *SQLiteStore) RemoveDLQ(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dead_letter_queue WHERE id = ?`, id)
	return eris.Wrap(err, "sqlite: remove dlq")
}

func (s *SQLiteStore) CountDLQ(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letter_queue`).Scan(&count)
	return count, eris.Wrap(err, "sqlite: count dlq")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (*model.Run, error) {
	var r model.Run
	var resultJSON sql.NullString

	err := row.Scan(&r.ID, &r.RecordType, &r.RecordID, &r.RuleID, &r.FieldName, &r.Status, &resultJSON, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.New("run not found")
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan run")
	}
	if resultJSON.Valid {
		r.Result = &model.RunResult{}
		if err := json.Unmarshal([]byte(resultJSON.String), r.Result); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal result")
		}
	}
	return &r, nil
}
