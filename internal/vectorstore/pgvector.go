package vectorstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/markconroy/markie-sub000/internal/db"
	"github.com/markconroy/markie-sub000/internal/search"
)

// DefaultTable holds the chunks of every collection.
const DefaultTable = "automator_vectors"

// Pgvector stores vectors in Postgres using the pgvector extension. The
// query database maps onto a schema.
type Pgvector struct {
	pool  db.Pool
	table string
}

// NewPgvector creates a Pgvector store over pool.
func NewPgvector(pool db.Pool) *Pgvector {
	return &Pgvector{pool: pool, table: DefaultTable}
}

func (p *Pgvector) tableName(database string) string {
	if database == "" {
		return p.table
	}
	return database + "." + p.table
}

// Migrate creates the extension, schema and table for vectors of the given
// dimensions.
func (p *Pgvector) Migrate(ctx context.Context, database string, dimensions int) error {
	if dimensions <= 0 {
		return eris.New("vectorstore: dimensions must be positive")
	}
	stmts := []string{"CREATE EXTENSION IF NOT EXISTS vector"}
	if database != "" {
		stmts = append(stmts, "CREATE SCHEMA IF NOT EXISTS "+pgx.Identifier{database}.Sanitize())
	}
	table := db.SanitizeTable(p.tableName(database))
	stmts = append(stmts, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	collection TEXT NOT NULL,
	id         TEXT NOT NULL,
	entity_id  TEXT NOT NULL DEFAULT '',
	long_id    TEXT NOT NULL DEFAULT '',
	fields     JSONB NOT NULL DEFAULT '{}'::jsonb,
	embedding  vector(%d) NOT NULL,
	PRIMARY KEY (collection, id)
)`, table, dimensions))
	for _, s := range stmts {
		if _, err := p.pool.Exec(ctx, s); err != nil {
			return eris.Wrap(err, "vectorstore: migrate")
		}
	}
	return nil
}

// Upsert writes documents, replacing existing ones by (collection, id).
func (p *Pgvector) Upsert(ctx context.Context, database, collection string, docs []Document) (int64, error) {
	rows := make([][]any, 0, len(docs))
	for _, d := range docs {
		fields, err := json.Marshal(d.Fields)
		if err != nil {
			return 0, eris.Wrapf(err, "vectorstore: encode fields of %s", d.ID)
		}
		rows = append(rows, []any{collection, d.ID, d.EntityID, d.LongID, string(fields), VectorLiteral(d.Vector)})
	}
	return db.Upsert(ctx, p.pool, db.UpsertConfig{
		Table:        p.tableName(database),
		Columns:      []string{"collection", "id", "entity_id", "long_id", "fields", "embedding"},
		ConflictKeys: []string{"collection", "id"},
		Casts:        map[string]string{"fields": "jsonb", "embedding": "vector"},
	}, rows)
}

// Query implements search.Index. The score is the cosine similarity
// 1 - (embedding <=> query).
func (p *Pgvector) Query(ctx context.Context, q search.Query) ([]search.Match, error) {
	sql := fmt.Sprintf(`SELECT id, entity_id, long_id, fields, 1 - (embedding <=> $1::vector) AS score
FROM %s
WHERE collection = $2
ORDER BY embedding <=> $1::vector
LIMIT $3 OFFSET $4`, db.SanitizeTable(p.tableName(q.Database)))

	rows, err := p.pool.Query(ctx, sql, VectorLiteral(q.Vector), q.Collection, q.Limit, q.Offset)
	if err != nil {
		return nil, eris.Wrapf(err, "vectorstore: query %s", q.Collection)
	}
	defer rows.Close()

	var matches []search.Match
	for rows.Next() {
		var (
			m      search.Match
			fields []byte
		)
		if err := rows.Scan(&m.ID, &m.EntityID, &m.LongID, &fields, &m.Score); err != nil {
			return nil, eris.Wrap(err, "vectorstore: scan match")
		}
		if len(fields) > 0 {
			var all map[string]any
			if err := json.Unmarshal(fields, &all); err != nil {
				return nil, eris.Wrapf(err, "vectorstore: decode fields of %s", m.ID)
			}
			m.Fields = project(all, q.OutputFields)
		}
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "vectorstore: iterate matches")
	}
	return matches, nil
}
