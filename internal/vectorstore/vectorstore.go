// Package vectorstore provides search.Index backends: pgvector on Postgres
// and an in-memory brute-force store.
package vectorstore

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/markconroy/markie-sub000/internal/search"
)

// Document is one indexed chunk.
type Document struct {
	ID       string         `json:"id"`
	EntityID string         `json:"drupal_entity_id"`
	LongID   string         `json:"drupal_long_id"`
	Fields   map[string]any `json:"fields"`
	Vector   []float32      `json:"vector,omitempty"`
}

// Store is a search.Index that can also be written to.
type Store interface {
	search.Index
	Upsert(ctx context.Context, database, collection string, docs []Document) (int64, error)
}

// Memory keeps documents in process and scores them by cosine similarity.
type Memory struct {
	mu   sync.RWMutex
	docs map[string][]Document
}

// NewMemory creates an empty Memory store.
func NewMemory() *Memory {
	return &Memory{docs: make(map[string][]Document)}
}

// LoadMemory reads a Memory store saved with Save. A missing file yields an
// empty store.
func LoadMemory(path string) (*Memory, error) {
	m := NewMemory()
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return m, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "vectorstore: read %s", path)
	}
	if err := json.Unmarshal(data, &m.docs); err != nil {
		return nil, eris.Wrapf(err, "vectorstore: parse %s", path)
	}
	return m, nil
}

// Save writes every collection to path as JSON.
func (m *Memory) Save(path string) error {
	m.mu.RLock()
	data, err := json.Marshal(m.docs)
	m.mu.RUnlock()
	if err != nil {
		return eris.Wrap(err, "vectorstore: encode memory store")
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return eris.Wrapf(err, "vectorstore: write %s", tmp)
	}
	return eris.Wrapf(os.Rename(tmp, path), "vectorstore: replace %s", path)
}

func memoryKey(database, collection string) string {
	return database + "/" + collection
}

// Upsert replaces documents by ID.
func (m *Memory) Upsert(_ context.Context, database, collection string, docs []Document) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := memoryKey(database, collection)
	existing := m.docs[key]
	for _, d := range docs {
		if len(d.Vector) == 0 {
			return 0, eris.Errorf("vectorstore: document %s has no vector", d.ID)
		}
		replaced := false
		for i := range existing {
			if existing[i].ID == d.ID {
				existing[i] = d
				replaced = true
				break
			}
		}
		if !replaced {
			existing = append(existing, d)
		}
	}
	m.docs[key] = existing
	return int64(len(docs)), nil
}

// Query implements search.Index.
func (m *Memory) Query(_ context.Context, q search.Query) ([]search.Match, error) {
	m.mu.RLock()
	docs := m.docs[memoryKey(q.Database, q.Collection)]
	m.mu.RUnlock()

	matches := make([]search.Match, 0, len(docs))
	for _, d := range docs {
		score, err := Cosine(q.Vector, d.Vector)
		if err != nil {
			return nil, eris.Wrapf(err, "vectorstore: score %s", d.ID)
		}
		matches = append(matches, search.Match{
			ID:       d.ID,
			EntityID: d.EntityID,
			LongID:   d.LongID,
			Score:    score,
			Fields:   project(d.Fields, q.OutputFields),
		})
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })

	if q.Offset >= len(matches) {
		return nil, nil
	}
	matches = matches[q.Offset:]
	if q.Limit > 0 && q.Limit < len(matches) {
		matches = matches[:q.Limit]
	}
	return matches, nil
}

// Cosine returns the cosine similarity of a and b.
func Cosine(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, eris.Errorf("vectorstore: dimension mismatch %d != %d", len(a), len(b))
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb)), nil
}

// project keeps the requested fields. No request keeps everything.
func project(fields map[string]any, keep []string) map[string]any {
	if len(keep) == 0 {
		return fields
	}
	out := make(map[string]any, len(keep))
	for _, k := range keep {
		if v, ok := fields[k]; ok {
			out[k] = v
		}
	}
	return out
}

// VectorLiteral renders v in pgvector's text format.
func VectorLiteral(v []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}
