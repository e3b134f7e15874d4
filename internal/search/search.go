// Package search implements the vector retrieval path: embed the rendered
// prompt, query an index, then filter the matches.
package search

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/markconroy/markie-sub000/internal/provider"
)

// DefaultLimit is the number of matches requested when a rule sets none.
const DefaultLimit = 10

// Query is one similarity query against an index backend.
type Query struct {
	Database     string
	Collection   string
	OutputFields []string
	Limit        int
	Offset       int
	Vector       []float32
}

// Match is one query hit. EntityID is the composite "type/id" identifier of
// the indexed record.
type Match struct {
	ID       string
	EntityID string
	LongID   string
	Score    float64
	Fields   map[string]any
}

// TargetID returns the record id part of EntityID, or "" when EntityID is
// not composite.
func (m Match) TargetID() string {
	_, id, ok := strings.Cut(m.EntityID, "/")
	if !ok {
		return ""
	}
	return id
}

// Index queries a vector backend.
type Index interface {
	Query(ctx context.Context, q Query) ([]Match, error)
}

// IndexConfig binds a named search index to its backend location and the
// embedding engine its vectors were built with.
type IndexConfig struct {
	Name       string `mapstructure:"name" yaml:"name"`
	Backend    string `mapstructure:"backend" yaml:"backend"`
	Database   string `mapstructure:"database" yaml:"database"`
	Collection string `mapstructure:"collection" yaml:"collection"`
	// Engine is "<provider>__<model>".
	Engine  string `mapstructure:"engine" yaml:"engine"`
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
}

// EngineSelection splits Engine into an embeddings selection.
func (c IndexConfig) EngineSelection() (provider.Selection, error) {
	p, m, ok := strings.Cut(c.Engine, "__")
	if !ok || p == "" || m == "" {
		return provider.Selection{}, eris.Errorf("search: index %s: malformed engine %q", c.Name, c.Engine)
	}
	return provider.Selection{Operation: provider.OpEmbeddings, Provider: p, Model: m}, nil
}

// Embedder computes embeddings.
type Embedder interface {
	Embeddings(ctx context.Context, sel provider.Selection, text string) ([]float32, error)
}

// Request describes one retrieval.
type Request struct {
	Index        string
	Text         string
	OutputFields []string
	Limit        int
	Offset       int
	// MinScore keeps matches scoring strictly above it. Zero disables the
	// filter.
	MinScore float64
	// Distinct keeps only the first match per target record.
	Distinct bool
}

// Retriever runs requests against the configured indexes.
type Retriever struct {
	embed    Embedder
	indexes  map[string]IndexConfig
	backends map[string]Index
}

// Option configures a Retriever.
type Option func(*Retriever)

// WithIndex registers a named index.
func WithIndex(cfg IndexConfig) Option {
	return func(r *Retriever) { r.indexes[cfg.Name] = cfg }
}

// WithBackend registers a backend under a name referenced by
// IndexConfig.Backend.
func WithBackend(name string, idx Index) Option {
	return func(r *Retriever) { r.backends[name] = idx }
}

// NewRetriever creates a Retriever.
func NewRetriever(embed Embedder, opts ...Option) *Retriever {
	r := &Retriever{
		embed:    embed,
		indexes:  make(map[string]IndexConfig),
		backends: make(map[string]Index),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Search returns the filtered matches for req. Failures are logged and
// yield an empty result; search never aborts a rule run.
func (r *Retriever) Search(ctx context.Context, req Request) []Match {
	if req.Index == "" || strings.TrimSpace(req.Text) == "" {
		return nil
	}
	matches, err := r.search(ctx, req)
	if err != nil {
		zap.L().Error("search: vector search failed",
			zap.String("index", req.Index),
			zap.Error(err),
		)
		return nil
	}
	return Filter(matches, req.MinScore, req.Distinct)
}

func (r *Retriever) search(ctx context.Context, req Request) ([]Match, error) {
	cfg, ok := r.indexes[req.Index]
	if !ok {
		return nil, eris.Errorf("search index not found: %s", req.Index)
	}
	if !cfg.Enabled {
		return nil, eris.Errorf("search index is not enabled: %s", req.Index)
	}
	backend, ok := r.backends[cfg.Backend]
	if !ok {
		return nil, eris.Errorf("search: no backend %q for index %s", cfg.Backend, cfg.Name)
	}
	sel, err := cfg.EngineSelection()
	if err != nil {
		return nil, err
	}
	vec, err := r.embed.Embeddings(ctx, sel, req.Text)
	if err != nil {
		return nil, eris.Wrap(err, "search: embed query")
	}

	limit := req.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	matches, err := backend.Query(ctx, Query{
		Database:     cfg.Database,
		Collection:   cfg.Collection,
		OutputFields: req.OutputFields,
		Limit:        limit,
		Offset:       req.Offset,
		Vector:       vec,
	})
	if err != nil {
		return nil, eris.Wrapf(err, "search: query %s", cfg.Collection)
	}
	zap.L().Debug("search: query complete", zap.String("index", cfg.Name), zap.Int("matches", len(matches)))
	return matches, nil
}

// Filter drops matches at or below minScore (when minScore is non-zero) and,
// in distinct mode, every match after the first for the same target record.
func Filter(matches []Match, minScore float64, distinct bool) []Match {
	out := make([]Match, 0, len(matches))
	seen := make(map[string]bool)
	for _, m := range matches {
		if minScore != 0 && !(m.Score > minScore) {
			continue
		}
		if key := m.TargetID(); distinct && key != "" {
			if seen[key] {
				continue
			}
			seen[key] = true
		}
		out = append(out, m)
	}
	return out
}
