package main

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markconroy/markie-sub000/internal/provider"
	"github.com/markconroy/markie-sub000/internal/search"
	"github.com/markconroy/markie-sub000/internal/vectorstore"
)

// lengthEmbedder embeds text as [len, 1].
type lengthEmbedder struct {
	sels []provider.Selection
}

func (e *lengthEmbedder) Embeddings(_ context.Context, sel provider.Selection, text string) ([]float32, error) {
	e.sels = append(e.sels, sel)
	return []float32{float32(len(text)), 1}, nil
}

// countingStore counts upsert batches.
type countingStore struct {
	*vectorstore.Memory
	batches []int
}

func (c *countingStore) Upsert(ctx context.Context, database, collection string, docs []vectorstore.Document) (int64, error) {
	c.batches = append(c.batches, len(docs))
	return c.Memory.Upsert(ctx, database, collection, docs)
}

func TestReadDocuments(t *testing.T) {
	input := `{"id":"c1","entity_id":"node/1","text":"Electric cars are quiet."}

{"id":"c2","entity_id":"node/2","long_id":"node:2:chunk","text":"Trucks","fields":{"title":"Trucks","content":"custom"}}
`
	docs, err := readDocuments(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "node/1:c1", docs[0].LongID)
	assert.Equal(t, "Electric cars are quiet.", docs[0].Fields["content"])
	assert.Equal(t, "node:2:chunk", docs[1].LongID)
	assert.Equal(t, "custom", docs[1].Fields["content"], "explicit content is kept")
}

func TestReadDocuments_Invalid(t *testing.T) {
	_, err := readDocuments(strings.NewReader(`{"id":"c1"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 1")

	_, err = readDocuments(strings.NewReader("{\"id\":\"c1\",\"entity_id\":\"node/1\"}\nnot json"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")
}

func TestIndexDocuments_BatchesAndSearches(t *testing.T) {
	ctx := context.Background()
	embed := &lengthEmbedder{}
	vs := &countingStore{Memory: vectorstore.NewMemory()}
	idx := search.IndexConfig{Name: "content", Collection: "chunks", Engine: "openai__text-embedding-3-small", Enabled: true}

	docs := make([]indexDoc, 150)
	for i := range docs {
		docs[i] = indexDoc{
			ID:       fmt.Sprintf("c%d", i),
			EntityID: fmt.Sprintf("node/%d", i),
			Text:     strings.Repeat("x", i+1),
			Fields:   map[string]any{"content": "chunk"},
		}
	}

	n, err := indexDocuments(ctx, embed, vs, idx, docs)
	require.NoError(t, err)
	assert.Equal(t, int64(150), n)
	assert.Equal(t, []int{100, 50}, vs.batches)
	require.NotEmpty(t, embed.sels)
	assert.Equal(t, provider.Selection{Operation: provider.OpEmbeddings, Provider: "openai", Model: "text-embedding-3-small"}, embed.sels[0])

	matches, err := vs.Query(ctx, search.Query{Collection: "chunks", Vector: []float32{1, 0}, Limit: 3})
	require.NoError(t, err)
	assert.Len(t, matches, 3)
}

func TestIndexDocuments_BadEngine(t *testing.T) {
	_, err := indexDocuments(context.Background(), &lengthEmbedder{}, vectorstore.NewMemory(),
		search.IndexConfig{Name: "content", Engine: "openai"}, []indexDoc{{ID: "a", EntityID: "node/1"}})
	assert.Error(t, err)
}

func TestFindIndex(t *testing.T) {
	indexes := []search.IndexConfig{{Name: "content"}, {Name: "media"}}
	idx, ok := findIndex(indexes, "media")
	assert.True(t, ok)
	assert.Equal(t, "media", idx.Name)

	_, ok = findIndex(indexes, "missing")
	assert.False(t, ok)
}
