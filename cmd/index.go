package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/markconroy/markie-sub000/internal/search"
	"github.com/markconroy/markie-sub000/internal/vectorstore"
)

const upsertBatchSize = 100

var (
	indexName string
	indexFile string
)

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Embed documents from a JSONL file into a search index",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("index"); err != nil {
			return err
		}

		idx, ok := findIndex(cfg.Search.Indexes, indexName)
		if !ok {
			return eris.Errorf("index %q is not configured under search.indexes", indexName)
		}

		iv, err := initInvoker(ctx, cfg)
		if err != nil {
			return err
		}
		vectors, err := initVectors(ctx, cfg)
		if err != nil {
			return err
		}
		defer vectors.Close()

		f, err := os.Open(indexFile)
		if err != nil {
			return eris.Wrapf(err, "open %s", indexFile)
		}
		defer f.Close() //nolint:errcheck

		docs, err := readDocuments(f)
		if err != nil {
			return err
		}
		if err := vectors.Migrate(ctx, idx.Database, cfg.Search.Dimensions); err != nil {
			return err
		}

		n, err := indexDocuments(ctx, iv, vectors.Store, idx, docs)
		if err != nil {
			return err
		}
		if err := vectors.Save(); err != nil {
			return err
		}

		zap.L().Info("index complete", zap.String("index", idx.Name), zap.Int64("documents", n))
		fmt.Fprintf(os.Stdout, "indexed %d documents into %s\n", n, idx.Name)
		return nil
	},
}

func init() {
	indexCmd.Flags().StringVar(&indexName, "index", "", "name of a configured search index (required)")
	indexCmd.Flags().StringVar(&indexFile, "file", "", "JSONL file of documents (required)")
	_ = indexCmd.MarkFlagRequired("index")
	_ = indexCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(indexCmd)
}

// indexDoc is one line of an index input file. Text is embedded; Fields
// are stored and returned with matches.
type indexDoc struct {
	ID       string         `json:"id"`
	EntityID string         `json:"entity_id"`
	LongID   string         `json:"long_id"`
	Text     string         `json:"text"`
	Fields   map[string]any `json:"fields"`
}

func findIndex(indexes []search.IndexConfig, name string) (search.IndexConfig, bool) {
	for _, idx := range indexes {
		if idx.Name == name {
			return idx, true
		}
	}
	return search.IndexConfig{}, false
}

// readDocuments parses JSONL documents. Blank lines are skipped.
func readDocuments(r io.Reader) ([]indexDoc, error) {
	var docs []indexDoc
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		var d indexDoc
		if err := json.Unmarshal([]byte(text), &d); err != nil {
			return nil, eris.Wrapf(err, "index: line %d", line)
		}
		if d.ID == "" || d.EntityID == "" {
			return nil, eris.Errorf("index: line %d needs id and entity_id", line)
		}
		if d.LongID == "" {
			d.LongID = d.EntityID + ":" + d.ID
		}
		if d.Fields == nil {
			d.Fields = make(map[string]any)
		}
		if _, ok := d.Fields["content"]; !ok {
			d.Fields["content"] = d.Text
		}
		docs = append(docs, d)
	}
	if err := sc.Err(); err != nil {
		return nil, eris.Wrap(err, "index: read documents")
	}
	return docs, nil
}

// indexDocuments embeds every document with the index engine and upserts
// them in batches.
func indexDocuments(ctx context.Context, embed search.Embedder, vs vectorstore.Store, idx search.IndexConfig, docs []indexDoc) (int64, error) {
	sel, err := idx.EngineSelection()
	if err != nil {
		return 0, err
	}

	var total int64
	batch := make([]vectorstore.Document, 0, upsertBatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := vs.Upsert(ctx, idx.Database, idx.Collection, batch)
		if err != nil {
			return err
		}
		total += n
		batch = batch[:0]
		return nil
	}

	for _, d := range docs {
		vec, err := embed.Embeddings(ctx, sel, d.Text)
		if err != nil {
			return total, eris.Wrapf(err, "index: embed %s", d.ID)
		}
		batch = append(batch, vectorstore.Document{
			ID:       d.ID,
			EntityID: d.EntityID,
			LongID:   d.LongID,
			Fields:   d.Fields,
			Vector:   vec,
		})
		if len(batch) == upsertBatchSize {
			if err := flush(); err != nil {
				return total, err
			}
		}
	}
	return total, flush()
}
