package retriever

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/blevesearch/bleve"
	"github.com/blevesearch/bleve/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/mapping"
	"github.com/blevesearch/bleve/search/query"
)

// KeywordIndex ranks documents with bleve's BM25-style text scoring.
type KeywordIndex struct {
	mu    sync.RWMutex
	index bleve.Index
}

type keywordDoc struct {
	DocID      string `json:"doc_id"`
	Collection string `json:"collection"`
	Title      string `json:"title"`
	Content    string `json:"content"`
	Metadata   string `json:"metadata"`
}

func keywordMapping() *mapping.IndexMappingImpl {
	text := bleve.NewTextFieldMapping()
	text.Analyzer = standard.Name
	exact := bleve.NewTextFieldMapping()
	exact.Analyzer = keyword.Name
	stored := bleve.NewTextFieldMapping()
	stored.Index = false

	doc := bleve.NewDocumentMapping()
	doc.AddFieldMappingsAt("title", text)
	doc.AddFieldMappingsAt("content", text)
	doc.AddFieldMappingsAt("collection", exact)
	doc.AddFieldMappingsAt("doc_id", exact)
	doc.AddFieldMappingsAt("metadata", stored)

	m := bleve.NewIndexMapping()
	m.DefaultMapping = doc
	return m
}

// NewKeywordIndex opens (or creates) an index under dir, or an in-memory index when dir is empty.
func NewKeywordIndex(dir string) (*KeywordIndex, error) {
	var (
		idx bleve.Index
		err error
	)
	switch {
	case dir == "":
		idx, err = bleve.NewMemOnly(keywordMapping())
	default:
		if _, statErr := os.Stat(dir); statErr == nil {
			idx, err = bleve.Open(dir)
		} else {
			idx, err = bleve.New(dir, keywordMapping())
		}
	}
	if err != nil {
		return nil, fmt.Errorf("bleve: %w", err)
	}
	return &KeywordIndex{index: idx}, nil
}

func (k *KeywordIndex) Name() string { return "keyword" }

func indexID(collection, id string) string { return collection + "\x00" + id }

func (k *KeywordIndex) Upsert(ctx context.Context, docs []Document) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	batch := k.index.NewBatch()
	for _, d := range docs {
		meta, _ := json.Marshal(d.Metadata)
		if err := batch.Index(indexID(d.Collection, d.ID), keywordDoc{
			DocID:      d.ID,
			Collection: d.Collection,
			Title:      d.Title,
			Content:    d.Content,
			Metadata:   string(meta),
		}); err != nil {
			return err
		}
	}
	return k.index.Batch(batch)
}

func (k *KeywordIndex) Delete(ctx context.Context, collection string, ids ...string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	batch := k.index.NewBatch()
	for _, id := range ids {
		batch.Delete(indexID(collection, id))
	}
	return k.index.Batch(batch)
}

func (k *KeywordIndex) Search(ctx context.Context, q Query, limit int) ([]Document, error) {
	if limit <= 0 {
		limit = 10
	}
	title := bleve.NewMatchQuery(q.Text)
	title.SetField("title")
	content := bleve.NewMatchQuery(q.Text)
	content.SetField("content")
	var root query.Query = bleve.NewDisjunctionQuery(title, content)
	if len(q.Collections) > 0 {
		colls := make([]query.Query, 0, len(q.Collections))
		for _, c := range q.Collections {
			tq := bleve.NewTermQuery(c)
			tq.SetField("collection")
			colls = append(colls, tq)
		}
		root = bleve.NewConjunctionQuery(root, bleve.NewDisjunctionQuery(colls...))
	}
	// over-fetch so metadata filtering still leaves enough hits
	size := limit
	if len(q.Filters) > 0 {
		size = limit * 3
	}
	req := bleve.NewSearchRequestOptions(root, size, 0, false)
	req.Fields = []string{"doc_id", "collection", "title", "content", "metadata"}

	k.mu.RLock()
	res, err := k.index.SearchInContext(ctx, req)
	k.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	out := make([]Document, 0, len(res.Hits))
	for _, hit := range res.Hits {
		d := Document{
			ID:         fieldString(hit.Fields, "doc_id"),
			Collection: fieldString(hit.Fields, "collection"),
			Title:      fieldString(hit.Fields, "title"),
			Content:    fieldString(hit.Fields, "content"),
		}
		if raw := fieldString(hit.Fields, "metadata"); raw != "" && raw != "null" {
			_ = json.Unmarshal([]byte(raw), &d.Metadata)
		}
		if !d.matches(q.Filters) {
			continue
		}
		out = append(out, d)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func fieldString(fields map[string]interface{}, name string) string {
	s, _ := fields[name].(string)
	return s
}

// Close releases the index.
func (k *KeywordIndex) Close() error { return k.index.Close() }
