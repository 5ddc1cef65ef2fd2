package retriever

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
)

// Embedder turns texts into vectors.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// VectorIndex ranks documents by cosine similarity of embeddings held in memory.
type VectorIndex struct {
	mu       sync.RWMutex
	embedder Embedder
	entries  map[string]*vecEntry
	seq      int
}

type vecEntry struct {
	doc   Document
	vec   []float32
	order int
}

// NewVectorIndex creates an empty index using embedder for documents and queries.
func NewVectorIndex(embedder Embedder) *VectorIndex {
	return &VectorIndex{embedder: embedder, entries: make(map[string]*vecEntry)}
}

func (v *VectorIndex) Name() string { return "vector" }

func embedText(d Document) string {
	if d.Title == "" {
		return d.Content
	}
	return d.Title + "\n" + d.Content
}

func (v *VectorIndex) Upsert(ctx context.Context, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = embedText(d)
	}
	vecs, err := v.embedder.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed: %w", err)
	}
	if len(vecs) != len(docs) {
		return fmt.Errorf("embed: got %d vectors for %d documents", len(vecs), len(docs))
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	for i, d := range docs {
		key := indexID(d.Collection, d.ID)
		if e, ok := v.entries[key]; ok {
			e.doc, e.vec = d, vecs[i]
			continue
		}
		v.seq++
		v.entries[key] = &vecEntry{doc: d, vec: vecs[i], order: v.seq}
	}
	return nil
}

func (v *VectorIndex) Delete(ctx context.Context, collection string, ids ...string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, id := range ids {
		delete(v.entries, indexID(collection, id))
	}
	return nil
}

func (v *VectorIndex) Search(ctx context.Context, q Query, limit int) ([]Document, error) {
	if limit <= 0 {
		limit = 10
	}
	qv, err := v.embedder.Embed(ctx, []string{q.Text})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(qv) == 0 {
		return nil, fmt.Errorf("embed query: no vector")
	}
	allowed := map[string]bool{}
	for _, c := range q.Collections {
		allowed[c] = true
	}

	type scored struct {
		e     *vecEntry
		score float64
	}
	v.mu.RLock()
	hits := make([]scored, 0, len(v.entries))
	for _, e := range v.entries {
		if len(allowed) > 0 && !allowed[e.doc.Collection] {
			continue
		}
		if !e.doc.matches(q.Filters) {
			continue
		}
		s := cosine(qv[0], e.vec)
		if s <= 0 {
			continue
		}
		hits = append(hits, scored{e: e, score: s})
	}
	v.mu.RUnlock()

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].e.order < hits[j].e.order
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	out := make([]Document, len(hits))
	for i, h := range hits {
		out[i] = h.e.doc
	}
	return out, nil
}

// Len reports the number of indexed documents.
func (v *VectorIndex) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.entries)
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		ai, bi := float64(a[i]), float64(b[i])
		dot += ai * bi
		na += ai * ai
		nb += bi * bi
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
