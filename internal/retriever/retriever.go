package retriever

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/mohammad-safakhou/linsight/config"
)

// Retriever fuses a keyword and a vector backend.
type Retriever struct {
	// writes (Add, Delete, Replace) hold mu exclusively so a search never sees a collection
	// halfway through a re-index
	mu sync.RWMutex

	keyword       Backend
	vector        Backend
	keywordWeight float64
	vectorWeight  float64
	rrfC          int
	topK          int
	logger        *log.Logger
}

// New builds a retriever. Either backend may be nil when disabled.
func New(keyword, vector Backend, cfg config.RetrieverConfig, logger *log.Logger) *Retriever {
	if logger == nil {
		logger = log.New(os.Stdout, "[RETRIEVER] ", log.LstdFlags)
	}
	c := cfg.RRFConstant
	if c <= 0 {
		c = config.DefaultRRFConstant
	}
	topK := cfg.TopK
	if topK <= 0 {
		topK = config.DefaultSearchTopK
	}
	kw, vw := cfg.KeywordWeight, cfg.VectorWeight
	if kw <= 0 && vw <= 0 {
		kw, vw = 1, 1
	}
	return &Retriever{
		keyword:       keyword,
		vector:        vector,
		keywordWeight: kw,
		vectorWeight:  vw,
		rrfC:          c,
		topK:          topK,
		logger:        logger,
	}
}

// Search queries both backends in parallel for top_k*3 candidates each and fuses them.
// One failing backend yields a partial result; both failing yields ErrRetrievalUnavailable.
func (r *Retriever) Search(ctx context.Context, q Query) (Result, error) {
	ctx, span := otel.Tracer("linsight/retriever").Start(ctx, "retriever.search")
	defer span.End()

	topK := q.TopK
	if topK <= 0 {
		topK = r.topK
	}
	limit := topK * 3

	type slot struct {
		backend Backend
		weight  float64
		docs    []Document
		err     error
	}
	var slots []*slot
	if r.keyword != nil {
		slots = append(slots, &slot{backend: r.keyword, weight: r.keywordWeight})
	}
	if r.vector != nil {
		slots = append(slots, &slot{backend: r.vector, weight: r.vectorWeight})
	}
	if len(slots) == 0 {
		return Result{}, ErrRetrievalUnavailable
	}

	r.mu.RLock()
	var g errgroup.Group
	for _, s := range slots {
		s := s
		g.Go(func() error {
			s.docs, s.err = s.backend.Search(ctx, q, limit)
			return nil
		})
	}
	_ = g.Wait()
	r.mu.RUnlock()

	var (
		lists  []Ranked
		failed []string
	)
	for _, s := range slots {
		if s.err != nil {
			r.logger.Printf("%s search failed: %v", s.backend.Name(), s.err)
			failed = append(failed, s.backend.Name())
			continue
		}
		lists = append(lists, Ranked{Weight: s.weight, Docs: s.docs})
	}
	if len(lists) == 0 {
		err := fmt.Errorf("%w: %v", ErrRetrievalUnavailable, failed)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{}, err
	}

	fused := Fuse(r.rrfC, lists...)
	if len(fused) > topK {
		fused = fused[:topK]
	}
	res := Result{Documents: fused}
	if len(failed) > 0 {
		res.Partial = true
		res.Missing = failed[0]
		recordPartial(ctx, failed[0])
	}
	span.SetAttributes(attribute.Int("hits", len(fused)), attribute.Bool("partial", res.Partial))
	return res, nil
}

// Add upserts documents into both indices under collection.
func (r *Retriever) Add(ctx context.Context, collection string, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	for i := range docs {
		docs[i].Collection = collection
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.upsertLocked(ctx, docs)
}

func (r *Retriever) upsertLocked(ctx context.Context, docs []Document) error {
	for _, b := range []Backend{r.keyword, r.vector} {
		if b == nil {
			continue
		}
		if err := b.Upsert(ctx, docs); err != nil {
			return fmt.Errorf("%s upsert: %w", b.Name(), err)
		}
	}
	return nil
}

// Delete removes documents from both indices.
func (r *Retriever) Delete(ctx context.Context, collection string, ids ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deleteLocked(ctx, collection, ids...)
}

func (r *Retriever) deleteLocked(ctx context.Context, collection string, ids ...string) error {
	for _, b := range []Backend{r.keyword, r.vector} {
		if b == nil {
			continue
		}
		if err := b.Delete(ctx, collection, ids...); err != nil {
			return fmt.Errorf("%s delete: %w", b.Name(), err)
		}
	}
	return nil
}

// Replace deletes stale ids and upserts docs as one step with respect to concurrent searches.
func (r *Retriever) Replace(ctx context.Context, collection string, stale []string, docs []Document) error {
	for i := range docs {
		docs[i].Collection = collection
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(stale) > 0 {
		if err := r.deleteLocked(ctx, collection, stale...); err != nil {
			return err
		}
	}
	if len(docs) == 0 {
		return nil
	}
	return r.upsertLocked(ctx, docs)
}
