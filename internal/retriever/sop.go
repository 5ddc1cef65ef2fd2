package retriever

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/mohammad-safakhou/linsight/models"
)

// SOPDocument maps a library entry to its indexed form in CollectionSOP.
func SOPDocument(s models.SOP) Document {
	content := s.Content
	if d := strings.TrimSpace(s.Description); d != "" {
		content = d + "\n\n" + s.Content
	}
	return Document{
		ID:         strconv.FormatInt(s.ID, 10),
		Collection: CollectionSOP,
		Title:      s.Name,
		Content:    content,
		Metadata:   map[string]string{"rating": strconv.Itoa(s.Rating)},
	}
}

// SOPLister pages through the SOP library.
type SOPLister interface {
	ListSOPs(ctx context.Context, limit, offset int) ([]models.SOP, error)
}

// IndexSOP upserts one library entry.
func (r *Retriever) IndexSOP(ctx context.Context, s models.SOP) error {
	return r.Add(ctx, CollectionSOP, []Document{SOPDocument(s)})
}

// RemoveSOP drops a library entry from both indices.
func (r *Retriever) RemoveSOP(ctx context.Context, id int64) error {
	return r.Delete(ctx, CollectionSOP, strconv.FormatInt(id, 10))
}

// ReindexSOPs loads the whole library and upserts it in pages. It returns the number indexed.
func (r *Retriever) ReindexSOPs(ctx context.Context, src SOPLister, pageSize int) (int, error) {
	if pageSize <= 0 {
		pageSize = 200
	}
	total := 0
	for offset := 0; ; offset += pageSize {
		page, err := src.ListSOPs(ctx, pageSize, offset)
		if err != nil {
			return total, fmt.Errorf("list sops at %d: %w", offset, err)
		}
		if len(page) == 0 {
			break
		}
		docs := make([]Document, 0, len(page))
		for _, s := range page {
			docs = append(docs, SOPDocument(s))
		}
		if err := r.Replace(ctx, CollectionSOP, nil, docs); err != nil {
			return total, err
		}
		total += len(docs)
		if len(page) < pageSize {
			break
		}
	}
	r.logger.Printf("reindexed %d SOPs", total)
	return total, nil
}
