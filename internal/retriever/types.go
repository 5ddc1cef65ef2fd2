// Package retriever answers queries over a keyword index and a vector index fused with
// weighted reciprocal rank fusion.
package retriever

import (
	"context"
	"encoding/hex"
	"errors"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// ErrRetrievalUnavailable is returned when no backend could answer.
var ErrRetrievalUnavailable = errors.New("retrieval unavailable")

// Well-known collections.
const (
	CollectionSOP = "sop"
	// user and org knowledge live under "knowledge:user:<id>" and "knowledge:org"
	CollectionOrgKnowledge = "knowledge:org"
)

// UserKnowledgeCollection names a user's personal knowledge collection.
func UserKnowledgeCollection(userID string) string {
	return "knowledge:user:" + userID
}

// Document is one retrievable unit.
type Document struct {
	ID         string            `json:"id"`
	Collection string            `json:"collection"`
	Title      string            `json:"title,omitempty"`
	Content    string            `json:"content"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// ContentHash identifies documents with the same normalised content.
func (d Document) ContentHash() string {
	norm := strings.Join(strings.Fields(strings.ToLower(d.Content)), " ")
	sum := blake2b.Sum256([]byte(norm))
	return hex.EncodeToString(sum[:])
}

func (d Document) matches(f map[string]string) bool {
	for k, v := range f {
		if d.Metadata[k] != v {
			return false
		}
	}
	return true
}

// Query is a search request.
type Query struct {
	Text        string
	TopK        int
	Collections []string
	// Filters keep documents whose metadata holds every key/value pair.
	Filters map[string]string
}

// Scored is a fused hit.
type Scored struct {
	Document
	Score float64 `json:"score"`
}

// Result carries fused hits. Partial is set when one backend failed and Missing names it.
type Result struct {
	Documents []Scored `json:"documents"`
	Partial   bool     `json:"partial"`
	Missing   string   `json:"missing,omitempty"`
}

// Backend is one ranked index.
type Backend interface {
	Name() string
	Search(ctx context.Context, q Query, limit int) ([]Document, error)
	Upsert(ctx context.Context, docs []Document) error
	Delete(ctx context.Context, collection string, ids ...string) error
}
