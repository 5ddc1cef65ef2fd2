package builtin

import (
	"context"
	"fmt"
	"strings"

	"github.com/mohammad-safakhou/linsight/internal/retriever"
	"github.com/mohammad-safakhou/linsight/internal/tools"
)

// Searcher is the retriever surface knowledge_search needs.
type Searcher interface {
	Search(ctx context.Context, q retriever.Query) (retriever.Result, error)
}

type scopeKey struct{}

// Scope limits knowledge_search to the collections a version enabled.
type Scope struct {
	Collections []string
}

// WithScope attaches the knowledge scope of the running version to ctx.
func WithScope(ctx context.Context, s Scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, s)
}

// KnowledgeSearch searches the knowledge collections enabled for the running version.
func KnowledgeSearch(s Searcher, topK int) tools.Tool {
	return &tools.Func{
		ToolName:        "knowledge_search",
		ToolDescription: "Search the organisation and personal knowledge bases. Returns the most relevant passages.",
		Parameters: tools.ObjectSchema(map[string]interface{}{
			"query": tools.Prop("string", "what to look for"),
			"top_k": tools.Prop("integer", "number of passages, default 5"),
		}, "query"),
		Fn: func(ctx context.Context, args map[string]interface{}) (string, error) {
			q, _ := args["query"].(string)
			k := topK
			if v, ok := args["top_k"].(float64); ok && v > 0 {
				k = int(v)
			}
			if v, ok := args["top_k"].(int); ok && v > 0 {
				k = v
			}
			scope, _ := ctx.Value(scopeKey{}).(Scope)
			if len(scope.Collections) == 0 {
				return "No knowledge base is enabled for this session.", nil
			}
			res, err := s.Search(ctx, retriever.Query{Text: q, TopK: k, Collections: scope.Collections})
			if err != nil {
				return "", err
			}
			if len(res.Documents) == 0 {
				return "No relevant passages found.", nil
			}
			var b strings.Builder
			for i, d := range res.Documents {
				title := d.Title
				if title == "" {
					title = d.ID
				}
				fmt.Fprintf(&b, "[%d] %s\n%s\n\n", i+1, title, strings.TrimSpace(d.Content))
			}
			if res.Partial {
				b.WriteString("(results from a single index; the " + res.Missing + " index was unavailable)\n")
			}
			return strings.TrimSpace(b.String()), nil
		},
	}
}
