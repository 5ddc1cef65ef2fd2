package builtin

import (
	"net/http"

	"github.com/mohammad-safakhou/linsight/config"
	"github.com/mohammad-safakhou/linsight/internal/policy"
	"github.com/mohammad-safakhou/linsight/internal/tools"
)

// Deps are the collaborators builtin tools need.
type Deps struct {
	Searcher   Searcher
	HTTPClient *http.Client
	Config     config.ToolsConfig
	TopK       int
}

// Register binds every builtin tool into reg.
func Register(reg *tools.Registry, deps Deps) error {
	fetchPolicy, err := policy.NewFetchPolicy(deps.Config.Fetch)
	if err != nil {
		return err
	}
	reg.RegisterBuiltin("calculator", Calculator())
	reg.RegisterBuiltin("current_time", CurrentTime(nil))
	reg.RegisterBuiltin("web_fetch", WebFetch(WebFetchOptions{
		Client:   deps.HTTPClient,
		Browser:  deps.Config.BrowserFetch,
		MaxChars: deps.Config.MaxOutputChars,
		Check:    fetchPolicy.Check,
	}))
	if deps.Searcher != nil {
		reg.RegisterBuiltin("knowledge_search", KnowledgeSearch(deps.Searcher, deps.TopK))
	}
	return nil
}
