package tools

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// ProviderKind selects how a descriptor is turned into a callable.
type ProviderKind string

const (
	ProviderBuiltin  ProviderKind = "BUILTIN"
	ProviderHTTPSpec ProviderKind = "HTTP_SPEC"
	ProviderMCPSSE   ProviderKind = "MCP_SSE"
	ProviderMCPStdio ProviderKind = "MCP_STDIO"
)

func (k ProviderKind) Valid() bool {
	switch k {
	case ProviderBuiltin, ProviderHTTPSpec, ProviderMCPSSE, ProviderMCPStdio:
		return true
	}
	return false
}

// Descriptor describes one tool a version may call. It is immutable once a running version references it.
type Descriptor struct {
	ID          int64                  `json:"id"`
	Key         string                 `json:"key"`
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
	Provider    ProviderKind           `json:"provider"`
	Config      json.RawMessage        `json:"config,omitempty"` // opaque to the engine, read by the provider
	Preset      bool                   `json:"preset"`
	Timeout     time.Duration          `json:"timeout,omitempty"`
}

// cacheKey identifies a resolved callable.
func (d Descriptor) cacheKey() string {
	if d.ID != 0 {
		return strconv.FormatInt(d.ID, 10)
	}
	return string(d.Provider) + ":" + d.Key
}

func (d Descriptor) validate() error {
	if d.Key == "" {
		return fmt.Errorf("tool descriptor %d: key is required", d.ID)
	}
	if !d.Provider.Valid() {
		return fmt.Errorf("tool descriptor %s: unknown provider %q", d.Key, d.Provider)
	}
	return nil
}

// StdioConfig launches an MCP server as a child process.
type StdioConfig struct {
	Command  string            `json:"command"`
	Args     []string          `json:"args,omitempty"`
	Env      map[string]string `json:"env,omitempty"`
	ToolName string            `json:"tool_name,omitempty"` // defaults to the descriptor key
}

// SSEConfig reaches an MCP server over HTTP server-sent events.
type SSEConfig struct {
	URL      string            `json:"url"`
	Headers  map[string]string `json:"headers,omitempty"`
	ToolName string            `json:"tool_name,omitempty"`
}

// HTTPSpecConfig binds one operation of an OpenAPI document.
type HTTPSpecConfig struct {
	Spec        string            `json:"spec"` // OpenAPI document, YAML or JSON
	OperationID string            `json:"operation_id"`
	BaseURL     string            `json:"base_url,omitempty"` // overrides servers[0].url
	Headers     map[string]string `json:"headers,omitempty"`
	Auth        *AuthConfig       `json:"auth,omitempty"`
}

// AuthConfig is materialised into request headers or query values.
type AuthConfig struct {
	Type     string `json:"type"` // bearer | basic | api_key
	Token    string `json:"token,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Name     string `json:"name,omitempty"` // api_key header or query name
	In       string `json:"in,omitempty"`   // header | query
}

func decodeConfig(d Descriptor, v interface{}) error {
	if len(d.Config) == 0 {
		return fmt.Errorf("tool %s: config is required for %s", d.Key, d.Provider)
	}
	if err := json.Unmarshal(d.Config, v); err != nil {
		return fmt.Errorf("tool %s: decode config: %w", d.Key, err)
	}
	return nil
}
