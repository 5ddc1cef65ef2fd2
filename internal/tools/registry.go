// Package tools presents built-in, HTTP-described and MCP tools as one callable surface.
package tools

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/mohammad-safakhou/linsight/config"
	"github.com/mohammad-safakhou/linsight/internal/helpers"
)

// Registry resolves descriptors into tools and runs invocations with validation and timeouts.
type Registry struct {
	mu       sync.RWMutex
	builtins map[string]Tool
	cache    map[string]*Bound
	pool     *Pool

	httpClient     *http.Client
	defaultTimeout time.Duration
	maxOutput      int
	logger         *log.Logger
}

// Options configures a Registry. Zero values fall back to the tools config defaults.
type Options struct {
	Config     config.ToolsConfig
	HTTPClient *http.Client
	Dialer     Dialer
	Logger     *log.Logger
}

// NewRegistry creates an empty registry with its own MCP pool.
func NewRegistry(opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "[TOOLS] ", log.LstdFlags)
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	dial := opts.Dialer
	if dial == nil {
		dial = DefaultDialer(client)
	}
	timeout := opts.Config.DefaultTimeout
	if timeout <= 0 {
		timeout = config.DefaultToolTimeout
	}
	idle := opts.Config.IdleRecycle
	if idle <= 0 {
		idle = config.DefaultIdleRecycle
	}
	return &Registry{
		builtins:       make(map[string]Tool),
		cache:          make(map[string]*Bound),
		pool:           NewPool(dial, idle, logger),
		httpClient:     client,
		defaultTimeout: timeout,
		maxOutput:      opts.Config.MaxOutputChars,
		logger:         logger,
	}
}

// Pool exposes the MCP connection pool so the process can run its sweeper.
func (r *Registry) Pool() *Pool { return r.pool }

// RegisterBuiltin binds a Go tool under key at init time.
func (r *Registry) RegisterBuiltin(key string, t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builtins[key] = t
}

// Builtin returns the registered builtin for key.
func (r *Registry) Builtin(key string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.builtins[key]
	return t, ok
}

// BuiltinKeys lists registered builtin keys.
func (r *Registry) BuiltinKeys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.builtins))
	for k := range r.builtins {
		keys = append(keys, k)
	}
	return keys
}

// Bound is a resolved tool together with the descriptor settings applied on each invoke.
type Bound struct {
	inner   Tool
	desc    Descriptor
	schema  map[string]interface{}
	check   *argValidator
	timeout time.Duration
	mcpName string
}

// Name is the descriptor key, which is the name the model calls.
func (b *Bound) Name() string { return b.desc.Key }

func (b *Bound) Description() string {
	if b.desc.Description != "" {
		return b.desc.Description
	}
	if b.inner != nil {
		return b.inner.Description()
	}
	return ""
}

func (b *Bound) Schema() map[string]interface{} { return b.schema }

// Descriptor returns the descriptor the tool was resolved from.
func (b *Bound) Descriptor() Descriptor { return b.desc }

// Invoke calls the underlying tool without registry bookkeeping; use Registry.Invoke.
func (b *Bound) Invoke(ctx context.Context, args map[string]interface{}) (string, error) {
	return b.inner.Invoke(ctx, args)
}

// Resolve instantiates tools for a version. Resolved callables are cached per descriptor id;
// MCP connections are referenced on behalf of versionID until ReleaseVersion.
func (r *Registry) Resolve(ctx context.Context, versionID string, descs []Descriptor) ([]Tool, error) {
	out := make([]Tool, 0, len(descs))
	for _, d := range descs {
		if err := d.validate(); err != nil {
			return nil, newError(KindNotFound, d.Key, err)
		}
		b, err := r.resolveOne(ctx, versionID, d)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

func (r *Registry) resolveOne(ctx context.Context, versionID string, d Descriptor) (*Bound, error) {
	key := d.cacheKey()
	isMCP := d.Provider == ProviderMCPSSE || d.Provider == ProviderMCPStdio

	r.mu.RLock()
	cached, ok := r.cache[key]
	r.mu.RUnlock()
	if ok && !isMCP {
		return cached, nil
	}

	var (
		inner  Tool
		params = d.Parameters
		mcpFor string
	)
	switch d.Provider {
	case ProviderBuiltin:
		t, found := r.Builtin(d.Key)
		if !found {
			return nil, newError(KindNotFound, d.Key, fmt.Errorf("no builtin registered"))
		}
		inner = t
		if params == nil {
			params = t.Schema()
		}
	case ProviderHTTPSpec:
		var cfg HTTPSpecConfig
		if err := decodeConfig(d, &cfg); err != nil {
			return nil, newError(KindProvider, d.Key, err)
		}
		t, err := NewHTTPSpecTool(d.Key, cfg, r.httpClient)
		if err != nil {
			return nil, newError(KindProvider, d.Key, err)
		}
		inner = t
		if params == nil {
			params = t.Schema()
		}
	case ProviderMCPSSE, ProviderMCPStdio:
		// MCP tools resolve through the pool each time so the version holds a reference
		_, listed, err := r.pool.Acquire(ctx, versionID, d)
		if err != nil {
			return nil, newError(KindProvider, d.Key, err)
		}
		mcpFor = mcpToolName(d)
		var found *MCPTool
		for i := range listed {
			if listed[i].Name == mcpFor {
				found = &listed[i]
				break
			}
		}
		if found == nil {
			return nil, newError(KindNotFound, d.Key, fmt.Errorf("mcp server does not list %q", mcpFor))
		}
		if ok {
			return cached, nil
		}
		inner = &mcpTool{registry: r, desc: d, name: mcpFor, description: found.Description, schema: found.InputSchema}
		if params == nil {
			params = found.InputSchema
		}
	}

	check, err := compileArgs(d.Key, params)
	if err != nil {
		return nil, newError(KindProvider, d.Key, err)
	}
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}
	b := &Bound{inner: inner, desc: d, schema: params, check: check, timeout: timeout, mcpName: mcpFor}
	r.mu.Lock()
	r.cache[key] = b
	r.mu.Unlock()
	return b, nil
}

func mcpToolName(d Descriptor) string {
	var cfg struct {
		ToolName string `json:"tool_name"`
	}
	_ = decodeConfig(d, &cfg)
	if cfg.ToolName != "" {
		return cfg.ToolName
	}
	return d.Key
}

// mcpTool calls through the pool on every invoke so a recycled connection is redialled.
type mcpTool struct {
	registry    *Registry
	desc        Descriptor
	name        string
	description string
	schema      map[string]interface{}
}

func (t *mcpTool) Name() string                   { return t.name }
func (t *mcpTool) Description() string            { return t.description }
func (t *mcpTool) Schema() map[string]interface{} { return t.schema }

func (t *mcpTool) Invoke(ctx context.Context, args map[string]interface{}) (string, error) {
	versionID := versionFrom(ctx)
	client, _, err := t.registry.pool.Acquire(ctx, versionID, t.desc)
	if err != nil {
		return "", err
	}
	out, err := client.CallTool(ctx, t.name, args)
	if err != nil {
		select {
		case <-client.Done():
			t.registry.pool.Discard(t.desc)
		default:
		}
		return "", err
	}
	t.registry.pool.Touch(t.desc)
	return out, nil
}

type versionKey struct{}

// WithVersion tags ctx with the version an invocation runs for.
func WithVersion(ctx context.Context, versionID string) context.Context {
	return context.WithValue(ctx, versionKey{}, versionID)
}

func versionFrom(ctx context.Context) string {
	v, _ := ctx.Value(versionKey{}).(string)
	return v
}

// Invoke validates args, applies the per-tool timeout and classifies the failure.
func (r *Registry) Invoke(ctx context.Context, t Tool, args map[string]interface{}) (string, error) {
	b, ok := t.(*Bound)
	if !ok {
		return "", newError(KindNotFound, t.Name(), fmt.Errorf("tool was not resolved by this registry"))
	}
	if args == nil {
		args = map[string]interface{}{}
	}
	ctx, span := otel.Tracer("linsight/tools").Start(ctx, "tools.invoke")
	span.SetAttributes(attribute.String("tool", b.desc.Key), attribute.String("provider", string(b.desc.Provider)))
	defer span.End()

	start := time.Now()
	out, err := r.invoke(ctx, b, args)
	outcome := "ok"
	if err != nil {
		outcome = string(KindOf(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	recordInvocation(ctx, b.desc.Key, string(b.desc.Provider), outcome, time.Since(start))
	return out, err
}

func (r *Registry) invoke(ctx context.Context, b *Bound, args map[string]interface{}) (string, error) {
	if err := b.check.validate(args); err != nil {
		return "", newError(KindSchemaValidation, b.desc.Key, err)
	}
	callCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	type result struct {
		out string
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := b.inner.Invoke(callCtx, args)
		done <- result{out, err}
	}()

	var res result
	select {
	case res = <-done:
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", newError(KindTimeout, b.desc.Key, fmt.Errorf("no result within %s", b.timeout))
	}
	if res.err != nil {
		var te *Error
		if errors.As(res.err, &te) {
			return "", te
		}
		if errors.Is(res.err, context.DeadlineExceeded) && ctx.Err() == nil {
			return "", newError(KindTimeout, b.desc.Key, res.err)
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", newError(KindProvider, b.desc.Key, res.err)
	}
	out := res.out
	if r.maxOutput > 0 && len(out) > r.maxOutput {
		out = helpers.Truncate(out, r.maxOutput) + "\n...[truncated]"
	}
	return out, nil
}

// ReleaseVersion drops the version's references to pooled connections.
func (r *Registry) ReleaseVersion(versionID string) {
	r.pool.Release(versionID)
}

// Close shuts down every pooled connection.
func (r *Registry) Close() error {
	return r.pool.Close()
}
