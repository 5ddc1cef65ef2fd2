package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Dialer opens an MCP connection for a descriptor.
type Dialer func(ctx context.Context, d Descriptor) (MCPClient, error)

// DefaultDialer opens stdio or SSE connections from the descriptor config.
func DefaultDialer(httpClient *http.Client) Dialer {
	return func(ctx context.Context, d Descriptor) (MCPClient, error) {
		switch d.Provider {
		case ProviderMCPStdio:
			var cfg StdioConfig
			if err := decodeConfig(d, &cfg); err != nil {
				return nil, err
			}
			return StartStdioMCP(ctx, cfg)
		case ProviderMCPSSE:
			var cfg SSEConfig
			if err := decodeConfig(d, &cfg); err != nil {
				return nil, err
			}
			return StartSSEMCP(ctx, httpClient, cfg)
		default:
			return nil, fmt.Errorf("provider %s is not MCP", d.Provider)
		}
	}
}

// Pool shares MCP connections across versions on one worker. A connection is reference
// counted per version and closed once it has been unreferenced for the idle window, or
// immediately when it breaks.
type Pool struct {
	mu     sync.Mutex
	conns  map[string]*pooledConn
	dial   Dialer
	idle   time.Duration
	now    func() time.Time
	logger *log.Logger
}

type pooledConn struct {
	key      string
	client   MCPClient
	refs     map[string]struct{}
	lastUsed time.Time
	tools    []MCPTool
}

// NewPool creates a pool that recycles connections idle for longer than idle.
func NewPool(dial Dialer, idle time.Duration, logger *log.Logger) *Pool {
	return &Pool{
		conns:  make(map[string]*pooledConn),
		dial:   dial,
		idle:   idle,
		now:    time.Now,
		logger: logger,
	}
}

// connKey identifies a server: same provider and config share a connection.
func connKey(d Descriptor) string {
	var canon interface{}
	if err := json.Unmarshal(d.Config, &canon); err != nil {
		return string(d.Provider) + "|" + string(d.Config)
	}
	b, _ := json.Marshal(canon) // map keys are sorted
	return string(d.Provider) + "|" + string(b)
}

// Acquire returns a live connection for d and records versionID as a holder.
func (p *Pool) Acquire(ctx context.Context, versionID string, d Descriptor) (MCPClient, []MCPTool, error) {
	key := connKey(d)
	p.mu.Lock()
	if pc, ok := p.conns[key]; ok {
		select {
		case <-pc.client.Done():
			delete(p.conns, key)
			go pc.client.Close()
		default:
			pc.hold(versionID)
			pc.lastUsed = p.now()
			p.mu.Unlock()
			return pc.client, pc.tools, nil
		}
	}
	p.mu.Unlock()

	// dial outside the lock; a concurrent dial for the same key loses and is closed
	client, err := p.dial(ctx, d)
	if err != nil {
		return nil, nil, err
	}
	listed, err := client.ListTools(ctx)
	if err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("mcp list_tools: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if pc, ok := p.conns[key]; ok {
		go client.Close()
		pc.hold(versionID)
		pc.lastUsed = p.now()
		return pc.client, pc.tools, nil
	}
	pc := &pooledConn{
		key:      key,
		client:   client,
		refs:     map[string]struct{}{},
		lastUsed: p.now(),
		tools:    listed,
	}
	pc.hold(versionID)
	p.conns[key] = pc
	recordPoolSize(ctx, 1)
	return client, listed, nil
}

func (pc *pooledConn) hold(versionID string) {
	if versionID != "" {
		pc.refs[versionID] = struct{}{}
	}
}

// Touch refreshes the idle clock of the connection serving d.
func (p *Pool) Touch(d Descriptor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pc, ok := p.conns[connKey(d)]; ok {
		pc.lastUsed = p.now()
	}
}

// Discard drops a broken connection so the next Acquire redials.
func (p *Pool) Discard(d Descriptor) {
	p.mu.Lock()
	pc, ok := p.conns[connKey(d)]
	if ok {
		delete(p.conns, pc.key)
	}
	p.mu.Unlock()
	if ok {
		recordPoolSize(context.Background(), -1)
		_ = pc.client.Close()
	}
}

// Release drops versionID's references. Connections stay open until idle.
func (p *Pool) Release(versionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, pc := range p.conns {
		if _, ok := pc.refs[versionID]; ok {
			delete(pc.refs, versionID)
			pc.lastUsed = p.now()
		}
	}
}

// Refs returns how many versions hold the connection serving d.
func (p *Pool) Refs(d Descriptor) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pc, ok := p.conns[connKey(d)]; ok {
		return len(pc.refs)
	}
	return 0
}

// Sweep closes unreferenced connections idle past the window and broken ones.
func (p *Pool) Sweep() int {
	now := p.now()
	var stale []*pooledConn
	p.mu.Lock()
	for key, pc := range p.conns {
		broken := false
		select {
		case <-pc.client.Done():
			broken = true
		default:
		}
		if broken || (len(pc.refs) == 0 && now.Sub(pc.lastUsed) >= p.idle) {
			delete(p.conns, key)
			stale = append(stale, pc)
		}
	}
	p.mu.Unlock()
	for _, pc := range stale {
		recordPoolSize(context.Background(), -1)
		if err := pc.client.Close(); err != nil && p.logger != nil {
			p.logger.Printf("mcp close %s: %v", pc.key, err)
		}
	}
	return len(stale)
}

// Run sweeps until ctx is done.
func (p *Pool) Run(ctx context.Context) {
	interval := p.idle / 2
	if interval <= 0 || interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := p.Sweep(); n > 0 && p.logger != nil {
				p.logger.Printf("recycled %d idle mcp connections", n)
			}
		}
	}
}

// Close shuts every connection down in parallel.
func (p *Pool) Close() error {
	p.mu.Lock()
	conns := p.conns
	p.conns = make(map[string]*pooledConn)
	p.mu.Unlock()

	var g errgroup.Group
	for _, pc := range conns {
		pc := pc
		g.Go(func() error { return pc.client.Close() })
	}
	return g.Wait()
}
