package tools

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
)

const (
	mcpProtocolVersion = "2024-11-05"
	maxFrameBytes      = 8 << 20
)

// errConnClosed is returned to callers waiting on a connection that went away.
var errConnClosed = errors.New("mcp: connection closed")

// MCPClient speaks the tool subset of the Model Context Protocol.
type MCPClient interface {
	ListTools(ctx context.Context) ([]MCPTool, error)
	CallTool(ctx context.Context, name string, args map[string]interface{}) (string, error)
	Close() error
	// Done is closed when the underlying connection is lost.
	Done() <-chan struct{}
}

// MCPTool is one entry of a tools/list result.
type MCPTool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"inputSchema"`
}

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      *int64      `json:"id,omitempty"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// rpcSession multiplexes concurrent requests over one transport. Responses are matched to
// callers by id from a single reader goroutine.
type rpcSession struct {
	send func(ctx context.Context, frame []byte) error

	seq     int64
	mu      sync.Mutex
	pending map[int64]chan rpcResponse
	done    chan struct{}
	once    sync.Once
	err     error
}

func newRPCSession(send func(ctx context.Context, frame []byte) error) *rpcSession {
	return &rpcSession{
		send:    send,
		pending: make(map[int64]chan rpcResponse),
		done:    make(chan struct{}),
	}
}

func (s *rpcSession) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	id := atomic.AddInt64(&s.seq, 1)
	ch := make(chan rpcResponse, 1)
	s.mu.Lock()
	if s.pending == nil {
		s.mu.Unlock()
		return errConnClosed
	}
	s.pending[id] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		if s.pending != nil {
			delete(s.pending, id)
		}
		s.mu.Unlock()
	}()

	frame, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: &id, Method: method, Params: params})
	if err != nil {
		return err
	}
	if err := s.send(ctx, frame); err != nil {
		return fmt.Errorf("mcp: send %s: %w", method, err)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return s.closeErr()
	case resp := <-ch:
		if resp.Error != nil {
			return fmt.Errorf("mcp error %d: %s", resp.Error.Code, resp.Error.Message)
		}
		if out == nil || len(resp.Result) == 0 {
			return nil
		}
		return json.Unmarshal(resp.Result, out)
	}
}

func (s *rpcSession) notify(ctx context.Context, method string, params interface{}) error {
	frame, err := json.Marshal(rpcRequest{JSONRPC: "2.0", Method: method, Params: params})
	if err != nil {
		return err
	}
	return s.send(ctx, frame)
}

// dispatch routes one inbound frame. Server-initiated requests and notifications are ignored.
func (s *rpcSession) dispatch(frame []byte) {
	frame = bytes.TrimSpace(frame)
	if len(frame) == 0 || frame[0] != '{' {
		return
	}
	var resp rpcResponse
	if err := json.Unmarshal(frame, &resp); err != nil || resp.ID == nil || resp.Method != "" {
		return
	}
	s.mu.Lock()
	ch, ok := s.pending[*resp.ID]
	s.mu.Unlock()
	if ok {
		select {
		case ch <- resp:
		default:
		}
	}
}

func (s *rpcSession) shutdown(err error) {
	s.once.Do(func() {
		if err == nil {
			err = errConnClosed
		}
		s.mu.Lock()
		s.err = err
		s.pending = nil
		s.mu.Unlock()
		close(s.done)
	})
}

func (s *rpcSession) closeErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		return errConnClosed
	}
	return s.err
}

func (s *rpcSession) Done() <-chan struct{} { return s.done }

func (s *rpcSession) initialize(ctx context.Context) error {
	params := map[string]interface{}{
		"protocolVersion": mcpProtocolVersion,
		"capabilities":    map[string]interface{}{},
		"clientInfo":      map[string]interface{}{"name": "linsight", "version": "1.0.0"},
	}
	if err := s.call(ctx, "initialize", params, nil); err != nil {
		return err
	}
	return s.notify(ctx, "notifications/initialized", nil)
}

func (s *rpcSession) ListTools(ctx context.Context) ([]MCPTool, error) {
	var res struct {
		Tools []MCPTool `json:"tools"`
	}
	if err := s.call(ctx, "tools/list", map[string]interface{}{}, &res); err != nil {
		return nil, err
	}
	return res.Tools, nil
}

// CallTool joins the text content blocks of the result. isError results become errors.
func (s *rpcSession) CallTool(ctx context.Context, name string, args map[string]interface{}) (string, error) {
	if args == nil {
		args = map[string]interface{}{}
	}
	var res struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		IsError bool `json:"isError"`
	}
	if err := s.call(ctx, "tools/call", map[string]interface{}{"name": name, "arguments": args}, &res); err != nil {
		return "", err
	}
	parts := make([]string, 0, len(res.Content))
	for _, c := range res.Content {
		if c.Type == "text" || c.Text != "" {
			parts = append(parts, c.Text)
		}
	}
	text := strings.Join(parts, "\n")
	if res.IsError {
		return "", fmt.Errorf("mcp tool %s: %s", name, text)
	}
	return text, nil
}

// stdioMCP runs the server as a child process speaking newline-delimited JSON-RPC.
type stdioMCP struct {
	*rpcSession
	cmd  *exec.Cmd
	in   io.WriteCloser
	wmu  sync.Mutex
	wait chan struct{}
}

// StartStdioMCP launches the command and performs the initialize handshake.
func StartStdioMCP(ctx context.Context, cfg StdioConfig) (MCPClient, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("mcp stdio: command is required")
	}
	// the process outlives the resolving request, so it is not bound to ctx
	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Env = os.Environ()
	for k, v := range cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	c := &stdioMCP{cmd: cmd, in: stdin, wait: make(chan struct{})}
	c.rpcSession = newRPCSession(c.write)
	go c.readLoop(bufio.NewReaderSize(stdout, 64<<10))
	go func() {
		_ = cmd.Wait()
		close(c.wait)
	}()

	if err := c.initialize(ctx); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("mcp stdio initialize: %w", err)
	}
	return c, nil
}

func (c *stdioMCP) write(ctx context.Context, frame []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.in.Write(append(frame, '\n')); err != nil {
		c.shutdown(err)
		return err
	}
	return nil
}

func (c *stdioMCP) readLoop(r *bufio.Reader) {
	var buf bytes.Buffer
	for {
		frag, err := r.ReadBytes('\n')
		buf.Write(frag)
		if buf.Len() > maxFrameBytes {
			c.shutdown(fmt.Errorf("mcp: frame too large"))
			return
		}
		if err != nil {
			if errors.Is(err, bufio.ErrBufferFull) {
				continue
			}
			c.shutdown(err)
			return
		}
		c.dispatch(buf.Bytes())
		buf.Reset()
	}
}

func (c *stdioMCP) Close() error {
	c.shutdown(errConnClosed)
	_ = c.in.Close()
	select {
	case <-c.wait:
	default:
		if c.cmd.Process != nil {
			_ = c.cmd.Process.Kill()
		}
		<-c.wait
	}
	return nil
}
