package tools

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"
)

// serveRPC answers the subset of MCP the client uses.
func serveRPC(req rpcRequest) *rpcResponse {
	if req.ID == nil {
		return nil
	}
	resp := &rpcResponse{JSONRPC: "2.0", ID: req.ID}
	switch req.Method {
	case "initialize":
		resp.Result = json.RawMessage(`{"protocolVersion":"2024-11-05","capabilities":{},"serverInfo":{"name":"fake","version":"0"}}`)
	case "tools/list":
		resp.Result = json.RawMessage(`{"tools":[{"name":"add","description":"Add two numbers","inputSchema":{"type":"object","properties":{"a":{"type":"number"},"b":{"type":"number"}},"required":["a","b"]}}]}`)
	case "tools/call":
		params, _ := req.Params.(map[string]interface{})
		args, _ := params["arguments"].(map[string]interface{})
		a, _ := args["a"].(float64)
		b, _ := args["b"].(float64)
		resp.Result = json.RawMessage(fmt.Sprintf(`{"content":[{"type":"text","text":"%g"}]}`, a+b))
	default:
		resp.Error = &rpcError{Code: -32601, Message: "method not found"}
	}
	return resp
}

// TestHelperStdioServer is not a real test: it runs as the MCP child process for TestStdioMCP.
func TestHelperStdioServer(t *testing.T) {
	if os.Getenv("LINSIGHT_MCP_HELPER") != "1" {
		return
	}
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		var req rpcRequest
		if err := json.Unmarshal(sc.Bytes(), &req); err != nil {
			continue
		}
		if resp := serveRPC(req); resp != nil {
			b, _ := json.Marshal(resp)
			fmt.Fprintln(os.Stdout, string(b))
		}
	}
	os.Exit(0)
}

func TestStdioMCP(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns a child process")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client, err := StartStdioMCP(ctx, StdioConfig{
		Command: os.Args[0],
		Args:    []string{"-test.run=TestHelperStdioServer"},
		Env:     map[string]string{"LINSIGHT_MCP_HELPER": "1"},
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer client.Close()

	tools, err := client.ListTools(ctx)
	if err != nil || len(tools) != 1 || tools[0].Name != "add" {
		t.Fatalf("list tools: %+v %v", tools, err)
	}

	// concurrent calls share the connection
	var wg sync.WaitGroup
	results := make([]string, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := client.CallTool(ctx, "add", map[string]interface{}{"a": i, "b": 100})
			if err != nil {
				t.Errorf("call %d: %v", i, err)
			}
			results[i] = out
		}(i)
	}
	wg.Wait()
	for i, out := range results {
		if out != fmt.Sprint(100+i) {
			t.Fatalf("call %d got %q", i, out)
		}
	}
}

// sseServer is a minimal MCP server over SSE.
type sseServer struct {
	mu     sync.Mutex
	events chan []byte
}

func newSSEServer() *httptest.Server {
	s := &sseServer{events: make(chan []byte, 16)}
	mux := http.NewServeMux()
	mux.HandleFunc("/sse", func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, ": hello\n\nevent: endpoint\ndata: /messages?session=1\n\n")
		flusher.Flush()
		for {
			select {
			case <-r.Context().Done():
				return
			case ev := <-s.events:
				fmt.Fprintf(w, "event: message\ndata: %s\n\n", ev)
				flusher.Flush()
			}
		}
	})
	mux.HandleFunc("/messages", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("session") != "1" {
			http.Error(w, "bad session", http.StatusBadRequest)
			return
		}
		raw, _ := io.ReadAll(r.Body)
		var req rpcRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		if resp := serveRPC(req); resp != nil {
			b, _ := json.Marshal(resp)
			s.events <- b
		}
	})
	return httptest.NewServer(mux)
}

func TestSSEMCP(t *testing.T) {
	srv := newSSEServer()
	defer srv.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := StartSSEMCP(ctx, srv.Client(), SSEConfig{URL: srv.URL + "/sse"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	tools, err := client.ListTools(ctx)
	if err != nil || len(tools) != 1 {
		t.Fatalf("list tools: %+v %v", tools, err)
	}
	out, err := client.CallTool(ctx, "add", map[string]interface{}{"a": 37, "b": 5})
	if err != nil || out != "42" {
		t.Fatalf("call: %q %v", out, err)
	}
	if _, err := client.CallTool(ctx, "missing", nil); err != nil {
		// unknown tools still go through tools/call; the fake server answers them
		t.Fatalf("call: %v", err)
	}
	client.Close()
	select {
	case <-client.Done():
	case <-time.After(time.Second):
		t.Fatalf("done not closed after Close")
	}
	if _, err := client.ListTools(ctx); err == nil || !strings.Contains(err.Error(), "closed") {
		t.Fatalf("expected closed error, got %v", err)
	}
}

func TestRPCSessionReportsServerError(t *testing.T) {
	var s *rpcSession
	s = newRPCSession(func(ctx context.Context, frame []byte) error {
		var req rpcRequest
		_ = json.Unmarshal(frame, &req)
		resp := serveRPC(rpcRequest{ID: req.ID, Method: "nope"})
		b, _ := json.Marshal(resp)
		go s.dispatch(b)
		return nil
	})
	err := s.call(context.Background(), "nope", nil, nil)
	if err == nil || !strings.Contains(err.Error(), "-32601") {
		t.Fatalf("expected rpc error, got %v", err)
	}
}
