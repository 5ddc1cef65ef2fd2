package tools

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
)

// sseMCP holds the event stream open for responses and POSTs requests to the endpoint the
// server announced in its first "endpoint" event.
type sseMCP struct {
	*rpcSession
	client   *http.Client
	headers  map[string]string
	endpoint string
	cancel   context.CancelFunc
	body     io.Closer
	once     sync.Once
}

// StartSSEMCP opens the event stream, waits for the endpoint event and initialises the session.
func StartSSEMCP(ctx context.Context, client *http.Client, cfg SSEConfig) (MCPClient, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("mcp sse: url is required")
	}
	if client == nil {
		client = http.DefaultClient
	}
	base, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("mcp sse: parse url: %w", err)
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, cfg.URL, nil)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("mcp sse: connect: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("mcp sse: connect: status %d", resp.StatusCode)
	}

	c := &sseMCP{client: client, headers: cfg.Headers, cancel: cancel, body: resp.Body}
	c.rpcSession = newRPCSession(c.post)

	endpoint := make(chan string, 1)
	go c.readLoop(resp.Body, base, endpoint)

	select {
	case ep, ok := <-endpoint:
		if !ok {
			c.Close()
			return nil, fmt.Errorf("mcp sse: stream ended before endpoint event")
		}
		c.endpoint = ep
	case <-ctx.Done():
		c.Close()
		return nil, ctx.Err()
	}

	if err := c.initialize(ctx); err != nil {
		c.Close()
		return nil, fmt.Errorf("mcp sse initialize: %w", err)
	}
	return c, nil
}

func (c *sseMCP) readLoop(body io.Reader, base *url.URL, endpoint chan<- string) {
	announced := false
	defer func() {
		if !announced {
			close(endpoint)
		}
	}()
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 64<<10), maxFrameBytes)
	var (
		event string
		data  bytes.Buffer
	)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			// blank line terminates one event
			switch event {
			case "endpoint":
				if !announced {
					ref, err := url.Parse(strings.TrimSpace(data.String()))
					if err == nil {
						endpoint <- base.ResolveReference(ref).String()
						announced = true
					}
				}
			case "", "message":
				c.dispatch(data.Bytes())
			}
			event = ""
			data.Reset()
			continue
		}
		switch {
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	err := sc.Err()
	if err == nil {
		err = errConnClosed
	}
	c.shutdown(err)
}

func (c *sseMCP) post(ctx context.Context, frame []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(frame))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

func (c *sseMCP) Close() error {
	c.once.Do(func() {
		c.shutdown(errConnClosed)
		c.cancel()
		_ = c.body.Close()
	})
	return nil
}
