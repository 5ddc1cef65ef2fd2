package tools

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

type openAPIDoc struct {
	Servers []struct {
		URL string `yaml:"url"`
	} `yaml:"servers"`
	Paths map[string]map[string]openAPIOperation `yaml:"paths"`
}

type openAPIOperation struct {
	OperationID string             `yaml:"operationId"`
	Summary     string             `yaml:"summary"`
	Description string             `yaml:"description"`
	Parameters  []openAPIParameter `yaml:"parameters"`
	RequestBody *struct {
		Required bool `yaml:"required"`
		Content  map[string]struct {
			Schema map[string]interface{} `yaml:"schema"`
		} `yaml:"content"`
	} `yaml:"requestBody"`
}

type openAPIParameter struct {
	Name        string                 `yaml:"name"`
	In          string                 `yaml:"in"`
	Required    bool                   `yaml:"required"`
	Description string                 `yaml:"description"`
	Schema      map[string]interface{} `yaml:"schema"`
}

var httpMethods = map[string]bool{"get": true, "post": true, "put": true, "patch": true, "delete": true, "head": true}

// httpTool issues one HTTP request per invocation for a single OpenAPI operation.
type httpTool struct {
	name        string
	description string
	method      string
	baseURL     string
	path        string
	params      []openAPIParameter
	bodyKeys    map[string]bool
	wrapBody    bool // non-object body schema travels as args["body"]
	schema      map[string]interface{}
	headers     map[string]string
	auth        *AuthConfig
	client      *http.Client
}

// NewHTTPSpecTool parses the OpenAPI document in cfg and binds its operation.
func NewHTTPSpecTool(key string, cfg HTTPSpecConfig, client *http.Client) (Tool, error) {
	var doc openAPIDoc
	if err := yaml.Unmarshal([]byte(cfg.Spec), &doc); err != nil {
		return nil, fmt.Errorf("http tool %s: parse spec: %w", key, err)
	}
	if client == nil {
		client = http.DefaultClient
	}
	opID := cfg.OperationID
	if opID == "" {
		opID = key
	}

	paths := make([]string, 0, len(doc.Paths))
	for p := range doc.Paths {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		for method, op := range doc.Paths[p] {
			if !httpMethods[strings.ToLower(method)] || op.OperationID != opID {
				continue
			}
			base := cfg.BaseURL
			if base == "" && len(doc.Servers) > 0 {
				base = doc.Servers[0].URL
			}
			if base == "" {
				return nil, fmt.Errorf("http tool %s: no base url", key)
			}
			t := &httpTool{
				name:        key,
				description: firstNonEmpty(op.Description, op.Summary),
				method:      strings.ToUpper(method),
				baseURL:     strings.TrimRight(base, "/"),
				path:        p,
				params:      op.Parameters,
				bodyKeys:    map[string]bool{},
				headers:     cfg.Headers,
				auth:        cfg.Auth,
				client:      client,
			}
			t.schema = t.buildSchema(op)
			return t, nil
		}
	}
	return nil, fmt.Errorf("http tool %s: operation %q not found", key, opID)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func (t *httpTool) buildSchema(op openAPIOperation) map[string]interface{} {
	props := map[string]interface{}{}
	var required []string
	for _, p := range op.Parameters {
		s := map[string]interface{}{"type": "string"}
		for k, v := range p.Schema {
			s[k] = v
		}
		if p.Description != "" {
			s["description"] = p.Description
		}
		props[p.Name] = s
		if p.Required || p.In == "path" {
			required = append(required, p.Name)
		}
	}
	if op.RequestBody != nil {
		for ctype, media := range op.RequestBody.Content {
			if !strings.Contains(ctype, "json") {
				continue
			}
			if bp, ok := media.Schema["properties"].(map[string]interface{}); ok {
				for name, s := range bp {
					props[name] = s
					t.bodyKeys[name] = true
				}
				if req, ok := media.Schema["required"].([]interface{}); ok {
					for _, r := range req {
						if s, ok := r.(string); ok {
							required = append(required, s)
						}
					}
				}
			} else if media.Schema != nil {
				props["body"] = media.Schema
				t.wrapBody = true
				if op.RequestBody.Required {
					required = append(required, "body")
				}
			}
			break
		}
	}
	return ObjectSchema(props, required...)
}

func (t *httpTool) Name() string                   { return t.name }
func (t *httpTool) Description() string            { return t.description }
func (t *httpTool) Schema() map[string]interface{} { return t.schema }

func (t *httpTool) Invoke(ctx context.Context, args map[string]interface{}) (string, error) {
	path := t.path
	query := url.Values{}
	headers := map[string]string{}
	for _, p := range t.params {
		v, ok := args[p.Name]
		if !ok {
			continue
		}
		s := fmt.Sprint(v)
		switch p.In {
		case "path":
			path = strings.ReplaceAll(path, "{"+p.Name+"}", url.PathEscape(s))
		case "query":
			query.Set(p.Name, s)
		case "header":
			headers[p.Name] = s
		}
	}

	var body io.Reader
	if t.wrapBody {
		if b, ok := args["body"]; ok {
			raw, err := json.Marshal(b)
			if err != nil {
				return "", err
			}
			body = bytes.NewReader(raw)
		}
	} else if len(t.bodyKeys) > 0 {
		payload := map[string]interface{}{}
		for k := range t.bodyKeys {
			if v, ok := args[k]; ok {
				payload[k] = v
			}
		}
		raw, err := json.Marshal(payload)
		if err != nil {
			return "", err
		}
		body = bytes.NewReader(raw)
	}

	if t.auth != nil && t.auth.Type == "api_key" && t.auth.In == "query" {
		query.Set(t.auth.Name, t.auth.Token)
	}
	target := t.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, t.method, target, body)
	if err != nil {
		return "", err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json, text/plain, */*")
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	applyAuth(req, t.auth)

	resp, err := t.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxFrameBytes))
	if err != nil {
		return "", err
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("%s %s: status %d: %s", t.method, path, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return string(raw), nil
}

func applyAuth(req *http.Request, auth *AuthConfig) {
	if auth == nil {
		return
	}
	switch auth.Type {
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+auth.Token)
	case "basic":
		cred := base64.StdEncoding.EncodeToString([]byte(auth.Username + ":" + auth.Password))
		req.Header.Set("Authorization", "Basic "+cred)
	case "api_key":
		if auth.In != "query" {
			name := auth.Name
			if name == "" {
				name = "X-API-Key"
			}
			req.Header.Set(name, auth.Token)
		}
	}
}
