package policy

import (
	"errors"
	"testing"

	"github.com/mohammad-safakhou/linsight/config"
)

func TestFetchPolicyAllowList(t *testing.T) {
	p, err := NewFetchPolicy(config.FetchPolicyConfig{
		Allow:    []string{"example.com"},
		Disallow: []string{"private.example.com"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := p.Check("https://news.example.com/story"); err != nil {
		t.Fatalf("subdomain of allowed host should pass: %v", err)
	}
	if err := p.Check("https://www.EXAMPLE.com"); err != nil {
		t.Fatalf("www host should pass: %v", err)
	}
	if err := p.Check("https://private.example.com/x"); !errors.Is(err, ErrHostBlocked) {
		t.Fatalf("disallow should win over allow parent, got %v", err)
	}
	if err := p.Check("https://other.org"); !errors.Is(err, ErrHostBlocked) {
		t.Fatalf("host outside allow list should be blocked, got %v", err)
	}
}

func TestFetchPolicyDefaultsBlockInternalHosts(t *testing.T) {
	p, err := NewFetchPolicy(config.FetchPolicyConfig{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, u := range []string{"http://localhost:8080/", "http://127.0.0.1/", "http://10.1.2.3/", "http://169.254.169.254/latest", "http://[::1]/"} {
		if err := p.Check(u); !errors.Is(err, ErrHostBlocked) {
			t.Fatalf("%s should be blocked, got %v", u, err)
		}
	}
	if err := p.Check("https://example.org/page"); err != nil {
		t.Fatalf("public host should pass: %v", err)
	}

	open, err := NewFetchPolicy(config.FetchPolicyConfig{Allow: []string{"10.1.2.3"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := open.Check("http://10.1.2.3/wiki"); err != nil {
		t.Fatalf("explicitly allowed internal host should pass: %v", err)
	}
}

func TestNewFetchPolicyValidation(t *testing.T) {
	cfg := config.FetchPolicyConfig{Allow: []string{"example.com"}, Disallow: []string{"example.com"}}
	if _, err := NewFetchPolicy(cfg); err == nil {
		t.Fatalf("expected validation error for conflicting allow/disallow")
	}
}
