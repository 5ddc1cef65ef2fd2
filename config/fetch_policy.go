package config

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// FetchPolicyConfig limits which hosts the web_fetch tool may load. An empty allow list
// permits every host that is not disallowed. Entries also match subdomains.
type FetchPolicyConfig struct {
	Allow    []string `mapstructure:"allow"`
	Disallow []string `mapstructure:"disallow"`
}

// Normalize lowercases hosts, strips schemes and www., and removes duplicates.
func (c FetchPolicyConfig) Normalize() FetchPolicyConfig {
	c.Allow = sanitizeDomainList(c.Allow)
	c.Disallow = sanitizeDomainList(c.Disallow)
	return c
}

// Validate rejects hosts listed as both allowed and disallowed.
func (c FetchPolicyConfig) Validate() error {
	norm := c.Normalize()
	allow := make(map[string]struct{}, len(norm.Allow))
	for _, host := range norm.Allow {
		allow[host] = struct{}{}
	}
	for _, host := range norm.Disallow {
		if _, ok := allow[host]; ok {
			return fmt.Errorf("linsight.tools.fetch: host %q present in both allow and disallow lists", host)
		}
	}
	return nil
}

func sanitizeDomainList(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	for _, raw := range values {
		host := NormalizeHost(raw)
		if host == "" {
			continue
		}
		seen[host] = struct{}{}
	}
	if len(seen) == 0 {
		return nil
	}
	out := make([]string, 0, len(seen))
	for host := range seen {
		out = append(out, host)
	}
	sort.Strings(out)
	return out
}

// NormalizeHost reduces a URL or host to its lowercase host without www. or port.
func NormalizeHost(value string) string {
	value = strings.TrimSpace(strings.ToLower(value))
	if value == "" {
		return ""
	}
	if strings.HasPrefix(value, "http://") || strings.HasPrefix(value, "https://") {
		u, err := url.Parse(value)
		if err != nil || u.Host == "" {
			return ""
		}
		value = u.Hostname()
	} else if i := strings.IndexAny(value, ":/"); i >= 0 {
		value = value[:i]
	}
	return strings.TrimPrefix(value, "www.")
}
