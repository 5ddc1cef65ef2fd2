// Package policy decides which hosts tools may reach.
package policy

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/mohammad-safakhou/linsight/config"
)

// ErrHostBlocked is returned for URLs the fetch policy does not permit.
var ErrHostBlocked = errors.New("host blocked by fetch policy")

// FetchPolicy encapsulates host-level rules for outbound page loads.
type FetchPolicy struct {
	allow    map[string]struct{}
	disallow map[string]struct{}
}

// NewFetchPolicy builds a FetchPolicy from configuration.
func NewFetchPolicy(cfg config.FetchPolicyConfig) (FetchPolicy, error) {
	if err := cfg.Validate(); err != nil {
		return FetchPolicy{}, err
	}
	cfg = cfg.Normalize()
	return FetchPolicy{allow: listToSet(cfg.Allow), disallow: listToSet(cfg.Disallow)}, nil
}

// Check returns ErrHostBlocked when rawURL may not be fetched. Loopback, private and
// link-local addresses are refused unless explicitly allowed.
func (p FetchPolicy) Check(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return fmt.Errorf("invalid url %q", rawURL)
	}
	host := config.NormalizeHost(u.Hostname())
	if matches(p.disallow, host) {
		return fmt.Errorf("%w: %s is disallowed", ErrHostBlocked, host)
	}
	if matches(p.allow, host) {
		return nil
	}
	if len(p.allow) > 0 {
		return fmt.Errorf("%w: %s is not on the allow list", ErrHostBlocked, host)
	}
	if internalHost(host) {
		return fmt.Errorf("%w: %s is an internal address", ErrHostBlocked, host)
	}
	return nil
}

// matches reports whether host or one of its parent domains is in set.
func matches(set map[string]struct{}, host string) bool {
	if len(set) == 0 || host == "" {
		return false
	}
	for h := host; ; {
		if _, ok := set[h]; ok {
			return true
		}
		i := strings.IndexByte(h, '.')
		if i < 0 {
			return false
		}
		h = h[i+1:]
	}
}

func internalHost(host string) bool {
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return true
	}
	ip := net.ParseIP(strings.Trim(host, "[]"))
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified()
}

func listToSet(items []string) map[string]struct{} {
	if len(items) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(items))
	for _, item := range items {
		set[item] = struct{}{}
	}
	return set
}
