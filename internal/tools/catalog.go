package tools

import (
	"context"
	"fmt"
	"strings"
)

// DescriptorSource loads descriptors configured by administrators, keyed by tool key.
type DescriptorSource interface {
	ToolDescriptors(ctx context.Context, keys []string) ([]Descriptor, error)
}

// Catalog maps the tool keys selected at submit time to descriptors. Configured descriptors win
// over builtins registered under the same key.
type Catalog struct {
	registry *Registry
	source   DescriptorSource
}

// NewCatalog creates a catalog. source may be nil when only builtins are offered.
func NewCatalog(registry *Registry, source DescriptorSource) *Catalog {
	return &Catalog{registry: registry, source: source}
}

// Descriptors returns one descriptor per distinct key, in first-seen order.
func (c *Catalog) Descriptors(ctx context.Context, keys []string) ([]Descriptor, error) {
	seen := make(map[string]bool, len(keys))
	var wanted []string
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		wanted = append(wanted, k)
	}
	if len(wanted) == 0 {
		return nil, nil
	}

	configured := map[string]Descriptor{}
	if c.source != nil {
		descs, err := c.source.ToolDescriptors(ctx, wanted)
		if err != nil {
			return nil, fmt.Errorf("load tool descriptors: %w", err)
		}
		for _, d := range descs {
			configured[d.Key] = d
		}
	}

	out := make([]Descriptor, 0, len(wanted))
	var missing []string
	for _, k := range wanted {
		if d, ok := configured[k]; ok {
			out = append(out, d)
			continue
		}
		if t, ok := c.registry.Builtin(k); ok {
			out = append(out, Descriptor{Key: k, Name: t.Name(), Description: t.Description(), Provider: ProviderBuiltin, Preset: true})
			continue
		}
		missing = append(missing, k)
	}
	if len(missing) > 0 {
		return nil, newError(KindNotFound, strings.Join(missing, ","), fmt.Errorf("no descriptor configured"))
	}
	return out, nil
}
