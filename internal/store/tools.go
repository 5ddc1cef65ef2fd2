package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mohammad-safakhou/linsight/internal/tools"
)

const toolColumns = `id, tool_key, name, description, parameters, provider, config, preset, timeout_ms`

func scanTool(row scanner) (tools.Descriptor, error) {
	var (
		d         tools.Descriptor
		params    []byte
		provider  string
		cfg       []byte
		timeoutMS sql.NullInt64
	)
	if err := row.Scan(&d.ID, &d.Key, &d.Name, &d.Description, &params, &provider, &cfg, &d.Preset, &timeoutMS); err != nil {
		return tools.Descriptor{}, err
	}
	d.Provider = tools.ProviderKind(provider)
	if len(params) > 0 {
		if err := json.Unmarshal(params, &d.Parameters); err != nil {
			return tools.Descriptor{}, fmt.Errorf("decode parameters of tool %s: %w", d.Key, err)
		}
	}
	if len(cfg) > 0 {
		d.Config = json.RawMessage(cfg)
	}
	if timeoutMS.Valid && timeoutMS.Int64 > 0 {
		d.Timeout = time.Duration(timeoutMS.Int64) * time.Millisecond
	}
	return d, nil
}

func (s *Store) queryTools(ctx context.Context, query string, args ...interface{}) ([]tools.Descriptor, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []tools.Descriptor
	for rows.Next() {
		d, err := scanTool(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ToolDescriptors loads the configured descriptors for keys. Unknown keys are skipped.
func (s *Store) ToolDescriptors(ctx context.Context, keys []string) ([]tools.Descriptor, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	return s.queryTools(ctx, `SELECT `+toolColumns+` FROM linsight_tool WHERE tool_key = ANY($1) ORDER BY id`, pq.Array(keys))
}

func (s *Store) ListToolDescriptors(ctx context.Context) ([]tools.Descriptor, error) {
	return s.queryTools(ctx, `SELECT `+toolColumns+` FROM linsight_tool ORDER BY id`)
}

var _ tools.DescriptorSource = (*Store)(nil)
