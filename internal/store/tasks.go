package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mohammad-safakhou/linsight/models"
)

const taskColumns = `id, version_id, parent_id, ordinal, title, profile, tools, depends_on, inputs, output_schema,
       status, steps, result, reason, tokens, attempts, input_request, input_history, pruned, summary,
       summary_up_to, update_time`

// marshalNullable encodes v, or yields SQL NULL when empty.
func marshalNullable(v interface{}, empty bool) (interface{}, error) {
	if empty {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// SaveTask upserts the full state of a task. It is the executor's checkpoint.
func (s *Store) SaveTask(ctx context.Context, t *models.Task) error {
	steps, err := json.Marshal(t.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}
	inputs, err := marshalNullable(t.Inputs, len(t.Inputs) == 0)
	if err != nil {
		return fmt.Errorf("marshal inputs: %w", err)
	}
	outSchema, err := marshalNullable(t.OutputSchema, len(t.OutputSchema) == 0)
	if err != nil {
		return fmt.Errorf("marshal output schema: %w", err)
	}
	inputReq, err := marshalNullable(t.InputRequest, t.InputRequest == nil)
	if err != nil {
		return fmt.Errorf("marshal input request: %w", err)
	}
	history, err := marshalNullable(t.InputHistory, len(t.InputHistory) == 0)
	if err != nil {
		return fmt.Errorf("marshal input history: %w", err)
	}
	toolKeys := pq.StringArray(t.Tools)
	if toolKeys == nil {
		toolKeys = pq.StringArray{}
	}
	deps := make(pq.Int64Array, 0, len(t.DependsOn))
	for _, d := range t.DependsOn {
		deps = append(deps, int64(d))
	}
	var parent interface{}
	if t.ParentID != "" {
		parent = t.ParentID
	}
	updated := t.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO linsight_execute_task (id, version_id, parent_id, ordinal, title, profile, tools, depends_on, inputs,
    output_schema, status, steps, result, reason, tokens, attempts, input_request, input_history, pruned, summary,
    summary_up_to, update_time)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)
ON CONFLICT (id) DO UPDATE SET
  depends_on    = EXCLUDED.depends_on,
  status        = EXCLUDED.status,
  steps         = EXCLUDED.steps,
  result        = EXCLUDED.result,
  reason        = EXCLUDED.reason,
  tokens        = EXCLUDED.tokens,
  attempts      = EXCLUDED.attempts,
  input_request = EXCLUDED.input_request,
  input_history = EXCLUDED.input_history,
  pruned        = EXCLUDED.pruned,
  summary       = EXCLUDED.summary,
  summary_up_to = EXCLUDED.summary_up_to,
  update_time   = EXCLUDED.update_time`,
		t.ID, t.VersionID, parent, t.Ordinal, t.Title, t.Profile, toolKeys, deps, inputs,
		outSchema, string(t.Status), steps, t.Result, t.Reason, t.Tokens, t.Attempts, inputReq, history, t.Pruned,
		t.Summary, t.SummaryUpTo, updated)
	if err != nil {
		return fmt.Errorf("upsert task %s: %w", t.ID, err)
	}
	recordWrite(ctx, "linsight_execute_task")
	return nil
}

func scanTask(row scanner) (models.Task, error) {
	var (
		t                                           models.Task
		parent                                      sql.NullString
		toolKeys                                    pq.StringArray
		deps                                        pq.Int64Array
		status                                      string
		inputs, outSchema, steps, inputReq, history []byte
	)
	if err := row.Scan(&t.ID, &t.VersionID, &parent, &t.Ordinal, &t.Title, &t.Profile, &toolKeys, &deps, &inputs,
		&outSchema, &status, &steps, &t.Result, &t.Reason, &t.Tokens, &t.Attempts, &inputReq, &history, &t.Pruned,
		&t.Summary, &t.SummaryUpTo, &t.UpdatedAt); err != nil {
		return models.Task{}, err
	}
	t.ParentID = parent.String
	t.Status = models.TaskStatus(status)
	t.Tools = []string(toolKeys)
	for _, d := range deps {
		t.DependsOn = append(t.DependsOn, int(d))
	}
	decode := func(raw []byte, into interface{}, what string) error {
		if len(raw) == 0 {
			return nil
		}
		if err := json.Unmarshal(raw, into); err != nil {
			return fmt.Errorf("decode %s of task %s: %w", what, t.ID, err)
		}
		return nil
	}
	if err := decode(inputs, &t.Inputs, "inputs"); err != nil {
		return models.Task{}, err
	}
	if err := decode(outSchema, &t.OutputSchema, "output schema"); err != nil {
		return models.Task{}, err
	}
	if err := decode(steps, &t.Steps, "steps"); err != nil {
		return models.Task{}, err
	}
	if err := decode(inputReq, &t.InputRequest, "input request"); err != nil {
		return models.Task{}, err
	}
	if err := decode(history, &t.InputHistory, "input history"); err != nil {
		return models.Task{}, err
	}
	return t, nil
}

// ListTasks returns the task tree of a version ordered by ordinal; pruned tasks are included.
func (s *Store) ListTasks(ctx context.Context, versionID string) ([]models.Task, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+taskColumns+`
FROM linsight_execute_task WHERE version_id = $1 ORDER BY ordinal`, versionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// DeleteFinishedTasksBefore removes task trees of terminal versions last updated before cutoff.
func (s *Store) DeleteFinishedTasksBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if cutoff.IsZero() {
		return 0, fmt.Errorf("cutoff must be set")
	}
	res, err := s.DB.ExecContext(ctx, `
DELETE FROM linsight_execute_task t
USING linsight_session_version v
WHERE t.version_id = v.id
  AND v.status IN ('COMPLETED','TERMINATED','FAILED')
  AND v.update_time < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete finished tasks: %w", err)
	}
	return res.RowsAffected()
}
