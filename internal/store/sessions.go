package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mohammad-safakhou/linsight/models"
)

const versionColumns = `id, session_id, user_id, question, tools, org_knowledge_enabled, personal_knowledge_enabled,
       files, sop, output_result, status, score, execute_feedback, has_reexecute, version, create_time, update_time`

// CreateSession inserts a session together with its first version.
func (s *Store) CreateSession(ctx context.Context, sess *models.Session, v *models.SessionVersion) error {
	toolsJSON, err := json.Marshal(v.Tools)
	if err != nil {
		return fmt.Errorf("marshal tools: %w", err)
	}
	filesJSON, err := json.Marshal(v.Files)
	if err != nil {
		return fmt.Errorf("marshal files: %w", err)
	}
	err = withTx(ctx, s.DB, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO linsight_session (id, user_id, title, current_version_id, terminal, create_time)
VALUES ($1,$2,$3,$4,FALSE,$5)`, sess.ID, sess.UserID, sess.Title, v.ID, sess.CreatedAt); err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO linsight_session_version (id, session_id, user_id, question, tools, org_knowledge_enabled,
    personal_knowledge_enabled, files, status, has_reexecute, version, create_time, update_time)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$12)`,
			v.ID, v.SessionID, v.UserID, v.Question, toolsJSON, v.OrgKnowledgeEnabled,
			v.PersonalKnowledgeEnabled, filesJSON, string(v.Status), v.HasReexecute, v.Version, v.CreatedAt); err != nil {
			return fmt.Errorf("insert version: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	recordWrite(ctx, "linsight_session_version")
	return nil
}

func scanVersion(row scanner) (models.SessionVersion, error) {
	var (
		v         models.SessionVersion
		toolsJSON []byte
		filesJSON []byte
		output    []byte
		status    string
		score     sql.NullInt64
	)
	if err := row.Scan(&v.ID, &v.SessionID, &v.UserID, &v.Question, &toolsJSON, &v.OrgKnowledgeEnabled,
		&v.PersonalKnowledgeEnabled, &filesJSON, &v.SOP, &output, &status, &score, &v.ExecuteFeedback,
		&v.HasReexecute, &v.Version, &v.CreatedAt, &v.UpdatedAt); err != nil {
		return models.SessionVersion{}, err
	}
	v.Status = models.VersionStatus(status)
	if len(toolsJSON) > 0 {
		if err := json.Unmarshal(toolsJSON, &v.Tools); err != nil {
			return models.SessionVersion{}, fmt.Errorf("decode tools of %s: %w", v.ID, err)
		}
	}
	if len(filesJSON) > 0 {
		if err := json.Unmarshal(filesJSON, &v.Files); err != nil {
			return models.SessionVersion{}, fmt.Errorf("decode files of %s: %w", v.ID, err)
		}
	}
	if len(output) > 0 {
		v.OutputResult = json.RawMessage(output)
	}
	if score.Valid {
		n := int(score.Int64)
		v.Score = &n
	}
	return v, nil
}

// GetVersion loads a version regardless of owner.
func (s *Store) GetVersion(ctx context.Context, id string) (models.SessionVersion, error) {
	v, err := scanVersion(s.DB.QueryRowContext(ctx, `SELECT `+versionColumns+`
FROM linsight_session_version WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return models.SessionVersion{}, models.ErrVersionNotFound
	}
	return v, err
}

// GetUserVersion loads a version owned by userID.
func (s *Store) GetUserVersion(ctx context.Context, id string, userID int64) (models.SessionVersion, error) {
	v, err := scanVersion(s.DB.QueryRowContext(ctx, `SELECT `+versionColumns+`
FROM linsight_session_version WHERE id = $1 AND user_id = $2`, id, userID))
	if err == sql.ErrNoRows {
		return models.SessionVersion{}, models.ErrVersionNotFound
	}
	return v, err
}

// ListSessionVersions returns the versions of a session owned by userID, newest first.
func (s *Store) ListSessionVersions(ctx context.Context, sessionID string, userID int64) ([]models.SessionVersion, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+versionColumns+`
FROM linsight_session_version WHERE session_id = $1 AND user_id = $2
ORDER BY create_time DESC`, sessionID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.SessionVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// UpdateVersion writes the mutable execution fields. A terminal status also marks the session terminal.
func (s *Store) UpdateVersion(ctx context.Context, v *models.SessionVersion) error {
	var output interface{}
	if len(v.OutputResult) > 0 {
		output = []byte(v.OutputResult)
	}
	updated := v.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}
	err := withTx(ctx, s.DB, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
UPDATE linsight_session_version SET sop = $2, output_result = $3, status = $4, update_time = $5
WHERE id = $1`, v.ID, v.SOP, output, string(v.Status), updated)
		if err != nil {
			return fmt.Errorf("update version: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return models.ErrVersionNotFound
		}
		if v.Status.IsTerminal() {
			if _, err := tx.ExecContext(ctx, `UPDATE linsight_session SET terminal = TRUE WHERE id = $1`, v.SessionID); err != nil {
				return fmt.Errorf("mark session terminal: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	recordWrite(ctx, "linsight_session_version")
	return nil
}

// SetFeedback stores a score and comment on a finished version of userID.
func (s *Store) SetFeedback(ctx context.Context, versionID string, userID int64, score int, feedback string) error {
	res, err := s.DB.ExecContext(ctx, `
UPDATE linsight_session_version SET score = $3, execute_feedback = $4, update_time = NOW()
WHERE id = $1 AND user_id = $2 AND status IN ('COMPLETED','TERMINATED','FAILED')`, versionID, userID, score, feedback)
	if err != nil {
		return fmt.Errorf("set feedback: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrVersionNotFound
	}
	return nil
}

// FailOrphanedVersion marks a version whose worker died as FAILED. It reports whether the
// version was still running.
func (s *Store) FailOrphanedVersion(ctx context.Context, versionID string) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
UPDATE linsight_session_version SET status = 'FAILED', update_time = NOW()
WHERE id = $1 AND status IN ('NOT_STARTED','IN_PROGRESS')`, versionID)
	if err != nil {
		return false, fmt.Errorf("fail orphaned version: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
