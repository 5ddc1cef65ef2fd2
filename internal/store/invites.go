package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mohammad-safakhou/linsight/internal/invite"
	"github.com/mohammad-safakhou/linsight/models"
)

const inviteColumns = `id, code, batch_id, batch_name, "limit", used, bind_user, created_id, create_time, update_time`

func scanInvite(row scanner) (models.InviteCode, error) {
	var (
		c    models.InviteCode
		bind sql.NullInt64
	)
	if err := row.Scan(&c.ID, &c.Code, &c.BatchID, &c.BatchName, &c.Limit, &c.Used, &bind, &c.CreatedID,
		&c.CreatedAt, &c.UpdatedAt); err != nil {
		return models.InviteCode{}, err
	}
	if bind.Valid {
		u := bind.Int64
		c.BindUser = &u
	}
	return c, nil
}

func (s *Store) InviteByCode(ctx context.Context, code string) (models.InviteCode, error) {
	c, err := scanInvite(s.DB.QueryRowContext(ctx, `SELECT `+inviteColumns+` FROM invite_code WHERE code = $1`, code))
	if errors.Is(err, sql.ErrNoRows) {
		return models.InviteCode{}, invite.ErrNotFound
	}
	return c, err
}

// ActiveInvite returns the user's bound code that still has runs left, newest first.
func (s *Store) ActiveInvite(ctx context.Context, userID int64) (models.InviteCode, bool, error) {
	c, err := scanInvite(s.DB.QueryRowContext(ctx, `SELECT `+inviteColumns+`
FROM invite_code WHERE bind_user = $1 AND used < "limit"
ORDER BY update_time DESC, id DESC LIMIT 1`, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return models.InviteCode{}, false, nil
	}
	if err != nil {
		return models.InviteCode{}, false, err
	}
	return c, true, nil
}

// BindInvite claims an unbound code. It reports false when another user bound it first.
func (s *Store) BindInvite(ctx context.Context, codeID, userID int64) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
UPDATE invite_code SET bind_user = $2, update_time = $3
WHERE id = $1 AND bind_user IS NULL`, codeID, userID, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("bind invite %d: %w", codeID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		recordWrite(ctx, "invite_code")
	}
	return n > 0, nil
}

// ConsumeInvite takes one run from the user's active code.
func (s *Store) ConsumeInvite(ctx context.Context, userID int64) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
UPDATE invite_code SET used = used + 1, update_time = $2
WHERE id = (
  SELECT id FROM invite_code WHERE bind_user = $1 AND used < "limit"
  ORDER BY update_time DESC, id DESC LIMIT 1 FOR UPDATE
) AND used < "limit"`, userID, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("consume invite for user %d: %w", userID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		recordWrite(ctx, "invite_code")
	}
	return n > 0, nil
}

// RefundInvite gives one run back to the user's most recently used code.
func (s *Store) RefundInvite(ctx context.Context, userID int64) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
UPDATE invite_code SET used = used - 1, update_time = $2
WHERE id = (
  SELECT id FROM invite_code WHERE bind_user = $1 AND used > 0
  ORDER BY update_time DESC, id DESC LIMIT 1 FOR UPDATE
) AND used > 0`, userID, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("refund invite for user %d: %w", userID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		recordWrite(ctx, "invite_code")
	}
	return n > 0, nil
}

// InsertInvites stores a minted batch atomically and fills the generated ids.
func (s *Store) InsertInvites(ctx context.Context, codes []models.InviteCode) error {
	if len(codes) == 0 {
		return nil
	}
	return withTx(ctx, s.DB, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
INSERT INTO invite_code (code, batch_id, batch_name, "limit", used, created_id, create_time, update_time)
VALUES ($1,$2,$3,$4,0,$5,$6,$7)
RETURNING id`)
		if err != nil {
			return fmt.Errorf("prepare invite insert: %w", err)
		}
		defer stmt.Close()
		for i := range codes {
			c := &codes[i]
			if err := stmt.QueryRowContext(ctx, c.Code, c.BatchID, c.BatchName, c.Limit, c.CreatedID,
				c.CreatedAt, c.UpdatedAt).Scan(&c.ID); err != nil {
				if isUniqueViolation(err) {
					return fmt.Errorf("invite code %s already exists: %w", c.Code, err)
				}
				return fmt.Errorf("insert invite %s: %w", c.Code, err)
			}
		}
		recordWrite(ctx, "invite_code")
		return nil
	})
}

var _ invite.Store = (*Store)(nil)
