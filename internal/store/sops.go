package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mohammad-safakhou/linsight/models"
)

// ErrSOPNotFound is returned when a SOP id does not exist.
var ErrSOPNotFound = errors.New("sop not found")

const sopColumns = `id, name, description, content, rating, user_id, create_time, update_time`

func scanSOP(row scanner) (models.SOP, error) {
	var s models.SOP
	err := row.Scan(&s.ID, &s.Name, &s.Description, &s.Content, &s.Rating, &s.UserID, &s.CreatedAt, &s.UpdatedAt)
	return s, err
}

// CreateSOP inserts a library entry and fills its id and timestamps.
func (s *Store) CreateSOP(ctx context.Context, sop *models.SOP) error {
	now := time.Now().UTC()
	err := s.DB.QueryRowContext(ctx, `
INSERT INTO inspiration_sop (name, description, content, rating, user_id, create_time, update_time)
VALUES ($1,$2,$3,$4,$5,$6,$6)
RETURNING id`, sop.Name, sop.Description, sop.Content, sop.Rating, sop.UserID, now).Scan(&sop.ID)
	if err != nil {
		return fmt.Errorf("insert sop: %w", err)
	}
	sop.CreatedAt, sop.UpdatedAt = now, now
	recordWrite(ctx, "inspiration_sop")
	return nil
}

// UpdateSOP rewrites the editable fields of an entry.
func (s *Store) UpdateSOP(ctx context.Context, sop *models.SOP) error {
	now := time.Now().UTC()
	res, err := s.DB.ExecContext(ctx, `
UPDATE inspiration_sop SET name = $2, description = $3, content = $4, rating = $5, update_time = $6
WHERE id = $1`, sop.ID, sop.Name, sop.Description, sop.Content, sop.Rating, now)
	if err != nil {
		return fmt.Errorf("update sop %d: %w", sop.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSOPNotFound
	}
	sop.UpdatedAt = now
	recordWrite(ctx, "inspiration_sop")
	return nil
}

func (s *Store) GetSOP(ctx context.Context, id int64) (models.SOP, error) {
	sop, err := scanSOP(s.DB.QueryRowContext(ctx, `SELECT `+sopColumns+` FROM inspiration_sop WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.SOP{}, ErrSOPNotFound
	}
	return sop, err
}

// ListSOPs pages through the library by id. A limit <= 0 returns every entry.
func (s *Store) ListSOPs(ctx context.Context, limit, offset int) ([]models.SOP, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if limit <= 0 {
		rows, err = s.DB.QueryContext(ctx, `SELECT `+sopColumns+` FROM inspiration_sop ORDER BY id`)
	} else {
		rows, err = s.DB.QueryContext(ctx, `SELECT `+sopColumns+` FROM inspiration_sop ORDER BY id LIMIT $1 OFFSET $2`, limit, offset)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.SOP
	for rows.Next() {
		sop, err := scanSOP(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sop)
	}
	return out, rows.Err()
}

func (s *Store) DeleteSOP(ctx context.Context, id int64) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM inspiration_sop WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete sop %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSOPNotFound
	}
	return nil
}
