package store

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/mohammad-safakhou/linsight/models"
)

func TestCreateSOPReturnsID(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	st := &Store{DB: db}

	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO inspiration_sop (name, description, content, rating, user_id, create_time, update_time)`)).
		WithArgs("travel", "plan a trip", "1. book", 4, int64(3), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(21)))

	sop := &models.SOP{Name: "travel", Description: "plan a trip", Content: "1. book", Rating: 4, UserID: 3}
	if err := st.CreateSOP(context.Background(), sop); err != nil {
		t.Fatalf("CreateSOP: %v", err)
	}
	if sop.ID != 21 || sop.CreatedAt.IsZero() {
		t.Fatalf("unexpected sop after create: %#v", sop)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUpdateAndDeleteMissingSOP(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	st := &Store{DB: db}

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE inspiration_sop SET name = $2`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM inspiration_sop WHERE id = $1`)).
		WithArgs(int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := st.UpdateSOP(context.Background(), &models.SOP{ID: 5}); !errors.Is(err, ErrSOPNotFound) {
		t.Fatalf("expected ErrSOPNotFound on update, got %v", err)
	}
	if err := st.DeleteSOP(context.Background(), 5); !errors.Is(err, ErrSOPNotFound) {
		t.Fatalf("expected ErrSOPNotFound on delete, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestListSOPsPaging(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	st := &Store{DB: db}
	now := time.Now()
	cols := []string{"id", "name", "description", "content", "rating", "user_id", "create_time", "update_time"}

	mock.ExpectQuery(regexp.QuoteMeta(`FROM inspiration_sop ORDER BY id LIMIT $1 OFFSET $2`)).
		WithArgs(10, 20).
		WillReturnRows(sqlmock.NewRows(cols).AddRow(int64(21), "travel", "d", "c", 5, int64(1), now, now))
	mock.ExpectQuery(regexp.QuoteMeta(`FROM inspiration_sop ORDER BY id`)).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow(int64(1), "a", "", "x", 0, int64(1), now, now).
			AddRow(int64(2), "b", "", "y", 3, int64(1), now, now))

	page, err := st.ListSOPs(context.Background(), 10, 20)
	if err != nil || len(page) != 1 || page[0].Name != "travel" {
		t.Fatalf("unexpected page %v err=%v", page, err)
	}
	all, err := st.ListSOPs(context.Background(), 0, 0)
	if err != nil || len(all) != 2 {
		t.Fatalf("unexpected full list %v err=%v", all, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
