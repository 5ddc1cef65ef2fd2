package store

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"github.com/mohammad-safakhou/linsight/internal/invite"
	"github.com/mohammad-safakhou/linsight/models"
)

var inviteCols = []string{"id", "code", "batch_id", "batch_name", "limit", "used", "bind_user", "created_id", "create_time", "update_time"}

func TestInviteByCode(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	st := &Store{DB: db}
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta(`FROM invite_code WHERE code = $1`)).
		WithArgs("23456789A3").
		WillReturnRows(sqlmock.NewRows(inviteCols).AddRow(int64(1), "23456789A3", "b-1", "beta", 5, 2, int64(9), int64(1), now, now))
	mock.ExpectQuery(regexp.QuoteMeta(`FROM invite_code WHERE code = $1`)).
		WithArgs("ZZZZZZZZZ6").
		WillReturnError(sql.ErrNoRows)

	c, err := st.InviteByCode(context.Background(), "23456789A3")
	if err != nil {
		t.Fatalf("InviteByCode: %v", err)
	}
	if c.BindUser == nil || *c.BindUser != 9 || c.Remaining() != 3 {
		t.Fatalf("unexpected invite: %#v", c)
	}
	if _, err := st.InviteByCode(context.Background(), "ZZZZZZZZZ6"); !errors.Is(err, invite.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestActiveInviteNone(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	st := &Store{DB: db}

	mock.ExpectQuery(regexp.QuoteMeta(`WHERE bind_user = $1 AND used < "limit"`)).
		WithArgs(int64(9)).
		WillReturnRows(sqlmock.NewRows(inviteCols))

	_, ok, err := st.ActiveInvite(context.Background(), 9)
	if err != nil || ok {
		t.Fatalf("expected no active invite, got ok=%v err=%v", ok, err)
	}
}

func TestBindInviteOnlyWhenUnbound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	st := &Store{DB: db}

	mock.ExpectExec(regexp.QuoteMeta(`WHERE id = $1 AND bind_user IS NULL`)).
		WithArgs(int64(1), int64(9), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := st.BindInvite(context.Background(), 1, 9)
	if err != nil || ok {
		t.Fatalf("expected lost race, got ok=%v err=%v", ok, err)
	}
}

func TestConsumeAndRefundAreConditional(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	st := &Store{DB: db}

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE invite_code SET used = used + 1`)).
		WithArgs(int64(9), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE invite_code SET used = used + 1`)).
		WithArgs(int64(9), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE invite_code SET used = used - 1`)).
		WithArgs(int64(9), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ctx := context.Background()
	if ok, err := st.ConsumeInvite(ctx, 9); err != nil || !ok {
		t.Fatalf("first consume: ok=%v err=%v", ok, err)
	}
	if ok, err := st.ConsumeInvite(ctx, 9); err != nil || ok {
		t.Fatalf("exhausted consume should report false: ok=%v err=%v", ok, err)
	}
	if ok, err := st.RefundInvite(ctx, 9); err != nil || !ok {
		t.Fatalf("refund: ok=%v err=%v", ok, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestInsertInvitesFillsIDs(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	st := &Store{DB: db}
	now := time.Now()

	codes := []models.InviteCode{
		{Code: "23456789A3", BatchID: "b", BatchName: "beta", Limit: 3, CreatedAt: now, UpdatedAt: now},
		{Code: "2222222221", BatchID: "b", BatchName: "beta", Limit: 3, CreatedAt: now, UpdatedAt: now},
	}
	mock.ExpectBegin()
	prep := mock.ExpectPrepare(regexp.QuoteMeta(`INSERT INTO invite_code (code, batch_id, batch_name, "limit", used, created_id, create_time, update_time)`))
	prep.ExpectQuery().WithArgs("23456789A3", "b", "beta", 3, int64(0), now, now).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(10)))
	prep.ExpectQuery().WithArgs("2222222221", "b", "beta", 3, int64(0), now, now).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(11)))
	mock.ExpectCommit()

	if err := st.InsertInvites(context.Background(), codes); err != nil {
		t.Fatalf("InsertInvites: %v", err)
	}
	if codes[0].ID != 10 || codes[1].ID != 11 {
		t.Fatalf("ids not filled: %d %d", codes[0].ID, codes[1].ID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestInsertInvitesDuplicateRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	st := &Store{DB: db}

	mock.ExpectBegin()
	prep := mock.ExpectPrepare(regexp.QuoteMeta(`INSERT INTO invite_code`))
	prep.ExpectQuery().WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()

	err = st.InsertInvites(context.Background(), []models.InviteCode{{Code: "23456789A3", Limit: 1}})
	if err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("expected duplicate error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
