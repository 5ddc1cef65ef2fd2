package store

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/mohammad-safakhou/linsight/models"
)

func TestSaveTaskUpserts(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	st := &Store{DB: db}

	task := &models.Task{
		ID: "t-2", VersionID: "v-1", ParentID: "t-root", Ordinal: 2, Title: "fetch",
		Tools: []string{"web_fetch"}, DependsOn: []int{1}, Status: models.TaskProcessing,
		Steps: []models.StepRecord{{Thought: "look it up"}},
	}
	mock.ExpectExec(regexp.QuoteMeta(`ON CONFLICT (id) DO UPDATE SET`)).
		WithArgs("t-2", "v-1", "t-root", 2, "fetch", "", sqlmock.AnyArg(), sqlmock.AnyArg(), nil,
			nil, "PROCESSING", sqlmock.AnyArg(), "", "", int64(0), 0, nil, nil, false,
			"", 0, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := st.SaveTask(context.Background(), task); err != nil {
		t.Fatalf("SaveTask: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSaveTaskRootHasNullParent(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	st := &Store{DB: db}

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO linsight_execute_task`)).
		WithArgs("t-root", "v-1", nil, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := st.SaveTask(context.Background(), &models.Task{ID: "t-root", VersionID: "v-1", Status: models.TaskWaiting}); err != nil {
		t.Fatalf("SaveTask: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestListTasksDecodesTree(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	st := &Store{DB: db}
	now := time.Now().UTC()

	cols := []string{"id", "version_id", "parent_id", "ordinal", "title", "profile", "tools", "depends_on", "inputs",
		"output_schema", "status", "steps", "result", "reason", "tokens", "attempts", "input_request", "input_history",
		"pruned", "summary", "summary_up_to", "update_time"}
	rows := sqlmock.NewRows(cols).
		AddRow("t-root", "v-1", nil, 0, "answer", "", "{}", "{1,2}", nil,
			nil, "WAITING", []byte(`[]`), "", "", int64(0), 0, nil, nil,
			false, "", 0, now).
		AddRow("t-1", "v-1", "t-root", 1, "fetch", "researcher", "{web_fetch,calculator}", "{}", []byte(`{"city":"Tokyo"}`),
			nil, "INPUT", []byte(`[{"thought":"need a date","timestamp":"2024-01-01T00:00:00Z"}]`), "", "", int64(120), 1,
			[]byte(`{"id":"req-1","task_id":"t-1","schema":[{"key":"date","type":"text","required":true}],"satisfied":false}`), nil,
			false, "", 0, now)
	mock.ExpectQuery(regexp.QuoteMeta(`FROM linsight_execute_task WHERE version_id = $1 ORDER BY ordinal`)).
		WithArgs("v-1").
		WillReturnRows(rows)

	tasks, err := st.ListTasks(context.Background(), "v-1")
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(tasks))
	}
	root, leaf := tasks[0], tasks[1]
	if !root.IsRoot() || len(root.DependsOn) != 2 || root.DependsOn[1] != 2 {
		t.Fatalf("unexpected root: %#v", root)
	}
	if leaf.ParentID != "t-root" || len(leaf.Tools) != 2 || leaf.Tools[1] != "calculator" {
		t.Fatalf("unexpected leaf: %#v", leaf)
	}
	if leaf.Inputs["city"] != "Tokyo" || len(leaf.Steps) != 1 {
		t.Fatalf("unexpected leaf payload: %#v", leaf)
	}
	if leaf.InputRequest == nil || leaf.InputRequest.ID != "req-1" || len(leaf.InputRequest.Schema) != 1 {
		t.Fatalf("unexpected input request: %#v", leaf.InputRequest)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestDeleteFinishedTasksBefore(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	st := &Store{DB: db}
	cutoff := time.Now().Add(-7 * 24 * time.Hour)

	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM linsight_execute_task t`)).
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 12))

	n, err := st.DeleteFinishedTasksBefore(context.Background(), cutoff)
	if err != nil {
		t.Fatalf("DeleteFinishedTasksBefore: %v", err)
	}
	if n != 12 {
		t.Fatalf("expected 12 rows, got %d", n)
	}
	if _, err := st.DeleteFinishedTasksBefore(context.Background(), time.Time{}); err == nil {
		t.Fatalf("zero cutoff should be rejected")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
