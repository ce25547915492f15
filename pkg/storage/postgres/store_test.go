package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/R3E-Network/build_orchestrator/domain/modbuild"
	"github.com/R3E-Network/build_orchestrator/pkg/storage"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store := New(db, nil)
	store.now = func() time.Time { return time.Date(2019, 3, 1, 12, 0, 0, 0, time.UTC) }
	return store, mock
}

func TestWithSessionCommitsAndWritesTrace(t *testing.T) {
	ctx := context.Background()
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO module_builds").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(2)))
	// The commit hook finds no prior trace row and appends one.
	mock.ExpectQuery("SELECT state, state_reason FROM module_builds_trace").
		WillReturnRows(sqlmock.NewRows([]string{"state", "state_reason"}))
	mock.ExpectExec("INSERT INTO module_builds_trace").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	m := &modbuild.ModuleBuild{
		Name:            "testmodule",
		Stream:          "master",
		Version:         "20180205135154",
		Context:         "9c690d0e",
		State:           modbuild.StateInit,
		Owner:           "someone",
		RebuildStrategy: modbuild.RebuildChangedAndAfter,
		Submitted:       time.Now().UTC(),
		Modified:        time.Now().UTC(),
	}
	err := store.WithSession(ctx, func(s storage.Session) error {
		return s.CreateModuleBuild(ctx, m)
	})
	if err != nil {
		t.Fatalf("WithSession: %v", err)
	}
	if m.ID != 2 {
		t.Fatalf("id not captured: %d", m.ID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestWithSessionSkipsTraceWhenStateUnchanged(t *testing.T) {
	ctx := context.Background()
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE module_builds").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT state, state_reason FROM module_builds_trace").
		WillReturnRows(sqlmock.NewRows([]string{"state", "state_reason"}).AddRow(int(modbuild.StateWait), ""))
	// No trace INSERT follows: the last row already matches.
	mock.ExpectCommit()

	m := &modbuild.ModuleBuild{
		ID:              2,
		Name:            "testmodule",
		Stream:          "master",
		Version:         "1",
		Context:         "c1",
		State:           modbuild.StateWait,
		KojiTag:         "module-testmodule-master-1-c1",
		RebuildStrategy: modbuild.RebuildChangedAndAfter,
		Modified:        time.Now().UTC(),
	}
	err := store.WithSession(ctx, func(s storage.Session) error {
		return s.SaveModuleBuild(ctx, m)
	})
	if err != nil {
		t.Fatalf("WithSession: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestWithSessionRollsBackOnHandlerError(t *testing.T) {
	ctx := context.Background()
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectRollback()

	boom := errors.New("boom")
	err := store.WithSession(ctx, func(storage.Session) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected handler error back, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestComponentTraceRecordsTaskID(t *testing.T) {
	ctx := context.Background()
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE component_builds").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT state, state_reason FROM component_builds_trace").
		WillReturnRows(sqlmock.NewRows([]string{"state", "state_reason"}))
	mock.ExpectExec("INSERT INTO component_builds_trace").
		WithArgs(int64(11), sqlmock.AnyArg(), sqlmock.AnyArg(), "", int64(90276228)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	building := modbuild.BuildStateBuilding
	c := &modbuild.ComponentBuild{
		ID:       11,
		ModuleID: 2,
		Package:  "perl-Tangerine",
		Format:   "rpms",
		TaskID:   90276228,
		State:    &building,
		Batch:    2,
	}
	err := store.WithSession(ctx, func(s storage.Session) error {
		return s.SaveComponentBuild(ctx, c)
	})
	if err != nil {
		t.Fatalf("WithSession: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
