package interrupt

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/haasonsaas/reactor/pkg/models"
)

// newMockStore prepares a PostgresStore over a mock connection. The
// prepare expectations mirror prepareStatements order.
func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	mock.ExpectPrepare("INSERT INTO interrupts")
	mock.ExpectPrepare("SELECT (.+) FROM interrupts WHERE thread_id")
	mock.ExpectPrepare("UPDATE interrupts SET status")
	mock.ExpectPrepare("SELECT (.+) FROM interrupts WHERE status = 'pending'")
	mock.ExpectPrepare("SELECT (.+) FROM interrupts WHERE status = 'pending' AND thread_id")
	mock.ExpectPrepare("DELETE FROM interrupts")

	store := &PostgresStore{db: db}
	if err := store.prepareStatements(); err != nil {
		t.Fatalf("prepare statements: %v", err)
	}
	return store, mock
}

func interruptColumns() []string {
	return []string{
		"id", "thread_id", "run_id", "kind", "tool_call", "question",
		"options", "status", "response", "created_at", "expires_at",
	}
}

func TestPostgresStoreCreate(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO interrupts").
		WithArgs(
			"i1", "t1", "r1", "approval",
			sqlmock.AnyArg(), // tool_call JSON
			"", sqlmock.AnyArg(), "pending",
			sqlmock.AnyArg(), sqlmock.AnyArg(),
		).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := store.Create(context.Background(), &models.PendingInterrupt{
		ID:        "i1",
		ThreadID:  "t1",
		RunID:     "r1",
		Kind:      models.InterruptApproval,
		ToolCall:  &models.ToolCall{ID: "c1", Name: "deploy", Input: []byte(`{}`)},
		Status:    models.InterruptPending,
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(5 * time.Minute),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestPostgresStoreCreateRequiresID(t *testing.T) {
	store, _ := newMockStore(t)
	if err := store.Create(context.Background(), &models.PendingInterrupt{}); err == nil {
		t.Fatal("missing ID accepted")
	}
}

func TestPostgresStoreCreateDatabaseError(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO interrupts").
		WillReturnError(errors.New("connection refused"))

	err := store.Create(context.Background(), &models.PendingInterrupt{
		ID: "i1", ThreadID: "t1", Kind: models.InterruptApproval,
		Status: models.InterruptPending, CreatedAt: time.Now(),
	})
	if err == nil || !strings.Contains(err.Error(), "create interrupt") {
		t.Fatalf("err = %v", err)
	}
}

func TestPostgresStoreGet(t *testing.T) {
	store, mock := newMockStore(t)

	toolCall, _ := json.Marshal(models.ToolCall{ID: "c1", Name: "deploy", Input: []byte(`{"env":"prod"}`)})
	response, _ := json.Marshal(models.InterruptResponse{Action: models.ActionAccept})
	created := time.Now().Add(-time.Minute)
	expires := time.Now().Add(4 * time.Minute)

	mock.ExpectQuery("SELECT (.+) FROM interrupts WHERE thread_id").
		WithArgs("t1", "i1").
		WillReturnRows(sqlmock.NewRows(interruptColumns()).
			AddRow("i1", "t1", "r1", "approval", toolCall, "", nil, "resolved", response, created, expires))

	got, err := store.Get(context.Background(), "t1", "i1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Kind != models.InterruptApproval || got.Status != models.InterruptResolved {
		t.Errorf("got kind=%s status=%s", got.Kind, got.Status)
	}
	if got.ToolCall == nil || got.ToolCall.Name != "deploy" {
		t.Errorf("tool call = %+v", got.ToolCall)
	}
	if got.Response == nil || got.Response.Action != models.ActionAccept {
		t.Errorf("response = %+v", got.Response)
	}
	if got.ExpiresAt.IsZero() {
		t.Error("expires_at not scanned")
	}
}

func TestPostgresStoreGetNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT (.+) FROM interrupts WHERE thread_id").
		WithArgs("t1", "missing").
		WillReturnError(sql.ErrNoRows)

	if _, err := store.Get(context.Background(), "t1", "missing"); !errors.Is(err, ErrInterruptNotFound) {
		t.Fatalf("err = %v, want ErrInterruptNotFound", err)
	}
}

func TestPostgresStoreResolve(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("UPDATE interrupts SET status").
		WithArgs("resolved", sqlmock.AnyArg(), sqlmock.AnyArg(), "t1", "i1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.Resolve(context.Background(), "t1", "i1", models.InterruptResolved,
		&models.InterruptResponse{Action: models.ActionAccept})
	if err != nil {
		t.Fatal(err)
	}
}

func TestPostgresStoreResolveAlreadyResolved(t *testing.T) {
	store, mock := newMockStore(t)

	// Zero rows updated, but the row exists: already resolved.
	mock.ExpectExec("UPDATE interrupts SET status").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT (.+) FROM interrupts WHERE thread_id").
		WillReturnRows(sqlmock.NewRows(interruptColumns()).
			AddRow("i1", "t1", "", "approval", nil, "", nil, "resolved", nil, time.Now(), nil))

	err := store.Resolve(context.Background(), "t1", "i1", models.InterruptCanceled, nil)
	if !errors.Is(err, ErrInterruptResolved) {
		t.Fatalf("err = %v, want ErrInterruptResolved", err)
	}
}

func TestPostgresStoreResolveNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE interrupts SET status").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT (.+) FROM interrupts WHERE thread_id").
		WillReturnError(sql.ErrNoRows)

	err := store.Resolve(context.Background(), "t1", "missing", models.InterruptResolved, nil)
	if !errors.Is(err, ErrInterruptNotFound) {
		t.Fatalf("err = %v, want ErrInterruptNotFound", err)
	}
}

func TestPostgresStoreListPending(t *testing.T) {
	store, mock := newMockStore(t)

	rows := sqlmock.NewRows(interruptColumns()).
		AddRow("i1", "t1", "", "approval", nil, "", nil, "pending", nil, time.Now().Add(-2*time.Minute), nil).
		AddRow("i2", "t2", "", "question", nil, "Which region?", nil, "pending", nil, time.Now(), nil)
	mock.ExpectQuery("SELECT (.+) FROM interrupts WHERE status = 'pending'").
		WillReturnRows(rows)

	got, err := store.ListPending(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d interrupts, want 2", len(got))
	}
	if got[1].Kind != models.InterruptQuestion || got[1].Question != "Which region?" {
		t.Errorf("second row = %+v", got[1])
	}
}

func TestPostgresStoreDeleteExpired(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("DELETE FROM interrupts").
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 3))

	removed, err := store.DeleteExpired(context.Background(), time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if removed != 3 {
		t.Errorf("removed = %d, want 3", removed)
	}
}
