package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/sakif/mojo-kernel/internal/apperror"
	"github.com/sakif/mojo-kernel/internal/model"
	"github.com/sakif/mojo-kernel/internal/repository"
)

// newTestDB opens a fresh in-memory database that is closed when the test
// ends.
func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(":memory:")
	if err != nil {
		t.Fatalf("failed to create test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func createTestSession(t *testing.T, db *DB, owner string) *model.Session {
	t.Helper()
	s := &model.Session{Owner: owner, Engine: model.EngineServer}
	if err := db.CreateSession(context.Background(), s); err != nil {
		t.Fatalf("failed to create test session: %v", err)
	}
	return s
}

func TestMigrate_Idempotent(t *testing.T) {
	db := newTestDB(t)
	if err := db.migrate(); err != nil {
		t.Fatalf("second migrate() error = %v", err)
	}
}

func TestNew_ForeignKeysOnEveryConnection(t *testing.T) {
	db, err := New(filepath.Join(t.TempDir(), "kernel.db"))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer db.Close()

	// Hold several connections at once so the pool has to open new ones.
	ctx := context.Background()
	var conns []*sql.Conn
	for i := 0; i < 3; i++ {
		c, err := db.conn.Conn(ctx)
		if err != nil {
			t.Fatalf("Conn() error = %v", err)
		}
		defer c.Close()
		conns = append(conns, c)
	}

	for i, c := range conns {
		var on int
		if err := c.QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&on); err != nil {
			t.Fatalf("connection %d: PRAGMA foreign_keys error = %v", i, err)
		}
		if on != 1 {
			t.Errorf("connection %d: foreign_keys = %d, want 1", i, on)
		}
	}

	err = db.AddExecution(ctx, &model.Execution{SessionID: "missing", ExecutionCount: 1, Code: "print(1)", Status: "ok"})
	if err == nil {
		t.Error("AddExecution() for an unknown session succeeded on a file database")
	}
}

// =========================================================================
// SESSION TESTS
// =========================================================================

func TestCreateSession(t *testing.T) {
	db := newTestDB(t)
	s := createTestSession(t, db, "notebook-1")

	if s.ID == "" {
		t.Error("CreateSession() did not set ID")
	}
	if s.CreatedAt.IsZero() {
		t.Error("CreateSession() did not set CreatedAt")
	}

	got, err := db.GetSession(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if got.Owner != "notebook-1" || got.Engine != model.EngineServer {
		t.Errorf("GetSession() = %+v", got)
	}
	if got.ClosedAt != nil {
		t.Errorf("new session has ClosedAt = %v", got.ClosedAt)
	}
}

func TestCreateSession_KeepsGivenID(t *testing.T) {
	db := newTestDB(t)
	s := &model.Session{ID: "cv37rs3pp9olc6atsptg", Owner: "a", Engine: model.EnginePTY}
	if err := db.CreateSession(context.Background(), s); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if s.ID != "cv37rs3pp9olc6atsptg" {
		t.Errorf("ID = %q, want the given one", s.ID)
	}
}

func TestGetSession_NotFound(t *testing.T) {
	db := newTestDB(t)

	_, err := db.GetSession(context.Background(), "missing")
	if !errors.Is(err, apperror.ErrNotFound) {
		t.Errorf("GetSession() error = %v, want ErrNotFound", err)
	}
}

func TestListSessions_FiltersByOwner(t *testing.T) {
	db := newTestDB(t)
	createTestSession(t, db, "alice")
	createTestSession(t, db, "alice")
	createTestSession(t, db, "bob")

	got, err := db.ListSessions(context.Background(), "alice", repository.ListOptions{})
	if err != nil {
		t.Fatalf("ListSessions() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ListSessions() returned %d sessions, want 2", len(got))
	}
	for _, s := range got {
		if s.Owner != "alice" {
			t.Errorf("session %s has owner %q", s.ID, s.Owner)
		}
	}

	got, err = db.ListSessions(context.Background(), "alice", repository.ListOptions{Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("ListSessions() error = %v", err)
	}
	if len(got) != 1 {
		t.Errorf("paged ListSessions() returned %d sessions, want 1", len(got))
	}
}

func TestCloseSession(t *testing.T) {
	db := newTestDB(t)
	s := createTestSession(t, db, "alice")
	ctx := context.Background()

	first := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := db.CloseSession(ctx, s.ID, first); err != nil {
		t.Fatalf("CloseSession() error = %v", err)
	}
	if err := db.CloseSession(ctx, s.ID, first.Add(time.Hour)); err != nil {
		t.Fatalf("second CloseSession() error = %v", err)
	}

	got, err := db.GetSession(ctx, s.ID)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if got.ClosedAt == nil || !got.ClosedAt.Equal(first) {
		t.Errorf("ClosedAt = %v, want %v", got.ClosedAt, first)
	}

	if err := db.CloseSession(ctx, "missing", first); !errors.Is(err, apperror.ErrNotFound) {
		t.Errorf("CloseSession(missing) error = %v, want ErrNotFound", err)
	}
}

// =========================================================================
// HISTORY TESTS
// =========================================================================

func TestAddAndListExecutions(t *testing.T) {
	db := newTestDB(t)
	s := createTestSession(t, db, "alice")
	ctx := context.Background()

	entries := []*model.Execution{
		{SessionID: s.ID, ExecutionCount: 1, Code: "set x = 77", Status: "ok"},
		{SessionID: s.ID, ExecutionCount: 2, Code: "print(x)", Status: "ok", Stdout: "77\n", DurationMs: 12},
		{
			SessionID: s.ID, ExecutionCount: 3, Code: "print(y)", Status: "error",
			ErrorName: "MojoError", ErrorValue: "use of unknown declaration 'y'",
			Traceback: []string{"error: use of unknown declaration 'y'", "print(y)"},
		},
	}
	for _, e := range entries {
		if err := db.AddExecution(ctx, e); err != nil {
			t.Fatalf("AddExecution() error = %v", err)
		}
		if e.ID == "" {
			t.Error("AddExecution() did not set ID")
		}
	}

	got, err := db.ListExecutions(ctx, s.ID, repository.ListOptions{})
	if err != nil {
		t.Fatalf("ListExecutions() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("ListExecutions() returned %d entries, want 3", len(got))
	}
	for i, e := range got {
		if e.ExecutionCount != i+1 {
			t.Errorf("entry %d has count %d", i, e.ExecutionCount)
		}
	}
	if got[1].Stdout != "77\n" || got[1].DurationMs != 12 {
		t.Errorf("entry 2 = %+v", got[1])
	}
	if got[0].Traceback != nil {
		t.Errorf("entry 1 traceback = %v, want nil", got[0].Traceback)
	}
	if len(got[2].Traceback) != 2 || got[2].Traceback[1] != "print(y)" {
		t.Errorf("entry 3 traceback = %v", got[2].Traceback)
	}

	paged, err := db.ListExecutions(ctx, s.ID, repository.ListOptions{Limit: 2, Offset: 1})
	if err != nil {
		t.Fatalf("ListExecutions() error = %v", err)
	}
	if len(paged) != 2 || paged[0].ExecutionCount != 2 {
		t.Errorf("paged ListExecutions() = %+v", paged)
	}
}

func TestAddExecution_UnknownSession(t *testing.T) {
	db := newTestDB(t)

	err := db.AddExecution(context.Background(), &model.Execution{SessionID: "missing", Code: "x", Status: "ok"})
	if err == nil {
		t.Error("AddExecution() for unknown session succeeded, want foreign key error")
	}
}
