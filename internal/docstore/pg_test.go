package docstore

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
)

func newMockPG(t *testing.T) (*PGStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	store := NewPGStore(db)
	store.now = func() time.Time { return time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC) }
	return store, mock
}

func TestPGStoreGet(t *testing.T) {
	store, mock := newMockPG(t)
	mock.ExpectQuery(regexp.QuoteMeta(`select data from documents where collection = $1 and id = $2`)).
		WithArgs("user_roles", "u1").
		WillReturnRows(sqlmock.NewRows([]string{"data"}).AddRow([]byte(`{"role":"editor","level":2}`)))
	mock.ExpectQuery(regexp.QuoteMeta(`select data from documents`)).
		WithArgs("user_roles", "u2").
		WillReturnError(sql.ErrNoRows)

	doc, err := store.Get(context.Background(), "user_roles", "u1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if doc.String("role") != "editor" || doc.Data["level"] != float64(2) {
		t.Fatalf("unexpected document: %v", doc.Data)
	}
	if _, err := store.Get(context.Background(), "user_roles", "u2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGStoreSetMergeUsesJSONBConcat(t *testing.T) {
	store, mock := newMockPG(t)
	mock.ExpectExec(regexp.QuoteMeta(`data = documents.data || excluded.data`)).
		WithArgs("user_roles", "u1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`set data = excluded.data`)).
		WithArgs("secure", "d1", []byte(`{"encrypted_at":"2026-02-03T04:05:06.000000000Z"}`)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ctx := context.Background()
	if err := store.Set(ctx, "user_roles", "u1", map[string]any{"role": "admin"}, SetOptions{Merge: true}); err != nil {
		t.Fatalf("Set merge: %v", err)
	}
	if err := store.Set(ctx, "secure", "d1", map[string]any{"encrypted_at": ServerTimestamp}, SetOptions{}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGStoreCommitRollsBackOnMissingUpdate(t *testing.T) {
	store, mock := newMockPG(t)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`delete from documents where collection = $1 and id = $2`)).
		WithArgs("users", "u1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`update documents set data = data || $3::jsonb`)).
		WithArgs("audit_logs", "log-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	batch := NewBatch().
		Delete("users", "u1").
		Update("audit_logs", "log-1", map[string]any{"userDeleted": true})
	if err := store.Commit(context.Background(), batch); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGStoreCommit(t *testing.T) {
	store, mock := newMockPG(t)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`delete from documents`)).WithArgs("users", "u1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`delete from documents`)).WithArgs("user_roles", "u1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`update documents`)).WithArgs("audit_logs", "log-1", sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	batch := NewBatch().
		Delete("users", "u1").
		Delete("user_roles", "u1").
		Update("audit_logs", "log-1", map[string]any{"userDeleted": true, "deletedAt": ServerTimestamp})
	if err := store.Commit(context.Background(), batch); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestBuildPGQuery(t *testing.T) {
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	stmt, args, err := buildPGQuery(Query{
		Collection: "audit_logs",
		Filters: []Filter{
			{Field: "eventType", Op: "==", Value: "login_failed"},
			{Field: "timestamp", Op: ">=", Value: at},
			{Field: "userDeleted", Op: "==", Value: false},
		},
		OrderBy: &OrderBy{Field: "timestamp", Desc: true},
		Limit:   50,
	}, at)
	if err != nil {
		t.Fatalf("buildPGQuery: %v", err)
	}
	for _, want := range []string{
		`(data->>$2::text) collate "C" = $3::text`,
		`(data->>$4::text) collate "C" >= $5::text`,
		`order by (data->>$8::text) collate "C" desc, id desc`,
		`limit $9`,
	} {
		if !strings.Contains(stmt, want) {
			t.Fatalf("statement missing %q:\n%s", want, stmt)
		}
	}
	wantArgs := []any{"audit_logs", "eventType", "login_failed", "timestamp", "2026-01-01T00:00:00.000000000Z", "userDeleted", "false", "timestamp", 50}
	if len(args) != len(wantArgs) {
		t.Fatalf("args = %v", args)
	}
	for i := range wantArgs {
		if args[i] != wantArgs[i] {
			t.Fatalf("arg %d = %v, want %v", i, args[i], wantArgs[i])
		}
	}
}

func TestBuildPGQueryComparesNumbersNumerically(t *testing.T) {
	stmt, args, err := buildPGQuery(Query{Collection: "user_roles"}.Where("level", ">=", 2), time.Now())
	if err != nil {
		t.Fatalf("buildPGQuery: %v", err)
	}
	want := `jsonb_typeof(data->$2::text) = 'number' and (data->$2::text) >= to_jsonb($3::numeric)`
	if !strings.Contains(stmt, want) {
		t.Fatalf("statement missing %q:\n%s", want, stmt)
	}
	if strings.Contains(stmt, `collate "C" >=`) {
		t.Fatalf("numeric filter compared as text:\n%s", stmt)
	}
	if len(args) != 3 || args[1] != "level" || args[2] != float64(2) {
		t.Fatalf("args = %v", args)
	}
}

func TestPGStoreCreateDoesNotOverwrite(t *testing.T) {
	store, mock := newMockPG(t)
	mock.ExpectExec(regexp.QuoteMeta(`on conflict (collection, id) do nothing`)).
		WithArgs("user_emails", "a@example.com", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`on conflict (collection, id) do nothing`)).
		WithArgs("user_emails", "a@example.com", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ctx := context.Background()
	created, err := store.Create(ctx, "user_emails", "a@example.com", map[string]any{"userId": "u1"})
	if err != nil || !created {
		t.Fatalf("Create = %v, %v", created, err)
	}
	created, err = store.Create(ctx, "user_emails", "a@example.com", map[string]any{"userId": "u2"})
	if err != nil || created {
		t.Fatalf("conflicting Create = %v, %v", created, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestTranslatePgError(t *testing.T) {
	err := translatePgError("add", &pgconn.PgError{Code: pgErrUniqueViolation, Message: "duplicate key"})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	err = translatePgError("query", errors.New("connection refused"))
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestPGStoreQueryFaultIsUnavailable(t *testing.T) {
	store, mock := newMockPG(t)
	mock.ExpectQuery(regexp.QuoteMeta(`select id, data from documents`)).WillReturnError(errors.New("conn reset"))
	_, err := store.Query(context.Background(), Query{Collection: "audit_logs"})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}
