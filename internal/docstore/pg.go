package docstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"nutriguard.org/internal/ids"
)

const (
	pgErrUniqueViolation = "23505"
	pgErrUndefinedTable  = "42P01"
)

// PGStore keeps documents in a Postgres jsonb table:
//
//	documents(collection text, id text, data jsonb, created_at, updated_at)
type PGStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ Store = (*PGStore)(nil)

// OpenPG opens a pgx-backed database/sql pool.
func OpenPG(dsn string) (*PGStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return NewPGStore(db), nil
}

// NewPGStore wraps an existing pool.
func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db, now: time.Now}
}

func (s *PGStore) Close() error { return s.db.Close() }

func (s *PGStore) DB() *sql.DB { return s.db }

func (s *PGStore) Get(ctx context.Context, collection, id string) (Document, error) {
	if err := validateKey(collection, id); err != nil {
		return Document{}, err
	}
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`select data from documents where collection = $1 and id = $2`, collection, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, translatePgError("get", err)
	}
	data, err := decode(raw)
	if err != nil {
		return Document{}, err
	}
	return Document{ID: id, Data: data}, nil
}

func (s *PGStore) Set(ctx context.Context, collection, id string, data map[string]any, opts SetOptions) error {
	if err := validateKey(collection, id); err != nil {
		return err
	}
	return s.exec(ctx, s.db, Op{Kind: OpSet, Collection: collection, ID: id, Data: data, Merge: opts.Merge})
}

func (s *PGStore) Add(ctx context.Context, collection string, data map[string]any) (string, error) {
	if collection == "" {
		return "", fmt.Errorf("%w: collection is required", ErrInvalid)
	}
	raw, err := encode(data, s.now())
	if err != nil {
		return "", err
	}
	id := ids.New()
	if _, err := s.db.ExecContext(ctx, `
		insert into documents (collection, id, data, created_at, updated_at)
		values ($1, $2, $3::jsonb, now(), now())
	`, collection, id, raw); err != nil {
		return "", translatePgError("add", err)
	}
	return id, nil
}

func (s *PGStore) Create(ctx context.Context, collection, id string, data map[string]any) (bool, error) {
	if err := validateKey(collection, id); err != nil {
		return false, err
	}
	raw, err := encode(data, s.now())
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `
		insert into documents (collection, id, data, created_at, updated_at)
		values ($1, $2, $3::jsonb, now(), now())
		on conflict (collection, id) do nothing
	`, collection, id, raw)
	if err != nil {
		return false, translatePgError("create", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, translatePgError("create", err)
	}
	return n == 1, nil
}

func (s *PGStore) Delete(ctx context.Context, collection, id string) error {
	if err := validateKey(collection, id); err != nil {
		return err
	}
	return s.exec(ctx, s.db, Op{Kind: OpDelete, Collection: collection, ID: id})
}

func (s *PGStore) Query(ctx context.Context, q Query) ([]Document, error) {
	stmt, args, err := buildPGQuery(q, s.now())
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, translatePgError("query", err)
	}
	defer rows.Close()

	var out []Document
	for rows.Next() {
		var (
			id  string
			raw []byte
		)
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, translatePgError("scan", err)
		}
		data, err := decode(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, Document{ID: id, Data: data})
	}
	if err := rows.Err(); err != nil {
		return nil, translatePgError("rows", err)
	}
	return out, nil
}

// Commit runs the batch in one transaction.
func (s *PGStore) Commit(ctx context.Context, b *Batch) error {
	ops := b.Ops()
	if len(ops) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return translatePgError("begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, op := range ops {
		if err := validateKey(op.Collection, op.ID); err != nil {
			return err
		}
		if err := s.exec(ctx, tx, op); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return translatePgError("commit", err)
	}
	return nil
}

func (s *PGStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return translatePgError("ping", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *PGStore) exec(ctx context.Context, db execer, op Op) error {
	switch op.Kind {
	case OpDelete:
		if _, err := db.ExecContext(ctx,
			`delete from documents where collection = $1 and id = $2`, op.Collection, op.ID); err != nil {
			return translatePgError("delete", err)
		}
		return nil
	case OpSet, OpUpdate:
	default:
		return fmt.Errorf("%w: unknown batch op %d", ErrInvalid, op.Kind)
	}

	raw, err := encode(op.Data, s.now())
	if err != nil {
		return err
	}
	if op.Kind == OpUpdate {
		res, err := db.ExecContext(ctx, `
			update documents set data = data || $3::jsonb, updated_at = now()
			where collection = $1 and id = $2
		`, op.Collection, op.ID, raw)
		if err != nil {
			return translatePgError("update", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return fmt.Errorf("%w: %s/%s", ErrNotFound, op.Collection, op.ID)
		}
		return nil
	}

	onConflict := `data = excluded.data`
	if op.Merge {
		onConflict = `data = documents.data || excluded.data`
	}
	if _, err := db.ExecContext(ctx, `
		insert into documents (collection, id, data, created_at, updated_at)
		values ($1, $2, $3::jsonb, now(), now())
		on conflict (collection, id) do update
		set `+onConflict+`, updated_at = now()
	`, op.Collection, op.ID, raw); err != nil {
		return translatePgError("set", err)
	}
	return nil
}

func buildPGQuery(q Query, now time.Time) (string, []any, error) {
	if err := validateQuery(q); err != nil {
		return "", nil, err
	}
	var (
		sb   strings.Builder
		args = []any{q.Collection}
	)
	sb.WriteString(`select id, data from documents where collection = $1`)
	for _, f := range q.Filters {
		if n, ok := numericFilter(f.Value, now); ok {
			args = append(args, f.Field, n)
			fmt.Fprintf(&sb, ` and jsonb_typeof(data->$%[1]d::text) = 'number' and (data->$%[1]d::text) %[2]s to_jsonb($%[3]d::numeric)`,
				len(args)-1, pgOp(f.Op), len(args))
			continue
		}
		args = append(args, f.Field, filterText(f.Value, now))
		fmt.Fprintf(&sb, ` and (data->>$%d::text) collate "C" %s $%d::text`, len(args)-1, pgOp(f.Op), len(args))
	}
	if q.OrderBy != nil {
		args = append(args, q.OrderBy.Field)
		dir := "asc"
		if q.OrderBy.Desc {
			dir = "desc"
		}
		fmt.Fprintf(&sb, ` and data ? $%d::text order by (data->>$%d::text) collate "C" %s, id %s`, len(args), len(args), dir, dir)
	} else {
		sb.WriteString(` order by id asc`)
	}
	if q.Limit > 0 {
		args = append(args, q.Limit)
		fmt.Fprintf(&sb, ` limit $%d`, len(args))
	}
	return sb.String(), args, nil
}

func pgOp(op string) string {
	if op == "==" {
		return "="
	}
	return op
}

func translatePgError(op string, err error) error {
	if pgErr, ok := maybePgError(err); ok {
		switch pgErr.Code {
		case pgErrUniqueViolation:
			return fmt.Errorf("%w: %s: %s", ErrConflict, op, pgErr.Message)
		case pgErrUndefinedTable:
			return fmt.Errorf("%w: %s: documents table missing, run migrations: %w", ErrUnavailable, op, err)
		}
	}
	return unavailable(op, err)
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}
