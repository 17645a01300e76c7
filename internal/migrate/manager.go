// Package migrate applies the Postgres schema backing the document store.
package migrate

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"sort"
	"strings"
	"time"

	"nutriguard.org/internal/obs"
)

//go:embed sql/*.sql
var embedded embed.FS

// Migrations returns the schema migrations compiled into the binary.
func Migrations() fs.FS {
	sub, err := fs.Sub(embedded, "sql")
	if err != nil {
		panic(err)
	}
	return sub
}

// DefaultTable records applied migrations and seeds.
const DefaultTable = "nutriguard_schema"

// Kinds of bookkeeping rows.
const (
	KindMigration = "migration"
	KindSeed      = "seed"
)

var ErrNothingApplied = errors.New("migrate: no migrations applied")

// Step is one SQL file.
type Step struct {
	Kind string
	Name string
	path string
}

// Applied is a bookkeeping row.
type Applied struct {
	Kind      string
	Name      string
	AppliedAt time.Time
}

// Manager runs SQL files from two file systems: migrations (usually
// Migrations()) and optional seeds (usually os.DirFS). Every file runs in
// one transaction together with its bookkeeping row.
type Manager struct {
	db         *sql.DB
	migrations fs.FS
	seeds      fs.FS
	table      string
	now        func() time.Time
	logger     *slog.Logger
}

// Option configures Manager.
type Option func(*Manager)

// WithTable overrides DefaultTable.
func WithTable(name string) Option {
	return func(m *Manager) {
		if name = strings.TrimSpace(name); name != "" {
			m.table = name
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager constructs a Manager. A nil seeds FS disables seeding.
func NewManager(db *sql.DB, migrations, seeds fs.FS, opts ...Option) *Manager {
	m := &Manager{
		db:         db,
		migrations: migrations,
		seeds:      seeds,
		table:      DefaultTable,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = obs.ResolveLogger(m.logger)
	return m
}

// Pending lists migrations not yet applied, in name order.
func (m *Manager) Pending(ctx context.Context) ([]Step, error) {
	return m.pending(ctx, KindMigration, m.migrations, ".up.sql")
}

// Up applies all pending migrations and returns how many ran.
func (m *Manager) Up(ctx context.Context) (int, error) {
	steps, err := m.Pending(ctx)
	if err != nil {
		return 0, err
	}
	for i, step := range steps {
		if err := m.apply(ctx, m.migrations, step); err != nil {
			return i, fmt.Errorf("apply migration %s: %w", step.Name, err)
		}
	}
	return len(steps), nil
}

// Seed applies pending seed files and returns how many ran.
func (m *Manager) Seed(ctx context.Context) (int, error) {
	steps, err := m.pending(ctx, KindSeed, m.seeds, ".sql")
	if err != nil {
		return 0, err
	}
	for i, step := range steps {
		if err := m.apply(ctx, m.seeds, step); err != nil {
			return i, fmt.Errorf("apply seed %s: %w", step.Name, err)
		}
	}
	return len(steps), nil
}

// Down rolls back the most recently applied migration and returns its name.
func (m *Manager) Down(ctx context.Context) (string, error) {
	history, err := m.Status(ctx)
	if err != nil {
		return "", err
	}
	var last *Applied
	for i := range history {
		if history[i].Kind == KindMigration {
			last = &history[i]
		}
	}
	if last == nil {
		return "", ErrNothingApplied
	}
	downName := strings.TrimSuffix(last.Name, ".up.sql") + ".down.sql"
	files, err := collectSQL(m.migrations, ".down.sql")
	if err != nil {
		return "", err
	}
	idx := sort.Search(len(files), func(i int) bool { return files[i].Name >= downName })
	if idx == len(files) || files[idx].Name != downName {
		return "", fmt.Errorf("migrate: missing %s", downName)
	}

	err = m.inTx(ctx, func(tx *sql.Tx) error {
		if err := execScript(ctx, tx, m.migrations, files[idx].path); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			fmt.Sprintf(`delete from %s where kind = $1 and name = $2`, m.table),
			KindMigration, last.Name)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("rollback migration %s: %w", last.Name, err)
	}
	m.logger.Info("migration rolled back",
		"event", "migration_rolled_back",
		"module", "migrate",
		"name", last.Name,
	)
	return last.Name, nil
}

// Status returns every bookkeeping row, oldest first.
func (m *Manager) Status(ctx context.Context) ([]Applied, error) {
	if err := m.ensureTable(ctx); err != nil {
		return nil, err
	}
	rows, err := m.db.QueryContext(ctx,
		fmt.Sprintf(`select kind, name, applied_at from %s order by applied_at asc, name asc`, m.table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Applied
	for rows.Next() {
		var a Applied
		if err := rows.Scan(&a.Kind, &a.Name, &a.AppliedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (m *Manager) pending(ctx context.Context, kind string, fsys fs.FS, suffix string) ([]Step, error) {
	history, err := m.Status(ctx)
	if err != nil {
		return nil, err
	}
	done := make(map[string]bool, len(history))
	for _, a := range history {
		if a.Kind == kind {
			done[a.Name] = true
		}
	}
	files, err := collectSQL(fsys, suffix)
	if err != nil {
		return nil, err
	}
	var out []Step
	for _, f := range files {
		if kind == KindSeed && strings.HasSuffix(f.Name, ".down.sql") {
			continue
		}
		if !done[f.Name] {
			f.Kind = kind
			out = append(out, f)
		}
	}
	return out, nil
}

func (m *Manager) apply(ctx context.Context, fsys fs.FS, step Step) error {
	err := m.inTx(ctx, func(tx *sql.Tx) error {
		if err := execScript(ctx, tx, fsys, step.path); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			fmt.Sprintf(`insert into %s(kind, name, applied_at) values ($1, $2, $3)`, m.table),
			step.Kind, step.Name, m.now().UTC())
		return err
	})
	if err != nil {
		return err
	}
	m.logger.Info("migration applied",
		"event", "migration_applied",
		"module", "migrate",
		"kind", step.Kind,
		"name", step.Name,
	)
	return nil
}

func (m *Manager) ensureTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, fmt.Sprintf(`
		create table if not exists %s (
			kind text not null,
			name text not null,
			applied_at timestamptz not null default now(),
			primary key (kind, name)
		)`, m.table))
	if err != nil {
		return fmt.Errorf("migrate: ensure %s: %w", m.table, err)
	}
	return nil
}

func (m *Manager) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func execScript(ctx context.Context, tx *sql.Tx, fsys fs.FS, name string) error {
	raw, err := fs.ReadFile(fsys, name)
	if err != nil {
		return err
	}
	for _, stmt := range splitStatements(string(raw)) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func collectSQL(fsys fs.FS, suffix string) ([]Step, error) {
	if fsys == nil {
		return nil, nil
	}
	var files []Step
	err := fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), suffix) {
			files = append(files, Step{Name: path.Base(p), path: p})
		}
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

// splitStatements splits a script on semicolons outside single-quoted
// strings and "--" line comments. Comments are dropped.
func splitStatements(script string) []string {
	var (
		out      []string
		cur      strings.Builder
		inString bool
	)
	flush := func() {
		if stmt := strings.TrimSpace(cur.String()); stmt != "" {
			out = append(out, stmt)
		}
		cur.Reset()
	}
	for _, line := range strings.Split(script, "\n") {
		for i := 0; i < len(line); i++ {
			c := line[i]
			if !inString && c == '-' && i+1 < len(line) && line[i+1] == '-' {
				break
			}
			switch {
			case c == '\'':
				inString = !inString
				cur.WriteByte(c)
			case c == ';' && !inString:
				flush()
			default:
				cur.WriteByte(c)
			}
		}
		cur.WriteByte('\n')
	}
	flush()
	return out
}
