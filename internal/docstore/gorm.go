package docstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"nutriguard.org/internal/ids"
)

type documentRow struct {
	Collection string `gorm:"primaryKey;size:128"`
	ID         string `gorm:"primaryKey;size:128"`
	Data       string `gorm:"not null"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (documentRow) TableName() string { return "documents" }

// GormStore keeps documents in the same documents table through gorm, on
// either Postgres or SQLite.
type GormStore struct {
	db     *gorm.DB
	sqlite bool
	now    func() time.Time
}

var _ Store = (*GormStore)(nil)

// OpenGormPostgres connects through gorm's postgres driver.
func OpenGormPostgres(dsn string) (*GormStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		return nil, fmt.Errorf("open gorm postgres: %w", err)
	}
	return NewGormStore(db), nil
}

// OpenGormSQLite opens (or creates) a SQLite database and migrates the documents table.
func OpenGormSQLite(path string) (*GormStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		return nil, fmt.Errorf("open gorm sqlite: %w", err)
	}
	s := NewGormStore(db)
	if err := s.AutoMigrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewGormStore wraps an open gorm handle.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db, sqlite: db.Dialector.Name() == "sqlite", now: time.Now}
}

// AutoMigrate creates the documents table. Postgres deployments use cmd/migrate instead.
func (s *GormStore) AutoMigrate() error {
	if err := s.db.AutoMigrate(&documentRow{}); err != nil {
		return fmt.Errorf("migrate documents: %w", err)
	}
	return nil
}

// Close releases the underlying pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *GormStore) Get(ctx context.Context, collection, id string) (Document, error) {
	if err := validateKey(collection, id); err != nil {
		return Document{}, err
	}
	row, err := s.take(s.db.WithContext(ctx), collection, id)
	if err != nil {
		return Document{}, err
	}
	data, err := decode([]byte(row.Data))
	if err != nil {
		return Document{}, err
	}
	return Document{ID: id, Data: data}, nil
}

func (s *GormStore) Set(ctx context.Context, collection, id string, data map[string]any, opts SetOptions) error {
	if err := validateKey(collection, id); err != nil {
		return err
	}
	op := Op{Kind: OpSet, Collection: collection, ID: id, Data: data, Merge: opts.Merge}
	if !opts.Merge {
		return s.apply(s.db.WithContext(ctx), op)
	}
	return s.transaction(ctx, func(tx *gorm.DB) error { return s.apply(tx, op) })
}

func (s *GormStore) Add(ctx context.Context, collection string, data map[string]any) (string, error) {
	if collection == "" {
		return "", fmt.Errorf("%w: collection is required", ErrInvalid)
	}
	raw, err := encode(data, s.now())
	if err != nil {
		return "", err
	}
	row := documentRow{Collection: collection, ID: ids.New(), Data: string(raw)}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return "", s.translate("add", err)
	}
	return row.ID, nil
}

func (s *GormStore) Create(ctx context.Context, collection, id string, data map[string]any) (bool, error) {
	if err := validateKey(collection, id); err != nil {
		return false, err
	}
	raw, err := encode(data, s.now())
	if err != nil {
		return false, err
	}
	row := documentRow{Collection: collection, ID: id, Data: string(raw)}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "collection"}, {Name: "id"}},
		DoNothing: true,
	}).Create(&row)
	if res.Error != nil {
		return false, s.translate("create", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *GormStore) Delete(ctx context.Context, collection, id string) error {
	if err := validateKey(collection, id); err != nil {
		return err
	}
	return s.apply(s.db.WithContext(ctx), Op{Kind: OpDelete, Collection: collection, ID: id})
}

func (s *GormStore) Query(ctx context.Context, q Query) ([]Document, error) {
	if err := validateQuery(q); err != nil {
		return nil, err
	}
	now := s.now()
	tx := s.db.WithContext(ctx).Model(&documentRow{}).Where("collection = ?", q.Collection)
	for _, f := range q.Filters {
		if n, ok := numericFilter(f.Value, now); ok && !s.sqlite {
			tx = tx.Where(fmt.Sprintf(`jsonb_typeof((data::jsonb) -> ?::text) = 'number' AND ((data::jsonb) -> ?::text) %s to_jsonb(?::numeric)`, pgOp(f.Op)),
				f.Field, f.Field, n)
			continue
		}
		tx = tx.Where(fmt.Sprintf("%s %s ?", s.extract(), pgOp(f.Op)), s.path(f.Field), s.filterArg(f.Value, now))
	}
	if q.OrderBy != nil {
		dir := "ASC"
		if q.OrderBy.Desc {
			dir = "DESC"
		}
		tx = tx.Where(s.extract()+" IS NOT NULL", s.path(q.OrderBy.Field)).
			Order(clause.OrderBy{Expression: clause.Expr{
				SQL:  fmt.Sprintf("%s %s, id %s", s.extract(), dir, dir),
				Vars: []any{s.path(q.OrderBy.Field)},
			}})
	} else {
		tx = tx.Order("id ASC")
	}
	if q.Limit > 0 {
		tx = tx.Limit(q.Limit)
	}

	var rows []documentRow
	if err := tx.Find(&rows).Error; err != nil {
		return nil, s.translate("query", err)
	}
	out := make([]Document, 0, len(rows))
	for _, row := range rows {
		data, err := decode([]byte(row.Data))
		if err != nil {
			return nil, err
		}
		out = append(out, Document{ID: row.ID, Data: data})
	}
	return out, nil
}

// Commit runs the batch in one gorm transaction.
func (s *GormStore) Commit(ctx context.Context, b *Batch) error {
	ops := b.Ops()
	if len(ops) == 0 {
		return nil
	}
	return s.transaction(ctx, func(tx *gorm.DB) error {
		for _, op := range ops {
			if err := validateKey(op.Collection, op.ID); err != nil {
				return err
			}
			if err := s.apply(tx, op); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return unavailable("ping", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (s *GormStore) transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	err := s.db.WithContext(ctx).Transaction(fn)
	if err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalid) ||
		errors.Is(err, ErrUnavailable) || errors.Is(err, ErrConflict) {
		return err
	}
	return s.translate("commit", err)
}

func (s *GormStore) apply(tx *gorm.DB, op Op) error {
	switch op.Kind {
	case OpDelete:
		if err := tx.Where("collection = ? AND id = ?", op.Collection, op.ID).Delete(&documentRow{}).Error; err != nil {
			return s.translate("delete", err)
		}
		return nil
	case OpSet, OpUpdate:
	default:
		return fmt.Errorf("%w: unknown batch op %d", ErrInvalid, op.Kind)
	}

	body := op.Data
	if op.Merge || op.Kind == OpUpdate {
		existing, err := s.take(tx, op.Collection, op.ID)
		switch {
		case err == nil:
			current, err := decode([]byte(existing.Data))
			if err != nil {
				return err
			}
			for k, v := range op.Data {
				current[k] = v
			}
			body = current
		case errors.Is(err, ErrNotFound) && op.Kind == OpSet:
		case errors.Is(err, ErrNotFound):
			return fmt.Errorf("%w: %s/%s", ErrNotFound, op.Collection, op.ID)
		default:
			return err
		}
	}

	raw, err := encode(body, s.now())
	if err != nil {
		return err
	}
	row := documentRow{Collection: op.Collection, ID: op.ID, Data: string(raw)}
	err = tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "collection"}, {Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"data", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return s.translate("set", err)
	}
	return nil
}

func (s *GormStore) take(tx *gorm.DB, collection, id string) (documentRow, error) {
	var row documentRow
	err := tx.Where("collection = ? AND id = ?", collection, id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return documentRow{}, ErrNotFound
	}
	if err != nil {
		return documentRow{}, s.translate("get", err)
	}
	return row, nil
}

// extract returns the dialect's JSON field accessor with one placeholder for the path.
func (s *GormStore) extract() string {
	if s.sqlite {
		return "json_extract(data, ?)"
	}
	return `((data::jsonb) ->> ?::text) COLLATE "C"`
}

func (s *GormStore) path(field string) string {
	if s.sqlite {
		return "$." + field
	}
	return field
}

// filterArg matches the type json_extract yields on SQLite; Postgres compares
// non-numeric values as text.
func (s *GormStore) filterArg(v any, now time.Time) any {
	if !s.sqlite {
		return filterText(v, now)
	}
	switch tv := normalizeValue(v, now).(type) {
	case bool:
		if tv {
			return 1
		}
		return 0
	default:
		return tv
	}
}

func (s *GormStore) translate(op string, err error) error {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%w: %s: %v", ErrConflict, op, err)
	}
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
		return fmt.Errorf("%w: %s: %s", ErrConflict, op, pgErr.Message)
	}
	return unavailable(op, err)
}
