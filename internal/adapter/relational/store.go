// Package relational loads partitions into PostgreSQL or SQLite through GORM:
// a calendar dimension, the hourly fact table, and one table per domain view.
package relational

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/couchcryptid/weather-domain-etl/internal/domain"
)

// StoreName identifies this target in load outcomes and metrics.
const StoreName = "relational"

var (
	timeColumn = clause.Column{Name: domain.ColTime}
	timeOrder  = clause.OrderByColumn{Column: timeColumn}
)

// batchSize keeps multi-row inserts under SQLite's bound-parameter limit.
const batchSize = 250

// Store is the relational load target.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// Open connects with the named driver ("postgres" or "sqlite").
func Open(driver, dsn string, logger *slog.Logger) (*Store, error) {
	var dialector gorm.Dialector
	switch driver {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported relational driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:                 gormlogger.Discard,
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, NewError(fmt.Errorf("open %s: %w", driver, err))
	}
	return New(db, logger), nil
}

// New wraps an existing GORM handle.
func New(db *gorm.DB, logger *slog.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// Name implements the loader's store contract.
func (s *Store) Name() string { return StoreName }

// Migrate creates or updates every table, including the fact-to-calendar
// foreign key.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(models()...); err != nil {
		return NewError(fmt.Errorf("migrate: %w", err))
	}
	return nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return NewError(err)
	}
	return NewError(sqlDB.PingContext(ctx))
}

// Close releases the connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Load upserts the partition in a single transaction: the calendar days it
// touches, the fact rows, then each view. The schema is verified before any
// write. Rows are keyed by time, so reloading a range is idempotent.
func (s *Store) Load(ctx context.Context, p domain.Partition) error {
	if err := p.Validate(); err != nil {
		return domain.NewStoreError(StoreName, domain.KindSchema, false, err)
	}
	if p.Len() == 0 {
		return nil
	}

	start := time.Now()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := checkSchema(tx); err != nil {
			return err
		}
		if err := upsert(tx, calendarRows(p.Fact), "date_key"); err != nil {
			return fmt.Errorf("upsert %s: %w", tableCalendar, err)
		}
		if err := upsert(tx, factRows(p.Fact), domain.ColTime); err != nil {
			return fmt.Errorf("upsert %s: %w", tableFact, err)
		}
		if err := upsert(tx, solarRows(p.Solar), domain.ColTime); err != nil {
			return fmt.Errorf("upsert %s: %w", tableSolar, err)
		}
		if err := upsert(tx, agriculturalRows(p.Agricultural), domain.ColTime); err != nil {
			return fmt.Errorf("upsert %s: %w", tableAgricultural, err)
		}
		if err := upsert(tx, marineWindRows(p.MarineWind), domain.ColTime); err != nil {
			return fmt.Errorf("upsert %s: %w", tableMarineWind, err)
		}
		return nil
	})
	if err != nil {
		return NewError(err)
	}

	s.logger.Debug("relational load committed", "rows", p.Len(), "duration", time.Since(start))
	return nil
}

func upsert[T any](tx *gorm.DB, rows []T, key string) error {
	if len(rows) == 0 {
		return nil
	}
	return tx.Omit(clause.Associations).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: key}},
			UpdateAll: true,
		}).
		CreateInBatches(rows, batchSize).Error
}

// checkSchema fails with a SchemaError when a table or column is missing.
func checkSchema(tx *gorm.DB) error {
	m := tx.Migrator()
	for _, model := range models() {
		table := model.(interface{ TableName() string }).TableName()
		if !m.HasTable(table) {
			return domain.NewStoreError(StoreName, domain.KindSchema, false,
				fmt.Errorf("table %s does not exist", table))
		}
		for _, col := range expectedColumns[table] {
			if !m.HasColumn(table, col) {
				return domain.NewStoreError(StoreName, domain.KindSchema, false,
					fmt.Errorf("table %s has no column %s", table, col))
			}
		}
	}
	return nil
}

// Keys returns the stored keys of a logical table within [from, to], ascending.
func (s *Store) Keys(ctx context.Context, table string, from, to time.Time) ([]time.Time, error) {
	physical, ok := TableNames[table]
	if !ok {
		return nil, fmt.Errorf("unknown table %q", table)
	}
	var keys []time.Time
	err := s.db.WithContext(ctx).
		Table(physical).
		Where("? BETWEEN ? AND ?", timeColumn, from.UTC(), to.UTC()).
		Order(timeOrder).
		Pluck(domain.ColTime, &keys).Error
	if err != nil {
		return nil, NewError(err)
	}
	for i := range keys {
		keys[i] = keys[i].UTC()
	}
	return keys, nil
}

// Facts returns the stored fact records within [from, to], ascending.
func (s *Store) Facts(ctx context.Context, from, to time.Time) ([]domain.FactRecord, error) {
	var rows []factRow
	err := s.db.WithContext(ctx).
		Where("? BETWEEN ? AND ?", timeColumn, from.UTC(), to.UTC()).
		Order(timeOrder).
		Find(&rows).Error
	if err != nil {
		return nil, NewError(err)
	}
	out := make([]domain.FactRecord, len(rows))
	for i, r := range rows {
		out[i] = r.FactRecord
		out[i].Time = r.Time.UTC()
	}
	return out, nil
}

// CalendarKeys returns the stored calendar dimension keys, ascending.
func (s *Store) CalendarKeys(ctx context.Context) ([]int, error) {
	var keys []int
	if err := s.db.WithContext(ctx).Model(&calendarRow{}).Order("date_key").Pluck("date_key", &keys).Error; err != nil {
		return nil, NewError(err)
	}
	return keys, nil
}
