// Package runstore persists pipeline run metadata and asset
// materializations in SQLite.
package runstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/couchcryptid/weather-domain-etl/internal/domain"
)

type runRow struct {
	ID                 string                  `gorm:"column:id;primaryKey"`
	ParentID           string                  `gorm:"column:parent_id;index"`
	Trigger            string                  `gorm:"column:trigger"`
	Location           domain.Location         `gorm:"column:location;serializer:json"`
	RangeStart         time.Time               `gorm:"column:range_start"`
	RangeEnd           time.Time               `gorm:"column:range_end"`
	Status             string                  `gorm:"column:status;index"`
	FailedStage        string                  `gorm:"column:failed_stage"`
	Error              string                  `gorm:"column:error"`
	StartAsset         string                  `gorm:"column:start_asset"`
	StartedAt          time.Time               `gorm:"column:started_at;index"`
	FinishedAt         *time.Time              `gorm:"column:finished_at"`
	Rows               int                     `gorm:"column:rows"`
	DegradedColumns    []string                `gorm:"column:degraded_columns;serializer:json"`
	Warnings           []string                `gorm:"column:warnings;serializer:json"`
	Repair             []domain.VariableReport `gorm:"column:repair;serializer:json"`
	Stores             []domain.StoreOutcome   `gorm:"column:stores;serializer:json"`
	InconsistentStores []string                `gorm:"column:inconsistent_stores;serializer:json"`
	LeaseUntil         *time.Time              `gorm:"column:lease_until"`
}

func (runRow) TableName() string { return "runs" }

type materializationRow struct {
	RunID     string    `gorm:"column:run_id;primaryKey"`
	Asset     string    `gorm:"column:asset;primaryKey"`
	Path      string    `gorm:"column:path"`
	Bytes     int64     `gorm:"column:bytes"`
	Checksum  string    `gorm:"column:checksum"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

func (materializationRow) TableName() string { return "materializations" }

// Store is the run metadata repository.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// abandonedError is recorded on running rows whose lease ran out.
const abandonedError = "abandoned: lease expired"

// saveColumns are rewritten by Save. The lease belongs to Claim and Renew.
var saveColumns = []string{
	"parent_id", "trigger", "location", "range_start", "range_end", "status",
	"failed_stage", "error", "start_asset", "started_at", "finished_at", "rows",
	"degraded_columns", "warnings", "repair", "stores", "inconsistent_stores",
}

// Open opens (or creates) the SQLite database at path and migrates it.
// Transactions begin IMMEDIATE so claims from separate processes sharing the
// file serialize on the write lock.
func Open(path string, logger *slog.Logger) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path+"?_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate"), &gorm.Config{
		Logger: gormlogger.Discard,
	})
	if err != nil {
		return nil, fmt.Errorf("open run store: %w", err)
	}
	if err := db.AutoMigrate(&runRow{}, &materializationRow{}); err != nil {
		return nil, fmt.Errorf("migrate run store: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Save inserts or replaces the run record. Assets are recorded separately
// and the lease is left untouched.
func (s *Store) Save(ctx context.Context, run domain.Run) error {
	row := toRow(run)
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns(saveColumns),
		}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("save run %s: %w", run.ID, err)
	}
	return nil
}

// Claim records run as running with a lease until now+ttl. It fails with
// domain.ErrRunInProgress when another live running row covers any day of
// run.Range. Running rows whose lease has lapsed are marked failed first.
// The check and the insert share one transaction, so two processes on the
// same file cannot both claim overlapping ranges.
func (s *Store) Claim(ctx context.Context, run domain.Run, now time.Time, ttl time.Duration) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		live, _, err := expireLapsed(tx, now)
		if err != nil {
			return err
		}
		for _, r := range live {
			held := domain.DateRange{Start: r.RangeStart.UTC(), End: r.RangeEnd.UTC()}
			if held.Overlaps(run.Range) {
				return fmt.Errorf("%w: run %s covers %s", domain.ErrRunInProgress, r.ID, held)
			}
		}

		row := toRow(run)
		row.Status = string(domain.RunRunning)
		until := now.Add(ttl).UTC()
		row.LeaseUntil = &until
		err = tx.Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, UpdateAll: true}).
			Create(&row).Error
		if err != nil {
			return fmt.Errorf("claim run %s: %w", run.ID, err)
		}
		return nil
	})
}

// Renew extends the lease of a running row.
func (s *Store) Renew(ctx context.Context, id string, until time.Time) error {
	res := s.db.WithContext(ctx).Model(&runRow{}).
		Where("id = ? AND status = ?", id, string(domain.RunRunning)).
		Update("lease_until", until.UTC())
	if res.Error != nil {
		return fmt.Errorf("renew run %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("renew run %s: %w", id, domain.ErrRunNotFound)
	}
	return nil
}

// ExpireStale marks running rows whose lease lapsed before now as failed and
// returns how many it changed.
func (s *Store) ExpireStale(ctx context.Context, now time.Time) (int, error) {
	var expired int
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		_, expired, err = expireLapsed(tx, now)
		return err
	})
	if err != nil {
		return 0, err
	}
	if expired > 0 {
		s.logger.Warn("expired abandoned runs", "count", expired)
	}
	return expired, nil
}

// expireLapsed fails every running row whose lease is missing or before now
// and returns the rows still holding a live lease with the number expired.
func expireLapsed(tx *gorm.DB, now time.Time) (live []runRow, expired int, err error) {
	var running []runRow
	if err := tx.Where("status = ?", string(domain.RunRunning)).Find(&running).Error; err != nil {
		return nil, 0, fmt.Errorf("load running runs: %w", err)
	}

	for _, r := range running {
		if r.LeaseUntil != nil && r.LeaseUntil.After(now) {
			live = append(live, r)
			continue
		}
		finished := now.UTC()
		err = tx.Model(&runRow{}).Where("id = ?", r.ID).Updates(map[string]any{
			"status":      string(domain.RunFailed),
			"error":       abandonedError,
			"finished_at": finished,
			"lease_until": nil,
		}).Error
		if err != nil {
			return nil, 0, fmt.Errorf("expire run %s: %w", r.ID, err)
		}
		expired++
	}
	return live, expired, nil
}

// RecordAsset stores a materialization for a run, replacing an earlier one
// of the same asset.
func (s *Store) RecordAsset(ctx context.Context, runID string, m domain.Materialization) error {
	row := materializationRow{
		RunID:     runID,
		Asset:     m.Asset,
		Path:      m.Path,
		Bytes:     m.Bytes,
		Checksum:  m.Checksum,
		CreatedAt: m.CreatedAt,
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "run_id"}, {Name: "asset"}},
			DoUpdates: clause.AssignmentColumns([]string{"path", "bytes", "checksum", "created_at"}),
		}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("record asset %s of run %s: %w", m.Asset, runID, err)
	}
	return nil
}

// Get returns a run with its materializations.
func (s *Store) Get(ctx context.Context, id string) (domain.Run, error) {
	var row runRow
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Run{}, fmt.Errorf("%w: %s", domain.ErrRunNotFound, id)
	}
	if err != nil {
		return domain.Run{}, fmt.Errorf("get run %s: %w", id, err)
	}

	run := fromRow(row)
	assets, err := s.assets(ctx, []string{id})
	if err != nil {
		return domain.Run{}, err
	}
	run.Assets = assets[id]
	return run, nil
}

// List returns the most recent runs first. limit <= 0 means no limit.
func (s *Store) List(ctx context.Context, limit int) ([]domain.Run, error) {
	q := s.db.WithContext(ctx).Order("started_at DESC").Order("id")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []runRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}

	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
	}
	assets, err := s.assets(ctx, ids)
	if err != nil {
		return nil, err
	}

	runs := make([]domain.Run, len(rows))
	for i, r := range rows {
		runs[i] = fromRow(r)
		runs[i].Assets = assets[r.ID]
	}
	return runs, nil
}

// assets returns materializations grouped by run ID, in pipeline order of
// creation.
func (s *Store) assets(ctx context.Context, runIDs []string) (map[string][]domain.Materialization, error) {
	out := make(map[string][]domain.Materialization, len(runIDs))
	if len(runIDs) == 0 {
		return out, nil
	}
	var rows []materializationRow
	err := s.db.WithContext(ctx).
		Where("run_id IN ?", runIDs).
		Order("created_at").Order("asset").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("load materializations: %w", err)
	}
	for _, r := range rows {
		out[r.RunID] = append(out[r.RunID], domain.Materialization{
			Asset:     r.Asset,
			Path:      r.Path,
			Bytes:     r.Bytes,
			Checksum:  r.Checksum,
			CreatedAt: r.CreatedAt.UTC(),
		})
	}
	return out, nil
}

func toRow(r domain.Run) runRow {
	return runRow{
		ID:                 r.ID,
		ParentID:           r.ParentID,
		Trigger:            r.Trigger,
		Location:           r.Location,
		RangeStart:         r.Range.Start,
		RangeEnd:           r.Range.End,
		Status:             string(r.Status),
		FailedStage:        string(r.FailedStage),
		Error:              r.Error,
		StartAsset:         r.StartAsset,
		StartedAt:          r.StartedAt,
		FinishedAt:         r.FinishedAt,
		Rows:               r.Rows,
		DegradedColumns:    r.DegradedColumns,
		Warnings:           r.Warnings,
		Repair:             r.Repair,
		Stores:             r.Stores,
		InconsistentStores: r.InconsistentStores,
	}
}

func fromRow(r runRow) domain.Run {
	run := domain.Run{
		ID:                 r.ID,
		ParentID:           r.ParentID,
		Trigger:            r.Trigger,
		Location:           r.Location,
		Range:              domain.DateRange{Start: r.RangeStart.UTC(), End: r.RangeEnd.UTC()},
		Status:             domain.RunStatus(r.Status),
		FailedStage:        domain.Stage(r.FailedStage),
		Error:              r.Error,
		StartAsset:         r.StartAsset,
		StartedAt:          r.StartedAt.UTC(),
		Rows:               r.Rows,
		DegradedColumns:    r.DegradedColumns,
		Warnings:           r.Warnings,
		Repair:             r.Repair,
		Stores:             r.Stores,
		InconsistentStores: r.InconsistentStores,
	}
	if r.FinishedAt != nil {
		t := r.FinishedAt.UTC()
		run.FinishedAt = &t
	}
	return run
}
