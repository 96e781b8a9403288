package relational

import (
	"context"
	"database/sql/driver"
	"errors"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
	"gorm.io/gorm"

	"github.com/couchcryptid/weather-domain-etl/internal/domain"
)

// NewError classifies a relational failure as a domain.StoreError. It returns
// nil for nil and passes already classified errors through.
func NewError(err error) error {
	if err == nil {
		return nil
	}
	var se *domain.StoreError
	if errors.As(err, &se) {
		return err
	}
	kind, transient := classify(err)
	return domain.NewStoreError(StoreName, kind, transient, err)
}

func classify(err error) (domain.StoreErrorKind, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return classifySQLState(pgErr.Code)
	}

	switch {
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return domain.KindIntegrity, true
	case errors.Is(err, gorm.ErrForeignKeyViolated), errors.Is(err, gorm.ErrCheckConstraintViolated):
		return domain.KindIntegrity, false
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled),
		errors.Is(err, driver.ErrBadConn):
		return domain.KindStoreUnavailable, false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return domain.KindStoreUnavailable, false
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return domain.KindStoreUnavailable, false
	}

	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code {
		case sqlite3.ErrConstraint:
			unique := liteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
				liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
			return domain.KindIntegrity, unique
		case sqlite3.ErrBusy, sqlite3.ErrLocked, sqlite3.ErrIoErr, sqlite3.ErrCantOpen:
			return domain.KindStoreUnavailable, false
		}
	}

	// SQLite reports missing tables and columns as generic errors.
	msg := err.Error()
	if strings.Contains(msg, "no such table") || strings.Contains(msg, "no such column") ||
		strings.Contains(msg, "has no column named") {
		return domain.KindSchema, false
	}
	return domain.KindStoreUnavailable, false
}

// classifySQLState maps PostgreSQL error codes. Only unique violations are
// transient integrity errors: they come from concurrent writers racing on
// the same key and succeed on retry as an update.
func classifySQLState(code string) (domain.StoreErrorKind, bool) {
	switch {
	case code == "23505":
		return domain.KindIntegrity, true
	case strings.HasPrefix(code, "23"):
		return domain.KindIntegrity, false
	case strings.HasPrefix(code, "42"): // undefined_table, undefined_column, datatype_mismatch
		return domain.KindSchema, false
	default: // connection exceptions, resource limits, serialization failures
		return domain.KindStoreUnavailable, false
	}
}
