package domain

import (
	"errors"
	"fmt"
	"time"
)

// SourceUnavailableError means the upstream fetch failed after exhausting its
// retries. It aborts the run; no partial range is ever returned with it.
type SourceUnavailableError struct {
	Range    DateRange
	Attempts int
	Err      error
}

func (e *SourceUnavailableError) Error() string {
	return fmt.Sprintf("source unavailable for %s after %d attempt(s): %v", e.Range, e.Attempts, e.Err)
}

func (e *SourceUnavailableError) Unwrap() error { return e.Err }

// InsufficientDataError is a warning: the variable had no observed value in
// the whole range and was filled with MissingSentinel.
type InsufficientDataError struct {
	Variable string
	Start    time.Time
	End      time.Time
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("insufficient data: %s missing for entire range %s..%s, filled with sentinel %v",
		e.Variable, e.Start.Format(time.RFC3339), e.End.Format(time.RFC3339), MissingSentinel)
}

// MalformedTimestampError is fatal: a timestamp could not be parsed, was not
// hour-aligned, or broke ascending order.
type MalformedTimestampError struct {
	Index  int
	Value  string
	Reason string
}

func (e *MalformedTimestampError) Error() string {
	return fmt.Sprintf("malformed timestamp at row %d (%q): %s", e.Index, e.Value, e.Reason)
}

// StoreErrorKind classifies a failed store write.
type StoreErrorKind int

const (
	// KindStoreUnavailable covers connectivity failures and timeouts.
	KindStoreUnavailable StoreErrorKind = iota + 1
	// KindSchema means the target's schema does not match the records.
	KindSchema
	// KindIntegrity is a constraint violation.
	KindIntegrity
)

func (k StoreErrorKind) String() string {
	switch k {
	case KindStoreUnavailable:
		return "StoreUnavailable"
	case KindSchema:
		return "SchemaError"
	case KindIntegrity:
		return "IntegrityError"
	default:
		return "Unknown"
	}
}

// StoreError is a classified failure of one target store.
type StoreError struct {
	Store     string
	Kind      StoreErrorKind
	Transient bool // only meaningful for KindIntegrity (duplicate-key races)
	Err       error
}

// NewStoreError wraps err with a store classification.
func NewStoreError(store string, kind StoreErrorKind, transient bool, err error) *StoreError {
	return &StoreError{Store: store, Kind: kind, Transient: transient, Err: err}
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Store, e.Kind, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Retryable reports whether another attempt could succeed.
func (e *StoreError) Retryable() bool {
	switch e.Kind {
	case KindStoreUnavailable:
		return true
	case KindIntegrity:
		return e.Transient
	default:
		return false
	}
}

// IsRetryable reports whether err is a retryable StoreError.
func IsRetryable(err error) bool {
	var se *StoreError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	return false
}

// StoreErrorKindOf returns the classification of err, or 0 if unclassified.
func StoreErrorKindOf(err error) StoreErrorKind {
	var se *StoreError
	if errors.As(err, &se) {
		return se.Kind
	}
	return 0
}
