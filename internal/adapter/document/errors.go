package document

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/mongo"

	"github.com/couchcryptid/weather-domain-etl/internal/domain"
)

// Server error codes that indicate a schema mismatch.
const (
	codeNamespaceNotFound         = 26
	codeDocumentValidationFailure = 121
)

// NewError classifies a MongoDB failure as a domain.StoreError. It returns
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
	switch {
	case mongo.IsDuplicateKeyError(err):
		return domain.KindIntegrity, true
	case mongo.IsTimeout(err), mongo.IsNetworkError(err),
		errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled),
		errors.Is(err, mongo.ErrClientDisconnected):
		return domain.KindStoreUnavailable, false
	}

	var srvErr mongo.ServerError
	if errors.As(err, &srvErr) &&
		(srvErr.HasErrorCode(codeDocumentValidationFailure) || srvErr.HasErrorCode(codeNamespaceNotFound)) {
		return domain.KindSchema, false
	}
	return domain.KindStoreUnavailable, false
}
