package db

import (
	"strings"

	adb "github.com/mongodb/anser/db"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/mongo"
)

var (
	// ErrNotFound is returned by updates that matched no document.
	ErrNotFound = errors.New("document not found")
	// ErrInvalidQuery is returned when a helper is handed a filter or
	// update it refuses to run.
	ErrInvalidQuery = errors.New("invalid query")
)

const namespaceExistsErrCode = 48

// ResultsNotFound reports whether err means that no document matched.
func ResultsNotFound(err error) bool {
	if err == nil {
		return false
	}
	if errors.Cause(err) == ErrNotFound || errors.Is(err, mongo.ErrNoDocuments) {
		return true
	}
	return adb.ResultsNotFound(err)
}

func IsDuplicateKey(err error) bool {
	if err == nil {
		return false
	}

	if mongo.IsDuplicateKeyError(err) {
		return true
	}

	return strings.Contains(errors.Cause(err).Error(), "duplicate key")
}

func IsDocumentLimit(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(errors.Cause(err).Error(), "an inserted document is too large")
}

// IsNamespaceExists reports whether err is the server refusing to create a
// collection that already exists.
func IsNamespaceExists(err error) bool {
	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr.HasErrorCode(namespaceExistsErrCode)
	}
	return false
}

func IsTransientTransactionError(err error) bool {
	var srvErr mongo.ServerError
	if errors.As(err, &srvErr) {
		return srvErr.HasErrorLabel("TransientTransactionError")
	}
	return false
}
