// Copyright 2025 James Ross
package database

import (
	"database/sql"
	"errors"

	"github.com/lib/pq"
)

var (
	// ErrLockConflict means another worker holds the row; callers treat it
	// as a soft skip and let the queue redeliver.
	ErrLockConflict = errors.New("row locked by another worker")

	// ErrNotFound means an expected row is absent.
	ErrNotFound = errors.New("row not found")

	// ErrDataItemExists is the unique-key collision on insert; re-ingest of
	// a known item is accepted idempotently by callers.
	ErrDataItemExists = errors.New("data item already exists")

	// ErrBundlePlanExistsInAnotherState means the plan already moved past
	// the bundle_plan table; prepare treats this as a duplicate delivery.
	ErrBundlePlanExistsInAnotherState = errors.New("bundle plan exists in another state")
)

// Postgres error codes the transitions care about.
const (
	pqLockNotAvailable = "55P03"
	pqUniqueViolation  = "23505"
)

// mapError folds driver errors into the package taxonomy. Unrecognized errors
// pass through unchanged and are treated as fatal by callers.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch string(pqErr.Code) {
		case pqLockNotAvailable:
			return ErrLockConflict
		case pqUniqueViolation:
			return ErrDataItemExists
		}
	}
	return err
}
