// Copyright 2025 James Ross
package database

import (
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/require"
)

func TestMapErrorLockConflict(t *testing.T) {
	err := mapError(&pq.Error{Code: pq.ErrorCode("55P03")})
	require.ErrorIs(t, err, ErrLockConflict)
}

func TestMapErrorUniqueViolation(t *testing.T) {
	err := mapError(&pq.Error{Code: pq.ErrorCode("23505")})
	require.ErrorIs(t, err, ErrDataItemExists)
}

func TestMapErrorWrappedDriverError(t *testing.T) {
	wrapped := fmt.Errorf("insert batch: %w", &pq.Error{Code: pq.ErrorCode("55P03")})
	require.ErrorIs(t, mapError(wrapped), ErrLockConflict)
}

func TestMapErrorNoRows(t *testing.T) {
	require.ErrorIs(t, mapError(sql.ErrNoRows), ErrNotFound)
}

func TestMapErrorPassThrough(t *testing.T) {
	sentinel := errors.New("connection refused")
	require.Equal(t, sentinel, mapError(sentinel))
	require.NoError(t, mapError(nil))
}

func TestValuesClause(t *testing.T) {
	require.Equal(t, "($1,$2,$3)", valuesClause(1, 3))
	require.Equal(t, "($1,$2),($3,$4)", valuesClause(2, 2))
}

func TestChunkStrings(t *testing.T) {
	in := []string{"a", "b", "c", "d", "e"}
	chunks := chunkStrings(in, 2)
	require.Equal(t, [][]string{{"a", "b"}, {"c", "d"}, {"e"}}, chunks)

	require.Nil(t, chunkStrings(nil, 2))
	require.Equal(t, [][]string{in}, chunkStrings(in, 10))
}

func TestDSN(t *testing.T) {
	dsn := DSN("db.internal", 5432, "svc", "hunter2", "fulfillment", "require")
	require.Equal(t, "host=db.internal port=5432 user=svc dbname=fulfillment sslmode=require password=hunter2", dsn)

	noPass := DSN("localhost", 5432, "svc", "", "fulfillment", "disable")
	require.NotContains(t, noPass, "password")
}

func TestDataItemArgsDefaults(t *testing.T) {
	args := dataItemArgs(NewDataItem{DataItemID: "id"})
	require.Len(t, args, 12)
	// empty premium feature type normalizes to the default partition
	require.Equal(t, "default", args[10])
}
