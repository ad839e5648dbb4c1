// Copyright 2025 James Ross
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBackupFallthroughOnMiss(t *testing.T) {
	ctx := context.Background()
	primary := NewMemStore()
	backup := NewMemStore()
	require.NoError(t, backup.Put(ctx, "raw-data-item/abc", strings.NewReader("old bytes"), PutOptions{}))

	store := NewWithBackup(primary, backup, nil)
	body, _, err := store.Get(ctx, "raw-data-item/abc", nil)
	require.NoError(t, err)
	defer body.Close()
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	require.Equal(t, "old bytes", string(data))

	_, err = store.Head(ctx, "raw-data-item/abc")
	require.NoError(t, err)
}

func TestBackupNotConsultedOnHit(t *testing.T) {
	ctx := context.Background()
	primary := NewMemStore()
	backup := NewMemStore()
	require.NoError(t, primary.Put(ctx, "k", strings.NewReader("new"), PutOptions{}))
	require.NoError(t, backup.Put(ctx, "k", strings.NewReader("stale"), PutOptions{}))

	store := NewWithBackup(primary, backup, nil)
	body, _, err := store.Get(ctx, "k", nil)
	require.NoError(t, err)
	defer body.Close()
	data, _ := io.ReadAll(body)
	require.Equal(t, "new", string(data))
}

func TestBackupMissInBoth(t *testing.T) {
	store := NewWithBackup(NewMemStore(), NewMemStore(), nil)
	_, _, err := store.Get(context.Background(), "missing", nil)
	require.True(t, errors.Is(err, ErrNotFound))
}

func TestMemStoreRangeGet(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()
	require.NoError(t, m.Put(ctx, "k", bytes.NewReader([]byte("0123456789")), PutOptions{}))

	body, _, err := m.Get(ctx, "k", &ByteRange{Start: 2, End: 5})
	require.NoError(t, err)
	data, _ := io.ReadAll(body)
	require.Equal(t, "2345", string(data))
}

func TestMemStoreMultipart(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()
	id, err := m.CreateMultipartUpload(ctx, MultipartUploadKey("u1"))
	require.NoError(t, err)
	_, err = m.UploadPart(ctx, MultipartUploadKey("u1"), id, 2, bytes.NewReader([]byte("world")))
	require.NoError(t, err)
	_, err = m.UploadPart(ctx, MultipartUploadKey("u1"), id, 1, bytes.NewReader([]byte("hello ")))
	require.NoError(t, err)

	parts, err := m.ListParts(ctx, MultipartUploadKey("u1"), id)
	require.NoError(t, err)
	require.Len(t, parts, 2)

	_, err = m.CompleteMultipartUpload(ctx, MultipartUploadKey("u1"), id)
	require.NoError(t, err)
	body, _, err := m.Get(ctx, MultipartUploadKey("u1"), nil)
	require.NoError(t, err)
	data, _ := io.ReadAll(body)
	require.Equal(t, "hello world", string(data))
}
