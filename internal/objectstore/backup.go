// Copyright 2025 James Ross
package objectstore

import (
	"context"
	"errors"
	"io"

	"go.uber.org/zap"
)

// WithBackup wraps a primary store so operations that miss with ErrNotFound
// fall through to a secondary bucket: Get, Head, Move, ListParts and
// CompleteMultipartUpload. Put, Remove, CreateMultipartUpload and UploadPart
// only touch the primary.
type WithBackup struct {
	primary ObjectStore
	backup  ObjectStore
	log     *zap.Logger
}

func NewWithBackup(primary, backup ObjectStore, log *zap.Logger) *WithBackup {
	if log == nil {
		log = zap.NewNop()
	}
	return &WithBackup{primary: primary, backup: backup, log: log}
}

func (w *WithBackup) Get(ctx context.Context, key string, rng *ByteRange) (io.ReadCloser, string, error) {
	body, etag, err := w.primary.Get(ctx, key, rng)
	if err != nil && errors.Is(err, ErrNotFound) {
		w.log.Debug("primary miss, trying backup bucket", zap.String("key", key))
		return w.backup.Get(ctx, key, rng)
	}
	return body, etag, err
}

func (w *WithBackup) Head(ctx context.Context, key string) (*ObjectInfo, error) {
	info, err := w.primary.Head(ctx, key)
	if err != nil && errors.Is(err, ErrNotFound) {
		return w.backup.Head(ctx, key)
	}
	return info, err
}

func (w *WithBackup) Put(ctx context.Context, key string, body io.Reader, opts PutOptions) error {
	return w.primary.Put(ctx, key, body, opts)
}

func (w *WithBackup) Move(ctx context.Context, src, dst string, opts MoveOptions) error {
	err := w.primary.Move(ctx, src, dst, opts)
	if err != nil && errors.Is(err, ErrNotFound) {
		return w.backup.Move(ctx, src, dst, opts)
	}
	return err
}

func (w *WithBackup) Remove(ctx context.Context, key string) error {
	return w.primary.Remove(ctx, key)
}

func (w *WithBackup) CreateMultipartUpload(ctx context.Context, key string) (string, error) {
	return w.primary.CreateMultipartUpload(ctx, key)
}

func (w *WithBackup) UploadPart(ctx context.Context, key, uploadID string, partNumber int64, body io.ReadSeeker) (string, error) {
	return w.primary.UploadPart(ctx, key, uploadID, partNumber, body)
}

func (w *WithBackup) CompleteMultipartUpload(ctx context.Context, key, uploadID string) (string, error) {
	etag, err := w.primary.CompleteMultipartUpload(ctx, key, uploadID)
	if err != nil && errors.Is(err, ErrNotFound) {
		return w.backup.CompleteMultipartUpload(ctx, key, uploadID)
	}
	return etag, err
}

func (w *WithBackup) ListParts(ctx context.Context, key, uploadID string) ([]Part, error) {
	parts, err := w.primary.ListParts(ctx, key, uploadID)
	if err != nil && errors.Is(err, ErrNotFound) {
		return w.backup.ListParts(ctx, key, uploadID)
	}
	return parts, err
}
