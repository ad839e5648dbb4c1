// Copyright 2025 James Ross

// Package objectstore abstracts durable blob storage for raw data items,
// bundle payloads and bundle transactions.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// ErrNotFound is returned when a key (or one of its parts) does not exist.
var ErrNotFound = errors.New("object not found")

// ByteRange selects bytes [Start, End] inclusive, HTTP range style.
type ByteRange struct {
	Start int64
	End   int64
}

func (r ByteRange) header() string {
	return fmt.Sprintf("bytes=%d-%d", r.Start, r.End)
}

type PutOptions struct {
	ContentType   string
	ContentLength int64
	Metadata      map[string]string
}

type MoveOptions struct {
	ContentType string
	Metadata    map[string]string
}

type ObjectInfo struct {
	ETag          string
	ContentLength int64
	ContentType   string
	Metadata      map[string]string
}

type Part struct {
	PartNumber int64
	ETag       string
	Size       int64
}

// ObjectStore is the blob storage capability used across the pipeline. Writes
// are treated as idempotent: keys are content hashes or one-shot plan ids.
type ObjectStore interface {
	Put(ctx context.Context, key string, body io.Reader, opts PutOptions) error
	Get(ctx context.Context, key string, rng *ByteRange) (io.ReadCloser, string, error)
	Head(ctx context.Context, key string) (*ObjectInfo, error)
	Move(ctx context.Context, src, dst string, opts MoveOptions) error
	Remove(ctx context.Context, key string) error

	CreateMultipartUpload(ctx context.Context, key string) (string, error)
	UploadPart(ctx context.Context, key, uploadID string, partNumber int64, body io.ReadSeeker) (string, error)
	CompleteMultipartUpload(ctx context.Context, key, uploadID string) (string, error)
	ListParts(ctx context.Context, key, uploadID string) ([]Part, error)
}

// Key layout. Keys are immutable once written.
const (
	rawDataItemPrefix     = "raw-data-item/"
	bundlePayloadPrefix   = "bundle-payload/"
	bundlePrefix          = "bundle/"
	multipartUploadPrefix = "multipart-uploads/"
)

// Metadata tag names on raw data items.
const (
	MetaPayloadDataStart   = "payload-data-start"
	MetaPayloadContentType = "payload-content-type"
)

func RawDataItemKey(dataItemID string) string   { return rawDataItemPrefix + dataItemID }
func BundlePayloadKey(planID string) string     { return bundlePayloadPrefix + planID }
func BundleTxKey(bundleID string) string        { return bundlePrefix + bundleID }
func MultipartUploadKey(uploadKey string) string { return multipartUploadPrefix + uploadKey }
