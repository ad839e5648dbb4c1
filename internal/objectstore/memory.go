// Copyright 2025 James Ross
package objectstore

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strconv"
	"sync"
)

// MemStore is an in-memory ObjectStore used by tests and local development.
type MemStore struct {
	mu      sync.RWMutex
	objects map[string]memObject
	uploads map[string]map[int64][]byte
	nextID  int
}

type memObject struct {
	data        []byte
	contentType string
	metadata    map[string]string
}

func NewMemStore() *MemStore {
	return &MemStore{
		objects: map[string]memObject{},
		uploads: map[string]map[int64][]byte{},
	}
}

func (m *MemStore) Put(ctx context.Context, key string, body io.Reader, opts PutOptions) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	meta := map[string]string{}
	for k, v := range opts.Metadata {
		meta[k] = v
	}
	m.objects[key] = memObject{data: data, contentType: opts.ContentType, metadata: meta}
	return nil
}

func (m *MemStore) Get(ctx context.Context, key string, rng *ByteRange) (io.ReadCloser, string, error) {
	m.mu.RLock()
	obj, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return nil, "", fmt.Errorf("get %s: %w", key, ErrNotFound)
	}
	data := obj.data
	if rng != nil {
		start, end := rng.Start, rng.End
		if start < 0 || start >= int64(len(data)) {
			return nil, "", fmt.Errorf("get %s: range out of bounds", key)
		}
		if end >= int64(len(data)) {
			end = int64(len(data)) - 1
		}
		data = data[start : end+1]
	}
	return io.NopCloser(bytes.NewReader(data)), etagOf(obj.data), nil
}

func (m *MemStore) Head(ctx context.Context, key string) (*ObjectInfo, error) {
	m.mu.RLock()
	obj, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("head %s: %w", key, ErrNotFound)
	}
	return &ObjectInfo{
		ETag:          etagOf(obj.data),
		ContentLength: int64(len(obj.data)),
		ContentType:   obj.contentType,
		Metadata:      obj.metadata,
	}, nil
}

func (m *MemStore) Move(ctx context.Context, src, dst string, opts MoveOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[src]
	if !ok {
		return fmt.Errorf("move %s: %w", src, ErrNotFound)
	}
	if opts.ContentType != "" {
		obj.contentType = opts.ContentType
	}
	m.objects[dst] = obj
	delete(m.objects, src)
	return nil
}

func (m *MemStore) Remove(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *MemStore) CreateMultipartUpload(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := key + "#" + strconv.Itoa(m.nextID)
	m.uploads[id] = map[int64][]byte{}
	return id, nil
}

func (m *MemStore) UploadPart(ctx context.Context, key, uploadID string, partNumber int64, body io.ReadSeeker) (string, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	parts, ok := m.uploads[uploadID]
	if !ok {
		return "", fmt.Errorf("upload part %s: %w", uploadID, ErrNotFound)
	}
	parts[partNumber] = data
	return etagOf(data), nil
}

func (m *MemStore) CompleteMultipartUpload(ctx context.Context, key, uploadID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	parts, ok := m.uploads[uploadID]
	if !ok {
		return "", fmt.Errorf("complete multipart %s: %w", uploadID, ErrNotFound)
	}
	nums := make([]int64, 0, len(parts))
	for n := range parts {
		nums = append(nums, n)
	}
	sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })
	var data []byte
	for _, n := range nums {
		data = append(data, parts[n]...)
	}
	m.objects[key] = memObject{data: data, metadata: map[string]string{}}
	delete(m.uploads, uploadID)
	return etagOf(data), nil
}

func (m *MemStore) ListParts(ctx context.Context, key, uploadID string) ([]Part, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	parts, ok := m.uploads[uploadID]
	if !ok {
		return nil, fmt.Errorf("list parts %s: %w", uploadID, ErrNotFound)
	}
	out := make([]Part, 0, len(parts))
	for n, data := range parts {
		out = append(out, Part{PartNumber: n, ETag: etagOf(data), Size: int64(len(data))})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PartNumber < out[j].PartNumber })
	return out, nil
}

func etagOf(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}
