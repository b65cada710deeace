package blobstore

import (
	"bytes"
	"context"
	"io"
	"sync"
	"time"
)

type memoryBlob struct {
	name       string
	data       []byte
	uploadedAt time.Time
}

// MemoryClient is an in-memory Client implementation for tests and demos.
type MemoryClient struct {
	mu    sync.RWMutex
	blobs map[string]memoryBlob
}

// NewMemoryClient constructs an empty MemoryClient.
func NewMemoryClient() *MemoryClient {
	return &MemoryClient{blobs: make(map[string]memoryBlob)}
}

// Ready always succeeds for the in-memory store.
func (c *MemoryClient) Ready(_ context.Context) error {
	return nil
}

// Stat returns metadata for a blob.
func (c *MemoryClient) Stat(_ context.Context, fileID string) (FileInfo, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	b, ok := c.blobs[fileID]
	if !ok {
		return FileInfo{}, ErrNotFound
	}
	return FileInfo{
		ID:         fileID,
		Name:       b.name,
		Size:       int64(len(b.data)),
		UploadedAt: b.uploadedAt,
	}, nil
}

// Open returns a reader over the blob's content.
func (c *MemoryClient) Open(_ context.Context, fileID string) (io.ReadCloser, FileInfo, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	b, ok := c.blobs[fileID]
	if !ok {
		return nil, FileInfo{}, ErrNotFound
	}
	info := FileInfo{
		ID:         fileID,
		Name:       b.name,
		Size:       int64(len(b.data)),
		UploadedAt: b.uploadedAt,
	}
	return io.NopCloser(bytes.NewReader(b.data)), info, nil
}

// Put stores a blob, replacing any previous content under the same id.
func (c *MemoryClient) Put(_ context.Context, fileID, name string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.blobs[fileID] = memoryBlob{
		name:       name,
		data:       data,
		uploadedAt: time.Now(),
	}
	return nil
}

// Close implements the Client interface.
func (c *MemoryClient) Close() error {
	return nil
}
