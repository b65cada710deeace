// Package blobstore stores and serves the downloadable product files.
package blobstore

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/tunglvm/store-server/internal/config"
)

// ErrNotFound indicates the requested blob does not exist.
var ErrNotFound = errors.New("blobstore: file not found")

// FileInfo describes a stored blob.
type FileInfo struct {
	ID         string
	Name       string
	Size       int64
	UploadedAt time.Time
}

// Client is the blob storage interface. Implementations are constructed
// explicitly and handed to their consumers; nothing reaches for a global
// bucket handle.
type Client interface {
	// Ready verifies the backing store is reachable.
	Ready(ctx context.Context) error

	// Stat returns metadata for a blob without reading its content.
	Stat(ctx context.Context, fileID string) (FileInfo, error)

	// Open returns a reader over the blob's content together with its
	// metadata. The caller must close the reader.
	Open(ctx context.Context, fileID string) (io.ReadCloser, FileInfo, error)

	// Put stores a blob under the given id, replacing any previous content.
	Put(ctx context.Context, fileID, name string, r io.Reader) error

	// Close releases any resources held by the client.
	Close() error
}

// NewClient creates a blob store client based on config.
func NewClient(cfg config.BlobstoreConfig) (Client, error) {
	backend := cfg.Backend
	if backend == "" {
		backend = "memory"
	}

	switch backend {
	case "memory":
		return NewMemoryClient(), nil
	case "gridfs":
		if cfg.MongoDBURL == "" {
			return nil, errors.New("mongodb_url required when blobstore backend is 'gridfs'")
		}
		if cfg.MongoDBDatabase == "" {
			return nil, errors.New("mongodb_database required when blobstore backend is 'gridfs'")
		}
		bucket := cfg.BucketName
		if bucket == "" {
			bucket = "files"
		}
		return NewGridFSClient(cfg.MongoDBURL, cfg.MongoDBDatabase, bucket)
	default:
		return nil, errors.New("invalid blobstore backend: must be 'memory' or 'gridfs'")
	}
}
