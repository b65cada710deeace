package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/gridfs"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// GridFSClient implements Client backed by a MongoDB GridFS bucket. The bucket
// handle lives on the client and is injected wherever files are needed.
type GridFSClient struct {
	client *mongo.Client
	bucket *gridfs.Bucket
}

// NewGridFSClient connects to MongoDB and opens the named bucket.
func NewGridFSClient(connectionString, database, bucketName string) (*GridFSClient, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(connectionString))
	if err != nil {
		return nil, fmt.Errorf("connect to mongodb: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	bucket, err := gridfs.NewBucket(
		client.Database(database),
		options.GridFSBucket().SetName(bucketName),
	)
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("open gridfs bucket: %w", err)
	}

	return &GridFSClient{client: client, bucket: bucket}, nil
}

// Ready verifies the MongoDB deployment is reachable.
func (c *GridFSClient) Ready(ctx context.Context) error {
	return c.client.Ping(ctx, nil)
}

// Stat returns metadata for a blob without reading its chunks.
func (c *GridFSClient) Stat(ctx context.Context, fileID string) (FileInfo, error) {
	c.applyDeadline(ctx)

	ds, err := c.bucket.OpenDownloadStream(fileID)
	if errors.Is(err, gridfs.ErrFileNotFound) {
		return FileInfo{}, ErrNotFound
	}
	if err != nil {
		return FileInfo{}, fmt.Errorf("open gridfs file: %w", err)
	}
	defer ds.Close()

	return fileInfoFrom(fileID, ds.GetFile()), nil
}

// Open returns a reader over the blob's chunks together with its metadata.
func (c *GridFSClient) Open(ctx context.Context, fileID string) (io.ReadCloser, FileInfo, error) {
	c.applyDeadline(ctx)

	ds, err := c.bucket.OpenDownloadStream(fileID)
	if errors.Is(err, gridfs.ErrFileNotFound) {
		return nil, FileInfo{}, ErrNotFound
	}
	if err != nil {
		return nil, FileInfo{}, fmt.Errorf("open gridfs file: %w", err)
	}

	return ds, fileInfoFrom(fileID, ds.GetFile()), nil
}

// Put stores a blob under the given id, replacing any previous content.
func (c *GridFSClient) Put(ctx context.Context, fileID, name string, r io.Reader) error {
	c.applyDeadline(ctx)

	// GridFS has no overwrite; delete the old file first if present.
	if err := c.bucket.Delete(fileID); err != nil && !errors.Is(err, gridfs.ErrFileNotFound) {
		return fmt.Errorf("delete previous gridfs file: %w", err)
	}

	us, err := c.bucket.OpenUploadStreamWithID(fileID, name)
	if err != nil {
		return fmt.Errorf("open gridfs upload stream: %w", err)
	}

	if _, err := io.Copy(us, r); err != nil {
		_ = us.Close()
		return fmt.Errorf("write gridfs file: %w", err)
	}
	if err := us.Close(); err != nil {
		return fmt.Errorf("finish gridfs upload: %w", err)
	}
	return nil
}

// Close disconnects from MongoDB.
func (c *GridFSClient) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return c.client.Disconnect(ctx)
}

// applyDeadline forwards the context deadline to the bucket. GridFS bucket
// operations in driver v1 take deadlines rather than contexts.
func (c *GridFSClient) applyDeadline(ctx context.Context) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(30 * time.Second)
	}
	_ = c.bucket.SetReadDeadline(deadline)
	_ = c.bucket.SetWriteDeadline(deadline)
}

func fileInfoFrom(fileID string, f *gridfs.File) FileInfo {
	info := FileInfo{ID: fileID}
	if f != nil {
		info.Name = f.Name
		info.Size = f.Length
		info.UploadedAt = f.UploadDate
	}
	return info
}
