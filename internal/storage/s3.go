// Package storage caches fetched guideline bodies in S3-compatible object storage.
package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Config holds S3/MinIO client configuration.
type Config struct {
	Endpoint        string // "localhost:9000" for MinIO
	Bucket          string // "specialist"
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	Prefix          string // key prefix, default "guidelines"
}

// Client wraps the MinIO/S3 client.
type Client struct {
	minioClient *minio.Client
	bucket      string
	prefix      string
}

// New creates a new S3/MinIO client.
func New(config Config) (*Client, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("endpoint is required")
	}
	if config.Bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	prefix := config.Prefix
	if prefix == "" {
		prefix = "guidelines"
	}

	minioClient, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKeyID, config.SecretAccessKey, ""),
		Secure: config.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	return &Client{
		minioClient: minioClient,
		bucket:      config.Bucket,
		prefix:      prefix,
	}, nil
}

// EnsureBucket creates the bucket if it doesn't exist.
func (c *Client) EnsureBucket(ctx context.Context) error {
	exists, err := c.minioClient.BucketExists(ctx, c.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket: %w", err)
	}
	if exists {
		return nil
	}

	err = c.minioClient.MakeBucket(ctx, c.bucket, minio.MakeBucketOptions{})
	if err != nil {
		return fmt.Errorf("failed to create bucket: %w", err)
	}
	return nil
}

// Entry is a cached body.
type Entry struct {
	Body        []byte
	ContentType string
	SourceURL   string
}

// Key returns the object key for a catalog entry. Entries without a version
// share the "latest" slot.
func (c *Client) Key(sourceID, version string) string {
	return CacheKey(c.prefix, sourceID, version)
}

// CacheKey builds <prefix>/<sha256(sourceID)[:16]>/<version|latest>.
func CacheKey(prefix, sourceID, version string) string {
	sum := sha256.Sum256([]byte(sourceID))
	if version == "" {
		version = "latest"
	}
	version = strings.NewReplacer("/", "_", "\\", "_", " ", "_").Replace(version)
	return path.Join(prefix, hex.EncodeToString(sum[:8]), version)
}

// Get reads a cached body. A missing object returns (nil, nil).
func (c *Client) Get(ctx context.Context, key string) (*Entry, error) {
	object, err := c.minioClient.GetObject(ctx, c.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}
	defer object.Close()

	info, err := object.Stat()
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to stat %s: %w", key, err)
	}

	data, err := io.ReadAll(object)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}

	return &Entry{
		Body:        data,
		ContentType: info.ContentType,
		SourceURL:   info.UserMetadata["Source-Url"],
	}, nil
}

// Put writes a body under key.
func (c *Client) Put(ctx context.Context, key string, e Entry) error {
	contentType := e.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err := c.minioClient.PutObject(ctx, c.bucket, key, bytes.NewReader(e.Body), int64(len(e.Body)), minio.PutObjectOptions{
		ContentType:  contentType,
		UserMetadata: map[string]string{"Source-Url": e.SourceURL},
	})
	if err != nil {
		return fmt.Errorf("failed to put %s: %w", key, err)
	}
	return nil
}

// Delete removes a cached body. Missing objects are not an error.
func (c *Client) Delete(ctx context.Context, key string) error {
	if err := c.minioClient.RemoveObject(ctx, c.bucket, key, minio.RemoveObjectOptions{}); err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// List returns the keys cached for one source id.
func (c *Client) List(ctx context.Context, sourceID string) ([]string, error) {
	dir := path.Dir(c.Key(sourceID, "")) + "/"
	var keys []string

	objectCh := c.minioClient.ListObjects(ctx, c.bucket, minio.ListObjectsOptions{
		Prefix:    dir,
		Recursive: true,
	})
	for object := range objectCh {
		if object.Err != nil {
			return nil, fmt.Errorf("failed to list objects: %w", object.Err)
		}
		keys = append(keys, object.Key)
	}
	return keys, nil
}

// Bucket returns the bucket name.
func (c *Client) Bucket() string {
	return c.bucket
}

func isNotFound(err error) bool {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchObject":
		return true
	}
	return false
}
