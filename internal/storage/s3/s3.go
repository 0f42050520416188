// Package s3 implements storage.Storage on any S3-compatible object store via minio-go.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/kailas-cloud/secindex/internal/storage"
)

// Compile-time check: Store implements storage.Storage.
var _ storage.Storage = (*Store)(nil)

// Config holds connection parameters.
type Config struct {
	Endpoint    string
	Bucket      string
	Region      string
	AccessKey   string
	SecretKey   string
	UseSSL      bool
	Compression storage.Encoding
}

// Store is an S3 bucket.
type Store struct {
	client *minio.Client
	bucket string
	enc    storage.Encoding
}

// NewStore creates a client. No request is made until the first operation.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("endpoint is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}
	return &Store{client: client, bucket: cfg.Bucket, enc: cfg.Compression}, nil
}

// EnsureBucket creates the bucket when it does not exist.
func (s *Store) EnsureBucket(ctx context.Context, region string) error {
	ok, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("bucket exists: %w", err)
	}
	if ok {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: region}); err != nil {
		return fmt.Errorf("make bucket: %w", err)
	}
	return nil
}

// Put uploads data with the configured encoding, recorded as Content-Encoding.
func (s *Store) Put(ctx context.Context, key string, data []byte) error {
	encoded, err := storage.Encode(s.enc, data)
	if err != nil {
		return &storage.Error{Op: storage.OpPut, Key: key, Err: err}
	}
	return s.put(ctx, storage.OpPut, key, encoded, s.enc)
}

// WriteAtomic uploads data uncompressed. A single PUT replaces the object atomically.
func (s *Store) WriteAtomic(ctx context.Context, key string, data []byte) error {
	return s.put(ctx, storage.OpWriteAtomic, key, data, storage.Identity)
}

func (s *Store) put(ctx context.Context, op, key string, data []byte, enc storage.Encoding) error {
	opts := minio.PutObjectOptions{ContentType: contentType(key)}
	if enc != storage.Identity {
		opts.ContentEncoding = string(enc)
	}
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), opts)
	if err != nil {
		return &storage.Error{Op: op, Key: key, Err: err}
	}
	return nil
}

func contentType(key string) string {
	if strings.HasSuffix(key, ".json") {
		return "application/json"
	}
	return "application/octet-stream"
}

// Get downloads and decodes the object.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, &storage.Error{Op: storage.OpGet, Key: key, Err: mapErr(err)}
	}
	defer obj.Close()

	info, err := obj.Stat()
	if err != nil {
		return nil, &storage.Error{Op: storage.OpGet, Key: key, Err: mapErr(err)}
	}
	raw, err := io.ReadAll(obj)
	if err != nil {
		return nil, &storage.Error{Op: storage.OpGet, Key: key, Err: mapErr(err)}
	}
	data, err := storage.Decode(storage.ParseEncoding(info.Metadata.Get("Content-Encoding"), key), raw)
	if err != nil {
		return nil, &storage.Error{Op: storage.OpGet, Key: key, Err: err}
	}
	return data, nil
}

// Delete removes the object. S3 deletes are idempotent.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return &storage.Error{Op: storage.OpDelete, Key: key, Err: mapErr(err)}
	}
	return nil
}

// List walks keys under prefix in lexical order.
func (s *Store) List(ctx context.Context, prefix string, fn func(key string) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return &storage.Error{Op: storage.OpList, Key: prefix, Err: obj.Err}
		}
		if err := fn(obj.Key); err != nil {
			return &storage.Error{Op: storage.OpList, Key: prefix, Err: err}
		}
	}
	return nil
}

// ReadRange issues a ranged GET for [offset, offset+length).
func (s *Store) ReadRange(ctx context.Context, key string, offset, length int64) ([]byte, error) {
	if offset < 0 || length <= 0 {
		return nil, &storage.Error{Op: storage.OpReadRange, Key: key, Err: fmt.Errorf("invalid range %d+%d", offset, length)}
	}
	opts := minio.GetObjectOptions{}
	if err := opts.SetRange(offset, offset+length-1); err != nil {
		return nil, &storage.Error{Op: storage.OpReadRange, Key: key, Err: err}
	}
	obj, err := s.client.GetObject(ctx, s.bucket, key, opts)
	if err != nil {
		return nil, &storage.Error{Op: storage.OpReadRange, Key: key, Err: mapErr(err)}
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, &storage.Error{Op: storage.OpReadRange, Key: key, Err: mapErr(err)}
	}
	return data, nil
}

// Exists stats the object.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if errors.Is(mapErr(err), storage.ErrNotFound) {
		return false, nil
	}
	return false, &storage.Error{Op: storage.OpExists, Key: key, Err: err}
}

// Ping checks that the bucket is reachable.
func (s *Store) Ping(ctx context.Context) error {
	ok, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	if !ok {
		return fmt.Errorf("ping: bucket %q does not exist", s.bucket)
	}
	return nil
}

// Close is a no-op; the HTTP transport is shared.
func (s *Store) Close() error { return nil }

// mapErr turns S3 "missing" responses into storage.ErrNotFound.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchObject", "NotFound":
		return storage.ErrNotFound
	}
	return err
}
