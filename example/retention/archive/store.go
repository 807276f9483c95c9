// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package archive

import (
	"context"
	"io"

	"github.com/minio/minio-go/v7"
)

// MinioStore implements [ObjectStore] on a MinIO (or any S3
// compatible) endpoint.
type MinioStore struct {
	mc *minio.Client
}

// NewMinioStore wraps an initialized MinIO client.
func NewMinioStore(mc *minio.Client) *MinioStore {
	return &MinioStore{mc: mc}
}

// PutObject implements the [ObjectStore] interface.
func (s *MinioStore) PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64) error {
	_, err := s.mc.PutObject(ctx, bucket, key, r, size, minio.PutObjectOptions{
		ContentType: "application/x-ndjson",
	})
	return err
}

// EnsureBucket creates the bucket when it does not exist yet.
func (s *MinioStore) EnsureBucket(ctx context.Context, bucket string) error {
	exists, err := s.mc.BucketExists(ctx, bucket)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return s.mc.MakeBucket(ctx, bucket, minio.MakeBucketOptions{})
}
