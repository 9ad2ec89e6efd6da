package storage

import (
	"bytes"
	"context"
	"errors"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ErrNotFound is returned when a stored artifact does not exist.
var ErrNotFound = errors.New("artifact not found")

// Key prefixes for the two artifact kinds kept per screening.
const (
	UploadPrefix  = "uploads/"
	HeatmapPrefix = "heatmaps/"
)

// Store keeps screening artifacts (uploaded fundus images and GradCAM
// heatmaps) in a MinIO bucket.
type Store struct {
	client *minio.Client
	bucket string
}

// New connects to MinIO and ensures the artifact bucket exists.
func New(ctx context.Context, endpoint, accessKey, secretKey, bucket string, useSSL bool) (*Store, error) {
	cli, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, err
	}

	exists, err := cli.BucketExists(ctx, bucket)
	if err != nil {
		return nil, err
	}
	if !exists {
		if err := cli.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, err
		}
	}

	return &Store{client: cli, bucket: bucket}, nil
}

// Put stores an artifact under key.
func (s *Store) Put(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	return err
}

// Get streams an artifact back, returning its content type alongside the
// reader. The caller owns closing the reader.
func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, string, error) {
	stat, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if resp := minio.ToErrorResponse(err); resp.Code == "NoSuchKey" {
			return nil, "", ErrNotFound
		}
		return nil, "", err
	}

	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, "", err
	}
	return obj, stat.ContentType, nil
}
