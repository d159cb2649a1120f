// Package blobstore reads stored peer patches straight from S3-compatible
// object storage.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"peerlines/agent/internal/coordinator"
)

// ErrNotFound indicates the requested key does not exist in the bucket.
var ErrNotFound = errors.New("blob not found")

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type Store struct {
	client *minio.Client
	bucket string
}

func New(cfg Config) (*Store, error) {
	endpoint := strings.TrimPrefix(strings.TrimPrefix(cfg.Endpoint, "https://"), "http://")
	if endpoint == "" {
		return nil, errors.New("blob endpoint is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("blob bucket is required")
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:        credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:       cfg.UseSSL,
		Region:       "us-east-1",
		BucketLookup: minio.BucketLookupPath,
	})
	if err != nil {
		return nil, fmt.Errorf("create blob client: %w", err)
	}
	return &Store{client: client, bucket: cfg.Bucket}, nil
}

// FetchPatch downloads the patch stored under key. Keys are already scoped
// by the coordinator, so origin is not part of the object name.
func (s *Store) FetchPatch(ctx context.Context, origin, key string) ([]byte, error) {
	key = strings.TrimPrefix(key, "/")
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, s.mapError(key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, s.mapError(key, err)
	}
	return data, nil
}

// mapError classifies a failed read: a missing key is ErrNotFound, rejected
// credentials an AuthError, and everything else a NetworkError so the fetch
// alone can be retried. Cancellation passes through untouched.
func (s *Store) mapError(key string, err error) error {
	op := fmt.Sprintf("get blob %s/%s", s.bucket, key)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	resp := minio.ToErrorResponse(err)
	switch {
	case resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &coordinator.AuthError{Op: op, Status: resp.StatusCode}
	}
	return &coordinator.NetworkError{Op: op, Status: resp.StatusCode, Err: err}
}
