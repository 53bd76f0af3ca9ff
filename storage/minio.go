package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/einoworld/chunk-service/config"
	"github.com/einoworld/chunk-service/errs"
)

// MinioStore implements Store against an S3-compatible endpoint.
type MinioStore struct {
	client         *minio.Client
	bucket         string
	publicEndpoint string
}

func NewMinioStore(cfg *config.Config) (*MinioStore, error) {
	client, err := minio.New(cfg.S3Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		Secure: cfg.S3UseSSL,
		Transport: &http.Transport{
			MaxIdleConnsPerHost: 128,
			IdleConnTimeout:     90 * time.Second,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to object storage: %w", err)
	}

	public := cfg.S3PublicEndpoint
	if public == "" {
		scheme := "http"
		if cfg.S3UseSSL {
			scheme = "https"
		}
		public = fmt.Sprintf("%s://%s", scheme, cfg.S3Endpoint)
	}

	return &MinioStore{
		client:         client,
		bucket:         cfg.S3Bucket,
		publicEndpoint: public,
	}, nil
}

func (s *MinioStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("%w: put %s: %v", errs.ErrStorage, key, err)
	}
	return nil
}

func (s *MinioStore) PutFile(ctx context.Context, key, path, contentType string) error {
	_, err := s.client.FPutObject(ctx, s.bucket, key, path, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("%w: put %s: %v", errs.ErrStorage, key, err)
	}
	return nil
}

func (s *MinioStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	// GetObject defers errors to the first read; stat first so a missing
	// key surfaces here.
	if _, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{}); err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, fmt.Errorf("%w: object %s", errs.ErrNotFound, key)
		}
		return nil, fmt.Errorf("%w: stat %s: %v", errs.ErrStorage, key, err)
	}
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("%w: get %s: %v", errs.ErrStorage, key, err)
	}
	return obj, nil
}

func (s *MinioStore) Delete(ctx context.Context, key string) error {
	err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{})
	if err != nil {
		return fmt.Errorf("%w: delete %s: %v", errs.ErrStorage, key, err)
	}
	return nil
}

func (s *MinioStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return false, nil
		}
		return false, fmt.Errorf("%w: stat %s: %v", errs.ErrStorage, key, err)
	}
	return true, nil
}

func (s *MinioStore) PresignedGetURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, ttl, nil)
	if err != nil {
		return "", fmt.Errorf("%w: presign %s: %v", errs.ErrStorage, key, err)
	}
	return u.String(), nil
}

func (s *MinioStore) ResumableSessionURL(ctx context.Context, key, contentType string, size int64) (string, error) {
	u, err := s.client.PresignedPutObject(ctx, s.bucket, key, 24*time.Hour)
	if err != nil {
		return "", fmt.Errorf("%w: presign upload %s: %v", errs.ErrStorage, key, err)
	}
	return u.String(), nil
}

func (s *MinioStore) PublicURL(key string) string {
	return fmt.Sprintf("%s/%s/%s", s.publicEndpoint, s.bucket, key)
}
