package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	gcs "cloud.google.com/go/storage"
	"go.uber.org/zap"
)

const gcsOpTimeout = 50 * time.Second

// GCSStore stores artifacts in a Google Cloud Storage bucket.
type GCSStore struct {
	cl     *gcs.Client
	bucket string
	log    *zap.Logger
}

func NewGCSStore(ctx context.Context, bucket string, log *zap.Logger) (*GCSStore, error) {
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, err
	}
	return &GCSStore{cl: client, bucket: bucket, log: log.With(zap.String("bucket", bucket))}, nil
}

func (s *GCSStore) Put(ctx context.Context, ref string, data []byte, contentType string) error {
	ctx, cancel := context.WithTimeout(ctx, gcsOpTimeout)
	defer cancel()

	wc := s.cl.Bucket(s.bucket).Object(ref).NewWriter(ctx)
	wc.ContentType = contentType
	if _, err := wc.Write(data); err != nil {
		return fmt.Errorf("writer.Write: %w", err)
	}
	if err := wc.Close(); err != nil {
		return fmt.Errorf("Writer.Close: %w", err)
	}
	return nil
}

func (s *GCSStore) Get(ctx context.Context, ref string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, gcsOpTimeout)
	defer cancel()

	rc, err := s.cl.Bucket(s.bucket).Object(ref).NewReader(ctx)
	if err != nil {
		if errors.Is(err, gcs.ErrObjectNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer rc.Close()

	return io.ReadAll(rc)
}

func (s *GCSStore) Exists(ctx context.Context, ref string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, gcsOpTimeout)
	defer cancel()

	_, err := s.cl.Bucket(s.bucket).Object(ref).Attrs(ctx)
	if err != nil {
		if errors.Is(err, gcs.ErrObjectNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *GCSStore) Delete(ctx context.Context, ref string) error {
	ctx, cancel := context.WithTimeout(ctx, gcsOpTimeout)
	defer cancel()

	err := s.cl.Bucket(s.bucket).Object(ref).Delete(ctx)
	if err != nil && !errors.Is(err, gcs.ErrObjectNotExist) {
		return err
	}
	return nil
}

// URL returns the public URL for an object; assumes the bucket grants
// allUsers objectViewer.
func (s *GCSStore) URL(ref string) string {
	return fmt.Sprintf("https://storage.googleapis.com/%s/%s", s.bucket, ref)
}

// Ping verifies the bucket is reachable, for health checks.
func (s *GCSStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, err := s.cl.Bucket(s.bucket).Attrs(ctx)
	return err
}

func (s *GCSStore) Close() error {
	return s.cl.Close()
}
