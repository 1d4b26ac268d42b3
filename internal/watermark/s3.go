package watermark

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/shaunnez/diamond-opus-sub002/internal/config"
	"github.com/shaunnez/diamond-opus-sub002/internal/models"
)

// S3Store keeps blobs in an S3-compatible bucket. Object PUTs are atomic,
// so no temp-and-rename dance is needed here.
type S3Store struct {
	client *minio.Client
	bucket string
}

func NewS3Store(cfg config.S3Config) (*S3Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create s3 client for %s: %w", cfg.Endpoint, err)
	}
	return &S3Store{client: client, bucket: cfg.Bucket}, nil
}

func (s *S3Store) Load(ctx context.Context, blob string) (*models.Watermark, bool, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, blob, minio.GetObjectOptions{})
	if err != nil {
		return nil, false, fmt.Errorf("failed to get watermark %s: %w", blob, err)
	}
	defer obj.Close()

	// minio surfaces missing objects on first read, not on GetObject.
	data, err := io.ReadAll(obj)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to read watermark %s: %w", blob, err)
	}
	var wm models.Watermark
	if err := json.Unmarshal(data, &wm); err != nil {
		return nil, false, fmt.Errorf("failed to decode watermark %s: %w", blob, err)
	}
	return &wm, true, nil
}

func (s *S3Store) Save(ctx context.Context, blob string, wm models.Watermark) error {
	data, err := json.Marshal(wm)
	if err != nil {
		return fmt.Errorf("failed to encode watermark %s: %w", blob, err)
	}
	_, err = s.client.PutObject(ctx, s.bucket, blob, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return fmt.Errorf("failed to put watermark %s: %w", blob, err)
	}
	return nil
}

func (s *S3Store) Delete(ctx context.Context, blob string) error {
	err := s.client.RemoveObject(ctx, s.bucket, blob, minio.RemoveObjectOptions{})
	if err != nil && minio.ToErrorResponse(err).Code != "NoSuchKey" {
		return fmt.Errorf("failed to delete watermark %s: %w", blob, err)
	}
	return nil
}
