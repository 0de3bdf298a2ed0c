package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/fyrsmithlabs/recalld/internal/config"
	"github.com/fyrsmithlabs/recalld/internal/logging"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

// MinioStore is a Store backed by minio-go.
type MinioStore struct {
	client *minio.Client
	region string
	logger *logging.Logger
}

var _ Store = (*MinioStore)(nil)

// NewMinioStore builds a client for cfg. No request is made until the
// first operation.
func NewMinioStore(cfg config.ObjectStoreConfig, logger *logging.Logger) (*MinioStore, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("objectstore endpoint is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey.Value(), ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("creating minio client: %w", err)
	}

	logger.Info(context.Background(), "object store configured",
		zap.String("endpoint", cfg.Endpoint),
		zap.Bool("ssl", cfg.UseSSL),
		logging.Secret("secret_key", cfg.SecretKey))
	return &MinioStore{client: client, region: cfg.Region, logger: logger}, nil
}

// Open returns a MinioStore when cfg is enabled and Disabled otherwise.
func Open(cfg config.ObjectStoreConfig, logger *logging.Logger) (Store, error) {
	if !cfg.Enabled {
		return Disabled{}, nil
	}
	return NewMinioStore(cfg, logger)
}

func (s *MinioStore) EnsureBuckets(ctx context.Context, buckets ...string) error {
	for _, b := range buckets {
		if b == "" {
			continue
		}
		exists, err := s.client.BucketExists(ctx, b)
		if err != nil {
			return fmt.Errorf("checking bucket %s: %w", b, mapErr(err))
		}
		if exists {
			s.logger.Debug(ctx, "bucket exists", zap.String("bucket", b))
			continue
		}
		if err := s.client.MakeBucket(ctx, b, minio.MakeBucketOptions{Region: s.region}); err != nil {
			if code := minio.ToErrorResponse(err).Code; code == "BucketAlreadyOwnedByYou" || code == "BucketAlreadyExists" {
				continue
			}
			return fmt.Errorf("creating bucket %s: %w", b, err)
		}
		s.logger.Info(ctx, "bucket created", zap.String("bucket", b))
	}
	return nil
}

func (s *MinioStore) Put(ctx context.Context, bucket, object string, r io.Reader, size int64, contentType string) error {
	info, err := s.client.PutObject(ctx, bucket, object, r, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("uploading %s: %w", Ref(bucket, object), mapErr(err))
	}
	s.logger.Info(ctx, "object uploaded",
		zap.String("ref", Ref(bucket, object)),
		zap.Int64("bytes", info.Size))
	return nil
}

func (s *MinioStore) Get(ctx context.Context, bucket, object string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, bucket, object, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", Ref(bucket, object), mapErr(err))
	}
	defer obj.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, obj); err != nil {
		return nil, fmt.Errorf("reading %s: %w", Ref(bucket, object), mapErr(err))
	}
	return buf.Bytes(), nil
}

func (s *MinioStore) Delete(ctx context.Context, bucket, object string) error {
	if err := s.client.RemoveObject(ctx, bucket, object, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("deleting %s: %w", Ref(bucket, object), mapErr(err))
	}
	return nil
}

func (s *MinioStore) List(ctx context.Context, bucket, prefix string) ([]string, error) {
	var keys []string
	for info := range s.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if info.Err != nil {
			return nil, fmt.Errorf("listing %s: %w", bucket, mapErr(info.Err))
		}
		keys = append(keys, info.Key)
	}
	return keys, nil
}

// Health lists buckets, which exercises credentials and connectivity.
func (s *MinioStore) Health(ctx context.Context) error {
	if _, err := s.client.ListBuckets(ctx); err != nil {
		return fmt.Errorf("object store health: %w", err)
	}
	return nil
}

func mapErr(err error) error {
	resp := minio.ToErrorResponse(err)
	switch {
	case resp.Code == "NoSuchKey", resp.Code == "NoSuchBucket", resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, resp.Message)
	}
	return err
}
