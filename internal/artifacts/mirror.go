package artifacts

import (
	"context"
	"fmt"
	"mime"
	"path/filepath"
	"strings"

	"correctord/pkg/logx"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Mirror copies finished artifacts to secondary storage. Keys are paths
// relative to the artifacts base directory.
type Mirror interface {
	Upload(ctx context.Context, key, path string) error
}

type MirrorConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Secure    bool
}

// S3Mirror uploads to an S3-compatible bucket.
type S3Mirror struct {
	client *minio.Client
	bucket string
	log    logx.Logger
}

func NewS3Mirror(ctx context.Context, cfg MirrorConfig, log logx.Logger) (*S3Mirror, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("bucket check: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("make bucket %s: %w", cfg.Bucket, err)
		}
		log.Info("artifact bucket created", logx.String("bucket", cfg.Bucket))
	}
	return &S3Mirror{client: client, bucket: cfg.Bucket, log: log}, nil
}

func (m *S3Mirror) Upload(ctx context.Context, key, path string) error {
	ct := mime.TypeByExtension(filepath.Ext(path))
	if ct == "" {
		ct = "application/octet-stream"
	}
	_, err := m.client.FPutObject(ctx, m.bucket, key, path, minio.PutObjectOptions{ContentType: ct})
	if err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	return nil
}

// Key turns an artifact path into a bucket key relative to base.
func Key(base, path string) string {
	rel, err := filepath.Rel(base, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		rel = filepath.Base(path)
	}
	return filepath.ToSlash(rel)
}
