package output

import (
	"context"
	"fmt"
	"path"

	miniogo "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
	// Region skips the bucket location lookup when set.
	Region    string
}

// MinioSink uploads outputs to an S3-compatible bucket.
type MinioSink struct {
	client *miniogo.Client
	bucket string
}

func NewMinioSink(cfg MinioConfig) (*MinioSink, error) {
	client, err := miniogo.New(cfg.Endpoint, &miniogo.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &MinioSink{client: client, bucket: cfg.Bucket}, nil
}

// EnsureBucket creates the bucket when it does not exist.
func (s *MinioSink) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, miniogo.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("create bucket %s: %w", s.bucket, err)
		}
	}
	return nil
}

// Publish uploads localPath to <bucket>/job_<id>/<filename> and returns an s3:// URI.
func (s *MinioSink) Publish(ctx context.Context, jobID, localPath, filename string) (string, error) {
	name, err := cleanName(filename)
	if err != nil {
		return "", err
	}
	key := path.Join(JobPrefix(jobID), name)
	_, err = s.client.FPutObject(ctx, s.bucket, key, localPath, miniogo.PutObjectOptions{
		ContentType: "video/mp4",
	})
	if err != nil {
		return "", fmt.Errorf("upload output: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
