package uploader

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Config is the resolved client configuration for S3-compatible storage.
type S3Config struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// S3Store implements ObjectStore against S3-compatible object storage.
type S3Store struct {
	client *minio.Client
	bucket string
}

func NewS3Store(cfg S3Config) (*S3Store, error) {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = "s3.amazonaws.com"
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, &ConfigError{Err: fmt.Errorf("storage client: %w", err)}
	}
	return &S3Store{client: client, bucket: cfg.Bucket}, nil
}

// Ensure verifies the bucket is reachable with the supplied credentials.
// Run before the first session so credential problems fail the process at
// startup instead of poisoning every task.
func (s *S3Store) Ensure(ctx context.Context) error {
	ok, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return classify(err)
	}
	if !ok {
		return &ConfigError{Err: fmt.Errorf("bucket %q not found", s.bucket)}
	}
	return nil
}

func (s *S3Store) Put(ctx context.Context, key, path string) (int64, error) {
	info, err := s.client.FPutObject(ctx, s.bucket, key, path, minio.PutObjectOptions{
		ContentType: "audio/wav",
	})
	if err != nil {
		return 0, classify(err)
	}
	return info.Size, nil
}

func (s *S3Store) Stat(ctx context.Context, key string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	resp := minio.ToErrorResponse(err)
	if resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	return false, classify(err)
}

// classify splits storage errors into configuration-class (never retried)
// and transient (retried with backoff). Unknown errors count as transient;
// the attempt budget bounds the damage either way.
func classify(err error) error {
	var resp minio.ErrorResponse
	if !errors.As(err, &resp) {
		return err
	}
	switch resp.Code {
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch",
		"NoSuchBucket", "AllAccessDisabled", "InvalidBucketName":
		return &ConfigError{Err: err}
	}
	if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnauthorized {
		return &ConfigError{Err: err}
	}
	return err
}
