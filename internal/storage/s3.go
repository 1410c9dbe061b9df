package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"lectern/internal/config"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

var errStorageDisabled = errors.New("attachment storage is not configured; set S3_* to enable uploads")

// S3Storage handles uploads to S3-compatible storage.
type S3Storage struct {
	bucket     string
	region     string
	endpoint   string
	publicBase string
	client     *s3.Client
	disabled   bool
}

func NewS3Storage(ctx context.Context, cfg *config.Config) (*S3Storage, error) {
	st := &S3Storage{
		bucket:     strings.TrimSpace(cfg.S3Bucket),
		region:     cfg.S3Region,
		endpoint:   strings.TrimRight(cfg.S3Endpoint, "/"),
		publicBase: cfg.StoragePublicBaseURL,
	}
	if st.bucket == "" {
		st.disabled = true
		return st, nil
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.S3Region)}
	if cfg.S3AccessKey != "" && cfg.S3SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	st.client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if st.endpoint != "" {
			o.BaseEndpoint = aws.String(st.endpoint)
			o.UsePathStyle = true
		}
	})
	return st, nil
}

func (s *S3Storage) ensureEnabled() error {
	if s.disabled {
		return errStorageDisabled
	}
	return nil
}

func (s *S3Storage) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) (string, error) {
	if err := s.ensureEnabled(); err != nil {
		return "", err
	}
	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String(contentType),
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return "", err
	}
	return s.URL(key), nil
}

// URL prefers the public base (a CDN or proxy); otherwise it addresses the
// object on the endpoint or on AWS directly.
func (s *S3Storage) URL(key string) string {
	switch {
	case s.publicBase != "" && !strings.Contains(s.publicBase, "localhost"):
		return joinURL(s.publicBase, key)
	case s.endpoint != "":
		return joinURL(s.endpoint+"/"+s.bucket, key)
	default:
		return joinURL(fmt.Sprintf("https://%s.s3.%s.amazonaws.com", s.bucket, s.region), key)
	}
}

func (s *S3Storage) Delete(ctx context.Context, key string) error {
	if err := s.ensureEnabled(); err != nil {
		return err
	}
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	return err
}

// Health performs a HeadBucket request.
func (s *S3Storage) Health(ctx context.Context) error {
	if s.disabled {
		return errStorageDisabled
	}
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	return err
}
