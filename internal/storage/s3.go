package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ObjectStore is the primary attachment back-end. Implementations upload a
// payload under a key and return its durable URL.
type ObjectStore interface {
	Upload(ctx context.Context, key string, r io.Reader, size int64, contentType string) (string, error)
}

// S3Config holds the settings for the S3-compatible primary store. The
// store counts as configured when region, credentials, and bucket are all
// present.
type S3Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	Endpoint        string // optional custom endpoint, e.g. minio or localstack
	UsePathStyle    bool
	Insecure        bool
}

// Configured reports whether the config is complete enough to build a client.
func (c S3Config) Configured() bool {
	return c.Region != "" && c.AccessKeyID != "" && c.SecretAccessKey != "" && c.Bucket != ""
}

// S3Store uploads attachments to an S3-compatible bucket.
type S3Store struct {
	cl        *minio.Client
	bucket    string
	region    string
	endpoint  string
	secure    bool
	pathStyle bool
}

// NewS3Store builds an S3Store from the config. The default AWS endpoint is
// used when none is configured.
func NewS3Store(cfg S3Config) (*S3Store, error) {
	endpoint := cfg.Endpoint
	secure := !cfg.Insecure
	if endpoint == "" {
		endpoint = fmt.Sprintf("s3.%s.amazonaws.com", cfg.Region)
		secure = true
	} else if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
		secure = u.Scheme != "http"
		endpoint = u.Host
	}

	opts := &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: secure,
		Region: cfg.Region,
	}
	if cfg.UsePathStyle {
		opts.BucketLookup = minio.BucketLookupPath
	}

	cl, err := minio.New(endpoint, opts)
	if err != nil {
		return nil, fmt.Errorf("creating s3 client: %w", err)
	}

	return &S3Store{
		cl:        cl,
		bucket:    cfg.Bucket,
		region:    cfg.Region,
		endpoint:  endpoint,
		secure:    secure,
		pathStyle: cfg.UsePathStyle || cfg.Endpoint != "",
	}, nil
}

// Upload puts the payload into the bucket and returns the object URL.
func (s *S3Store) Upload(ctx context.Context, key string, r io.Reader, size int64, contentType string) (string, error) {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err := s.cl.PutObject(ctx, s.bucket, key, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("uploading %s to bucket %s: %w", key, s.bucket, err)
	}
	return s.objectURL(key), nil
}

func (s *S3Store) objectURL(key string) string {
	scheme := "https"
	if !s.secure {
		scheme = "http"
	}
	escaped := (&url.URL{Path: key}).EscapedPath()
	escaped = strings.TrimPrefix(escaped, "/")
	if s.pathStyle {
		return fmt.Sprintf("%s://%s/%s/%s", scheme, s.endpoint, s.bucket, escaped)
	}
	return fmt.Sprintf("%s://%s.%s/%s", scheme, s.bucket, s.endpoint, escaped)
}
