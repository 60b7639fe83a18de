// Package storage persists published profile artifacts in S3-compatible
// object storage.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

const (
	// ArtifactContentType is the content type of every published artifact
	ArtifactContentType = "text/html; charset=utf-8"

	// ArtifactCacheControl lets the CDN cache artifacts indefinitely; a new
	// publish writes a new object body under the same key.
	ArtifactCacheControl = "public, max-age=31536000, immutable"
)

// ErrNotFound is returned when the requested artifact does not exist
var ErrNotFound = errors.New("artifact not found")

// ArtifactStore reads and writes published profile artifacts
type ArtifactStore interface {
	Put(ctx context.Context, key string, body []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// ArtifactKey returns the object key a profile's artifact is stored under
func ArtifactKey(slug string) string {
	return fmt.Sprintf("profiles/%s.html", slug)
}

// S3Store is the S3-backed artifact store
type S3Store struct {
	client *s3.Client
	bucket string
}

// Config holds the object storage settings
type Config struct {
	Bucket    string
	Region    string
	Endpoint  string // Custom endpoint for S3-compatible stores (MinIO, R2)
	PathStyle bool
}

// ConfigFromEnv reads the object storage settings from the environment
func ConfigFromEnv() Config {
	return Config{
		Bucket:    os.Getenv("ARTIFACT_BUCKET"),
		Region:    os.Getenv("ARTIFACT_REGION"),
		Endpoint:  os.Getenv("ARTIFACT_ENDPOINT"),
		PathStyle: os.Getenv("ARTIFACT_PATH_STYLE") == "true",
	}
}

// NewS3Store creates an S3-backed artifact store
func NewS3Store(ctx context.Context, cfg Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("artifact bucket is required")
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.Endpoint,
					HostnameImmutable: cfg.PathStyle,
					SigningRegion:     cfg.Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
	})

	return &S3Store{client: client, bucket: cfg.Bucket}, nil
}

// Put uploads an artifact under the given key
func (s *S3Store) Put(ctx context.Context, key string, body []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:       aws.String(s.bucket),
		Key:          aws.String(key),
		Body:         bytes.NewReader(body),
		ContentType:  aws.String(ArtifactContentType),
		CacheControl: aws.String(ArtifactCacheControl),
	})
	if err != nil {
		return fmt.Errorf("failed to upload artifact %s: %w", key, err)
	}
	return nil
}

// Get downloads the artifact stored under the given key. Returns ErrNotFound
// when no such object exists.
func (s *S3Store) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to download artifact %s: %w", key, err)
	}
	defer out.Body.Close()

	body, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact %s: %w", key, err)
	}

	return body, nil
}
