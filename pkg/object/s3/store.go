// Package s3 is an S3-compatible object.Store backend, adapted from a
// plain block store into the Put/Get/GetRange/Delete shape pkg/chunk
// depends on.
package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/kisekifs/kiseki/internal/errs"
	"github.com/kisekifs/kiseki/pkg/object"
)

// Config holds the parameters needed to reach an S3-compatible bucket.
type Config struct {
	Bucket         string
	Region         string
	Endpoint       string // optional, for S3-compatible services (MinIO, etc.)
	KeyPrefix      string // prepended to every key; should end in "/" if set
	ForcePathStyle bool   // required by most non-AWS S3-compatible services
}

// Store is an S3-backed object.Store.
type Store struct {
	client    *s3.Client
	bucket    string
	keyPrefix string

	mu     sync.RWMutex
	closed bool
}

var _ object.Store = (*Store)(nil)

// New wraps an existing S3 client.
func New(client *s3.Client, cfg Config) *Store {
	return &Store{client: client, bucket: cfg.Bucket, keyPrefix: cfg.KeyPrefix}
}

// NewFromConfig builds an S3 client from the default AWS credential chain
// and wraps it.
func NewFromConfig(ctx context.Context, cfg Config) (*Store, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("kiseki/object/s3: load aws config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) { o.BaseEndpoint = aws.String(cfg.Endpoint) })
	}
	if cfg.ForcePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) { o.UsePathStyle = true })
	}

	return New(s3.NewFromConfig(awsCfg, s3Opts...), cfg), nil
}

func (s *Store) fullKey(key string) string { return s.keyPrefix + key }

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return &errs.ObjectStoreError{Op: "check_open", Err: fmt.Errorf("store closed")}
	}
	return nil
}

func (s *Store) Put(ctx context.Context, key string, data []byte) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	fullKey := s.fullKey(key)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(fullKey),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return &errs.ObjectStoreError{Op: "put", Key: fullKey, Err: err}
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	fullKey := s.fullKey(key)
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(fullKey),
	})
	if err != nil {
		if isNotFoundError(err) {
			return nil, &errs.ObjectStoreError{Op: "get", Key: fullKey, NotFound: true}
		}
		return nil, &errs.ObjectStoreError{Op: "get", Key: fullKey, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &errs.IOError{Op: "s3_read_body", Err: err}
	}
	return data, nil
}

func (s *Store) GetRange(ctx context.Context, key string, offset, length int64) ([]byte, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	fullKey := s.fullKey(key)
	rangeHeader := fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)

	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(fullKey),
		Range:  aws.String(rangeHeader),
	})
	if err != nil {
		if isNotFoundError(err) {
			return nil, &errs.ObjectStoreError{Op: "get_range", Key: fullKey, NotFound: true}
		}
		return nil, &errs.ObjectStoreError{Op: "get_range", Key: fullKey, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &errs.IOError{Op: "s3_read_body", Err: err}
	}
	return data, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	fullKey := s.fullKey(key)
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(fullKey),
	})
	if err != nil {
		return &errs.ObjectStoreError{Op: "delete", Key: fullKey, Err: err}
	}
	return nil
}

func (s *Store) IsNotFound(err error) bool {
	var oerr *errs.ObjectStoreError
	if e, ok := err.(*errs.ObjectStoreError); ok {
		oerr = e
	} else {
		return false
	}
	return oerr.NotFound
}

// Close marks the store unusable for further requests.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// HealthCheck verifies the bucket is reachable.
func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err != nil {
		return &errs.ObjectStoreError{Op: "health_check", Err: err}
	}
	return nil
}

func isNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "NoSuchKey") || strings.Contains(msg, "NotFound") || strings.Contains(msg, "404")
}
