// Package objectstore uploads rendered images to an S3-compatible bucket and
// serves their public URLs. Batches are atomic: when any upload in a batch
// fails, every object the batch already wrote is deleted again.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"golang.org/x/sync/errgroup"

	"assetpipe/internal/observability/metrics"
)

const (
	defaultCacheSeconds     = 31_536_000
	defaultBatchConcurrency = 5
)

// ErrBatchFailed marks a batch upload that was rolled back.
var ErrBatchFailed = errors.New("batch upload failed")

// BatchError reports the lowest-index upload failure of a batch.
type BatchError struct {
	Index int
	Key   string
	Err   error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("upload %d (%s): %v", e.Index, e.Key, e.Err)
}

func (e *BatchError) Unwrap() error {
	return ErrBatchFailed
}

// Config holds the bucket connection parameters. Endpoint and PublicBaseURL
// are optional; without an endpoint the client talks to AWS proper, without a
// public base URL PublicURL returns bare keys.
type Config struct {
	Endpoint      string
	Region        string
	Bucket        string
	AccessKey     string
	SecretKey     string
	PublicBaseURL string
	CacheSeconds  int
}

// API is the slice of the S3 client the store uses, narrow enough for test
// doubles.
type API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// File is one object to upload.
type File struct {
	Key         string
	Body        []byte
	ContentType string
}

// Store writes immutable, publicly cacheable image objects.
type Store struct {
	api          API
	bucket       string
	publicBase   string
	cacheControl string
	concurrency  int
}

// New builds a Store backed by a real S3 client. MinIO and other
// S3-compatible endpoints need path-style addressing, which is safe against
// AWS as well.
func New(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("object store bucket required")
	}
	opts := s3.Options{
		Region:       strings.TrimSpace(cfg.Region),
		UsePathStyle: true,
	}
	if opts.Region == "" {
		opts.Region = "us-east-1"
	}
	if cfg.AccessKey != "" || cfg.SecretKey != "" {
		opts.Credentials = credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")
	}
	if endpoint := strings.TrimSpace(cfg.Endpoint); endpoint != "" {
		if !strings.Contains(endpoint, "://") {
			endpoint = "https://" + endpoint
		}
		opts.BaseEndpoint = aws.String(endpoint)
	}
	return NewWithAPI(s3.New(opts), cfg), nil
}

// NewWithAPI builds a Store on a caller-supplied client.
func NewWithAPI(api API, cfg Config) *Store {
	cacheSeconds := cfg.CacheSeconds
	if cacheSeconds <= 0 {
		cacheSeconds = defaultCacheSeconds
	}
	return &Store{
		api:          api,
		bucket:       strings.TrimSpace(cfg.Bucket),
		publicBase:   strings.TrimSpace(cfg.PublicBaseURL),
		cacheControl: fmt.Sprintf("public, max-age=%d", cacheSeconds),
		concurrency:  defaultBatchConcurrency,
	}
}

func cleanKey(key string) string {
	return strings.TrimPrefix(key, "/")
}

// Put uploads one object with the store's cache policy and a public-read ACL.
func (s *Store) Put(ctx context.Context, file File) error {
	key := cleanKey(file.Key)
	input := &s3.PutObjectInput{
		Bucket:       aws.String(s.bucket),
		Key:          aws.String(key),
		Body:         bytes.NewReader(file.Body),
		CacheControl: aws.String(s.cacheControl),
		ACL:          types.ObjectCannedACLPublicRead,
	}
	if file.ContentType != "" {
		input.ContentType = aws.String(file.ContentType)
	}
	if _, err := s.api.PutObject(ctx, input); err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	return nil
}

// PutMultiple uploads a batch concurrently. The first failure cancels the
// remaining uploads, every object already written is deleted again, and the
// lowest-index failure is returned as a BatchError. An empty batch is a no-op.
func (s *Store) PutMultiple(ctx context.Context, files []File) error {
	if len(files) == 0 {
		return nil
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(s.concurrency)

	var mu sync.Mutex
	uploaded := make([]bool, len(files))
	// Uploads racing the group cancellation fail with context.Canceled; those
	// must not shadow the upload that actually caused the abort.
	var failure, collateral *BatchError

	for idx, file := range files {
		group.Go(func() error {
			err := s.Put(groupCtx, file)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				uploaded[idx] = true
				return nil
			}
			entry := &BatchError{Index: idx, Key: cleanKey(file.Key), Err: err}
			if errors.Is(err, context.Canceled) {
				if collateral == nil || idx < collateral.Index {
					collateral = entry
				}
			} else if failure == nil || idx < failure.Index {
				failure = entry
			}
			return err
		})
	}

	if err := group.Wait(); err != nil {
		for idx, ok := range uploaded {
			if ok {
				_ = s.Delete(ctx, files[idx].Key)
			}
		}
		metrics.ObserveUploadBatch("failed", len(files))
		if failure != nil {
			return failure
		}
		if collateral != nil {
			return collateral
		}
		return &BatchError{Index: 0, Key: cleanKey(files[0].Key), Err: err}
	}
	metrics.ObserveUploadBatch("ok", len(files))
	return nil
}

// Delete removes one object. Deleting a key that does not exist is not an
// error.
func (s *Store) Delete(ctx context.Context, key string) error {
	cleaned := cleanKey(key)
	_, err := s.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(cleaned),
	})
	if err != nil {
		return fmt.Errorf("delete object %s: %w", cleaned, err)
	}
	return nil
}

// PublicURL joins the configured public base URL with the key. Without a base
// URL the key is returned unchanged.
func (s *Store) PublicURL(key string) string {
	trimmedKey := strings.TrimLeft(key, "/")
	if s.publicBase == "" {
		return trimmedKey
	}
	base := strings.TrimRight(s.publicBase, "/")
	if trimmedKey == "" {
		return base
	}
	return base + "/" + trimmedKey
}
