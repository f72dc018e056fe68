// Package s3 exposes a vmcore stored in Amazon S3 (or any S3-compatible
// service) as an io.ReaderAt.
//
// Every ReadAt becomes one ranged GetObject. The reader is meant to sit below
// pkg/snapshot/blockcache, which turns the many small pointer-sized reads of
// a dentry walk into a few block-sized requests.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/marmos91/cacheinspect/internal/ratelimiter"
)

// ErrObjectNotFound is returned when the snapshot object does not exist.
var ErrObjectNotFound = errors.New("snapshot object not found")

// ObjectAPI is the subset of *s3.Client used by ObjectReader.
type ObjectAPI interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// ObjectReader reads byte ranges of a single S3 object.
//
// Thread Safety:
// Safe for concurrent use by multiple goroutines.
type ObjectReader struct {
	ctx     context.Context
	client  ObjectAPI
	bucket  string
	key     string
	size    int64
	limiter *ratelimiter.RateLimiter
	metrics S3Metrics
}

// ObjectReaderConfig contains configuration for an ObjectReader.
type ObjectReaderConfig struct {
	// Client is the configured S3 client
	Client ObjectAPI

	// Bucket is the S3 bucket name
	Bucket string

	// Key is the object key of the vmcore
	Key string

	// Limiter throttles GetObject calls. Nil means unlimited.
	Limiter *ratelimiter.RateLimiter

	// Metrics is optional
	Metrics S3Metrics
}

// NewObjectReader verifies the object exists and records its size.
//
// io.ReaderAt has no context parameter, so ctx is kept and used for every
// subsequent request. Cancelling it aborts in-flight and future reads.
//
// Parameters:
//   - ctx: Context for the HEAD request and all later reads
//   - cfg: Object location and client
//
// Returns:
//   - *ObjectReader: Reader positioned over the whole object
//   - error: ErrObjectNotFound, or any S3 error
func NewObjectReader(ctx context.Context, cfg ObjectReaderConfig) (*ObjectReader, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cfg.Client == nil {
		return nil, fmt.Errorf("S3 client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	if cfg.Key == "" {
		return nil, fmt.Errorf("object key is required")
	}

	r := &ObjectReader{
		ctx:     ctx,
		client:  cfg.Client,
		bucket:  cfg.Bucket,
		key:     cfg.Key,
		limiter: cfg.Limiter,
		metrics: cfg.Metrics,
	}
	if r.metrics == nil {
		r.metrics = noopMetrics{}
	}

	start := time.Now()
	head, err := cfg.Client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(cfg.Bucket),
		Key:    aws.String(cfg.Key),
	})
	r.metrics.ObserveOperation("HeadObject", time.Since(start), err)
	if err != nil {
		var notFound *types.NotFound
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &notFound) || errors.As(err, &noSuchKey) {
			return nil, fmt.Errorf("s3://%s/%s: %w", cfg.Bucket, cfg.Key, ErrObjectNotFound)
		}
		return nil, fmt.Errorf("failed to head object: %w", err)
	}
	if head.ContentLength == nil {
		return nil, fmt.Errorf("content length not available for s3://%s/%s", cfg.Bucket, cfg.Key)
	}
	r.size = *head.ContentLength

	return r, nil
}

// Size returns the object size in bytes.
func (r *ObjectReader) Size() int64 {
	return r.size
}

// Name returns the s3:// URL of the object.
func (r *ObjectReader) Name() string {
	return "s3://" + r.bucket + "/" + r.key
}

// ReadAt implements io.ReaderAt with a ranged GetObject.
//
// Returns io.EOF when off is at or beyond the end of the object, and
// (n, io.EOF) for a short read at the tail.
func (r *ObjectReader) ReadAt(p []byte, off int64) (n int, err error) {
	start := time.Now()
	defer func() {
		r.metrics.ObserveOperation("GetObject", time.Since(start), err)
		if n > 0 {
			r.metrics.RecordBytes("read", int64(n))
		}
	}()

	if len(p) == 0 {
		return 0, nil
	}
	if off < 0 {
		return 0, fmt.Errorf("negative offset: %d", off)
	}
	if off >= r.size {
		return 0, io.EOF
	}

	want := int64(len(p))
	if off+want > r.size {
		want = r.size - off
	}

	if r.limiter != nil {
		if err := r.limiter.Wait(r.ctx); err != nil {
			return 0, fmt.Errorf("rate limit wait cancelled: %w", err)
		}
	}

	// S3 range is inclusive, so end = offset + length - 1
	rangeStr := fmt.Sprintf("bytes=%d-%d", off, off+want-1)

	result, err := r.client.GetObject(r.ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(r.key),
		Range:  aws.String(rangeStr),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return 0, fmt.Errorf("%s: %w", r.Name(), ErrObjectNotFound)
		}
		if strings.Contains(err.Error(), "InvalidRange") {
			return 0, io.EOF
		}
		return 0, fmt.Errorf("failed to read from S3: %w", err)
	}
	defer func() { _ = result.Body.Close() }()

	n, err = io.ReadFull(result.Body, p[:want])
	if err == io.ErrUnexpectedEOF {
		return n, io.EOF
	}
	if err != nil {
		return n, err
	}
	if int64(n) < int64(len(p)) {
		return n, io.EOF
	}
	return n, nil
}
