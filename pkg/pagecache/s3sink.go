package pagecache

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// PutObjectAPI is the subset of *s3.Client used by S3Sink.
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Sink buffers the reconstructed content and uploads it as one object on
// Commit.
type S3Sink struct {
	BufferSink

	client PutObjectAPI
	bucket string
	key    string
}

// NewS3Sink creates a sink that uploads to s3://bucket/key.
func NewS3Sink(client PutObjectAPI, bucket, key string) (*S3Sink, error) {
	if client == nil {
		return nil, fmt.Errorf("S3 client is required")
	}
	if bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	if key == "" {
		return nil, fmt.Errorf("object key is required")
	}
	return &S3Sink{client: client, bucket: bucket, key: key}, nil
}

// ParseS3URL splits "s3://bucket/key" into its parts. ok is false for any
// other form.
func ParseS3URL(url string) (bucket, key string, ok bool) {
	rest, found := strings.CutPrefix(url, "s3://")
	if !found {
		return "", "", false
	}
	bucket, key, found = strings.Cut(rest, "/")
	if !found || bucket == "" || key == "" {
		return "", "", false
	}
	return bucket, key, true
}

// Name returns the s3:// URL of the destination object.
func (s *S3Sink) Name() string {
	return "s3://" + s.bucket + "/" + s.key
}

// Commit uploads the buffered content with PutObject.
//
// The upload respects context cancellation.
func (s *S3Sink) Commit(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.key),
		Body:          s.Reader(),
		ContentLength: aws.Int64(int64(len(s.Bytes()))),
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", s.Name(), err)
	}
	return nil
}
