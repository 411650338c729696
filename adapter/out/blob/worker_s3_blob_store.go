// Package blob implements Blob Staging (C4) against S3-compatible storage.
package blob

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"worker_server/core/port/out"
	"worker_server/internal/telemetry"
)

// S3Store implements out.BlobStore by uploading/deleting objects in a
// single staging bucket (spec §4.4).
type S3Store struct {
	client *s3.Client
	bucket string
}

var _ out.BlobStore = (*S3Store)(nil)

// NewS3Store builds a Store over an already-configured s3.Client.
func NewS3Store(client *s3.Client, bucket string) *S3Store {
	return &S3Store{client: client, bucket: bucket}
}

func (s *S3Store) Put(ctx context.Context, key string, contentType string, payload []byte) error {
	start := time.Now()
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String(contentType),
	})
	telemetry.ObserveBlobPutDuration(time.Since(start))
	if err != nil {
		return fmt.Errorf("%w: put %s: %v", out.ErrBlobIO, key, err)
	}
	return nil
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("%w: delete %s: %v", out.ErrBlobIO, key, err)
	}
	return nil
}
