package out

import (
	"context"
	"errors"
)

var ErrBlobIO = errors.New("blob: io failure")

// BlobStore stages attachment bytes ahead of async OCR submission and
// removes them once extraction completes (spec §4.4).
type BlobStore interface {
	Put(ctx context.Context, key string, contentType string, payload []byte) error
	Delete(ctx context.Context, key string) error
}
