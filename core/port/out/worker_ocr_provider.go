package out

import (
	"context"
	"errors"

	"worker_server/core/domain"
)

var (
	ErrPayloadTooLarge     = errors.New("ocr: payload too large")
	ErrUnsupportedDocument = errors.New("ocr: unsupported document type")
	ErrOcrTimeout          = errors.New("ocr: timed out")
	ErrOcrFailed           = errors.New("ocr: extraction failed")
)

// ExtractionResult is the normalized output of an OCR call, before it is
// persisted as a domain.ExtractedDocument (spec §4.3).
type ExtractionResult struct {
	RawText   string
	KeyValues []domain.KeyValuePair
	Tables    []domain.ExtractedTable
	// Confidence is set only by the plain-text fallback path (mean of
	// per-line confidences); structured results are scored by
	// domain.AggregateConfidence over KeyValues/Tables instead.
	Confidence float64
}

// OCRProvider performs text/field/table extraction over a document payload.
// Implementations choose between an inline call and an async
// submit-then-poll call; the Textract client decides by MIME type (images
// inline, capped at 10 MiB; everything else async).
type OCRProvider interface {
	Extract(ctx context.Context, mimeType string, payload []byte) (*ExtractionResult, error)
}
