// Package attachment implements the Attachment Worker (C10): decode one
// staged attachment, run it through OCR, and persist the result.
package attachment

import (
	"context"
	"encoding/base64"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"worker_server/core/domain"
	"worker_server/core/port/in"
	"worker_server/core/port/out"
	"worker_server/internal/telemetry"
)

// Service implements in.AttachmentService.
type Service struct {
	ocr   out.OCRProvider
	docs  out.ExtractionRepository
	retry domain.RetryPolicy
	log   zerolog.Logger
}

var _ in.AttachmentService = (*Service)(nil)

func NewService(ocr out.OCRProvider, docs out.ExtractionRepository, retry domain.RetryPolicy, log zerolog.Logger) *Service {
	return &Service{ocr: ocr, docs: docs, retry: retry, log: log}
}

// isRetriableOCRError reports whether err is a transient OCR failure the
// consumer's reclaim loop should retry, as opposed to a terminal one.
func isRetriableOCRError(err error) bool {
	return errors.Is(err, out.ErrOcrTimeout) || errors.Is(err, out.ErrOcrFailed)
}

// ProcessAttachment runs OCR over one attachment and persists the outcome.
// attempt is the 1-indexed delivery attempt. A retriable OCR failure
// (ErrOcrTimeout, ErrOcrFailed) is returned as an error so the queue leaves
// the job pending for the reclaim loop, instead of being recorded, unless
// attempt has already exhausted the queue's retry policy — at which point
// it is persisted as an `error`-status document (spec §4.10 step 4) and the
// job is considered handled so it isn't redelivered forever.
func (s *Service) ProcessAttachment(ctx context.Context, payload domain.AttachmentExtractPayload, attempt int) error {
	userID, err := uuid.Parse(payload.UserID)
	if err != nil {
		return s.saveError(ctx, payload, userID, "invalid attachment payload: "+err.Error())
	}

	payloadBytes, err := base64.StdEncoding.DecodeString(payload.PayloadBase64)
	if err != nil {
		return s.saveError(ctx, payload, userID, "invalid attachment payload: "+err.Error())
	}

	telemetry.IncOCRCall()
	start := time.Now()
	result, err := s.ocr.Extract(ctx, payload.MimeType, payloadBytes)
	telemetry.ObserveOCRDuration(time.Since(start))
	if err != nil {
		telemetry.IncOCRFailure()
		s.log.Warn().Err(err).Int("attempt", attempt).Str("message_id", payload.MessageID).Str("filename", payload.Filename).Msg("attachment: ocr extraction failed")

		if isRetriableOCRError(err) && attempt < s.retry.MaxAttempts {
			return err
		}
		telemetry.IncProcessingError("ocr")
		return s.saveError(ctx, payload, userID, err.Error())
	}

	confidence := domain.AggregateConfidence(result.KeyValues, result.Tables)
	if len(result.KeyValues) == 0 && len(result.Tables) == 0 {
		// Plain-text fallback (spec §4.3): no key/values or tables to
		// aggregate over, so the provider's own line-confidence mean wins.
		confidence = result.Confidence
	}

	doc := &domain.ExtractedDocument{
		ID:          uuid.New(),
		UserID:      userID,
		MessageID:   payload.MessageID,
		Subject:     payload.Subject,
		Sender:      payload.Sender,
		MessageDate: payload.MessageDate,
		Filename:    payload.Filename,
		MimeType:    payload.MimeType,
		ExtractedAt: time.Now().UTC(),
		RawText:     result.RawText,
		KeyValues:   result.KeyValues,
		Tables:      result.Tables,
		Confidence:  confidence,
		Status:      domain.StatusCompleted,
	}
	telemetry.IncAttachmentsExtracted()
	telemetry.ObserveOCRConfidence(doc.Confidence)

	return s.docs.SaveExtraction(ctx, doc)
}

func (s *Service) saveError(ctx context.Context, payload domain.AttachmentExtractPayload, userID uuid.UUID, msg string) error {
	doc := &domain.ExtractedDocument{
		ID:           uuid.New(),
		UserID:       userID,
		MessageID:    payload.MessageID,
		Subject:      payload.Subject,
		Sender:       payload.Sender,
		MessageDate:  payload.MessageDate,
		Filename:     payload.Filename,
		MimeType:     payload.MimeType,
		ExtractedAt:  time.Now().UTC(),
		Status:       domain.StatusError,
		ErrorMessage: &msg,
	}
	return s.docs.SaveExtraction(ctx, doc)
}
