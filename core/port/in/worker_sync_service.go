package in

import (
	"context"
	"time"

	"github.com/google/uuid"

	"worker_server/core/domain"
)

// SyncService runs the Mailbox Sync Worker's unit of work for one
// mailbox-sync job (spec §4.9).
type SyncService interface {
	ProcessSync(ctx context.Context, payload domain.MailboxSyncPayload) error
}

// AttachmentService runs the Attachment Worker's unit of work for one
// attachment-extract job (spec §4.10). attempt is the 1-indexed delivery
// attempt number from the queue substrate, used to decide whether a
// retriable OCR failure should still be retried or is now terminal.
type AttachmentService interface {
	ProcessAttachment(ctx context.Context, payload domain.AttachmentExtractPayload, attempt int) error
}

// WatchService manages the per-user push watch lifecycle (spec §4.7, §6).
type WatchService interface {
	StartWatch(ctx context.Context, userID uuid.UUID) (*time.Time, error)
	StopWatch(ctx context.Context, userID uuid.UUID) error
	RenewExpiring(ctx context.Context, within time.Duration) (renewed int, failed int, err error)
	Status(ctx context.Context, userID uuid.UUID) (*domain.User, error)
}

// VaultService seals and opens OAuth tokens at rest (spec §4.1).
type VaultService interface {
	Seal(plaintext string) (string, error)
	Open(sealed string) (string, error)
}
