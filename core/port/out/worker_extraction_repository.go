package out

import (
	"context"
	"time"

	"github.com/google/uuid"

	"worker_server/core/domain"
)

// ExtractionListFilter narrows ListRecent queries (spec §4.5, §6); Stats
// takes a user id alone and does not use this filter.
type ExtractionListFilter struct {
	UserID *uuid.UUID
	Status *domain.DocumentStatus
	Since  *time.Time
	Limit  int
	Offset int
}

// ExtractionRepository persists ExtractedDocument rows (spec §4.5).
type ExtractionRepository interface {
	SaveExtraction(ctx context.Context, doc *domain.ExtractedDocument) error
	MarkNotified(ctx context.Context, id uuid.UUID, at time.Time) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.ExtractedDocument, error)
	ListRecent(ctx context.Context, filter ExtractionListFilter) ([]*domain.ExtractedDocument, error)
	DeleteOne(ctx context.Context, id uuid.UUID) error
	DeleteMany(ctx context.Context, ids []uuid.UUID) (int, error)
	Stats(ctx context.Context, userID *uuid.UUID) (*domain.DocumentStats, error)
}

// ProcessedEmailRepository enforces the durable per-message idempotency
// marker (spec §3, §4.5, §4.9 step 2).
type ProcessedEmailRepository interface {
	IsMessageProcessed(ctx context.Context, messageID string) (bool, error)
	MarkMessageProcessed(ctx context.Context, messageID string, userID uuid.UUID) error
}
