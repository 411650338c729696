package http

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"worker_server/core/domain"
	"worker_server/core/port/out"
	"worker_server/infra/middleware"
	"worker_server/pkg/cache"
	"worker_server/pkg/logger"
)

const statsCacheTTL = 30 * time.Second

// OperatorHandler serves the Operator API's (C12) process/list/stats/delete
// surface and the direct (non-queued) debug sync path (spec §4.12, §6).
type OperatorHandler struct {
	users     domain.UserRepository
	factory   out.MailboxClientFactory
	processed out.ProcessedEmailRepository
	ocr       out.OCRProvider
	docs      out.ExtractionRepository
	queue     out.QueueProducer
	cache     *cache.RedisCache
}

func NewOperatorHandler(
	users domain.UserRepository,
	factory out.MailboxClientFactory,
	processed out.ProcessedEmailRepository,
	ocr out.OCRProvider,
	docs out.ExtractionRepository,
	queue out.QueueProducer,
	redisCache *cache.RedisCache,
) *OperatorHandler {
	return &OperatorHandler{users: users, factory: factory, processed: processed, ocr: ocr, docs: docs, queue: queue, cache: redisCache}
}

func (h *OperatorHandler) Register(app fiber.Router) {
	app.Post("/process", h.Process)
	app.Get("/emails", h.ListPendingEmails)
	app.Get("/documents", middleware.ValidateIntRange("limit", 1, 200), h.ListDocuments)
	app.Get("/stats", h.Stats)
	app.Delete("/documents/:id", middleware.ValidateUUID("id"), h.DeleteDocument)
	app.Post("/documents/delete-batch", h.DeleteBatch)
	app.Post("/user/sync", middleware.ValidateRequired("email"), h.SyncUser)
	app.Get("/queues/stats", h.QueueStats)
}

type processFileResult struct {
	FileName   string     `json:"fileName"`
	DocumentID *uuid.UUID `json:"documentId,omitempty"`
	Error      string     `json:"error,omitempty"`
	DurationMs int64      `json:"duration"`
}

// Process runs the legacy synchronous sync+extract path for local debugging
// (spec §4.8, §6 `/api/process`); production traffic uses the queued path.
func (h *OperatorHandler) Process(c *fiber.Ctx) error {
	var body struct {
		UserID *uuid.UUID `json:"userId"`
	}
	_ = c.BodyParser(&body)

	ctx := c.Context()
	var users []*domain.User
	if body.UserID != nil {
		u, err := h.users.GetByID(ctx, *body.UserID)
		if err != nil {
			return InternalErrorResponse(c, err, "process")
		}
		if u == nil {
			return ErrorResponse(c, fiber.StatusNotFound, "user not found")
		}
		users = []*domain.User{u}
	} else {
		var err error
		users, err = h.users.ListConnected(ctx)
		if err != nil {
			return InternalErrorResponse(c, err, "process")
		}
	}

	var emailsProcessed, documentsProcessed, successful, failed int
	var results []processFileResult

	for _, user := range users {
		client, err := h.factory.ClientFor(ctx, user.ID)
		if err != nil {
			logger.WithError(err).Warn("[OperatorHandler.Process] client unavailable for user %s", user.ID)
			continue
		}

		messages, err := client.ListUnreadWithAttachments(ctx, 10)
		if err != nil {
			logger.WithError(err).Warn("[OperatorHandler.Process] list unread failed for user %s", user.ID)
			continue
		}

		for _, msg := range messages {
			already, err := h.processed.IsMessageProcessed(ctx, msg.MessageID)
			if err != nil || already {
				continue
			}
			if err := h.processed.MarkMessageProcessed(ctx, msg.MessageID, user.ID); err != nil {
				continue
			}
			emailsProcessed++

			for _, att := range msg.Attachments {
				start := time.Now()
				result := processFileResult{FileName: att.Filename}

				data, err := client.FetchAttachment(ctx, msg.MessageID, att.AttachmentID)
				if err != nil {
					result.Error = err.Error()
					failed++
					result.DurationMs = time.Since(start).Milliseconds()
					results = append(results, result)
					continue
				}

				doc := h.extractAndSave(ctx, user.ID, msg, att, data)
				result.DurationMs = time.Since(start).Milliseconds()
				if doc.ErrorMessage != nil {
					result.Error = *doc.ErrorMessage
					failed++
				} else {
					result.DocumentID = &doc.ID
					successful++
					documentsProcessed++
				}
				results = append(results, result)
			}

			_ = client.MarkRead(ctx, msg.MessageID)
		}
	}

	return c.JSON(fiber.Map{
		"emailsProcessed":   emailsProcessed,
		"documentsProcessed": documentsProcessed,
		"successful":         successful,
		"failed":             failed,
		"results":            results,
	})
}

func (h *OperatorHandler) extractAndSave(ctx context.Context, userID uuid.UUID, msg out.MessageSummary, att out.MessageAttachmentSummary, data []byte) *domain.ExtractedDocument {
	doc := &domain.ExtractedDocument{
		ID:          uuid.New(),
		UserID:      userID,
		MessageID:   msg.MessageID,
		Subject:     msg.Subject,
		Sender:      msg.Sender,
		MessageDate: msg.MessageDate,
		Filename:    att.Filename,
		MimeType:    att.MimeType,
		ExtractedAt: time.Now().UTC(),
	}

	result, err := h.ocr.Extract(ctx, att.MimeType, data)
	if err != nil {
		errMsg := err.Error()
		doc.Status = domain.StatusError
		doc.ErrorMessage = &errMsg
	} else {
		doc.RawText = result.RawText
		doc.KeyValues = result.KeyValues
		doc.Tables = result.Tables
		doc.Confidence = domain.AggregateConfidence(result.KeyValues, result.Tables)
		doc.Status = domain.StatusCompleted
	}

	if err := h.docs.SaveExtraction(ctx, doc); err != nil {
		logger.WithError(err).Error("[OperatorHandler] save extraction failed")
	}
	return doc
}

// ListPendingEmails lists unread messages with supported attachments across
// every connected mailbox (spec §6 `/api/emails`).
func (h *OperatorHandler) ListPendingEmails(c *fiber.Ctx) error {
	ctx := c.Context()
	users, err := h.users.ListConnected(ctx)
	if err != nil {
		return InternalErrorResponse(c, err, "list emails")
	}

	var emails []out.MessageSummary
	for _, user := range users {
		client, err := h.factory.ClientFor(ctx, user.ID)
		if err != nil {
			continue
		}
		msgs, err := client.ListUnreadWithAttachments(ctx, 10)
		if err != nil {
			continue
		}
		emails = append(emails, msgs...)
	}

	return c.JSON(fiber.Map{"success": true, "count": len(emails), "emails": emails})
}

func (h *OperatorHandler) ListDocuments(c *fiber.Ctx) error {
	filter := out.ExtractionListFilter{
		Limit:  c.QueryInt("limit", 50),
		Offset: c.QueryInt("offset", 0),
	}
	if raw := c.Query("userId"); raw != "" {
		if id, err := uuid.Parse(raw); err == nil {
			filter.UserID = &id
		}
	}
	if raw := c.Query("status"); raw != "" {
		status := domain.DocumentStatus(raw)
		filter.Status = &status
	}

	docs, err := h.docs.ListRecent(c.Context(), filter)
	if err != nil {
		return InternalErrorResponse(c, err, "list documents")
	}
	return c.JSON(docs)
}

func (h *OperatorHandler) Stats(c *fiber.Ctx) error {
	var userID *uuid.UUID
	if raw := c.Query("userId"); raw != "" {
		if id, err := uuid.Parse(raw); err == nil {
			userID = &id
		}
	}

	cacheKey := "stats:all"
	if userID != nil {
		cacheKey = "stats:" + userID.String()
	}

	var stats domain.DocumentStats
	if found, _ := h.cache.GetJSON(c.Context(), cacheKey, &stats); found {
		return c.JSON(stats)
	}

	result, err := h.docs.Stats(c.Context(), userID)
	if err != nil {
		return InternalErrorResponse(c, err, "stats")
	}
	_ = h.cache.SetJSON(c.Context(), cacheKey, result, statsCacheTTL)
	return c.JSON(result)
}

func (h *OperatorHandler) DeleteDocument(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return ErrorResponse(c, fiber.StatusBadRequest, "invalid document id")
	}
	if err := h.docs.DeleteOne(c.Context(), id); err != nil {
		return InternalErrorResponse(c, err, "delete document")
	}
	_ = h.cache.Delete(c.Context(), "stats:all")
	return c.JSON(fiber.Map{"success": true, "message": "deleted"})
}

func (h *OperatorHandler) DeleteBatch(c *fiber.Ctx) error {
	var body struct {
		IDs []uuid.UUID `json:"ids"`
	}
	if err := c.BodyParser(&body); err != nil || len(body.IDs) == 0 {
		return ErrorResponse(c, fiber.StatusBadRequest, "ids must be a non-empty array")
	}
	count, err := h.docs.DeleteMany(c.Context(), body.IDs)
	if err != nil {
		return InternalErrorResponse(c, err, "delete batch")
	}
	_ = h.cache.Delete(c.Context(), "stats:all")
	return c.JSON(fiber.Map{"success": true, "deletedCount": count})
}

func (h *OperatorHandler) SyncUser(c *fiber.Ctx) error {
	var body struct {
		Email string  `json:"email"`
		Name  *string `json:"name"`
		Image *string `json:"image"`
	}
	if err := c.BodyParser(&body); err != nil || body.Email == "" {
		return ErrorResponse(c, fiber.StatusBadRequest, "email is required")
	}

	existing, err := h.users.GetByEmail(c.Context(), body.Email)
	if err != nil {
		return InternalErrorResponse(c, err, "sync user")
	}

	user := existing
	if user == nil {
		user = &domain.User{ID: uuid.New(), Email: body.Email}
	}
	user.Name = body.Name
	user.AvatarURL = body.Image

	saved, err := h.users.Upsert(c.Context(), user)
	if err != nil {
		return InternalErrorResponse(c, err, "sync user")
	}
	return c.JSON(saved)
}

func (h *OperatorHandler) QueueStats(c *fiber.Ctx) error {
	ctx := c.Context()
	syncCounts, err := h.queue.Counts(ctx, domain.JobKindMailboxSync)
	if err != nil {
		return InternalErrorResponse(c, err, "queue stats")
	}
	attCounts, err := h.queue.Counts(ctx, domain.JobKindAttachmentExtract)
	if err != nil {
		return InternalErrorResponse(c, err, "queue stats")
	}

	return c.JSON(fiber.Map{
		"mode": "queue",
		"queues": fiber.Map{
			"email":      syncCounts,
			"attachment": attCounts,
		},
	})
}

