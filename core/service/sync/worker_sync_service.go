// Package sync implements the Mailbox Sync Worker (C9): turn one
// mailbox-change notification into a set of deduplicated attachment jobs.
package sync

import (
	"context"
	"encoding/base64"
	"errors"

	"github.com/rs/zerolog"

	"worker_server/core/domain"
	"worker_server/core/port/in"
	"worker_server/core/port/out"
	"worker_server/internal/telemetry"
)

// unreadFetchLimit caps how many unread-with-attachment messages a single
// sync run considers (spec §4.9 step 3).
const unreadFetchLimit = 10

// Service implements in.SyncService.
type Service struct {
	users     domain.UserRepository
	factory   out.MailboxClientFactory
	processed out.ProcessedEmailRepository
	queue     out.QueueProducer
	lock      out.MessageLock
	log       zerolog.Logger
}

var _ in.SyncService = (*Service)(nil)

func NewService(
	users domain.UserRepository,
	factory out.MailboxClientFactory,
	processed out.ProcessedEmailRepository,
	queue out.QueueProducer,
	lock out.MessageLock,
	log zerolog.Logger,
) *Service {
	return &Service{users: users, factory: factory, processed: processed, queue: queue, lock: lock, log: log}
}

// ProcessSync runs one mailbox-sync job to completion (spec §4.9).
func (s *Service) ProcessSync(ctx context.Context, payload domain.MailboxSyncPayload) error {
	user, err := s.users.GetByEmail(ctx, payload.MailboxAddress)
	if err != nil {
		return err
	}
	if user == nil || !user.MailboxConnected {
		s.log.Debug().Str("mailbox", payload.MailboxAddress).Msg("sync: unknown or disconnected mailbox, soft no-op")
		telemetry.IncEmailsSkipped()
		return nil
	}

	// Cursor advance is last-writer-wins and happens regardless of per-message
	// outcome below (spec §4.9 step 6), so it is deferred once here.
	defer s.advanceCursor(ctx, user, payload.CursorAtNotification)

	client, err := s.factory.ClientFor(ctx, user.ID)
	if err != nil {
		if errors.Is(err, out.ErrNotConnected) || errors.Is(err, out.ErrUserMissing) {
			return nil
		}
		return err
	}

	messages, err := client.ListUnreadWithAttachments(ctx, unreadFetchLimit)
	if err != nil {
		return err
	}

	for _, msg := range messages {
		s.processMessage(ctx, client, user, msg)
	}
	return nil
}

func (s *Service) processMessage(ctx context.Context, client out.MailboxClient, user *domain.User, msg out.MessageSummary) {
	if !s.lock.TryAcquire(msg.MessageID) {
		return
	}
	defer s.lock.Release(msg.MessageID)

	already, err := s.processed.IsMessageProcessed(ctx, msg.MessageID)
	if err != nil {
		s.log.Error().Err(err).Str("message_id", msg.MessageID).Msg("sync: processed lookup failed")
		return
	}
	if already {
		return
	}

	// Durable dedup point: ErrDuplicate here means another worker (in this
	// process or another) already claimed the message (spec §4.9 step 5c).
	if err := s.processed.MarkMessageProcessed(ctx, msg.MessageID, user.ID); err != nil {
		s.log.Debug().Err(err).Str("message_id", msg.MessageID).Msg("sync: lost dedup race, skipping")
		telemetry.IncDedupConflict()
		return
	}
	telemetry.IncEmailsProcessed()

	for _, att := range msg.Attachments {
		go s.enqueueAttachment(ctx, client, user, msg, att)
	}

	if err := client.MarkRead(ctx, msg.MessageID); err != nil {
		if errors.Is(err, out.ErrPermissionDenied) {
			s.log.Warn().Str("message_id", msg.MessageID).Msg("sync: mark-read denied, will re-filter via ProcessedEmail")
		} else {
			s.log.Warn().Err(err).Str("message_id", msg.MessageID).Msg("sync: mark-read failed")
		}
	}
}

func (s *Service) enqueueAttachment(ctx context.Context, client out.MailboxClient, user *domain.User, msg out.MessageSummary, att out.MessageAttachmentSummary) {
	data, err := client.FetchAttachment(ctx, msg.MessageID, att.AttachmentID)
	if err != nil {
		s.log.Error().Err(err).Str("message_id", msg.MessageID).Str("filename", att.Filename).Msg("sync: fetch attachment failed")
		return
	}

	payload := domain.AttachmentExtractPayload{
		UserID:        user.ID.String(),
		MessageID:     msg.MessageID,
		Subject:       msg.Subject,
		Sender:        msg.Sender,
		MessageDate:   msg.MessageDate,
		Filename:      att.Filename,
		MimeType:      att.MimeType,
		PayloadBase64: base64.StdEncoding.EncodeToString(data),
	}
	if err := s.queue.EnqueueAttachmentExtract(ctx, payload); err != nil {
		s.log.Error().Err(err).Str("message_id", msg.MessageID).Str("filename", att.Filename).Msg("sync: enqueue attachment job failed")
	}
}

func (s *Service) advanceCursor(ctx context.Context, user *domain.User, cursor string) {
	user.MailboxCursor = &cursor
	if err := s.users.Update(ctx, user); err != nil {
		s.log.Warn().Err(err).Str("user_id", user.ID.String()).Msg("sync: cursor advance failed")
	}
}
