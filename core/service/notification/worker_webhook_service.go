// Package notification implements the Notification Webhook (C8): decode a
// provider push envelope and enqueue a mailbox-sync job.
package notification

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"worker_server/core/domain"
	"worker_server/core/port/in"
	"worker_server/core/port/out"
)

// Service implements in.WebhookService. It always resolves without
// propagating errors upward: the HTTP handler responds 200 regardless, so a
// malformed or unroutable push never causes the provider to retry forever
// (spec §4.8).
type Service struct {
	queue out.QueueProducer
	log   zerolog.Logger
}

var _ in.WebhookService = (*Service)(nil)

func NewService(queue out.QueueProducer, log zerolog.Logger) *Service {
	return &Service{queue: queue, log: log}
}

func (s *Service) HandleGmailPush(ctx context.Context, notification in.GmailPushNotification) error {
	if notification.EmailAddress == "" {
		s.log.Warn().Msg("webhook: push notification missing email address, dropping")
		return nil
	}

	payload := domain.MailboxSyncPayload{
		MailboxAddress:       notification.EmailAddress,
		CursorAtNotification: notification.HistoryID,
		ReceivedAt:           time.Now().UTC(),
	}

	if err := s.queue.EnqueueMailboxSync(ctx, payload); err != nil {
		s.log.Error().Err(err).Str("mailbox", notification.EmailAddress).Msg("webhook: enqueue sync job failed")
	}
	return nil
}
