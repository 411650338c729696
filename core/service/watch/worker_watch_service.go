// Package watch implements the Watch Manager (C7): register/renew/stop
// per-mailbox push subscriptions and the periodic renewal sweep.
package watch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"worker_server/core/domain"
	"worker_server/core/port/in"
	"worker_server/core/port/out"
	"worker_server/internal/telemetry"
)

const (
	pushTopicLabel = "INBOX"
)

// Service implements in.WatchService.
type Service struct {
	users     domain.UserRepository
	factory   out.MailboxClientFactory
	topicName string
	log       zerolog.Logger
}

var _ in.WatchService = (*Service)(nil)

func NewService(users domain.UserRepository, factory out.MailboxClientFactory, topicName string, log zerolog.Logger) *Service {
	return &Service{users: users, factory: factory, topicName: topicName, log: log}
}

func (s *Service) StartWatch(ctx context.Context, userID uuid.UUID) (*time.Time, error) {
	client, err := s.factory.ClientFor(ctx, userID)
	if err != nil {
		return nil, err
	}

	reg, err := client.RegisterPushWatch(ctx, s.topicName, pushTopicLabel)
	if err != nil {
		return nil, fmt.Errorf("watch: register: %w", err)
	}

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, out.ErrUserMissing
	}
	wasActive := user.WatchExpiry != nil
	user.MailboxCursor = &reg.Cursor
	user.WatchExpiry = &reg.ExpiresAt
	if err := s.users.Update(ctx, user); err != nil {
		return nil, err
	}
	if !wasActive {
		telemetry.IncActiveWatches()
	}
	return &reg.ExpiresAt, nil
}

func (s *Service) StopWatch(ctx context.Context, userID uuid.UUID) error {
	client, err := s.factory.ClientFor(ctx, userID)
	if err != nil {
		return err
	}
	if err := client.StopPushWatch(ctx); err != nil {
		return fmt.Errorf("watch: stop: %w", err)
	}

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return err
	}
	if user == nil {
		return out.ErrUserMissing
	}
	wasActive := user.WatchExpiry != nil
	user.WatchExpiry = nil
	if err := s.users.Update(ctx, user); err != nil {
		return err
	}
	if wasActive {
		telemetry.DecActiveWatches()
	}
	return nil
}

// RenewExpiring sweeps every connected user whose watch expires within
// `within` and renews it, tolerating individual failures (spec §4.7).
func (s *Service) RenewExpiring(ctx context.Context, within time.Duration) (renewed int, failed int, err error) {
	users, err := s.users.ListConnected(ctx)
	if err != nil {
		return 0, 0, err
	}

	now := time.Now()
	for _, u := range users {
		if u.WatchExpiry == nil || u.WatchExpiry.After(now.Add(within)) {
			continue
		}
		if _, err := s.StartWatch(ctx, u.ID); err != nil {
			s.log.Warn().Err(err).Str("user_id", u.ID.String()).Msg("watch renewal failed")
			failed++
			continue
		}
		renewed++
	}
	return renewed, failed, nil
}

func (s *Service) Status(ctx context.Context, userID uuid.UUID) (*domain.User, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, out.ErrUserMissing
	}
	return user, nil
}
