package worker

import (
	"context"
	"time"

	"worker_server/core/port/in"
	"worker_server/pkg/logger"
)

// WatchRenewScheduler periodically renews mailbox push watches that are
// about to expire (spec §4.7). A Gmail watch expires after 7 days; this
// sweeps every 12 hours and renews anything within 48 hours of expiry.
type WatchRenewScheduler struct {
	watches       in.WatchService
	checkInterval time.Duration
	renewWithin   time.Duration
	ctx           context.Context
	cancel        context.CancelFunc
}

func NewWatchRenewScheduler(watches in.WatchService) *WatchRenewScheduler {
	return NewWatchRenewSchedulerWithInterval(watches, 12*time.Hour, 48*time.Hour)
}

func NewWatchRenewSchedulerWithInterval(watches in.WatchService, checkInterval, renewWithin time.Duration) *WatchRenewScheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &WatchRenewScheduler{
		watches:       watches,
		checkInterval: checkInterval,
		renewWithin:   renewWithin,
		ctx:           ctx,
		cancel:        cancel,
	}
}

func (s *WatchRenewScheduler) Start() {
	logger.Info("[WatchRenewScheduler] starting with interval %v", s.checkInterval)
	go s.run()
}

func (s *WatchRenewScheduler) Stop() {
	logger.Info("[WatchRenewScheduler] stopping")
	s.cancel()
}

func (s *WatchRenewScheduler) run() {
	// First sweep fires 5s after start so a freshly deployed process doesn't
	// wait a full interval before covering watches already close to expiry.
	initial := time.NewTimer(5 * time.Second)
	defer initial.Stop()

	select {
	case <-s.ctx.Done():
		return
	case <-initial.C:
		s.sweep()
	}

	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			logger.Info("[WatchRenewScheduler] stopped")
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *WatchRenewScheduler) sweep() {
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Minute)
	defer cancel()

	renewed, failed, err := s.watches.RenewExpiring(ctx, s.renewWithin)
	if err != nil {
		logger.Error("[WatchRenewScheduler] sweep failed: %v", err)
		return
	}
	logger.Info("[WatchRenewScheduler] sweep complete: renewed=%d failed=%d", renewed, failed)
}
