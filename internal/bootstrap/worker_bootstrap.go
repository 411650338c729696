package bootstrap

import (
	"context"
	"sync"

	"worker_server/adapter/in/worker"
	"worker_server/config"
	"worker_server/core/domain"
	"worker_server/pkg/logger"
)

// Worker is the background process running the Mailbox Sync Worker (C9) and
// Attachment Worker (C10) consumer pools plus the Watch Manager's renewal
// sweep (C7).
type Worker struct {
	deps *Dependencies

	syncRunner       *worker.Runner
	attachmentRunner *worker.Runner
	watchRenew       *worker.WatchRenewScheduler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewWorker(cfg *config.Config) (*Worker, func(), error) {
	deps, cleanup, err := NewDependencies(cfg)
	if err != nil {
		return nil, nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	syncConsumers := newConsumers(deps.Redis, domain.JobKindMailboxSync, cfg.SyncWorkerConcurrency, cfg.WorkerID, domain.DefaultSyncRetryPolicy(), deps.ZLog)
	attachmentConsumers := newConsumers(deps.Redis, domain.JobKindAttachmentExtract, cfg.AttachmentWorkerConcurrency, cfg.WorkerID, domain.DefaultAttachmentRetryPolicy(), deps.ZLog)

	w := &Worker{
		deps:             deps,
		syncRunner:       worker.NewRunner(syncConsumers, domain.JobKindMailboxSync, worker.NewSyncHandler(deps.SyncService)),
		attachmentRunner: worker.NewRunner(attachmentConsumers, domain.JobKindAttachmentExtract, worker.NewAttachmentHandler(deps.AttachmentService)),
		watchRenew:       worker.NewWatchRenewSchedulerWithInterval(deps.WatchService, cfg.WatchCheckInterval, cfg.WatchRenewWithin),
		ctx:              ctx,
		cancel:           cancel,
	}

	logger.Info("worker initialized: sync=%d attachment=%d consumers", cfg.SyncWorkerConcurrency, cfg.AttachmentWorkerConcurrency)
	return w, cleanup, nil
}

func (w *Worker) Start() {
	w.syncRunner.Start(w.ctx)
	w.attachmentRunner.Start(w.ctx)
	w.watchRenew.Start()
	<-w.ctx.Done()
}

func (w *Worker) Stop() {
	w.cancel()
	w.watchRenew.Stop()
	w.syncRunner.Stop()
	w.attachmentRunner.Stop()
	w.wg.Wait()
}

func (w *Worker) Dependencies() *Dependencies {
	return w.deps
}
