package worker

import (
	"context"
	"fmt"
	"sync"

	"worker_server/core/domain"
	"worker_server/core/port/in"
	"worker_server/core/port/out"
	"worker_server/pkg/logger"
)

// Runner drives one job kind's queue with a configurable number of parallel
// consumers, each its own *queue.Consumer registered under a distinct
// consumer name within the shared group so Redis Streams fans work out
// across them (spec §5: C9 defaults to 2 workers, C10 to 3). Each consumer
// gets its own reclaim loop, so distinct instances (not one shared consumer
// called from N goroutines) are required for correct per-reader pending-
// entry tracking.
type Runner struct {
	consumers []out.QueueConsumer
	kind      domain.JobKind
	handle    func(context.Context, out.QueueMessage) error

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func NewRunner(consumers []out.QueueConsumer, kind domain.JobKind, handle func(context.Context, out.QueueMessage) error) *Runner {
	return &Runner{consumers: consumers, kind: kind, handle: handle}
}

func (r *Runner) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	for i, consumer := range r.consumers {
		r.wg.Add(1)
		go func(worker int, c out.QueueConsumer) {
			defer r.wg.Done()
			if err := c.Consume(ctx, r.kind, r.handle); err != nil && ctx.Err() == nil {
				logger.Error("[worker.Runner] kind=%s worker=%d consume loop exited: %v", r.kind, worker, err)
			}
		}(i, consumer)
	}
	logger.Info("[worker.Runner] kind=%s started with %d workers", r.kind, len(r.consumers))
}

func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	for _, c := range r.consumers {
		_ = c.Close(context.Background())
	}
}

// NewSyncHandler adapts in.SyncService to the queue's generic handle shape.
func NewSyncHandler(svc in.SyncService) func(context.Context, out.QueueMessage) error {
	return func(ctx context.Context, msg out.QueueMessage) error {
		var payload domain.MailboxSyncPayload
		if err := unmarshal(msg.Payload, &payload); err != nil {
			return fmt.Errorf("sync handler: decode payload: %w", err)
		}
		return svc.ProcessSync(ctx, payload)
	}
}

// NewAttachmentHandler adapts in.AttachmentService to the queue's generic
// handle shape.
func NewAttachmentHandler(svc in.AttachmentService) func(context.Context, out.QueueMessage) error {
	return func(ctx context.Context, msg out.QueueMessage) error {
		var payload domain.AttachmentExtractPayload
		if err := unmarshal(msg.Payload, &payload); err != nil {
			return fmt.Errorf("attachment handler: decode payload: %w", err)
		}
		return svc.ProcessAttachment(ctx, payload, msg.Attempts)
	}
}
