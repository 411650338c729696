package out

import (
	"context"
	"errors"

	"worker_server/core/domain"
)

var ErrQueueBackend = errors.New("queue: backend failure")

// QueueMessage is one dequeued unit of work, carrying enough to ack/retry
// against the backend without leaking stream internals into callers.
type QueueMessage struct {
	ID       string
	Kind     domain.JobKind
	Payload  []byte
	Attempts int
}

// QueueProducer enqueues jobs, deduplicating on DedupKey within the
// backend's dedup window (spec §4.6).
type QueueProducer interface {
	EnqueueMailboxSync(ctx context.Context, payload domain.MailboxSyncPayload) error
	EnqueueAttachmentExtract(ctx context.Context, payload domain.AttachmentExtractPayload) error
	Counts(ctx context.Context, kind domain.JobKind) (domain.QueueCounts, error)
}

// QueueConsumer reads and acknowledges jobs for one kind of queue, handling
// retry/backoff and dead-letter placement internally (spec §4.6).
type QueueConsumer interface {
	Consume(ctx context.Context, kind domain.JobKind, handle func(context.Context, QueueMessage) error) error
	Close(ctx context.Context) error
}
