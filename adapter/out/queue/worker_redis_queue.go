// Package queue implements the Queue Substrate (C6) over Redis Streams:
// two streams (mailbox-sync, attachment-extract), consumer-group delivery,
// dedup-by-key, retry/backoff via pending-entry reclaim, and dead-letter
// retention.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"worker_server/core/domain"
	"worker_server/core/port/out"
)

func streamName(kind domain.JobKind) string { return string(kind) }

func dedupKey(kind domain.JobKind, key string) string {
	return fmt.Sprintf("dedup:%s:%s", kind, key)
}

func countersKey(kind domain.JobKind) string { return fmt.Sprintf("queue:%s:counters", kind) }

const dedupWindow = 10 * time.Minute

// Producer implements out.QueueProducer.
type Producer struct {
	client *redis.Client
}

func NewProducer(client *redis.Client) *Producer {
	return &Producer{client: client}
}

var _ out.QueueProducer = (*Producer)(nil)

func (p *Producer) EnqueueMailboxSync(ctx context.Context, payload domain.MailboxSyncPayload) error {
	return p.enqueue(ctx, domain.JobKindMailboxSync, payload.DedupKey(), payload)
}

func (p *Producer) EnqueueAttachmentExtract(ctx context.Context, payload domain.AttachmentExtractPayload) error {
	return p.enqueue(ctx, domain.JobKindAttachmentExtract, payload.DedupKey(), payload)
}

func (p *Producer) enqueue(ctx context.Context, kind domain.JobKind, key string, payload interface{}) error {
	ok, err := p.client.SetNX(ctx, dedupKey(kind, key), "1", dedupWindow).Result()
	if err != nil {
		return fmt.Errorf("%w: dedup check: %v", out.ErrQueueBackend, err)
	}
	if !ok {
		return nil // already enqueued within the dedup window
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: marshal payload: %v", out.ErrQueueBackend, err)
	}

	if err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamName(kind),
		ID:     "*",
		Values: map[string]interface{}{"data": string(data)},
	}).Err(); err != nil {
		return fmt.Errorf("%w: xadd: %v", out.ErrQueueBackend, err)
	}

	p.client.HIncrBy(ctx, countersKey(kind), "pending", 1)
	return nil
}

func (p *Producer) Counts(ctx context.Context, kind domain.JobKind) (domain.QueueCounts, error) {
	pipe := p.client.Pipeline()
	lenCmd := pipe.XLen(ctx, streamName(kind))
	pendingCmd := pipe.XPending(ctx, streamName(kind), string(kind)+"-workers")
	hashCmd := pipe.HGetAll(ctx, countersKey(kind))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return domain.QueueCounts{}, fmt.Errorf("%w: counts: %v", out.ErrQueueBackend, err)
	}

	counts := domain.QueueCounts{}
	if v, err := lenCmd.Result(); err == nil {
		counts.Pending = v
	}
	if v, err := pendingCmd.Result(); err == nil && v != nil {
		counts.Active = v.Count
	}
	if h, err := hashCmd.Result(); err == nil {
		if v, ok := h["completed"]; ok {
			fmt.Sscanf(v, "%d", &counts.Completed)
		}
		if v, ok := h["failed"]; ok {
			fmt.Sscanf(v, "%d", &counts.Failed)
		}
	}
	return counts, nil
}

// Consumer implements out.QueueConsumer for a single job kind.
type Consumer struct {
	client               *redis.Client
	group                string
	consumerName         string
	log                  zerolog.Logger
	pendingCheckInterval time.Duration
	pendingIdleTime      time.Duration
	retry                domain.RetryPolicy
	retention            domain.RetentionPolicy
}

type ConsumerConfig struct {
	Group                string
	ConsumerName         string
	Logger               zerolog.Logger
	PendingCheckInterval time.Duration
	PendingIdleTime      time.Duration
	Retry                domain.RetryPolicy
	Retention            domain.RetentionPolicy
}

func NewConsumer(client *redis.Client, cfg ConsumerConfig) *Consumer {
	if cfg.PendingCheckInterval == 0 {
		cfg.PendingCheckInterval = 30 * time.Second
	}
	if cfg.PendingIdleTime == 0 {
		cfg.PendingIdleTime = 2 * time.Minute
	}
	return &Consumer{
		client:               client,
		group:                cfg.Group,
		consumerName:         cfg.ConsumerName,
		log:                  cfg.Logger,
		pendingCheckInterval: cfg.PendingCheckInterval,
		pendingIdleTime:      cfg.PendingIdleTime,
		retry:                cfg.Retry,
		retention:            cfg.Retention,
	}
}

var _ out.QueueConsumer = (*Consumer)(nil)

// Consume runs until ctx is cancelled, delivering messages to handle and
// acking on success. Failed messages remain pending for the reclaim loop,
// which retries up to retry.MaxAttempts before moving to the stream's DLQ.
func (c *Consumer) Consume(ctx context.Context, kind domain.JobKind, handle func(context.Context, out.QueueMessage) error) error {
	stream := streamName(kind)
	if err := c.client.XGroupCreateMkStream(ctx, stream, c.group, "0").Err(); err != nil &&
		err.Error() != "BUSYGROUP Consumer Group name already exists" {
		return fmt.Errorf("%w: create group: %v", out.ErrQueueBackend, err)
	}

	go c.reclaimLoop(ctx, kind, handle)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		result, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.group,
			Consumer: c.consumerName,
			Streams:  []string{stream, ">"},
			Count:    10,
			Block:    5 * time.Second,
		}).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			c.log.Error().Err(err).Str("stream", stream).Msg("xreadgroup failed")
			time.Sleep(time.Second)
			continue
		}

		for _, s := range result {
			for _, msg := range s.Messages {
				c.deliver(ctx, kind, stream, msg, 1, handle)
			}
		}
	}
}

// deliver invokes handle with attempt set to the 1-indexed delivery number
// (fresh XReadGroup delivery is always attempt 1; reclaimLoop passes
// RetryCount+1 for redeliveries), so handlers can tell a first try from a
// retry without reaching into the queue backend themselves.
func (c *Consumer) deliver(ctx context.Context, kind domain.JobKind, stream string, msg redis.XMessage, attempt int, handle func(context.Context, out.QueueMessage) error) {
	data, _ := msg.Values["data"].(string)
	qm := out.QueueMessage{ID: msg.ID, Kind: kind, Payload: []byte(data), Attempts: attempt}

	if err := handle(ctx, qm); err != nil {
		c.log.Warn().Err(err).Str("stream", stream).Str("id", msg.ID).Msg("handler failed, leaving pending for retry")
		return
	}
	if err := c.client.XAck(ctx, stream, c.group, msg.ID).Err(); err != nil {
		c.log.Error().Err(err).Str("id", msg.ID).Msg("ack failed")
		return
	}
	c.client.HIncrBy(ctx, countersKey(kind), "completed", 1)
	c.client.HIncrBy(ctx, countersKey(kind), "pending", -1)
}

func (c *Consumer) reclaimLoop(ctx context.Context, kind domain.JobKind, handle func(context.Context, out.QueueMessage) error) {
	ticker := time.NewTicker(c.pendingCheckInterval)
	defer ticker.Stop()
	stream := streamName(kind)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pending, err := c.client.XPendingExt(ctx, &redis.XPendingExtArgs{
				Stream: stream, Group: c.group, Start: "-", End: "+", Count: 100,
			}).Result()
			if err != nil {
				if err != redis.Nil {
					c.log.Error().Err(err).Str("stream", stream).Msg("xpending failed")
				}
				continue
			}

			for _, p := range pending {
				if p.Idle < c.pendingIdleTime {
					continue
				}

				if int(p.RetryCount) >= c.retry.MaxAttempts {
					if err := c.deadLetter(ctx, stream, p.ID); err != nil {
						c.log.Error().Err(err).Str("id", p.ID).Msg("dead-letter failed")
					}
					c.client.XAck(ctx, stream, c.group, p.ID)
					c.client.HIncrBy(ctx, countersKey(kind), "failed", 1)
					c.client.HIncrBy(ctx, countersKey(kind), "pending", -1)
					continue
				}

				claimed, err := c.client.XClaim(ctx, &redis.XClaimArgs{
					Stream: stream, Group: c.group, Consumer: c.consumerName,
					MinIdle: c.pendingIdleTime, Messages: []string{p.ID},
				}).Result()
				if err != nil {
					c.log.Error().Err(err).Str("id", p.ID).Msg("xclaim failed")
					continue
				}
				for _, msg := range claimed {
					c.deliver(ctx, kind, stream, msg, int(p.RetryCount)+1, handle)
				}
			}
		}
	}
}

func (c *Consumer) deadLetter(ctx context.Context, stream, msgID string) error {
	messages, err := c.client.XRange(ctx, stream, msgID, msgID).Result()
	if err != nil {
		return err
	}
	if len(messages) == 0 {
		return nil
	}

	dlqData := map[string]interface{}{
		"original_stream": stream,
		"original_id":     msgID,
		"failed_at":       time.Now().UTC().Format(time.RFC3339),
	}
	for k, v := range messages[0].Values {
		dlqData["original_"+k] = v
	}

	return c.client.XAdd(ctx, &redis.XAddArgs{
		Stream: "dlq:" + stream,
		Values: dlqData,
		MaxLen: int64(c.retention.Count),
		Approx: true,
	}).Err()
}

func (c *Consumer) Close(ctx context.Context) error {
	return nil
}
