package domain

import "time"

// JobKind names the two job kinds carried by the Queue Substrate (spec §3).
type JobKind string

const (
	JobKindMailboxSync      JobKind = "mailbox-sync"
	JobKindAttachmentExtract JobKind = "attachment-extract"
)

// JobStatus is the lifecycle state of a Job inside the Queue Substrate.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobActive    JobStatus = "active"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// MailboxSyncPayload is the payload of a mailbox-sync job (spec §3).
type MailboxSyncPayload struct {
	MailboxAddress       string    `json:"mailboxAddress"`
	CursorAtNotification string    `json:"cursorAtNotification"`
	ReceivedAt           time.Time `json:"receivedAt"`
}

// DedupKey is the queue dedup key for a mailbox-sync job.
func (p MailboxSyncPayload) DedupKey() string {
	return "sync:" + p.MailboxAddress + ":" + p.CursorAtNotification
}

// AttachmentExtractPayload is the payload of an attachment-extract job (spec §3).
type AttachmentExtractPayload struct {
	UserID        string    `json:"userId"`
	MessageID     string    `json:"messageId"`
	Subject       string    `json:"subject"`
	Sender        string    `json:"sender"`
	MessageDate   time.Time `json:"messageDate"`
	Filename      string    `json:"filename"`
	MimeType      string    `json:"mimeType"`
	PayloadBase64 string    `json:"payloadBytesRef"`
}

// DedupKey is the queue dedup key for an attachment-extract job.
func (p AttachmentExtractPayload) DedupKey() string {
	return "att:" + p.MessageID + ":" + p.Filename
}

// RetryPolicy configures a queue's retry/backoff behaviour (spec §4.6).
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	CapDelay    time.Duration
}

// Backoff returns the exponential delay before attempt number `attempt`
// (1-indexed), capped at CapDelay.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt <= 1 {
		return p.BaseDelay
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.CapDelay > 0 && d > p.CapDelay {
			return p.CapDelay
		}
	}
	return d
}

// RetentionPolicy bounds how long terminal jobs are kept (spec §4.6).
type RetentionPolicy struct {
	Count int
	Age   time.Duration
}

// DefaultSyncRetryPolicy is the mailbox-sync queue's retry policy.
func DefaultSyncRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 5 * time.Second, CapDelay: 5 * time.Minute}
}

// DefaultAttachmentRetryPolicy is the attachment queue's retry policy.
func DefaultAttachmentRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 2, BaseDelay: 5 * time.Second, CapDelay: 5 * time.Minute}
}

// CompletedRetention / FailedRetention are the queue substrate's retention knobs.
func CompletedRetention() RetentionPolicy { return RetentionPolicy{Count: 100, Age: 24 * time.Hour} }
func FailedRetention() RetentionPolicy {
	return RetentionPolicy{Count: 500, Age: 7 * 24 * time.Hour}
}

// QueueCounts is the per-state job count returned by counts() (spec §4.6).
type QueueCounts struct {
	Pending   int64 `json:"pending"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}
