// Package out defines outbound ports: the interfaces core services call
// against external systems (mailbox provider, OCR provider, blob store,
// relational store, queue backend).
package out

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// MessageAttachmentSummary describes one attachment on a mailbox message,
// as returned by the provider listing, before its bytes are fetched.
type MessageAttachmentSummary struct {
	AttachmentID string
	Filename     string
	MimeType     string
	SizeBytes    int64
}

// MessageSummary is a lightweight view of an unread message with attachments
// (spec §4.2 listUnreadWithAttachments).
type MessageSummary struct {
	MessageID   string
	Subject     string
	Sender      string
	MessageDate time.Time
	Attachments []MessageAttachmentSummary
}

// WatchRegistration is the result of registering a push watch (spec §4.2).
type WatchRegistration struct {
	Cursor    string
	ExpiresAt time.Time
}

// MailboxClient is the per-user authenticated handle produced by the
// Mailbox Client Factory (spec §4.2).
type MailboxClient interface {
	ListUnreadWithAttachments(ctx context.Context, limit int) ([]MessageSummary, error)
	FetchAttachment(ctx context.Context, messageID, attachmentID string) ([]byte, error)
	// MarkRead returns ErrPermissionDenied (not a hard error) when the
	// provider rejects the mutation; callers must treat that case as a
	// warning, not a failure (spec §4.9 step 5e).
	MarkRead(ctx context.Context, messageID string) error
	RegisterPushWatch(ctx context.Context, topic, label string) (*WatchRegistration, error)
	StopPushWatch(ctx context.Context) error
}

// MailboxClientFactory builds an authenticated MailboxClient for a user,
// refreshing access tokens on demand (spec §4.2).
type MailboxClientFactory interface {
	ClientFor(ctx context.Context, userID uuid.UUID) (MailboxClient, error)
}

var (
	// ErrPermissionDenied is returned by MailboxClient.MarkRead when the
	// provider rejects the mutation for the caller's credentials.
	ErrPermissionDenied = errors.New("mailbox: permission denied")
	// ErrNotConnected is returned by ClientFor when the user has no active
	// mailbox connection.
	ErrNotConnected = errors.New("mailbox: not connected")
	// ErrAuth is returned by ClientFor when a token refresh is rejected by
	// the provider.
	ErrAuth = errors.New("mailbox: authentication failed")
	// ErrUserMissing is returned by ClientFor when the user id is unknown.
	ErrUserMissing = errors.New("mailbox: unknown user")
)
