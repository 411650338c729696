// Package domain holds the core entities of the ingestion and extraction
// pipeline, independent of any storage or transport technology.
package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// User is the identity record for a mailbox owner (spec §3 User).
//
// Invariant: MailboxConnected implies RefreshTokenEnc is set.
// Invariant: !MailboxConnected implies every token/watch field is nil.
type User struct {
	ID               uuid.UUID  `json:"id"`
	Email            string     `json:"email"`
	Name             *string    `json:"name,omitempty"`
	AvatarURL        *string    `json:"avatar_url,omitempty"`
	MailboxConnected bool       `json:"mailbox_connected"`
	RefreshTokenEnc  *string    `json:"-"`
	AccessTokenEnc   *string    `json:"-"`
	AccessTokenExp   *time.Time `json:"access_token_expiry,omitempty"`
	MailboxCursor    *string    `json:"mailbox_cursor,omitempty"`
	WatchExpiry      *time.Time `json:"watch_expiry,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// WatchActive reports whether the user's push watch is presently live.
func (u *User) WatchActive(now time.Time) bool {
	return u.WatchExpiry != nil && u.WatchExpiry.After(now)
}

// Disconnect clears every mailbox-connection field (spec §3 lifecycle: OAuth disconnect).
func (u *User) Disconnect() {
	u.MailboxConnected = false
	u.RefreshTokenEnc = nil
	u.AccessTokenEnc = nil
	u.AccessTokenExp = nil
	u.MailboxCursor = nil
	u.WatchExpiry = nil
}

// UserRepository persists User records.
type UserRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
	Upsert(ctx context.Context, user *User) (*User, error)
	Update(ctx context.Context, user *User) error
	ListConnected(ctx context.Context) ([]*User, error)
}
