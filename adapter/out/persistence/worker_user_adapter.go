// Package persistence provides PostgreSQL adapters implementing outbound ports.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"worker_server/core/domain"
)

// UserAdapter implements domain.UserRepository using PostgreSQL.
type UserAdapter struct {
	db *sqlx.DB
}

// NewUserAdapter creates a new UserAdapter.
func NewUserAdapter(db *sqlx.DB) *UserAdapter {
	return &UserAdapter{db: db}
}

const userSelectColumns = `
	id, email, name, avatar_url, mailbox_connected,
	refresh_token_enc, access_token_enc, access_token_exp,
	mailbox_cursor, watch_expiry, created_at, updated_at`

type userRow struct {
	ID               uuid.UUID      `db:"id"`
	Email            string         `db:"email"`
	Name             sql.NullString `db:"name"`
	AvatarURL        sql.NullString `db:"avatar_url"`
	MailboxConnected bool           `db:"mailbox_connected"`
	RefreshTokenEnc  sql.NullString `db:"refresh_token_enc"`
	AccessTokenEnc   sql.NullString `db:"access_token_enc"`
	AccessTokenExp   sql.NullTime   `db:"access_token_exp"`
	MailboxCursor    sql.NullString `db:"mailbox_cursor"`
	WatchExpiry      sql.NullTime   `db:"watch_expiry"`
	CreatedAt        time.Time      `db:"created_at"`
	UpdatedAt        time.Time      `db:"updated_at"`
}

func (r userRow) toDomain() *domain.User {
	u := &domain.User{
		ID:               r.ID,
		Email:            r.Email,
		MailboxConnected: r.MailboxConnected,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
	if r.Name.Valid {
		u.Name = &r.Name.String
	}
	if r.AvatarURL.Valid {
		u.AvatarURL = &r.AvatarURL.String
	}
	if r.RefreshTokenEnc.Valid {
		u.RefreshTokenEnc = &r.RefreshTokenEnc.String
	}
	if r.AccessTokenEnc.Valid {
		u.AccessTokenEnc = &r.AccessTokenEnc.String
	}
	if r.AccessTokenExp.Valid {
		u.AccessTokenExp = &r.AccessTokenExp.Time
	}
	if r.MailboxCursor.Valid {
		u.MailboxCursor = &r.MailboxCursor.String
	}
	if r.WatchExpiry.Valid {
		u.WatchExpiry = &r.WatchExpiry.Time
	}
	return u
}

func (a *UserAdapter) GetByID(ctx context.Context, id uuid.UUID) (*domain.User, error) {
	query := fmt.Sprintf(`SELECT %s FROM users WHERE id = $1`, userSelectColumns)
	var row userRow
	if err := a.db.QueryRowxContext(ctx, query, id).StructScan(&row); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return row.toDomain(), nil
}

func (a *UserAdapter) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	query := fmt.Sprintf(`SELECT %s FROM users WHERE email = $1`, userSelectColumns)
	var row userRow
	if err := a.db.QueryRowxContext(ctx, query, email).StructScan(&row); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return row.toDomain(), nil
}

func (a *UserAdapter) Upsert(ctx context.Context, user *domain.User) (*domain.User, error) {
	query := `
		INSERT INTO users (id, email, name, avatar_url)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (email) DO UPDATE SET
			name = EXCLUDED.name,
			avatar_url = EXCLUDED.avatar_url,
			updated_at = NOW()
		RETURNING ` + userSelectColumns

	id := user.ID
	if id == uuid.Nil {
		id = uuid.New()
	}

	var row userRow
	if err := a.db.QueryRowxContext(ctx, query, id, user.Email, nullStr(user.Name), nullStr(user.AvatarURL)).StructScan(&row); err != nil {
		return nil, err
	}
	return row.toDomain(), nil
}

func (a *UserAdapter) Update(ctx context.Context, user *domain.User) error {
	query := `
		UPDATE users SET
			mailbox_connected = $1,
			refresh_token_enc = $2,
			access_token_enc = $3,
			access_token_exp = $4,
			mailbox_cursor = $5,
			watch_expiry = $6,
			updated_at = NOW()
		WHERE id = $7`

	result, err := a.db.ExecContext(ctx, query,
		user.MailboxConnected,
		nullStr(user.RefreshTokenEnc),
		nullStr(user.AccessTokenEnc),
		user.AccessTokenExp,
		nullStr(user.MailboxCursor),
		user.WatchExpiry,
		user.ID,
	)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (a *UserAdapter) ListConnected(ctx context.Context) ([]*domain.User, error) {
	query := fmt.Sprintf(`SELECT %s FROM users WHERE mailbox_connected = true`, userSelectColumns)
	rows, err := a.db.QueryxContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*domain.User
	for rows.Next() {
		var row userRow
		if err := rows.StructScan(&row); err != nil {
			return nil, err
		}
		users = append(users, row.toDomain())
	}
	return users, rows.Err()
}

func nullStr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
