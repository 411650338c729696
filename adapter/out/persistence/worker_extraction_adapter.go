package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"worker_server/core/domain"
	"worker_server/core/port/out"
)

// ExtractionAdapter implements out.ExtractionRepository using PostgreSQL;
// KeyValues/Tables are stored as JSONB.
type ExtractionAdapter struct {
	db *sqlx.DB
}

func NewExtractionAdapter(db *sqlx.DB) *ExtractionAdapter {
	return &ExtractionAdapter{db: db}
}

const extractionSelectColumns = `
	id, user_id, message_id, subject, sender, message_date, filename, mime_type,
	raw_text, key_values, tables, confidence, status, error_message,
	extracted_at, notified_at`

type extractionRow struct {
	ID           uuid.UUID      `db:"id"`
	UserID       uuid.UUID      `db:"user_id"`
	MessageID    string         `db:"message_id"`
	Subject      string         `db:"subject"`
	Sender       string         `db:"sender"`
	MessageDate  time.Time      `db:"message_date"`
	Filename     string         `db:"filename"`
	MimeType     string         `db:"mime_type"`
	RawText      string         `db:"raw_text"`
	KeyValues    []byte         `db:"key_values"`
	Tables       []byte         `db:"tables"`
	Confidence   float64        `db:"confidence"`
	Status       string         `db:"status"`
	ErrorMessage sql.NullString `db:"error_message"`
	ExtractedAt  time.Time      `db:"extracted_at"`
	NotifiedAt   sql.NullTime   `db:"notified_at"`
}

func (r extractionRow) toDomain() (*domain.ExtractedDocument, error) {
	doc := &domain.ExtractedDocument{
		ID:          r.ID,
		UserID:      r.UserID,
		MessageID:   r.MessageID,
		Subject:     r.Subject,
		Sender:      r.Sender,
		MessageDate: r.MessageDate,
		Filename:    r.Filename,
		MimeType:    r.MimeType,
		RawText:     r.RawText,
		Confidence:  r.Confidence,
		Status:      domain.DocumentStatus(r.Status),
		ExtractedAt: r.ExtractedAt,
	}
	if len(r.KeyValues) > 0 {
		if err := json.Unmarshal(r.KeyValues, &doc.KeyValues); err != nil {
			return nil, fmt.Errorf("decode key_values: %w", err)
		}
	}
	if len(r.Tables) > 0 {
		if err := json.Unmarshal(r.Tables, &doc.Tables); err != nil {
			return nil, fmt.Errorf("decode tables: %w", err)
		}
	}
	if r.ErrorMessage.Valid {
		doc.ErrorMessage = &r.ErrorMessage.String
	}
	if r.NotifiedAt.Valid {
		doc.NotifiedAt = &r.NotifiedAt.Time
	}
	return doc, nil
}

func (a *ExtractionAdapter) SaveExtraction(ctx context.Context, doc *domain.ExtractedDocument) error {
	keyValues, err := json.Marshal(doc.KeyValues)
	if err != nil {
		return fmt.Errorf("encode key_values: %w", err)
	}
	tables, err := json.Marshal(doc.Tables)
	if err != nil {
		return fmt.Errorf("encode tables: %w", err)
	}

	if doc.ID == uuid.Nil {
		doc.ID = uuid.New()
	}
	id := doc.ID

	query := `
		INSERT INTO extracted_documents (
			id, user_id, message_id, subject, sender, message_date, filename, mime_type,
			raw_text, key_values, tables, confidence, status, error_message, extracted_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING extracted_at`

	return a.db.QueryRowContext(ctx, query,
		id, doc.UserID, doc.MessageID, doc.Subject, doc.Sender, doc.MessageDate, doc.Filename, doc.MimeType,
		doc.RawText, keyValues, tables, doc.Confidence, string(doc.Status), nullStr(doc.ErrorMessage), time.Now(),
	).Scan(&doc.ExtractedAt)
}

func (a *ExtractionAdapter) MarkNotified(ctx context.Context, id uuid.UUID, at time.Time) error {
	result, err := a.db.ExecContext(ctx, `UPDATE extracted_documents SET notified_at = $1 WHERE id = $2`, at, id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (a *ExtractionAdapter) GetByID(ctx context.Context, id uuid.UUID) (*domain.ExtractedDocument, error) {
	query := fmt.Sprintf(`SELECT %s FROM extracted_documents WHERE id = $1`, extractionSelectColumns)
	var row extractionRow
	if err := a.db.QueryRowxContext(ctx, query, id).StructScan(&row); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return row.toDomain()
}

func (a *ExtractionAdapter) ListRecent(ctx context.Context, filter out.ExtractionListFilter) ([]*domain.ExtractedDocument, error) {
	var conditions []string
	var args []interface{}
	argN := 1

	if filter.UserID != nil {
		conditions = append(conditions, fmt.Sprintf("user_id = $%d", argN))
		args = append(args, *filter.UserID)
		argN++
	}
	if filter.Status != nil {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argN))
		args = append(args, string(*filter.Status))
		argN++
	}
	if filter.Since != nil {
		conditions = append(conditions, fmt.Sprintf("extracted_at >= $%d", argN))
		args = append(args, *filter.Since)
		argN++
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	query := fmt.Sprintf(`SELECT %s FROM extracted_documents %s ORDER BY extracted_at DESC LIMIT $%d OFFSET $%d`,
		extractionSelectColumns, where, argN, argN+1)
	args = append(args, limit, filter.Offset)

	rows, err := a.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []*domain.ExtractedDocument
	for rows.Next() {
		var row extractionRow
		if err := rows.StructScan(&row); err != nil {
			return nil, err
		}
		doc, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func (a *ExtractionAdapter) DeleteOne(ctx context.Context, id uuid.UUID) error {
	result, err := a.db.ExecContext(ctx, `DELETE FROM extracted_documents WHERE id = $1`, id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (a *ExtractionAdapter) DeleteMany(ctx context.Context, ids []uuid.UUID) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	result, err := a.db.ExecContext(ctx, `DELETE FROM extracted_documents WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return 0, err
	}
	rows, _ := result.RowsAffected()
	return int(rows), nil
}

func (a *ExtractionAdapter) Stats(ctx context.Context, userID *uuid.UUID) (*domain.DocumentStats, error) {
	query := `
		SELECT
			COUNT(*) AS total,
			COUNT(*) FILTER (WHERE status = 'completed') AS completed,
			COUNT(*) FILTER (WHERE status = 'error') AS errors,
			COALESCE(AVG(confidence) FILTER (WHERE status = 'completed'), 0) AS avg_confidence
		FROM extracted_documents`
	args := []interface{}{}
	if userID != nil {
		query += " WHERE user_id = $1"
		args = append(args, *userID)
	}

	var stats domain.DocumentStats
	if err := a.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.Total, &stats.Completed, &stats.Errors, &stats.AvgConfidence,
	); err != nil {
		return nil, err
	}
	return &stats, nil
}

// ProcessedEmailAdapter implements out.ProcessedEmailRepository using
// PostgreSQL's primary key constraint for the idempotency guarantee.
type ProcessedEmailAdapter struct {
	db *sqlx.DB
}

func NewProcessedEmailAdapter(db *sqlx.DB) *ProcessedEmailAdapter {
	return &ProcessedEmailAdapter{db: db}
}

func (a *ProcessedEmailAdapter) IsMessageProcessed(ctx context.Context, messageID string) (bool, error) {
	var exists bool
	err := a.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM processed_emails WHERE message_id = $1)`, messageID).Scan(&exists)
	return exists, err
}

// MarkMessageProcessed is the durable dedup point (spec §4.9 step 5c): the
// ON CONFLICT clause makes the insert idempotent against the primary key
// rather than erroring, so a lost race is detected by RowsAffected()==0
// and reported as ErrDuplicate instead of relying on a constraint error.
func (a *ProcessedEmailAdapter) MarkMessageProcessed(ctx context.Context, messageID string, userID uuid.UUID) error {
	result, err := a.db.ExecContext(ctx,
		`INSERT INTO processed_emails (message_id, user_id, processed_at) VALUES ($1, $2, NOW())
		 ON CONFLICT (message_id) DO NOTHING`,
		messageID, userID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrDuplicate
	}
	return nil
}
