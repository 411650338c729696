package persistence

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"worker_server/core/domain"
)

func init() {
	os.Setenv("TESTCONTAINERS_RYUK_DISABLED", "true")
}

// setupTestDB spins up a throwaway Postgres container, applies the schema
// in infra/database/migrations, and returns a connected *sqlx.DB. Grounded
// in thedjpetersen-ralph's test/integration/testutil.go (postgres.Run,
// wait.ForLog(...).WithOccurrence(2), TESTCONTAINERS_RYUK_DISABLED), adapted
// to raw-SQL schema application since this repo's adapters are sqlx-based
// rather than an ORM with its own migrator.
func setupTestDB(t *testing.T) *sqlx.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping testcontainers-backed integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	defer cancel()

	pgContainer, err := postgres.Run(ctx, "postgres:15-alpine",
		postgres.WithDatabase("worker_test"),
		postgres.WithUsername("worker_test"),
		postgres.WithPassword("worker_test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pgContainer.Terminate(context.Background()) })

	dsn, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	schema, err := os.ReadFile("../../../infra/database/migrations/0001_init.sql")
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, string(schema))
	require.NoError(t, err)

	return db
}

func seedUser(t *testing.T, db *sqlx.DB) uuid.UUID {
	t.Helper()
	id := uuid.New()
	_, err := db.Exec(`INSERT INTO users (id, email) VALUES ($1, $2)`, id, id.String()+"@example.test")
	require.NoError(t, err)
	return id
}

// TestProcessedEmailAdapter_DedupRace exercises invariant 1 (a message is
// never processed twice) and invariant 6 (the durable dedup point is the
// database constraint, not an in-process check) under a real concurrent
// race, against Postgres's own primary-key enforcement rather than a mock.
func TestProcessedEmailAdapter_DedupRace(t *testing.T) {
	db := setupTestDB(t)
	userID := seedUser(t, db)
	adapter := NewProcessedEmailAdapter(db)

	const racers = 8
	results := make(chan error, racers)
	for i := 0; i < racers; i++ {
		go func() {
			results <- adapter.MarkMessageProcessed(context.Background(), "race-message", userID)
		}()
	}

	var wins, duplicates int
	for i := 0; i < racers; i++ {
		switch err := <-results; err {
		case nil:
			wins++
		case ErrDuplicate:
			duplicates++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}

	assert.Equal(t, 1, wins, "exactly one racer should win the dedup insert")
	assert.Equal(t, racers-1, duplicates)

	processed, err := adapter.IsMessageProcessed(context.Background(), "race-message")
	require.NoError(t, err)
	assert.True(t, processed)
}

// TestProcessedEmailAdapter_Idempotent exercises invariant 2: re-processing
// an already-processed message id is a safe no-op (ErrDuplicate), not a
// crash or a second row.
func TestProcessedEmailAdapter_Idempotent(t *testing.T) {
	db := setupTestDB(t)
	userID := seedUser(t, db)
	adapter := NewProcessedEmailAdapter(db)
	ctx := context.Background()

	require.NoError(t, adapter.MarkMessageProcessed(ctx, "m1", userID))
	err := adapter.MarkMessageProcessed(ctx, "m1", userID)
	assert.ErrorIs(t, err, ErrDuplicate)

	var count int
	require.NoError(t, db.Get(&count, `SELECT COUNT(*) FROM processed_emails WHERE message_id = $1`, "m1"))
	assert.Equal(t, 1, count)
}

// TestExtractionAdapter_SaveAndRoundTrip exercises the ExtractedDocument
// write/read path against real JSONB columns, confirming key/value pairs
// and tables survive a round trip through Postgres unmodified.
func TestExtractionAdapter_SaveAndRoundTrip(t *testing.T) {
	db := setupTestDB(t)
	userID := seedUser(t, db)
	adapter := NewExtractionAdapter(db)
	ctx := context.Background()

	doc := &domain.ExtractedDocument{
		UserID:      userID,
		MessageID:   "m1",
		Subject:     "Invoice",
		Sender:      "billing@example.test",
		MessageDate: time.Now().UTC().Truncate(time.Second),
		Filename:    "invoice.pdf",
		MimeType:    "application/pdf",
		RawText:     "Total: $27,131.51",
		KeyValues:   []domain.KeyValuePair{{Key: "Total", Value: "$27,131.51", Confidence: 96.2}},
		Tables:      []domain.ExtractedTable{{Rows: [][]string{{"a", "b"}}, Confidence: 91}},
		Confidence:  domain.AggregateConfidence([]domain.KeyValuePair{{Confidence: 96.2}}, []domain.ExtractedTable{{Confidence: 91}}),
		Status:      domain.StatusCompleted,
	}
	require.NoError(t, adapter.SaveExtraction(ctx, doc))
	require.NotEqual(t, uuid.Nil, doc.ID)

	got, err := adapter.GetByID(ctx, doc.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, doc.MessageID, got.MessageID)
	assert.Equal(t, domain.StatusCompleted, got.Status)
	require.Len(t, got.KeyValues, 1)
	assert.Equal(t, "Total", got.KeyValues[0].Key)
	require.Len(t, got.Tables, 1)
	assert.Equal(t, "a", got.Tables[0].Rows[0][0])
	assert.InDelta(t, 93.6, got.Confidence, 0.01)
}

// TestExtractionAdapter_Stats exercises the operator stats aggregate
// (avgConfidence over completed documents only) against real GROUP BY/
// FILTER behaviour rather than an in-memory fake.
func TestExtractionAdapter_Stats(t *testing.T) {
	db := setupTestDB(t)
	userID := seedUser(t, db)
	adapter := NewExtractionAdapter(db)
	ctx := context.Background()

	completed := &domain.ExtractedDocument{
		UserID: userID, MessageID: "m1", Subject: "s", Sender: "s",
		MessageDate: time.Now(), Filename: "f.pdf", MimeType: "application/pdf",
		RawText: "some text", Confidence: 80, Status: domain.StatusCompleted,
	}
	errored := &domain.ExtractedDocument{
		UserID: userID, MessageID: "m2", Subject: "s", Sender: "s",
		MessageDate: time.Now(), Filename: "f2.pdf", MimeType: "application/pdf",
		Status: domain.StatusError,
	}
	require.NoError(t, adapter.SaveExtraction(ctx, completed))
	require.NoError(t, adapter.SaveExtraction(ctx, errored))

	stats, err := adapter.Stats(ctx, &userID)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, 1, stats.Errors)
	assert.InDelta(t, 80, stats.AvgConfidence, 0.01)
}
