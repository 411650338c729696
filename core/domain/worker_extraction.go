package domain

import (
	"time"

	"github.com/google/uuid"
)

// DocumentStatus is the lifecycle status of an ExtractedDocument.
type DocumentStatus string

const (
	StatusCompleted DocumentStatus = "completed"
	StatusError     DocumentStatus = "error"
)

// KeyValuePair is one structured field extracted by OCR (spec §3).
type KeyValuePair struct {
	Key        string  `json:"key"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
}

// ExtractedTable is one table extracted by OCR. Rows are rectangular only
// when the source block layout is; no padding is enforced here.
type ExtractedTable struct {
	Rows       [][]string `json:"rows"`
	Confidence float64    `json:"confidence"`
}

// ExtractedDocument is one result per processed attachment (spec §3).
//
// Invariant: Status == StatusCompleted implies RawText is non-empty.
// Invariant: Confidence is in [0, 100].
type ExtractedDocument struct {
	ID              uuid.UUID      `json:"id"`
	UserID          uuid.UUID      `json:"user_id"`
	MessageID       string         `json:"message_id"`
	Subject         string         `json:"subject"`
	Sender          string         `json:"sender"`
	MessageDate     time.Time      `json:"message_date"`
	Filename        string         `json:"filename"`
	MimeType        string         `json:"mime_type"`
	RawText         string         `json:"raw_text"`
	KeyValues       []KeyValuePair `json:"key_values"`
	Tables          []ExtractedTable `json:"tables"`
	Confidence      float64        `json:"confidence"`
	Status          DocumentStatus `json:"status"`
	ErrorMessage    *string        `json:"error_message,omitempty"`
	ExtractedAt     time.Time      `json:"extracted_at"`
	NotifiedAt      *time.Time     `json:"notified_at,omitempty"`
}

// AggregateConfidence is the mean over every key/value and table confidence,
// or 0 when neither list has entries (spec §4.3).
func AggregateConfidence(kvs []KeyValuePair, tables []ExtractedTable) float64 {
	var sum float64
	var n int
	for _, kv := range kvs {
		sum += kv.Confidence
		n++
	}
	for _, t := range tables {
		sum += t.Confidence
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// ProcessedEmail is the durable idempotency marker keyed by provider message
// id alone (spec §9 Open Question, resolved globally-unique per REDESIGN note
// in SPEC_FULL.md §5).
type ProcessedEmail struct {
	MessageID   string    `json:"message_id"`
	UserID      uuid.UUID `json:"user_id"`
	ProcessedAt time.Time `json:"processed_at"`
}

// DocumentStats is the aggregate view served by Extraction Store stats().
type DocumentStats struct {
	Total         int     `json:"total"`
	Completed     int     `json:"completed"`
	Errors        int     `json:"errors"`
	AvgConfidence float64 `json:"avg_confidence"`
}
