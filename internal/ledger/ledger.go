// Package ledger provides an append-only audit history of cycle commands.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event in the ledger
type EventType string

const (
	EventCycleStarted     EventType = "cycle_started"
	EventCycleStopped     EventType = "cycle_stopped"
	EventCyclesStoppedAll EventType = "cycles_stopped_all"
)

// Entry represents a single event in the ledger
type Entry struct {
	ID        int64          `json:"id"`
	EventType EventType      `json:"event_type"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
	Source    string         `json:"source,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// Ledger provides append-only event logging
type Ledger struct {
	db  *sql.DB
	now func() time.Time
}

// New creates a new Ledger using the provided database connection
func New(db *sql.DB) *Ledger {
	return &Ledger{db: db, now: time.Now}
}

// Append adds a new event to the ledger. An empty requestID gets a fresh one.
// Returns the request id the entry was recorded under.
func (l *Ledger) Append(ctx context.Context, eventType EventType, requestID, source string, payload map[string]any) (string, error) {
	var payloadJSON []byte
	var err error

	if payload != nil {
		payloadJSON, err = json.Marshal(payload)
		if err != nil {
			return "", fmt.Errorf("failed to marshal payload: %w", err)
		}
	}

	if requestID == "" {
		requestID = uuid.NewString()
	}

	_, err = l.db.ExecContext(ctx,
		`INSERT INTO event_ledger (event_type, timestamp, payload, source, request_id) VALUES (?, ?, ?, ?, ?)`,
		string(eventType), l.now().UTC().UnixMilli(), string(payloadJSON), source, requestID,
	)
	if err != nil {
		return "", err
	}
	return requestID, nil
}

// GetByType returns entries filtered by event type, newest first.
// An empty eventType returns all entries.
func (l *Ledger) GetByType(ctx context.Context, eventType EventType, limit int) ([]*Entry, error) {
	query := `
		SELECT id, event_type, timestamp, payload, source, request_id
		FROM event_ledger
		WHERE event_type = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?`
	args := []any{string(eventType), limit}
	if eventType == "" {
		query = `
		SELECT id, event_type, timestamp, payload, source, request_id
		FROM event_ledger
		ORDER BY timestamp DESC, id DESC
		LIMIT ?`
		args = []any{limit}
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return l.scanEntries(rows)
}

// GetByRequest returns all entries recorded under one request id.
func (l *Ledger) GetByRequest(ctx context.Context, requestID string) ([]*Entry, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, event_type, timestamp, payload, source, request_id
		FROM event_ledger
		WHERE request_id = ?
		ORDER BY id ASC
	`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return l.scanEntries(rows)
}

// DeleteOlderThan removes entries older than the specified duration (retention policy)
func (l *Ledger) DeleteOlderThan(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := l.now().Add(-retention).UTC().UnixMilli()
	result, err := l.db.ExecContext(ctx, `
		DELETE FROM event_ledger WHERE timestamp < ?
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (l *Ledger) scanEntries(rows *sql.Rows) ([]*Entry, error) {
	var entries []*Entry
	for rows.Next() {
		var entry Entry
		var payloadStr, source, requestID sql.NullString
		var timestamp int64

		err := rows.Scan(&entry.ID, &entry.EventType, &timestamp, &payloadStr, &source, &requestID)
		if err != nil {
			return nil, err
		}

		entry.Timestamp = time.UnixMilli(timestamp).UTC()
		if source.Valid {
			entry.Source = source.String
		}
		if requestID.Valid {
			entry.RequestID = requestID.String
		}

		if payloadStr.Valid && payloadStr.String != "" {
			entry.Payload = make(map[string]any)
			if err := json.Unmarshal([]byte(payloadStr.String), &entry.Payload); err != nil {
				return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
			}
		}

		entries = append(entries, &entry)
	}

	return entries, rows.Err()
}
