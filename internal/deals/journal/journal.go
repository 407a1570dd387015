// Package journal keeps an append-only audit trail of investor actions on funding
// requests in the deal_events table.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	apperrors "deal-pipeline/internal/common/errors"
	"deal-pipeline/internal/common/logger"
	"deal-pipeline/internal/models"

	"github.com/google/uuid"
)

// EventType names a recorded action outcome.
type EventType string

const (
	EventViewed         EventType = "viewed"
	EventMessageSent    EventType = "message_sent"
	EventAccepted       EventType = "accepted"
	EventDeclined       EventType = "declined"
	EventRejected       EventType = "response_rejected"
	EventReconcileAlert EventType = "status_disagreement"
)

type Event struct {
	ID         string                 `json:"id"`
	RequestID  string                 `json:"requestId"`
	Type       EventType              `json:"eventType"`
	FromStatus models.Status          `json:"fromStatus,omitempty"`
	ToStatus   models.Status          `json:"toStatus,omitempty"`
	Details    map[string]interface{} `json:"details,omitempty"`
	CreatedAt  time.Time              `json:"createdAt"`
}

// Schema creates the journal table.
const Schema = `
CREATE TABLE IF NOT EXISTS deal_events (
	id          UUID PRIMARY KEY,
	request_id  TEXT NOT NULL,
	event_type  TEXT NOT NULL,
	from_status TEXT,
	to_status   TEXT,
	details     JSONB NOT NULL DEFAULT '{}',
	created_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS deal_events_request_idx ON deal_events (request_id, created_at);
`

type Journal struct {
	db     *sql.DB
	logger logger.Logger
	now    func() time.Time
}

// New returns a journal writing to db. A nil db yields a journal that records nothing.
func New(db *sql.DB, log logger.Logger) *Journal {
	if log == nil {
		log = logger.NewNoOpLogger()
	}
	return &Journal{
		db:     db,
		logger: log.WithFields(map[string]interface{}{"component": "deal-journal"}),
		now:    time.Now,
	}
}

func (j *Journal) Enabled() bool {
	return j != nil && j.db != nil
}

// Migrate creates the table if it does not exist.
func (j *Journal) Migrate(ctx context.Context) error {
	if !j.Enabled() {
		return nil
	}
	if _, err := j.db.ExecContext(ctx, Schema); err != nil {
		return apperrors.NewJournalWriteFailedError(fmt.Errorf("migrate: %w", err))
	}
	return nil
}

// Record appends ev, assigning its id and timestamp when unset.
func (j *Journal) Record(ctx context.Context, ev Event) (Event, error) {
	if !j.Enabled() {
		return ev, nil
	}
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = j.now().UTC()
	}

	details := ev.Details
	if details == nil {
		details = map[string]interface{}{}
	}
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		j.logger.Warn("failed to marshal event details", map[string]interface{}{
			"error":     err,
			"requestId": ev.RequestID,
		})
		detailsJSON = []byte("{}")
	}

	_, err = j.db.ExecContext(ctx, `
		INSERT INTO deal_events (id, request_id, event_type, from_status, to_status, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		ev.ID,
		ev.RequestID,
		string(ev.Type),
		nullStatus(ev.FromStatus),
		nullStatus(ev.ToStatus),
		detailsJSON,
		ev.CreatedAt,
	)
	if err != nil {
		return ev, apperrors.NewJournalWriteFailedError(err)
	}
	return ev, nil
}

// RecordQuietly is Record for callers that must not fail because of the audit trail.
func (j *Journal) RecordQuietly(ctx context.Context, ev Event) {
	if _, err := j.Record(ctx, ev); err != nil {
		j.logger.Warn("journal insert failed", map[string]interface{}{
			"error":     err,
			"requestId": ev.RequestID,
			"eventType": string(ev.Type),
		})
	}
}

// History returns the events recorded for requestID, oldest first.
func (j *Journal) History(ctx context.Context, requestID string, limit int) ([]Event, error) {
	if !j.Enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := j.db.QueryContext(ctx, `
		SELECT id, request_id, event_type, from_status, to_status, details, created_at
		FROM deal_events
		WHERE request_id = $1
		ORDER BY created_at ASC
		LIMIT $2`, requestID, limit)
	if err != nil {
		return nil, fmt.Errorf("query deal events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			ev          Event
			eventType   string
			from, to    sql.NullString
			detailsJSON []byte
		)
		if err := rows.Scan(&ev.ID, &ev.RequestID, &eventType, &from, &to, &detailsJSON, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan deal event: %w", err)
		}
		ev.Type = EventType(eventType)
		ev.FromStatus = models.Status(from.String)
		ev.ToStatus = models.Status(to.String)
		if len(detailsJSON) > 0 {
			if err := json.Unmarshal(detailsJSON, &ev.Details); err != nil {
				return nil, fmt.Errorf("decode deal event details: %w", err)
			}
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deal events: %w", err)
	}
	return events, nil
}

func nullStatus(s models.Status) sql.NullString {
	return sql.NullString{String: string(s), Valid: s != ""}
}
