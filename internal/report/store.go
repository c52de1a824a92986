// Package report provides PostgreSQL-backed storage for abuse reports.
// Each report captures who reported whom, the session context, and a
// snapshot of recent messages for moderator review.
package report

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// validReasons is the set of allowed reason values, matching the CHECK
// constraint on the abuse_reports table.
var validReasons = map[string]bool{
	"harassment": true,
	"spam":       true,
	"explicit":   true,
	"other":      true,
}

// ValidReason reports whether reason is an accepted report reason.
func ValidReason(reason string) bool {
	return validReasons[reason]
}

// Store manages abuse reports in PostgreSQL.
type Store struct {
	db *sql.DB
}

// Report represents a single abuse report to be persisted.
type Report struct {
	ReporterID string
	ReportedID string
	SessionID  string
	Seq        uint64         // sequence number of the offending message
	Reason     string
	Messages   []MessageEntry // recent messages from the session log
}

// MessageEntry is one message in the conversation snapshot attached to a
// report.
type MessageEntry struct {
	AuthorID string `json:"author_id"`
	Seq      uint64 `json:"seq"`
	Body     string `json:"body"`
	Ts       int64  `json:"ts"`
}

// NewStore creates a new report store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts an abuse report into PostgreSQL. The message snapshot is
// marshalled to JSONB. The reason is validated against the allowed set
// before insertion.
func (s *Store) Create(ctx context.Context, report *Report) error {
	if !validReasons[report.Reason] {
		return fmt.Errorf("report: invalid reason %q", report.Reason)
	}

	var messagesJSON []byte
	if len(report.Messages) > 0 {
		var err error
		messagesJSON, err = json.Marshal(report.Messages)
		if err != nil {
			return fmt.Errorf("report: marshal messages: %w", err)
		}
	}

	const query = `
		INSERT INTO abuse_reports (reporter_id, reported_id, session_id, seq, reason, messages)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := s.db.ExecContext(ctx, query,
		report.ReporterID,
		report.ReportedID,
		report.SessionID,
		int64(report.Seq),
		report.Reason,
		messagesJSON,
	)
	if err != nil {
		return fmt.Errorf("report: insert: %w", err)
	}
	return nil
}

// CountRecent returns the number of reports filed against an identity
// within the given time window. Used by the auto-ban logic.
func (s *Store) CountRecent(ctx context.Context, reportedID string, window time.Duration) (int, error) {
	const query = `
		SELECT COUNT(*)
		FROM abuse_reports
		WHERE reported_id = $1
		  AND created_at >= NOW() - $2::interval`

	var count int
	err := s.db.QueryRowContext(ctx, query, reportedID, window.String()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("report: count recent: %w", err)
	}
	return count, nil
}
