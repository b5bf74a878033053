// Package events provides the persistent operational event log for
// VentBridge: connection transitions, escalations, duplicate-client
// teardowns, and command outcomes, queryable after the fact.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Event types recorded by the bridge.
const (
	TypeConnected       = "connected"
	TypeDisconnected    = "disconnected"
	TypeConnectFailed   = "connect_failed"
	TypeRetryExhausted  = "retry_exhausted"
	TypeHealthDegraded  = "health_degraded"
	TypeDuplicateClient = "duplicate_client"
	TypeCommandApplied  = "command_applied"
	TypeCommandFailed   = "command_failed"
)

// Event is a single operational event entry.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Endpoint  string         `json:"endpoint,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Filter controls which events to return.
type Filter struct {
	Type     string // optional: filter by event type
	Endpoint string // optional: filter by unit endpoint
	Limit    int    // default 50, max 200
	Offset   int    // pagination offset
}

// ListResult contains paginated event results.
type ListResult struct {
	Events []Event `json:"events"`
	Total  int     `json:"total"`
	Limit  int     `json:"limit"`
	Offset int     `json:"offset"`
}

// Repository defines the interface for event log operations.
type Repository interface {
	Create(ctx context.Context, ev *Event) error
	List(ctx context.Context, filter Filter) (*ListResult, error)
}

// SQLiteRepository stores events in SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates an event log repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// EnsureSchema creates the events table if it does not exist.
// Called once at startup; safe to call repeatedly.
func (r *SQLiteRepository) EnsureSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS events (
			id         TEXT PRIMARY KEY,
			type       TEXT NOT NULL,
			endpoint   TEXT,
			details    TEXT,
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_events_type ON events(type);
		CREATE INDEX IF NOT EXISTS idx_events_created_at ON events(created_at);
	`)
	if err != nil {
		return fmt.Errorf("creating events schema: %w", err)
	}
	return nil
}

// Create inserts an event. ID and CreatedAt are generated if empty.
func (r *SQLiteRepository) Create(ctx context.Context, ev *Event) error {
	if ev.ID == "" {
		ev.ID = "evt-" + uuid.NewString()[:8]
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	var detailsJSON *string
	if ev.Details != nil {
		b, err := json.Marshal(ev.Details)
		if err != nil {
			return fmt.Errorf("marshalling event details: %w", err)
		}
		s := string(b)
		detailsJSON = &s
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO events (id, type, endpoint, details, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		ev.ID, ev.Type, nullableString(ev.Endpoint), detailsJSON,
		ev.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}

	return nil
}

// nullableString returns nil for empty strings, for nullable TEXT columns.
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// List returns events matching the filter, most recent first.
func (r *SQLiteRepository) List(ctx context.Context, filter Filter) (*ListResult, error) {
	if filter.Limit <= 0 {
		filter.Limit = 50
	}
	if filter.Limit > 200 { //nolint:mnd // max page size for event queries
		filter.Limit = 200
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	var conditions []string
	var args []any

	if filter.Type != "" {
		conditions = append(conditions, "type = ?")
		args = append(args, filter.Type)
	}
	if filter.Endpoint != "" {
		conditions = append(conditions, "endpoint = ?")
		args = append(args, filter.Endpoint)
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM events %s", where) //nolint:gosec // WHERE built from parameterised conditions, not user input
	var total int
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting events: %w", err)
	}

	query := fmt.Sprintf( //nolint:gosec // WHERE built from parameterised conditions, not user input
		"SELECT id, type, endpoint, details, created_at FROM events %s ORDER BY created_at DESC LIMIT ? OFFSET ?",
		where,
	)
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var list []Event
	for rows.Next() {
		var ev Event
		var endpoint, detailsJSON sql.NullString
		var createdAt string

		if err := rows.Scan(&ev.ID, &ev.Type, &endpoint, &detailsJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}

		if endpoint.Valid {
			ev.Endpoint = endpoint.String
		}
		if detailsJSON.Valid && detailsJSON.String != "" {
			var details map[string]any
			if json.Unmarshal([]byte(detailsJSON.String), &details) == nil {
				ev.Details = details
			}
		}

		t, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing event timestamp %q: %w", createdAt, err)
		}
		ev.CreatedAt = t

		list = append(list, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating events: %w", err)
	}

	if list == nil {
		list = []Event{}
	}

	return &ListResult{
		Events: list,
		Total:  total,
		Limit:  filter.Limit,
		Offset: filter.Offset,
	}, nil
}
