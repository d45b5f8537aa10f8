package audit

import (
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ProviderEvent represents a single recorded provider transition.
type ProviderEvent struct {
	EventID    string    `json:"event_id"`
	Timestamp  time.Time `json:"timestamp"`
	ProviderID string    `json:"provider_id"`
	Type       EventType `json:"type"`
	FromStatus *string   `json:"from_status,omitempty"`
	ToStatus   *string   `json:"to_status,omitempty"`
	Reason     string    `json:"reason"`
	Detail     *string   `json:"detail,omitempty"`
}

// WriteEventInput contains the fields for creating a new provider event.
type WriteEventInput struct {
	ProviderID string    `json:"provider_id"`
	Type       EventType `json:"type"`
	FromStatus *string   `json:"from_status,omitempty"`
	ToStatus   *string   `json:"to_status,omitempty"`
	Reason     string    `json:"reason"`
	Detail     *string   `json:"detail,omitempty"`
}

// EventQueryFilters contains optional filters for querying events.
type EventQueryFilters struct {
	ProviderID *string `json:"provider_id,omitempty"`
	Type       *string `json:"type,omitempty"`
	StartDate  *string `json:"start_date,omitempty"` // ISO 8601 format
	EndDate    *string `json:"end_date,omitempty"`   // ISO 8601 format
	Limit      int     `json:"limit,omitempty"`
	Offset     int     `json:"offset,omitempty"`
}

// DBPair interface for dependency injection (matches db.DBPair).
type DBPair interface {
	Reader() *sql.DB
	Writer() *sql.DB
}

// Repository handles database operations for provider events.
// Uses separate reader/writer connections for optimal SQLite concurrency.
type Repository struct {
	reader *sql.DB // For SELECT queries
	writer *sql.DB // For INSERT/UPDATE/DELETE
}

// NewRepository creates a new audit Repository.
func NewRepository(dbPair DBPair) *Repository {
	return &Repository{reader: dbPair.Reader(), writer: dbPair.Writer()}
}

// InsertEvent writes a new provider event to the database.
// Generates a UUID and captures the timestamp.
func (r *Repository) InsertEvent(input WriteEventInput) (*ProviderEvent, error) {
	eventID := uuid.New().String()
	timestamp := nowISO()

	_, err := r.writer.Exec(`
		INSERT INTO provider_events (event_id, provider_id, event_type, from_status, to_status, reason, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, eventID, input.ProviderID, string(input.Type), input.FromStatus, input.ToStatus, input.Reason, input.Detail, timestamp)
	if err != nil {
		return nil, err
	}

	return r.GetEvent(eventID)
}

// GetEvent retrieves a single event by ID.
// Returns nil, nil if not found.
func (r *Repository) GetEvent(eventID string) (*ProviderEvent, error) {
	row := r.reader.QueryRow(`
		SELECT event_id, provider_id, event_type, from_status, to_status, reason, detail, created_at
		FROM provider_events
		WHERE event_id = ?
	`, eventID)

	event, err := scanEvent(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return event, nil
}

// QueryEvents retrieves events matching filters with pagination.
// Orders by timestamp DESC (newest first).
// Returns events, total count, and error.
func (r *Repository) QueryEvents(filters EventQueryFilters) ([]ProviderEvent, int, error) {
	whereClause, args := buildWhereClause(filters)

	countQuery := "SELECT COUNT(*) FROM provider_events " + whereClause
	var total int
	if err := r.reader.QueryRow(countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	limit := filters.Limit
	if limit <= 0 {
		limit = 100 // default limit
	}

	query := `
		SELECT event_id, provider_id, event_type, from_status, to_status, reason, detail, created_at
		FROM provider_events
		` + whereClause + `
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`
	queryArgs := append(args, limit, filters.Offset)

	rows, err := r.reader.Query(query, queryArgs...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	events := []ProviderEvent{}
	for rows.Next() {
		event, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, 0, err
		}
		events = append(events, *event)
	}

	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	return events, total, nil
}

// PruneOldEvents deletes events older than retentionDays.
// Returns number of rows deleted.
func (r *Repository) PruneOldEvents(retentionDays int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays).Format(time.RFC3339)

	result, err := r.writer.Exec(`
		DELETE FROM provider_events
		WHERE created_at < ?
	`, cutoff)
	if err != nil {
		return 0, err
	}

	return result.RowsAffected()
}

func buildWhereClause(filters EventQueryFilters) (string, []any) {
	conditions := []string{}
	args := []any{}

	if filters.ProviderID != nil {
		conditions = append(conditions, "provider_id = ?")
		args = append(args, *filters.ProviderID)
	}
	if filters.Type != nil {
		conditions = append(conditions, "event_type = ?")
		args = append(args, *filters.Type)
	}
	if filters.StartDate != nil {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, *filters.StartDate)
	}
	if filters.EndDate != nil {
		conditions = append(conditions, "created_at <= ?")
		args = append(args, *filters.EndDate)
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = "WHERE " + strings.Join(conditions, " AND ")
	}

	return whereClause, args
}

func scanEvent(scan func(dest ...any) error) (*ProviderEvent, error) {
	var event ProviderEvent
	var eventType string
	var fromStatus, toStatus, reason, detail sql.NullString
	var createdAt string

	err := scan(
		&event.EventID,
		&event.ProviderID,
		&eventType,
		&fromStatus,
		&toStatus,
		&reason,
		&detail,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}

	event.Type = EventType(eventType)
	if fromStatus.Valid {
		event.FromStatus = &fromStatus.String
	}
	if toStatus.Valid {
		event.ToStatus = &toStatus.String
	}
	if reason.Valid {
		event.Reason = reason.String
	}
	if detail.Valid {
		event.Detail = &detail.String
	}

	event.Timestamp, err = time.Parse(time.RFC3339, createdAt)
	if err != nil {
		event.Timestamp, _ = time.Parse("2006-01-02 15:04:05", createdAt)
	}

	return &event, nil
}

func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339)
}
