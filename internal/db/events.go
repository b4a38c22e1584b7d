package db

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event types recorded in item_events.
const (
	EventCreated      = "created"
	EventStatus       = "status_changed"
	EventObserved     = "observed"
	EventProviderFail = "provider_failed"
	EventAcknowledged = "acknowledged"
	EventArchived     = "archived"
	EventUnarchived   = "unarchived"
)

func (tx *Tx) LogEvent(itemID, eventType, fromStatus, toStatus, detail string) error {
	_, err := tx.tx.Exec(`
		INSERT INTO item_events (id, item_id, event_type, from_status, to_status, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), itemID, eventType, fromStatus, toStatus, detail,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("logging event: %w", err)
	}
	return nil
}

// ListEvents returns an item's events, newest first.
func (db *DB) ListEvents(itemID string, limit, offset int) ([]Event, error) {
	rows, err := db.conn.Query(`
		SELECT id, item_id, event_type, from_status, to_status, detail, created_at
		FROM item_events WHERE item_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ? OFFSET ?`, itemID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var createdAt string
		if err := rows.Scan(&e.ID, &e.ItemID, &e.EventType, &e.FromStatus, &e.ToStatus, &e.Detail, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		e.CreatedAt = parseTime(createdAt)
		events = append(events, e)
	}
	return events, rows.Err()
}
