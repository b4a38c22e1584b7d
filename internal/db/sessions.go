package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/uesteibar/inloop/internal/item"
)

func (tx *Tx) CreateSession(s item.Session) (item.Session, error) {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC().Truncate(time.Second)
	}
	_, err := tx.tx.Exec(`
		INSERT INTO sessions (id, item_id, command, cwd, transcript_path, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		s.ID, s.ItemID, s.Command, s.Cwd, s.TranscriptPath, formatTime(s.CreatedAt),
	)
	if err != nil {
		return item.Session{}, fmt.Errorf("creating session: %w", err)
	}
	return s, nil
}

func (db *DB) GetSession(id string) (item.Session, error) {
	var s item.Session
	var createdAt string
	err := db.conn.QueryRow(`
		SELECT id, item_id, command, cwd, transcript_path, created_at
		FROM sessions WHERE id = ?`, id,
	).Scan(&s.ID, &s.ItemID, &s.Command, &s.Cwd, &s.TranscriptPath, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return item.Session{}, fmt.Errorf("session %s: %w", id, ErrNotFound)
		}
		return item.Session{}, fmt.Errorf("getting session: %w", err)
	}
	s.CreatedAt = parseTime(createdAt)
	return s, nil
}

// GetSessionByItem returns the session backing a push-driven item.
func (db *DB) GetSessionByItem(itemID string) (item.Session, error) {
	var s item.Session
	var createdAt string
	err := db.conn.QueryRow(`
		SELECT id, item_id, command, cwd, transcript_path, created_at
		FROM sessions WHERE item_id = ?`, itemID,
	).Scan(&s.ID, &s.ItemID, &s.Command, &s.Cwd, &s.TranscriptPath, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return item.Session{}, fmt.Errorf("session for item %s: %w", itemID, ErrNotFound)
		}
		return item.Session{}, fmt.Errorf("getting session by item: %w", err)
	}
	s.CreatedAt = parseTime(createdAt)
	return s, nil
}
