package db

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/uesteibar/inloop/internal/item"
)

// ItemFilter narrows ListItems. Zero values match everything.
type ItemFilter struct {
	Archived        *bool
	Types           []item.Type
	ExcludeStatuses []item.Status
}

const itemColumns = `id, type, title, status, previous_status, metadata,
	observed_phase, observed_detail, poll_interval_ms, archived, archived_at,
	last_checked_at, last_updated_at, created_at`

func (db *DB) CreateItem(it item.Item) (item.Item, error) {
	return createItem(db.conn, it)
}

func (tx *Tx) CreateItem(it item.Item) (item.Item, error) {
	return createItem(tx.tx, it)
}

func createItem(q querier, it item.Item) (item.Item, error) {
	if it.ID == "" {
		it.ID = uuid.New().String()
	}
	if err := it.Validate(); err != nil {
		return item.Item{}, fmt.Errorf("creating item: %w", err)
	}
	now := time.Now().UTC().Truncate(time.Second)
	if it.CreatedAt.IsZero() {
		it.CreatedAt = now
	}
	if it.LastUpdatedAt.IsZero() {
		it.LastUpdatedAt = now
	}
	md, err := item.MarshalMetadata(it.Metadata)
	if err != nil {
		return item.Item{}, err
	}

	_, err = q.Exec(`
		INSERT INTO items (`+itemColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		it.ID, it.Type, it.Title, it.Status, it.PreviousStatus, string(md),
		it.ObservedPhase, it.ObservedDetail, it.PollInterval.Milliseconds(),
		it.Archived, formatTime(it.ArchivedAt), formatTime(it.LastCheckedAt),
		formatTime(it.LastUpdatedAt), formatTime(it.CreatedAt),
	)
	if err != nil {
		return item.Item{}, fmt.Errorf("creating item: %w", err)
	}
	return it, nil
}

func (db *DB) GetItem(id string) (item.Item, error) {
	return getItem(db.conn, id)
}

// GetItem reads an item within the transaction, preserving changes made by
// earlier writes in the same transaction.
func (tx *Tx) GetItem(id string) (item.Item, error) {
	return getItem(tx.tx, id)
}

func getItem(q querier, id string) (item.Item, error) {
	row := q.QueryRow(`SELECT `+itemColumns+` FROM items WHERE id = ?`, id)
	it, err := scanItem(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return item.Item{}, fmt.Errorf("item %s: %w", id, ErrNotFound)
		}
		return item.Item{}, fmt.Errorf("getting item: %w", err)
	}
	return it, nil
}

func (db *DB) ListItems(filter ItemFilter) ([]item.Item, error) {
	query := `SELECT ` + itemColumns + ` FROM items`

	var conditions []string
	var args []any

	if filter.Archived != nil {
		conditions = append(conditions, "archived = ?")
		args = append(args, *filter.Archived)
	}
	if len(filter.Types) > 0 {
		conditions = append(conditions, "type IN ("+placeholders(len(filter.Types))+")")
		for _, t := range filter.Types {
			args = append(args, t)
		}
	}
	if len(filter.ExcludeStatuses) > 0 {
		conditions = append(conditions, "status NOT IN ("+placeholders(len(filter.ExcludeStatuses))+")")
		for _, s := range filter.ExcludeStatuses {
			args = append(args, s)
		}
	}

	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC, rowid DESC"

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing items: %w", err)
	}
	defer rows.Close()

	var items []item.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning item: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// ListPollable returns unarchived items of polled types that have not
// reached a terminal status.
func (db *DB) ListPollable() ([]item.Item, error) {
	archived := false
	return db.ListItems(ItemFilter{
		Archived:        &archived,
		Types:           item.PolledTypes(),
		ExcludeStatuses: item.TerminalStatuses(),
	})
}

// UpdateItem writes the full item row. Partial updates are not supported so
// that every write stores one consistent computed state.
func (tx *Tx) UpdateItem(it item.Item) error {
	if err := it.Validate(); err != nil {
		return fmt.Errorf("updating item: %w", err)
	}
	md, err := item.MarshalMetadata(it.Metadata)
	if err != nil {
		return err
	}
	result, err := tx.tx.Exec(`
		UPDATE items SET type = ?, title = ?, status = ?, previous_status = ?,
			metadata = ?, observed_phase = ?, observed_detail = ?,
			poll_interval_ms = ?, archived = ?, archived_at = ?,
			last_checked_at = ?, last_updated_at = ?
		WHERE id = ?`,
		it.Type, it.Title, it.Status, it.PreviousStatus, string(md),
		it.ObservedPhase, it.ObservedDetail, it.PollInterval.Milliseconds(),
		it.Archived, formatTime(it.ArchivedAt), formatTime(it.LastCheckedAt),
		formatTime(it.LastUpdatedAt), it.ID,
	)
	if err != nil {
		return fmt.Errorf("updating item: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("item %s: %w", it.ID, ErrNotFound)
	}
	return nil
}

// DeleteItem removes the item together with its sessions and events.
func (tx *Tx) DeleteItem(id string) error {
	result, err := tx.tx.Exec(`DELETE FROM items WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting item: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("item %s: %w", id, ErrNotFound)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanItem(s scanner) (item.Item, error) {
	var it item.Item
	var md, archivedAt, lastCheckedAt, lastUpdatedAt, createdAt string
	var pollMS int64
	err := s.Scan(&it.ID, &it.Type, &it.Title, &it.Status, &it.PreviousStatus,
		&md, &it.ObservedPhase, &it.ObservedDetail, &pollMS, &it.Archived,
		&archivedAt, &lastCheckedAt, &lastUpdatedAt, &createdAt)
	if err != nil {
		return item.Item{}, err
	}
	it.Metadata, err = item.UnmarshalMetadata(it.Type, []byte(md))
	if err != nil {
		return item.Item{}, fmt.Errorf("item %s: %w", it.ID, err)
	}
	it.PollInterval = time.Duration(pollMS) * time.Millisecond
	it.ArchivedAt = parseTime(archivedAt)
	it.LastCheckedAt = parseTime(lastCheckedAt)
	it.LastUpdatedAt = parseTime(lastUpdatedAt)
	it.CreatedAt = parseTime(createdAt)
	return it, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
