package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// GetSyncState retrieves the stored cursor of a collection.
func (db *DB) GetSyncState(calendarHref string) (*SyncState, error) {
	query := `SELECT id, calendar_href, display_name, sync_token, ctag, updated_at
		FROM sync_states WHERE calendar_href = ?`

	row := db.conn.QueryRow(query, calendarHref)

	state, err := scanSyncState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync state: %w", err)
	}
	return state, nil
}

// GetSyncStates returns the cursors of all known collections.
func (db *DB) GetSyncStates() ([]*SyncState, error) {
	query := `SELECT id, calendar_href, display_name, sync_token, ctag, updated_at
		FROM sync_states ORDER BY calendar_href`

	rows, err := db.conn.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync states: %w", err)
	}
	defer rows.Close()

	var states []*SyncState
	for rows.Next() {
		state, err := scanSyncState(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync state: %w", err)
		}
		states = append(states, state)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync states: %w", err)
	}

	return states, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSyncState(row rowScanner) (*SyncState, error) {
	state := &SyncState{}
	var displayName, syncToken, ctag sql.NullString
	if err := row.Scan(&state.ID, &state.CalendarHref, &displayName, &syncToken, &ctag, &state.UpdatedAt); err != nil {
		return nil, err
	}
	state.DisplayName = displayName.String
	state.SyncToken = syncToken.String
	state.CTag = ctag.String
	return state, nil
}

// UpsertSyncState creates or updates the cursor of a collection.
func (db *DB) UpsertSyncState(state *SyncState) error {
	now := time.Now().UTC()

	query := `UPDATE sync_states SET display_name = ?, sync_token = ?, ctag = ?, updated_at = ?
		WHERE calendar_href = ?`

	result, err := db.conn.Exec(query, state.DisplayName, state.SyncToken, state.CTag, now, state.CalendarHref)
	if err != nil {
		return fmt.Errorf("failed to update sync state: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	state.UpdatedAt = now
	if affected > 0 {
		return nil
	}

	if state.ID == "" {
		state.ID = uuid.New().String()
	}

	insertQuery := `INSERT INTO sync_states (id, calendar_href, display_name, sync_token, ctag, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`

	_, err = db.conn.Exec(insertQuery, state.ID, state.CalendarHref, state.DisplayName, state.SyncToken, state.CTag, state.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert sync state: %w", err)
	}

	return nil
}

// DeleteSyncState removes the cursor of a collection that disappeared.
func (db *DB) DeleteSyncState(calendarHref string) error {
	_, err := db.conn.Exec(`DELETE FROM sync_states WHERE calendar_href = ?`, calendarHref)
	if err != nil {
		return fmt.Errorf("failed to delete sync state: %w", err)
	}
	return nil
}

// CreateSyncLog records a sync pass.
func (db *DB) CreateSyncLog(log *SyncLog) error {
	if log.ID == "" {
		log.ID = uuid.New().String()
	}
	log.CreatedAt = time.Now().UTC()

	query := `INSERT INTO sync_logs (id, status, message, details, duration_ms,
		events_created, events_updated, events_deleted, events_skipped, calendars_synced, events_processed, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := db.conn.Exec(query, log.ID, log.Status, log.Message, log.Details, log.Duration.Milliseconds(),
		log.EventsCreated, log.EventsUpdated, log.EventsDeleted, log.EventsSkipped, log.CalendarsSynced, log.EventsProcessed, log.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create sync log: %w", err)
	}

	return nil
}

// GetSyncLogs returns the most recent sync passes, newest first.
func (db *DB) GetSyncLogs(limit int) ([]*SyncLog, error) {
	query := `SELECT id, status, message, details, duration_ms,
		events_created, events_updated, events_deleted, events_skipped, calendars_synced, events_processed, created_at
		FROM sync_logs ORDER BY created_at DESC LIMIT ?`

	rows, err := db.conn.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync logs: %w", err)
	}
	defer rows.Close()

	var logs []*SyncLog
	for rows.Next() {
		log := &SyncLog{}
		var message, details sql.NullString
		var durationMs int64
		err := rows.Scan(&log.ID, &log.Status, &message, &details, &durationMs,
			&log.EventsCreated, &log.EventsUpdated, &log.EventsDeleted, &log.EventsSkipped, &log.CalendarsSynced, &log.EventsProcessed, &log.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync log: %w", err)
		}
		log.Message = message.String
		log.Details = details.String
		log.Duration = time.Duration(durationMs) * time.Millisecond
		logs = append(logs, log)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync logs: %w", err)
	}

	return logs, nil
}

// CleanOldSyncLogs deletes sync logs created before olderThan.
func (db *DB) CleanOldSyncLogs(olderThan time.Time) (int64, error) {
	query := `DELETE FROM sync_logs WHERE created_at < ?`

	result, err := db.conn.Exec(query, olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to clean old sync logs: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return affected, nil
}

// UpsertMalformedEvent records or refreshes a parse failure.
func (db *DB) UpsertMalformedEvent(event *MalformedEvent) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	event.DiscoveredAt = time.Now().UTC()

	query := `INSERT INTO malformed_events (id, collection_url, event_path, error_message, raw_data, discovered_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(collection_url, event_path) DO UPDATE SET
			error_message = excluded.error_message,
			raw_data = excluded.raw_data,
			discovered_at = excluded.discovered_at`

	_, err := db.conn.Exec(query, event.ID, event.CollectionURL, event.EventPath, event.ErrorMessage, event.RawData, event.DiscoveredAt)
	if err != nil {
		return fmt.Errorf("failed to record malformed event: %w", err)
	}
	return nil
}

// GetMalformedEvents lists recorded parse failures, newest first.
func (db *DB) GetMalformedEvents() ([]*MalformedEvent, error) {
	query := `SELECT id, collection_url, event_path, error_message, raw_data, discovered_at
		FROM malformed_events ORDER BY discovered_at DESC`

	rows, err := db.conn.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to query malformed events: %w", err)
	}
	defer rows.Close()

	var events []*MalformedEvent
	for rows.Next() {
		e := &MalformedEvent{}
		var raw sql.NullString
		if err := rows.Scan(&e.ID, &e.CollectionURL, &e.EventPath, &e.ErrorMessage, &raw, &e.DiscoveredAt); err != nil {
			return nil, fmt.Errorf("failed to scan malformed event: %w", err)
		}
		e.RawData = raw.String
		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating malformed events: %w", err)
	}

	return events, nil
}

// DeleteMalformedEvent removes one recorded parse failure by id.
func (db *DB) DeleteMalformedEvent(id string) error {
	result, err := db.conn.Exec(`DELETE FROM malformed_events WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete malformed event: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ResolveMalformedEvents drops ledger entries for objects that parsed
// again or no longer exist.
func (db *DB) ResolveMalformedEvents(collectionURL string, paths []string) error {
	for _, p := range paths {
		_, err := db.conn.Exec(`DELETE FROM malformed_events WHERE collection_url = ? AND event_path = ?`, collectionURL, p)
		if err != nil {
			return fmt.Errorf("failed to resolve malformed event: %w", err)
		}
	}
	return nil
}

// DeleteMalformedEventsForCollection clears the ledger of a collection.
func (db *DB) DeleteMalformedEventsForCollection(collectionURL string) error {
	_, err := db.conn.Exec(`DELETE FROM malformed_events WHERE collection_url = ?`, collectionURL)
	if err != nil {
		return fmt.Errorf("failed to delete malformed events: %w", err)
	}
	return nil
}
