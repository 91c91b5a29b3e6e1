package db

import (
	"time"
)

// SyncStatus represents the status of a sync pass.
type SyncStatus string

const (
	SyncStatusRunning SyncStatus = "running"
	SyncStatusSuccess SyncStatus = "success"
	SyncStatusPartial SyncStatus = "partial" // some collections failed, others were synced
	SyncStatusError   SyncStatus = "error"
)

// SyncState is the stored cursor of one collection.
type SyncState struct {
	ID           string    `json:"id"`
	CalendarHref string    `json:"calendar_href"`
	DisplayName  string    `json:"display_name"`
	SyncToken    string    `json:"sync_token"`
	CTag         string    `json:"ctag"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// SyncLog is the summary of one sync pass.
type SyncLog struct {
	ID              string        `json:"id"`
	Status          SyncStatus    `json:"status"`
	Message         string        `json:"message"`
	Details         string        `json:"details"`
	EventsCreated   int           `json:"events_created"`
	EventsUpdated   int           `json:"events_updated"`
	EventsDeleted   int           `json:"events_deleted"`
	EventsSkipped   int           `json:"events_skipped"`
	CalendarsSynced int           `json:"calendars_synced"`
	EventsProcessed int           `json:"events_processed"`
	Duration        time.Duration `json:"duration"`
	CreatedAt       time.Time     `json:"created_at"`
}

// MalformedEvent is a remote object that could not be parsed.
type MalformedEvent struct {
	ID            string    `json:"id"`
	CollectionURL string    `json:"collection_url"`
	EventPath     string    `json:"event_path"`
	ErrorMessage  string    `json:"error_message"`
	RawData       string    `json:"-"`
	DiscoveredAt  time.Time `json:"discovered_at"`
}
