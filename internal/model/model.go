// Package model holds the canonical types shared by the normalizer, the
// planner and the mirror reconciler.
package model

import (
	"strings"
	"time"

	"github.com/samber/mo"
)

// CollectionRef identifies one remote calendar collection and its last
// known synchronization cursor.
type CollectionRef struct {
	URL           string
	DisplayName   string
	ChangeToken   mo.Option[string]
	CollectionTag mo.Option[string]
}

// HasToken reports whether an incremental sync can be attempted.
func (c CollectionRef) HasToken() bool {
	tok, ok := c.ChangeToken.Get()
	return ok && tok != ""
}

// RawObject is one network resource as fetched from the remote source.
type RawObject struct {
	URL  string
	ETag string
	Data string
	// ReadErr is set when the object arrived but its body could not be
	// turned back into iCalendar text.
	ReadErr error
}

// Attendee is one ATTENDEE property of an event.
type Attendee struct {
	Email               string            `json:"email"`
	DisplayName         mo.Option[string] `json:"display_name"`
	ParticipationStatus mo.Option[string] `json:"participation_status"`
	RSVPRequested       mo.Option[bool]   `json:"rsvp_requested"`
}

// Event is the canonical event produced by the normalizer. Values are
// never mutated after they are produced.
type Event struct {
	URL            string
	UID            string
	ETag           string
	CollectionURL  string
	Summary        string
	Description    string
	Location       string
	Start          time.Time
	End            mo.Option[time.Time]
	IsAllDay       bool
	Categories     []string
	RecurrenceRule mo.Option[string]
	Attendees      []Attendee
}

// Key returns the identity triple of the event.
func (e Event) Key() Key {
	return Key{CollectionURL: e.CollectionURL, URL: e.URL, ETag: e.ETag}
}

// Key is the (collectionUrl, url, etag) identity triple of a mirror row.
type Key struct {
	CollectionURL string
	URL           string
	ETag          string
}

// DeletedRef names an object that disappeared from a collection. An empty
// ETag matches any version of the object.
type DeletedRef struct {
	URL           string
	ETag          string
	CollectionURL string
}

// TimeRange bounds a fetch or a full sync to [Start, End). Zero values are
// open ends.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// IsZero reports whether the range is unbounded on both sides.
func (r TimeRange) IsZero() bool {
	return r.Start.IsZero() && r.End.IsZero()
}

// Contains reports whether t falls inside the range.
func (r TimeRange) Contains(t time.Time) bool {
	if !r.Start.IsZero() && t.Before(r.Start) {
		return false
	}
	if !r.End.IsZero() && !t.Before(r.End) {
		return false
	}
	return true
}

// Overlaps reports whether [start, end) intersects the range. An empty
// span is treated as the instant start.
func (r TimeRange) Overlaps(start, end time.Time) bool {
	if !end.After(start) {
		return r.Contains(start)
	}
	if !r.End.IsZero() && !start.Before(r.End) {
		return false
	}
	if !r.Start.IsZero() && !end.After(r.Start) {
		return false
	}
	return true
}

// SyncResult is the per-collection outcome of one planner pass.
type SyncResult struct {
	Collection       CollectionRef
	Created          []Event
	Updated          []Event
	Deleted          []DeletedRef
	NewToken         mo.Option[string]
	NewCollectionTag mo.Option[string]
	IsFullSync       bool

	// Scope restricts a full sync to the rows of one resource URL.
	Scope string
	// Window restricts a full sync to rows starting inside the range.
	Window mo.Option[TimeRange]
}

// Partial reports whether the result covers only part of the collection.
// Partial results never advance the stored token.
func (r *SyncResult) Partial() bool {
	return r.Scope != "" || r.Window.IsPresent()
}

// Changes returns the number of entries carried by the result.
func (r *SyncResult) Changes() int {
	return len(r.Created) + len(r.Updated) + len(r.Deleted)
}

// BaseURL strips a recurrence-instance suffix from an event URL.
func BaseURL(u string) string {
	if i := strings.IndexByte(u, '#'); i >= 0 {
		return u[:i]
	}
	return u
}

// InstanceURL appends a recurrence-instance identifier to an object URL.
func InstanceURL(objectURL, recurrenceID string) string {
	if recurrenceID == "" {
		return objectURL
	}
	return objectURL + "#" + recurrenceID
}
