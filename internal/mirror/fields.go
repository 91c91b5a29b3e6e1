// Package mirror keeps a local row set consistent with the events of
// remote calendar collections.
package mirror

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/macjediwizard/calmirror/internal/db"
	"github.com/macjediwizard/calmirror/internal/model"
)

// ErrNoURLColumn is returned when the field map does not name the
// resource URL column.
var ErrNoURLColumn = errors.New("mirror field map must map the url field")

// FieldMap maps canonical event fields to store column names. An empty
// name leaves the field unmapped, except for URL which is mandatory.
type FieldMap struct {
	URL            string `yaml:"url" toml:"url"`
	UID            string `yaml:"uid" toml:"uid"`
	ETag           string `yaml:"etag" toml:"etag"`
	CollectionURL  string `yaml:"calendar_url" toml:"calendar_url"`
	Summary        string `yaml:"summary" toml:"summary"`
	Description    string `yaml:"description" toml:"description"`
	Location       string `yaml:"location" toml:"location"`
	Start          string `yaml:"start" toml:"start"`
	End            string `yaml:"end" toml:"end"`
	AllDay         string `yaml:"all_day" toml:"all_day"`
	Categories     string `yaml:"categories" toml:"categories"`
	RecurrenceRule string `yaml:"rrule" toml:"rrule"`
	Attendees      string `yaml:"attendees" toml:"attendees"`
}

// DefaultFieldMap maps every field to a column of the same name.
func DefaultFieldMap() FieldMap {
	return FieldMap{
		URL:            "url",
		UID:            "uid",
		ETag:           "etag",
		CollectionURL:  "calendar_url",
		Summary:        "summary",
		Description:    "description",
		Location:       "location",
		Start:          "start",
		End:            "end",
		AllDay:         "all_day",
		Categories:     "categories",
		RecurrenceRule: "rrule",
		Attendees:      "attendees",
	}
}

// Resolve validates the map and fills the bookkeeping columns that the
// identity triple needs. The result is used for a whole pass.
func (f FieldMap) Resolve() (FieldMap, error) {
	if strings.TrimSpace(f.URL) == "" {
		return FieldMap{}, ErrNoURLColumn
	}
	if f.CollectionURL == "" {
		f.CollectionURL = "calendar_url"
	}
	if f.ETag == "" {
		f.ETag = "etag"
	}

	seen := make(map[string]string)
	for _, c := range f.Columns() {
		if prev, ok := seen[c.Name]; ok {
			return FieldMap{}, fmt.Errorf("column %q mapped twice (%s)", c.Name, prev)
		}
		seen[c.Name] = c.Type
	}
	return f, nil
}

// Columns returns the mapped columns with their store types.
func (f FieldMap) Columns() []db.Column {
	var cols []db.Column
	add := func(name, typ string) {
		if name != "" {
			cols = append(cols, db.Column{Name: name, Type: typ})
		}
	}
	add(f.URL, "TEXT")
	add(f.UID, "TEXT")
	add(f.ETag, "TEXT")
	add(f.CollectionURL, "TEXT")
	add(f.Summary, "TEXT")
	add(f.Description, "TEXT")
	add(f.Location, "TEXT")
	add(f.Start, "TEXT")
	add(f.End, "TEXT")
	add(f.AllDay, "INTEGER")
	add(f.Categories, "TEXT")
	add(f.RecurrenceRule, "TEXT")
	add(f.Attendees, "TEXT")
	return cols
}

// Encode maps an event onto store columns. Times are RFC 3339 UTC
// strings, booleans are 0/1 and absent values are nil.
func (f FieldMap) Encode(ev model.Event) db.Row {
	row := db.Row{}
	set := func(col string, v any) {
		if col != "" {
			row[col] = v
		}
	}

	set(f.URL, ev.URL)
	set(f.UID, ev.UID)
	set(f.ETag, ev.ETag)
	set(f.CollectionURL, ev.CollectionURL)
	set(f.Summary, ev.Summary)
	set(f.Description, ev.Description)
	set(f.Location, ev.Location)
	set(f.Start, formatTime(ev.Start))

	if end, ok := ev.End.Get(); ok {
		set(f.End, formatTime(end))
	} else {
		set(f.End, nil)
	}

	allDay := int64(0)
	if ev.IsAllDay {
		allDay = 1
	}
	set(f.AllDay, allDay)

	if len(ev.Categories) > 0 {
		set(f.Categories, strings.Join(ev.Categories, ","))
	} else {
		set(f.Categories, nil)
	}

	if rule, ok := ev.RecurrenceRule.Get(); ok {
		set(f.RecurrenceRule, rule)
	} else {
		set(f.RecurrenceRule, nil)
	}

	set(f.Attendees, encodeAttendees(ev.Attendees))
	return row
}

// key reads the identity triple of a stored row.
func (f FieldMap) key(row db.Row) model.Key {
	return model.Key{
		CollectionURL: asString(row[f.CollectionURL]),
		URL:           asString(row[f.URL]),
		ETag:          asString(row[f.ETag]),
	}
}

// rowStart parses the start column of a stored row.
func (f FieldMap) rowStart(row db.Row) (time.Time, bool) {
	if f.Start == "" {
		return time.Time{}, false
	}
	s, ok := row[f.Start].(string)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func encodeAttendees(attendees []model.Attendee) any {
	if len(attendees) == 0 {
		return nil
	}
	data, err := json.Marshal(attendees)
	if err != nil {
		return nil
	}
	return string(data)
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return ""
	}
}

// differs reports whether any column of want has a different value in have.
func differs(want, have db.Row) bool {
	for col, v := range want {
		if !sameValue(v, have[col]) {
			return true
		}
	}
	return false
}

func sameValue(a, b any) bool {
	switch av := a.(type) {
	case nil:
		return b == nil
	case int64:
		switch bv := b.(type) {
		case int64:
			return av == bv
		case int:
			return av == int64(bv)
		}
		return false
	case string:
		return av == asString(b) && b != nil
	default:
		return fmt.Sprint(a) == fmt.Sprint(b)
	}
}
