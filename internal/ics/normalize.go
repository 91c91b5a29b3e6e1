// Package ics converts raw iCalendar objects into canonical events.
package ics

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/samber/mo"

	appLog "github.com/macjediwizard/calmirror/internal/log"
	"github.com/macjediwizard/calmirror/internal/model"
)

// ErrObjectParse is returned when a raw object cannot be turned into events.
var ErrObjectParse = errors.New("failed to parse calendar object")

// ErrorHandler receives the raw input of every object that failed to parse.
type ErrorHandler func(obj model.RawObject, coll model.CollectionRef, err error)

// Normalizer turns raw objects into events. It never fails: an object that
// does not parse is reported to the error handler and yields no events.
type Normalizer struct {
	onError ErrorHandler
}

// NewNormalizer creates a Normalizer. onError may be nil.
func NewNormalizer(onError ErrorHandler) *Normalizer {
	return &Normalizer{onError: onError}
}

// Normalize parses obj. Parse failures are logged and reported.
func (n *Normalizer) Normalize(obj model.RawObject, coll model.CollectionRef) []model.Event {
	events, err := Parse(obj, coll)
	if err != nil {
		appLog.Error("skipping malformed object", err, "url", obj.URL, "collection", coll.URL)
		if n != nil && n.onError != nil {
			n.onError(obj, coll, err)
		}
		return nil
	}
	return events
}

// NormalizeAll parses every object and concatenates the results.
func (n *Normalizer) NormalizeAll(objs []model.RawObject, coll model.CollectionRef) []model.Event {
	var events []model.Event
	for _, obj := range objs {
		events = append(events, n.Normalize(obj, coll)...)
	}
	return events
}

// Parse decodes one raw object into one event per VEVENT. Any failing
// VEVENT fails the whole object.
func Parse(obj model.RawObject, coll model.CollectionRef) ([]model.Event, error) {
	if obj.ReadErr != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrObjectParse, obj.URL, obj.ReadErr)
	}
	if strings.TrimSpace(obj.Data) == "" {
		return nil, fmt.Errorf("%w: %s: empty payload", ErrObjectParse, obj.URL)
	}

	cal, err := ical.NewDecoder(strings.NewReader(obj.Data)).Decode()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrObjectParse, obj.URL, err)
	}

	var events []model.Event
	ruleAttached := false
	for _, comp := range cal.Children {
		if comp.Name != ical.CompEvent {
			continue
		}

		event, err := parseEvent(comp, obj, coll)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrObjectParse, obj.URL, err)
		}

		if !ruleAttached {
			if rule, ok := recurrenceRule(comp, obj.Data).Get(); ok {
				event.RecurrenceRule = mo.Some(rule)
				ruleAttached = true
			}
		}

		events = append(events, event)
	}

	return events, nil
}

func parseEvent(comp *ical.Component, obj model.RawObject, coll model.CollectionRef) (model.Event, error) {
	startProp := comp.Props.Get(ical.PropDateTimeStart)
	if startProp == nil {
		return model.Event{}, errors.New("VEVENT has no DTSTART")
	}
	start, startDateOnly, err := parseTimestamp(startProp)
	if err != nil {
		return model.Event{}, err
	}

	event := model.Event{
		URL:           obj.URL,
		UID:           textProp(comp, ical.PropUID),
		ETag:          obj.ETag,
		CollectionURL: coll.URL,
		Summary:       textProp(comp, ical.PropSummary),
		Description:   textProp(comp, ical.PropDescription),
		Location:      textProp(comp, ical.PropLocation),
		Start:         start,
		End:           mo.None[time.Time](),
		Categories:    categories(comp),
		Attendees:     attendees(comp),
	}

	if rid := comp.Props.Get(ical.PropRecurrenceID); rid != nil {
		event.URL = model.InstanceURL(obj.URL, strings.TrimSpace(rid.Value))
	}

	if endProp := comp.Props.Get(ical.PropDateTimeEnd); endProp != nil {
		end, endDateOnly, err := parseTimestamp(endProp)
		if err != nil {
			return model.Event{}, err
		}
		event.End = mo.Some(end)
		event.IsAllDay = startDateOnly && endDateOnly
	} else if durProp := comp.Props.Get(ical.PropDuration); durProp != nil {
		if end, ok := durationEnd(start, durProp.Value); ok {
			event.End = mo.Some(end)
		} else {
			appLog.Debug("duration not interpreted", "url", event.URL, "duration", durProp.Value)
		}
		event.IsAllDay = isDayDuration(durProp.Value)
	}

	return event, nil
}

func textProp(comp *ical.Component, name string) string {
	prop := comp.Props.Get(name)
	if prop == nil {
		return ""
	}
	text, err := prop.Text()
	if err != nil {
		return prop.Value
	}
	return text
}

func categories(comp *ical.Component) []string {
	var out []string
	for _, prop := range comp.Props.Values(ical.PropCategories) {
		items, err := prop.TextList()
		if err != nil {
			items = strings.Split(prop.Value, ",")
		}
		for _, c := range items {
			if c = strings.TrimSpace(c); c != "" {
				out = append(out, c)
			}
		}
	}
	return out
}

func attendees(comp *ical.Component) []model.Attendee {
	props := comp.Props.Values(ical.PropAttendee)
	if len(props) == 0 {
		return nil
	}

	out := make([]model.Attendee, 0, len(props))
	for _, prop := range props {
		a := model.Attendee{
			Email:               stripMailto(prop.Value),
			DisplayName:         optionalParam(prop, "CN"),
			ParticipationStatus: optionalParam(prop, "PARTSTAT"),
			RSVPRequested:       mo.None[bool](),
		}
		if rsvp := prop.Params.Get("RSVP"); rsvp != "" {
			a.RSVPRequested = mo.Some(strings.EqualFold(rsvp, "TRUE"))
		}
		out = append(out, a)
	}
	return out
}

func stripMailto(v string) string {
	v = strings.TrimSpace(v)
	if len(v) >= 7 && strings.EqualFold(v[:7], "mailto:") {
		return v[7:]
	}
	return v
}

func optionalParam(prop ical.Prop, name string) mo.Option[string] {
	if v := strings.Trim(prop.Params.Get(name), `"`); v != "" {
		return mo.Some(v)
	}
	return mo.None[string]()
}
