package ics

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-ical"

	appLog "github.com/macjediwizard/calmirror/internal/log"
)

const layoutDate = "20060102"

var (
	hourMinuteDuration = regexp.MustCompile(`^PT(?:(\d+)H)?(?:(\d+)M)?(?:\d+S)?$`)
	dayDuration        = regexp.MustCompile(`^P\d+D$`)
)

// parseTimestamp converts a DTSTART/DTEND style property to an absolute
// instant. Date-only values become midnight UTC and floating times are
// read as UTC wall-clock.
func parseTimestamp(prop *ical.Prop) (time.Time, bool, error) {
	if strings.TrimSpace(prop.Value) == "" {
		return time.Time{}, false, fmt.Errorf("%s has an empty value", prop.Name)
	}

	dateOnly := isDateOnly(prop)
	loc := time.UTC
	if tzid := prop.Params.Get(ical.ParamTimezoneID); tzid != "" && !dateOnly {
		resolved, err := ResolveZone(tzid)
		if err != nil {
			appLog.Debug("treating time as floating", "tzid", tzid, "prop", prop.Name)
		} else {
			loc = resolved
		}
	}

	t, err := zoneless(prop, dateOnly).DateTime(loc)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parsing %s %q: %w", prop.Name, prop.Value, err)
	}
	return t.UTC(), dateOnly, nil
}

// zoneless copies prop without its TZID so go-ical parses it in the zone
// resolved above, which also covers Windows and GMT offset names. Date-only
// values are marked VALUE=DATE since DTSTART and DTEND default to DATE-TIME.
func zoneless(prop *ical.Prop, dateOnly bool) *ical.Prop {
	cp := *prop
	cp.Value = strings.TrimSpace(prop.Value)
	cp.Params = make(ical.Params, len(prop.Params))
	for k, v := range prop.Params {
		if k != ical.ParamTimezoneID {
			cp.Params[k] = v
		}
	}
	if dateOnly {
		cp.SetValueType(ical.ValueDate)
	}
	return &cp
}

func isDateOnly(prop *ical.Prop) bool {
	if strings.EqualFold(prop.Params.Get(ical.ParamValue), string(ical.ValueDate)) {
		return true
	}
	value := strings.TrimSpace(prop.Value)
	return len(value) == len(layoutDate) && !strings.Contains(value, "T")
}

// durationEnd derives an end from a "PT#H#M" style duration. A trailing
// seconds part is accepted and ignored. Other forms yield ok=false.
func durationEnd(start time.Time, duration string) (time.Time, bool) {
	m := hourMinuteDuration.FindStringSubmatch(strings.TrimSpace(duration))
	if m == nil || (m[1] == "" && m[2] == "") {
		return time.Time{}, false
	}
	var d time.Duration
	if m[1] != "" {
		h, _ := strconv.Atoi(m[1])
		d += time.Duration(h) * time.Hour
	}
	if m[2] != "" {
		mins, _ := strconv.Atoi(m[2])
		d += time.Duration(mins) * time.Minute
	}
	return start.Add(d), true
}

func isDayDuration(duration string) bool {
	return dayDuration.MatchString(strings.TrimSpace(duration))
}
