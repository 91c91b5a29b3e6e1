package ics

import (
	"strings"

	"github.com/emersion/go-ical"
	"github.com/samber/mo"
	"github.com/teambition/rrule-go"
)

// recurrenceRule returns the RRULE text of comp. Rules the structured
// decoder mangled are recovered from the raw object text, taking the first
// RRULE line after the last VTIMEZONE block.
func recurrenceRule(comp *ical.Component, raw string) mo.Option[string] {
	prop := comp.Props.Get(ical.PropRecurrenceRule)
	if prop == nil {
		return mo.None[string]()
	}

	value := strings.TrimSpace(prop.Value)
	if value != "" {
		if _, err := rrule.StrToROption(value); err == nil {
			return mo.Some(value)
		}
	}

	if scanned, ok := scanRRule(raw); ok {
		return mo.Some(scanned)
	}
	if value != "" {
		return mo.Some(value)
	}
	return mo.None[string]()
}

func scanRRule(raw string) (string, bool) {
	body := raw
	if i := strings.LastIndex(body, "END:VTIMEZONE"); i >= 0 {
		body = body[i:]
	}
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.HasPrefix(line, "RRULE:") {
			rule := strings.TrimSpace(strings.TrimPrefix(line, "RRULE:"))
			if rule != "" {
				return rule, true
			}
		}
	}
	return "", false
}
