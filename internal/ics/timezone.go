package ics

import (
	"errors"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata" // zone resolution must not depend on the host zoneinfo
)

// ErrUnknownZone is returned when a TZID cannot be resolved.
var ErrUnknownZone = errors.New("unknown time zone")

// ResolveZone maps a TZID parameter to a location. It tries the identifier
// as an IANA name, then through the Windows name table, then as a vendor
// path ending in an IANA name, then as a GMT/UTC offset.
func ResolveZone(tzid string) (*time.Location, error) {
	tzid = strings.Trim(strings.TrimSpace(tzid), `"`)
	if tzid == "" {
		return time.UTC, nil
	}

	// "Local" would make the result depend on the host.
	if !strings.EqualFold(tzid, "Local") {
		if loc, err := time.LoadLocation(tzid); err == nil {
			return loc, nil
		}
	}

	if iana, ok := windowsZone(tzid); ok {
		if loc, err := time.LoadLocation(iana); err == nil {
			return loc, nil
		}
	}

	// Vendor prefixes such as "/mozilla.org/20050126_1/America/New_York".
	if strings.Contains(tzid, "/") {
		parts := strings.Split(strings.Trim(tzid, "/"), "/")
		for n := 3; n >= 2; n-- {
			if len(parts) < n {
				continue
			}
			candidate := strings.Join(parts[len(parts)-n:], "/")
			if loc, err := time.LoadLocation(candidate); err == nil {
				return loc, nil
			}
		}
	}

	if loc := parseGMTOffset(tzid); loc != nil {
		return loc, nil
	}

	return nil, fmt.Errorf("%w: %s", ErrUnknownZone, tzid)
}

func windowsZone(name string) (string, bool) {
	if iana, ok := windowsZones[name]; ok {
		return iana, true
	}
	for k, v := range windowsZones {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}

// parseGMTOffset parses identifiers like "GMT-0400", "UTC+05:30" or
// "(UTC+01:00) Amsterdam, Berlin" into a fixed zone.
func parseGMTOffset(tzid string) *time.Location {
	offset := tzid
	if strings.HasPrefix(offset, "(") {
		if end := strings.Index(offset, ")"); end > 0 {
			offset = offset[1:end]
		}
	}

	matched := false
	for _, prefix := range []string{"GMT", "UTC"} {
		if strings.HasPrefix(strings.ToUpper(offset), prefix) {
			offset = offset[len(prefix):]
			matched = true
			break
		}
	}
	if !matched {
		return nil
	}
	if offset == "" {
		return time.UTC
	}

	sign := 1
	switch offset[0] {
	case '-':
		sign = -1
		offset = offset[1:]
	case '+':
		offset = offset[1:]
	default:
		return nil
	}

	offset = strings.ReplaceAll(offset, ":", "")
	for _, r := range offset {
		if r < '0' || r > '9' {
			return nil
		}
	}

	var hours, minutes int
	switch len(offset) {
	case 1, 2:
		fmt.Sscanf(offset, "%d", &hours)
	case 3:
		fmt.Sscanf(offset, "%1d%2d", &hours, &minutes)
	case 4:
		fmt.Sscanf(offset, "%2d%2d", &hours, &minutes)
	default:
		return nil
	}
	if hours > 14 || minutes > 59 {
		return nil
	}

	return time.FixedZone(tzid, sign*(hours*3600+minutes*60))
}
