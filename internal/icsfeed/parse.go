package icsfeed

import (
	"bytes"
	"errors"
	"strings"
	"time"

	ics "github.com/arran4/golang-ical"

	"calsync/internal/models"
)

// parsedEvent is one VEVENT before recurrence expansion.
type parsedEvent struct {
	feed Feed

	uid         string
	summary     string
	description string
	location    string

	start  time.Time
	end    time.Time
	allDay bool

	removed   bool
	blocking  bool
	attendees []models.Attendee

	rawRRule     string
	exDates      []time.Time
	recurrenceID *time.Time
}

// parseFeed decodes an ICS payload. Malformed VEVENTs are skipped and
// counted; a payload that is not a calendar at all fails.
func parseFeed(feed Feed, body []byte) ([]parsedEvent, int, error) {
	if len(body) == 0 {
		return nil, 0, errors.New("empty ICS body")
	}

	cal, err := ics.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, 0, err
	}

	events := make([]parsedEvent, 0, len(cal.Events()))
	skipped := 0
	for _, ve := range cal.Events() {
		ev, err := parseVEvent(feed, ve)
		if err != nil {
			skipped++
			continue
		}
		events = append(events, ev)
	}
	return events, skipped, nil
}

func parseVEvent(feed Feed, ve *ics.VEvent) (parsedEvent, error) {
	out := parsedEvent{feed: feed, blocking: true}

	uidProp := ve.GetProperty(ics.ComponentPropertyUniqueId)
	if uidProp == nil || uidProp.Value == "" {
		return out, errors.New("missing UID")
	}
	out.uid = uidProp.Value

	if p := ve.GetProperty(ics.ComponentPropertySummary); p != nil {
		out.summary = p.Value
	}
	if p := ve.GetProperty(ics.ComponentPropertyDescription); p != nil {
		out.description = p.Value
	}
	if p := ve.GetProperty(ics.ComponentPropertyLocation); p != nil {
		out.location = p.Value
	}
	if p := ve.GetProperty(ics.ComponentPropertyStatus); p != nil && strings.EqualFold(p.Value, "CANCELLED") {
		out.removed = true
	}
	if p := ve.GetProperty(ics.ComponentProperty(ics.PropertyTransp)); p != nil && strings.EqualFold(p.Value, "TRANSPARENT") {
		out.blocking = false
	}
	for _, p := range ve.GetProperties(ics.ComponentProperty(ics.PropertyAttendee)) {
		att := models.Attendee{Email: strings.TrimPrefix(p.Value, "mailto:")}
		if params := p.ICalParameters; params != nil {
			if cn, ok := params["CN"]; ok && len(cn) > 0 {
				att.DisplayName = cn[0]
			}
		}
		out.attendees = append(out.attendees, att)
	}

	// All-day when DTSTART has VALUE=DATE or carries no time portion.
	dtStartProp := ve.GetProperty(ics.ComponentPropertyDtStart)
	if dtStartProp == nil {
		if out.removed {
			// Cancelled tombstones only need the UID.
			return out, nil
		}
		return out, errors.New("missing DTSTART")
	}
	if params := dtStartProp.ICalParameters; params != nil {
		if vs, ok := params["VALUE"]; ok && len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
			out.allDay = true
		}
	}
	if !strings.Contains(dtStartProp.Value, "T") {
		out.allDay = true
	}

	start, err := ve.GetStartAt()
	if err != nil {
		return out, err
	}
	out.start = start

	end, err := ve.GetEndAt()
	if err != nil || end.IsZero() {
		if out.allDay {
			end = start.AddDate(0, 0, 1)
		} else {
			end = start
		}
	}
	if end.Before(start) {
		return out, errors.New("event ends before it starts")
	}
	out.end = end

	if p := ve.GetProperty(ics.ComponentPropertyRrule); p != nil {
		out.rawRRule = p.Value
	}
	for _, p := range ve.GetProperties(ics.ComponentPropertyExdate) {
		for _, part := range strings.Split(p.Value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if t, err := parseICSTime(part); err == nil {
				out.exDates = append(out.exDates, t)
			}
		}
	}
	if p := ve.GetProperty("RECURRENCE-ID"); p != nil {
		if t, err := parseICSTime(p.Value); err == nil {
			out.recurrenceID = &t
		}
	}

	return out, nil
}

// parseICSTime parses the basic DATE/DATE-TIME forms used by EXDATE and
// RECURRENCE-ID values.
func parseICSTime(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, errors.New("empty time value")
	}
	if strings.HasSuffix(v, "Z") {
		return time.Parse("20060102T150405Z", v)
	}
	if strings.Contains(v, "T") {
		return time.ParseInLocation("20060102T150405", v, time.UTC)
	}
	return time.ParseInLocation("20060102", v, time.UTC)
}
