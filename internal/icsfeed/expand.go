package icsfeed

import (
	"time"

	"github.com/teambition/rrule-go"

	"calsync/internal/models"
)

// maxOccurrencesPerEvent caps runaway RRULEs.
const maxOccurrencesPerEvent = 1000

// expandWindow turns parsed VEVENTs into concrete events inside the window.
// Recurring events become one event per occurrence, with RECURRENCE-ID
// overrides replacing the matching instance and EXDATEs removing theirs.
// It returns the events and the count of entries it had to drop.
func expandWindow(events []parsedEvent, window models.TimeRange) ([]models.UnifiedEvent, int) {
	baseByUID := map[string][]parsedEvent{}
	overridesByUID := map[string][]parsedEvent{}
	for _, ev := range events {
		if ev.recurrenceID != nil {
			overridesByUID[ev.uid] = append(overridesByUID[ev.uid], ev)
		} else {
			baseByUID[ev.uid] = append(baseByUID[ev.uid], ev)
		}
	}

	var out []models.UnifiedEvent
	skipped := 0
	for uid, bases := range baseByUID {
		overrides := overridesByUID[uid]
		for _, ev := range bases {
			if ev.removed {
				out = append(out, toUnified(ev, ev.start, ev.end, ev.feed.ID+"/"+ev.uid))
				continue
			}
			if ev.rawRRule == "" {
				if o, ok := overrideFor(overrides, ev.start); ok {
					ev = o
				}
				if rangesOverlap(ev.start, ev.end, window) {
					out = append(out, toUnified(ev, ev.start, ev.end, ev.feed.ID+"/"+ev.uid))
				}
				continue
			}
			occ, dropped := expandRecurring(ev, overrides, window)
			out = append(out, occ...)
			skipped += dropped
		}
	}
	return out, skipped
}

func expandRecurring(ev parsedEvent, overrides []parsedEvent, window models.TimeRange) ([]models.UnifiedEvent, int) {
	r, err := rrule.StrToRRule(ev.rawRRule)
	if err != nil {
		return nil, 1
	}
	r.DTStart(ev.start)

	var set rrule.Set
	set.RRule(r)
	for _, ex := range ev.exDates {
		set.ExDate(ex.In(ev.start.Location()))
	}

	rangeStart := window.Start.In(ev.start.Location())
	rangeEnd := window.End.In(ev.start.Location())
	occTimes := set.Between(rangeStart, rangeEnd, true)
	if len(occTimes) > maxOccurrencesPerEvent {
		occTimes = occTimes[:maxOccurrencesPerEvent]
	}

	duration := ev.end.Sub(ev.start)
	out := make([]models.UnifiedEvent, 0, len(occTimes))
	for _, occStart := range occTimes {
		occEnd := occStart.Add(duration)
		if ev.allDay {
			day := time.Date(occStart.Year(), occStart.Month(), occStart.Day(), 0, 0, 0, 0, occStart.Location())
			occStart = day
			occEnd = day.AddDate(0, 0, 1)
		}
		instance := ev
		if o, ok := overrideFor(overrides, occStart); ok {
			instance = o
			occStart = o.start
			occEnd = o.end
		}
		sourceID := ev.feed.ID + "/" + ev.uid + "#" + occStart.UTC().Format(time.RFC3339)
		out = append(out, toUnified(instance, occStart, occEnd, sourceID))
	}
	return out, 0
}

// overrideFor matches a RECURRENCE-ID override against an occurrence start.
func overrideFor(overrides []parsedEvent, start time.Time) (parsedEvent, bool) {
	for _, o := range overrides {
		if o.recurrenceID != nil && o.recurrenceID.In(start.Location()).Equal(start) {
			return o, true
		}
	}
	return parsedEvent{}, false
}

func rangesOverlap(start, end time.Time, window models.TimeRange) bool {
	if start.Equal(end) {
		return window.Contains(start)
	}
	return start.Before(window.End) && window.Start.Before(end)
}

func toUnified(ev parsedEvent, start, end time.Time, sourceID string) models.UnifiedEvent {
	return models.UnifiedEvent{
		Source:      models.SourceICS,
		SourceID:    sourceID,
		OwnerID:     ev.feed.OwnerID,
		Title:       ev.summary,
		Description: ev.description,
		Location:    ev.location,
		StartTime:   start.UTC(),
		EndTime:     end.UTC(),
		Attendees:   ev.attendees,
		AllDay:      ev.allDay,
		Blocking:    ev.blocking,
		Removed:     ev.removed,
		SyncStatus:  models.StatusPending,
	}
}
