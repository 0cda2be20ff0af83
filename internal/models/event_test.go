package models

import (
	"testing"
	"time"
)

func TestEventIDDeterministic(t *testing.T) {
	a := EventID(SourceGoogle, "evt-1")
	b := EventID(SourceGoogle, "evt-1")
	if a != b {
		t.Fatalf("same (source, sourceID) produced different ids: %s vs %s", a, b)
	}
	if EventID(SourceCalDAV, "evt-1") == a {
		t.Fatal("different sources must not share event ids")
	}
	if EventID(SourceGoogle, "evt-2") == a {
		t.Fatal("different source ids must not share event ids")
	}
}

func TestConflictIDUnorderedPair(t *testing.T) {
	x := EventID(SourceGoogle, "a")
	y := EventID(SourceICS, "b")
	if ConflictID(x, y) != ConflictID(y, x) {
		t.Fatal("conflict id must not depend on pair order")
	}
}

func TestTimeRangeIntersects(t *testing.T) {
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	r := func(startMin, endMin int) TimeRange {
		return TimeRange{Start: base.Add(time.Duration(startMin) * time.Minute), End: base.Add(time.Duration(endMin) * time.Minute)}
	}

	cases := []struct {
		name string
		a, b TimeRange
		want bool
	}{
		{"overlap", r(0, 60), r(30, 90), true},
		{"touching boundaries do not overlap", r(0, 60), r(60, 120), false},
		{"contained", r(0, 120), r(30, 60), true},
		{"disjoint", r(0, 30), r(60, 90), false},
		{"point event inside", r(0, 60), r(30, 30), true},
		{"point event at end boundary", r(0, 60), r(60, 60), false},
	}
	for _, tc := range cases {
		if got := tc.a.Intersects(tc.b); got != tc.want {
			t.Errorf("%s: Intersects = %v, want %v", tc.name, got, tc.want)
		}
		if got := tc.b.Intersects(tc.a); got != tc.want {
			t.Errorf("%s (swapped): Intersects = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestConflictRangeWidensAllDay(t *testing.T) {
	ev := UnifiedEvent{
		AllDay:    true,
		StartTime: time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC),
		EndTime:   time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC),
	}
	meeting := TimeRange{
		Start: time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC),
	}
	if !ev.ConflictRange().Intersects(meeting) {
		t.Fatal("a same-day timed event must overlap an all-day event's conflict range")
	}
}

func TestValidateRejectsReversedRange(t *testing.T) {
	ev := UnifiedEvent{
		Source:    SourceGoogle,
		SourceID:  "x",
		OwnerID:   "u1",
		StartTime: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
		EndTime:   time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	}
	if err := ev.Validate(); err == nil {
		t.Fatal("expected validation error for end before start")
	}
}
