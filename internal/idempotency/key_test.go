package idempotency

import (
	"testing"
	"time"
)

func TestKeyJoinsVisitAndDay(t *testing.T) {
	if got := Key(42, "2026-10-18"); got != "42:2026-10-18" {
		t.Fatalf("unexpected key %q", got)
	}
}

func TestKeyDistinguishesVisitsAndDays(t *testing.T) {
	keys := map[string]struct{}{}
	for _, visitID := range []int64{1, 12, 123} {
		for _, day := range []string{"2026-10-18", "2026-10-19"} {
			keys[Key(visitID, day)] = struct{}{}
		}
	}
	if len(keys) != 6 {
		t.Fatalf("expected 6 distinct keys, got %d", len(keys))
	}
}

func TestDayUsesLocationOfTimestamp(t *testing.T) {
	instant := time.Date(2026, 10, 18, 23, 30, 0, 0, time.UTC)
	if got := Day(instant); got != "2026-10-18" {
		t.Fatalf("unexpected utc day %q", got)
	}
	tokyo := time.FixedZone("JST", 9*60*60)
	if got := Day(instant.In(tokyo)); got != "2026-10-19" {
		t.Fatalf("unexpected shifted day %q", got)
	}
}

func TestKeyAt(t *testing.T) {
	instant := time.Date(2026, 1, 2, 8, 0, 0, 0, time.UTC)
	if got := KeyAt(7, instant); got != "7:2026-01-02" {
		t.Fatalf("unexpected key %q", got)
	}
}
