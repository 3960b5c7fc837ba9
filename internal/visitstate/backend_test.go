package visitstate

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryBackendNeverDowngradesCompleted(t *testing.T) {
	ctx := context.Background()
	memory := newMemoryBackend()
	key := entryKey{visitID: 42, day: "2026-10-18", userID: 7}
	at := time.Unix(1760000000, 0)

	if err := memory.markCompleted(ctx, key, at); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := memory.markInProgress(ctx, key, at.Add(time.Minute)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	entry, found, err := memory.get(ctx, key)
	if err != nil || !found {
		t.Fatalf("expected entry, found=%v err=%v", found, err)
	}
	if entry.Status != StatusCompleted {
		t.Fatalf("expected completed to survive in-progress write, got %s", entry.Status)
	}
	if key.String() != "2026-10-18:42:7" {
		t.Fatalf("unexpected memory key %q", key.String())
	}
}

func TestTableBackendMarkCompletedTwiceKeepsOneRow(t *testing.T) {
	ctx := context.Background()
	db := openStateDatabase(t)
	table := newTableBackend(db)
	key := entryKey{visitID: 42, day: "2026-10-18", userID: 7}

	if err := table.markInProgress(ctx, key, time.Unix(1760000000, 0)); err != nil {
		t.Fatalf("mark in progress: %v", err)
	}
	if err := table.markCompleted(ctx, key, time.Unix(1760000100, 0)); err != nil {
		t.Fatalf("first mark completed: %v", err)
	}
	if err := table.markCompleted(ctx, key, time.Unix(1760000200, 0)); err != nil {
		t.Fatalf("second mark completed: %v", err)
	}

	if rows := countRows(t, db); rows != 1 {
		t.Fatalf("expected exactly one row, got %d", rows)
	}
	entry, found, err := table.get(ctx, key)
	if err != nil || !found {
		t.Fatalf("expected entry, found=%v err=%v", found, err)
	}
	if entry.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", entry.Status)
	}
	if entry.UpdatedAtSeconds != 1760000200 {
		t.Fatalf("expected updated_at to follow latest write, got %d", entry.UpdatedAtSeconds)
	}
}

func TestTableBackendMarkInProgressKeepsCompleted(t *testing.T) {
	ctx := context.Background()
	table := newTableBackend(openStateDatabase(t))
	key := entryKey{visitID: 5, day: "2026-10-18", userID: 1}

	if err := table.markCompleted(ctx, key, time.Unix(1760000000, 0)); err != nil {
		t.Fatalf("mark completed: %v", err)
	}
	if err := table.markInProgress(ctx, key, time.Unix(1760000100, 0)); err != nil {
		t.Fatalf("mark in progress: %v", err)
	}

	entry, _, err := table.get(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if entry.Status != StatusCompleted {
		t.Fatalf("expected completed to be preserved, got %s", entry.Status)
	}
}

func TestTableBackendListAndResetDay(t *testing.T) {
	ctx := context.Background()
	table := newTableBackend(openStateDatabase(t))
	at := time.Unix(1760000000, 0)

	writes := []entryKey{
		{visitID: 1, day: "2026-10-17", userID: 3},
		{visitID: 1, day: "2026-10-18", userID: 3},
		{visitID: 2, day: "2026-10-18", userID: 3},
		{visitID: 2, day: "2026-10-18", userID: 4},
	}
	for _, key := range writes {
		if err := table.markCompleted(ctx, key, at); err != nil {
			t.Fatalf("mark completed %s: %v", key, err)
		}
	}

	entries, err := table.list(ctx, "2026-10-18", 3, []int64{1, 2, 9})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected two entries for user 3 today, got %d", len(entries))
	}

	empty, err := table.list(ctx, "2026-10-18", 3, nil)
	if err != nil || len(empty) != 0 {
		t.Fatalf("expected empty list for no visit ids, got %v err=%v", empty, err)
	}

	if err := table.resetDay(ctx, "2026-10-18"); err != nil {
		t.Fatalf("reset day: %v", err)
	}
	if _, found, _ := table.get(ctx, writes[0]); !found {
		t.Fatalf("expected other days to survive reset")
	}
	if _, found, _ := table.get(ctx, writes[1]); found {
		t.Fatalf("expected reset day to be cleared")
	}
}

func TestParseStatus(t *testing.T) {
	status, err := parseStatus(" Completed ")
	if err != nil || status != StatusCompleted {
		t.Fatalf("expected completed, got %q err=%v", status, err)
	}
	if _, err := parseStatus("done"); !errors.Is(err, errInvalidStatus) {
		t.Fatalf("expected invalid status error, got %v", err)
	}
}

func TestTableBackendNormalizesStoredStatus(t *testing.T) {
	ctx := context.Background()
	db := openStateDatabase(t)
	table := newTableBackend(db)

	rows := []Entry{
		{VisitID: 1, Day: "2026-10-18", UserID: 7, Status: Status(" Completed "), UpdatedAtSeconds: 1},
		{VisitID: 2, Day: "2026-10-18", UserID: 7, Status: Status("cancelled"), UpdatedAtSeconds: 1},
	}
	if err := db.Create(&rows).Error; err != nil {
		t.Fatalf("failed to seed rows: %v", err)
	}

	entry, found, err := table.get(ctx, entryKey{visitID: 1, day: "2026-10-18", userID: 7})
	if err != nil || !found || entry.Status != StatusCompleted {
		t.Fatalf("expected normalized completed entry, got %+v found=%v err=%v", entry, found, err)
	}
	if _, found, err := table.get(ctx, entryKey{visitID: 2, day: "2026-10-18", userID: 7}); err != nil || found {
		t.Fatalf("expected unknown status to read as absent, found=%v err=%v", found, err)
	}

	listed, err := table.list(ctx, "2026-10-18", 7, []int64{1, 2})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(listed) != 1 || listed[1].Status != StatusCompleted {
		t.Fatalf("expected only the known status to be listed, got %+v", listed)
	}
}
