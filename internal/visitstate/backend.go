package visitstate

import (
	"context"
	"errors"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	columnVisitID        = "visit_id"
	columnDay            = "day"
	columnUserID         = "user_id"
	columnStatus         = "status"
	columnUpdatedAt      = "updated_at_s"
	queryEntryKey        = columnVisitID + " = ? AND " + columnDay + " = ? AND " + columnUserID + " = ?"
	queryUserDayVisitsIn = columnDay + " = ? AND " + columnUserID + " = ? AND " + columnVisitID + " IN ?"
	queryDay             = columnDay + " = ?"
)

var keyColumns = []clause.Column{{Name: columnVisitID}, {Name: columnDay}, {Name: columnUserID}}

// backend is one storage location for visit state. Both implementations give the same answers
// for the same write sequence; the store compares them during shadow reads.
type backend interface {
	markInProgress(ctx context.Context, key entryKey, at time.Time) error
	markCompleted(ctx context.Context, key entryKey, at time.Time) error
	get(ctx context.Context, key entryKey) (Entry, bool, error)
	list(ctx context.Context, day string, userID int64, visitIDs []int64) (map[int64]Entry, error)
	resetDay(ctx context.Context, day string) error
}

type memoryBackend struct {
	mu      sync.Mutex
	entries map[string]Entry
}

func newMemoryBackend() *memoryBackend {
	return &memoryBackend{entries: make(map[string]Entry)}
}

func (m *memoryBackend) markInProgress(_ context.Context, key entryKey, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.entries[key.String()]; exists {
		return nil
	}
	m.entries[key.String()] = newEntry(key, StatusInProgress, at)
	return nil
}

func (m *memoryBackend) markCompleted(_ context.Context, key entryKey, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key.String()] = newEntry(key, StatusCompleted, at)
	return nil
}

func (m *memoryBackend) get(_ context.Context, key entryKey) (Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[key.String()]
	return entry, ok, nil
}

func (m *memoryBackend) list(_ context.Context, day string, userID int64, visitIDs []int64) (map[int64]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int64]Entry, len(visitIDs))
	for _, visitID := range visitIDs {
		key := entryKey{visitID: visitID, day: day, userID: userID}
		if entry, ok := m.entries[key.String()]; ok {
			out[visitID] = entry
		}
	}
	return out, nil
}

func (m *memoryBackend) resetDay(_ context.Context, day string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for mapKey, entry := range m.entries {
		if entry.Day == day {
			delete(m.entries, mapKey)
		}
	}
	return nil
}

// tableBackend keeps visit state in the visit_states table. Every write is a single
// INSERT ... ON CONFLICT statement so concurrent submits for one key cannot lose an update.
type tableBackend struct {
	db *gorm.DB
}

func newTableBackend(db *gorm.DB) *tableBackend {
	return &tableBackend{db: db}
}

func (t *tableBackend) markInProgress(ctx context.Context, key entryKey, at time.Time) error {
	entry := newEntry(key, StatusInProgress, at)
	return t.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: keyColumns, DoNothing: true}).
		Create(&entry).Error
}

func (t *tableBackend) markCompleted(ctx context.Context, key entryKey, at time.Time) error {
	entry := newEntry(key, StatusCompleted, at)
	return t.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   keyColumns,
			DoUpdates: clause.AssignmentColumns([]string{columnStatus, columnUpdatedAt}),
		}).
		Create(&entry).Error
}

func (t *tableBackend) get(ctx context.Context, key entryKey) (Entry, bool, error) {
	var entry Entry
	err := t.db.WithContext(ctx).
		Where(queryEntryKey, key.visitID, key.day, key.userID).
		Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	entry, found := readEntry(entry)
	return entry, found, nil
}

func (t *tableBackend) list(ctx context.Context, day string, userID int64, visitIDs []int64) (map[int64]Entry, error) {
	out := make(map[int64]Entry, len(visitIDs))
	if len(visitIDs) == 0 {
		return out, nil
	}
	var rows []Entry
	if err := t.db.WithContext(ctx).
		Where(queryUserDayVisitsIn, day, userID, visitIDs).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	for _, row := range rows {
		if entry, ok := readEntry(row); ok {
			out[row.VisitID] = entry
		}
	}
	return out, nil
}

func (t *tableBackend) resetDay(ctx context.Context, day string) error {
	return t.db.WithContext(ctx).Where(queryDay, day).Delete(&Entry{}).Error
}

// readEntry normalizes a stored row. Rows with an unknown status read as absent, matching
// what the memory backend would hold for the same key.
func readEntry(row Entry) (Entry, bool) {
	status, err := parseStatus(string(row.Status))
	if err != nil {
		return Entry{}, false
	}
	row.Status = status
	return row, true
}

func newEntry(key entryKey, status Status, at time.Time) Entry {
	return Entry{
		VisitID:          key.visitID,
		Day:              key.day,
		UserID:           key.userID,
		Status:           status,
		UpdatedAtSeconds: at.UTC().Unix(),
	}
}
