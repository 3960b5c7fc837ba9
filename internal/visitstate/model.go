package visitstate

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Status enumerates the per-day lifecycle of a visit.
type Status string

const (
	// StatusInProgress marks a visit the technician has opened.
	StatusInProgress Status = "in_progress"
	// StatusCompleted marks a visit whose submission has been recorded.
	StatusCompleted Status = "completed"
)

var errInvalidStatus = errors.New("visitstate: invalid status")

// parseStatus accepts stored values regardless of case or surrounding whitespace.
func parseStatus(raw string) (Status, error) {
	switch Status(strings.ToLower(strings.TrimSpace(raw))) {
	case StatusInProgress:
		return StatusInProgress, nil
	case StatusCompleted:
		return StatusCompleted, nil
	default:
		return "", fmt.Errorf("%w: %q", errInvalidStatus, raw)
	}
}

// Entry is the state of one visit for one technician on one calendar day.
type Entry struct {
	VisitID          int64  `gorm:"column:visit_id;primaryKey;autoIncrement:false"`
	Day              string `gorm:"column:day;primaryKey;size:10;not null;index:idx_visit_states_user_day,priority:2"`
	UserID           int64  `gorm:"column:user_id;primaryKey;autoIncrement:false;index:idx_visit_states_user_day,priority:1"`
	Status           Status `gorm:"column:status;size:16;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Entry) TableName() string {
	return "visit_states"
}

// Flags is the route-list view of an entry.
type Flags struct {
	CompletedToday bool `json:"completed_today"`
	InProgress     bool `json:"in_progress"`
}

func flagsOf(entry Entry, found bool) Flags {
	if !found {
		return Flags{}
	}
	switch entry.Status {
	case StatusCompleted:
		return Flags{CompletedToday: true}
	case StatusInProgress:
		return Flags{InProgress: true}
	default:
		return Flags{}
	}
}

type entryKey struct {
	visitID int64
	day     string
	userID  int64
}

// String renders the memory map key as day:visitId:userId.
func (key entryKey) String() string {
	return key.day + ":" + strconv.FormatInt(key.visitID, 10) + ":" + strconv.FormatInt(key.userID, 10)
}
