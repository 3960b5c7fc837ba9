package visits

import (
	"errors"

	"github.com/MarcoPoloResearchLab/fieldroute/internal/routes"
	"github.com/MarcoPoloResearchLab/fieldroute/internal/visitstate"
)

var (
	// ErrInvalidVisitID indicates a visit identifier that is not a positive integer.
	ErrInvalidVisitID = errors.New("visits: invalid visit id")
	// ErrInvalidUserID indicates a technician identifier that is not a positive integer.
	ErrInvalidUserID = errors.New("visits: invalid user id")
	// ErrInvalidPayload indicates a submission body that is not JSON.
	ErrInvalidPayload = errors.New("visits: payload must be valid JSON")
)

// VisitSubmission is the stored result of a visit, one per technician and idempotency key.
type VisitSubmission struct {
	ID                 string `gorm:"column:id;primaryKey;size:36"`
	VisitID            int64  `gorm:"column:visit_id;not null;index"`
	UserID             int64  `gorm:"column:user_id;not null;uniqueIndex:idx_visit_submissions_user_key,priority:1"`
	Day                string `gorm:"column:day;size:10;not null"`
	IdempotencyKey     string `gorm:"column:idempotency_key;size:64;not null;uniqueIndex:idx_visit_submissions_user_key,priority:2"`
	PayloadJSON        string `gorm:"column:payload_json;type:text;not null"`
	SubmittedAtSeconds int64  `gorm:"column:submitted_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (VisitSubmission) TableName() string {
	return "visit_submissions"
}

// DailyOdometer keeps the first odometer reading a technician reports each day.
type DailyOdometer struct {
	UserID            int64   `gorm:"column:user_id;primaryKey;autoIncrement:false"`
	Day               string  `gorm:"column:day;primaryKey;size:10"`
	Reading           float64 `gorm:"column:reading;not null"`
	VisitID           int64   `gorm:"column:visit_id;not null"`
	RecordedAtSeconds int64   `gorm:"column:recorded_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (DailyOdometer) TableName() string {
	return "daily_odometer_readings"
}

// SubmitRequest carries a raw submission from an authenticated technician.
type SubmitRequest struct {
	UserID  int64
	VisitID int64
	Payload []byte
}

// SubmitOutcome describes what the submission changed.
type SubmitOutcome struct {
	VisitID int64             `json:"visit_id"`
	Day     string            `json:"day"`
	Status  visitstate.Status `json:"status"`
}

// SubmitResult is returned for both new and repeated submissions.
type SubmitResult struct {
	ID         string        `json:"id"`
	Idempotent bool          `json:"idempotent"`
	Result     SubmitOutcome `json:"result"`
}

// RouteStop is a route entry decorated with today's visit state.
type RouteStop struct {
	VisitID        int64  `json:"visit_id"`
	Position       int    `json:"position"`
	ClientName     string `json:"client_name"`
	Address        string `json:"address"`
	CompletedToday bool   `json:"completed_today"`
	InProgress     bool   `json:"in_progress"`
}

// TodayRoutes is the technician's route for the current server day.
type TodayRoutes struct {
	Day    string      `json:"day"`
	Routes []RouteStop `json:"routes"`
}

func newRouteStop(visit routes.RouteVisit, flags visitstate.Flags) RouteStop {
	return RouteStop{
		VisitID:        visit.VisitID,
		Position:       visit.Position,
		ClientName:     visit.ClientName,
		Address:        visit.Address,
		CompletedToday: flags.CompletedToday,
		InProgress:     flags.InProgress,
	}
}
