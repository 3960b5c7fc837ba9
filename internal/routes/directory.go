// Package routes reads the daily route schedule assigned to technicians.
package routes

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	queryUserDay         = "user_id = ? AND day = ?"
	orderPositionVisitID = "position ASC, visit_id ASC"
)

var (
	errMissingDatabase = errors.New("routes: database handle is required")
	// ErrInvalidRouteVisit indicates a schedule row without visit, user or day.
	ErrInvalidRouteVisit = errors.New("routes: invalid route visit")
)

// RouteVisit is one stop on a technician's route for a day.
type RouteVisit struct {
	VisitID    int64  `gorm:"column:visit_id;primaryKey;autoIncrement:false" json:"visit_id"`
	Day        string `gorm:"column:day;primaryKey;size:10;index:idx_route_visits_user_day,priority:2" json:"day"`
	UserID     int64  `gorm:"column:user_id;not null;index:idx_route_visits_user_day,priority:1" json:"user_id"`
	Position   int    `gorm:"column:position;not null" json:"position"`
	ClientName string `gorm:"column:client_name;size:255;not null" json:"client_name"`
	Address    string `gorm:"column:address;size:512;not null" json:"address"`
}

// TableName provides the explicit table binding for GORM.
func (RouteVisit) TableName() string {
	return "route_visits"
}

// Directory serves route schedules from the route_visits table.
type Directory struct {
	db *gorm.DB
}

// NewDirectory wraps a migrated database handle.
func NewDirectory(db *gorm.DB) (*Directory, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	return &Directory{db: db}, nil
}

// TodayRoutes lists the user's stops for day in route order.
func (d *Directory) TodayRoutes(ctx context.Context, userID int64, day string) ([]RouteVisit, error) {
	var visits []RouteVisit
	if err := d.db.WithContext(ctx).
		Where(queryUserDay, userID, day).
		Order(orderPositionVisitID).
		Find(&visits).Error; err != nil {
		return nil, err
	}
	return visits, nil
}

// Import replaces schedule rows keyed by visit and day.
func (d *Directory) Import(ctx context.Context, visits []RouteVisit) error {
	if len(visits) == 0 {
		return nil
	}
	for _, visit := range visits {
		if visit.VisitID <= 0 || visit.UserID <= 0 || visit.Day == "" {
			return ErrInvalidRouteVisit
		}
	}
	return d.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "visit_id"}, {Name: "day"}},
			DoUpdates: clause.AssignmentColumns([]string{"user_id", "position", "client_name", "address"}),
		}).
		Create(&visits).Error
}
